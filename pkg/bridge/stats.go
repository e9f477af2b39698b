/*
Copyright 2023 The Jupyter-Bridge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bridge

import (
	"context"
	"sort"
	"strings"
	"time"
)

const (
	statPrefix = "stat"
	countField = "count"

	statDateLayout = "2006-01-02"
)

// statsHeader matches the CSV projection existing tooling consumes.
const statsHeader = "date,count(request),request bytes,count(reply),reply bytes"

// recordStats bumps the per-day message count and cumulative byte total for a
// direction. Stat records carry no TTL.
func (b *Bridge) recordStats(ctx context.Context, direction Direction, sizeBytes int) error {
	key := statPrefix + ":" + time.Now().Format(statDateLayout)
	if err := b.store.IncrementField(ctx, key, countField+":"+string(direction), 1); err != nil {
		return err
	}
	return b.store.IncrementField(ctx, key, string(direction), int64(sizeBytes))
}

// StatsCSV renders every stat record as CSV, sorted by date ascending. Fields
// a day never touched render as empty strings.
func (b *Bridge) StatsCSV(ctx context.Context) (string, error) {
	keys, err := b.store.Scan(ctx, statPrefix+":*")
	if err != nil {
		return "", err
	}
	sort.Strings(keys)

	lines := []string{statsHeader}
	for _, key := range keys {
		fields, err := b.store.GetAll(ctx, key)
		if err != nil {
			return "", err
		}
		day := key[len(statPrefix)+1:]
		columns := []string{
			day,
			fields[countField+":"+string(Request)],
			fields[string(Request)],
			fields[countField+":"+string(Reply)],
			fields[string(Reply)],
		}
		lines = append(lines, strings.Join(columns, ","))
	}
	return strings.Join(lines, "\n"), nil
}
