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

package store

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemoryStore is a single-process Store for tests and development. It keeps
// the semantics the relay depends on: per-field atomicity, absence vs empty
// value, and key-level idle TTL (enforced lazily on access).
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]map[string]string
	deadlines map[string]time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   map[string]map[string]string{},
		deadlines: map[string]time.Time{},
	}
}

// purge drops key if its TTL has elapsed. Callers hold mu.
func (s *MemoryStore) purge(key string) {
	if deadline, ok := s.deadlines[key]; ok && time.Now().After(deadline) {
		delete(s.records, key)
		delete(s.deadlines, key)
	}
}

func (s *MemoryStore) SetFields(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)

	record, ok := s.records[key]
	if !ok {
		record = map[string]string{}
		s.records[key] = record
	}
	for field, value := range fields {
		record[field] = value
	}
	return nil
}

func (s *MemoryStore) GetField(_ context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)

	value, ok := s.records[key][field]
	return value, ok, nil
}

func (s *MemoryStore) GetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)

	fields := map[string]string{}
	for field, value := range s.records[key] {
		fields[field] = value
	}
	return fields, nil
}

func (s *MemoryStore) DeleteField(_ context.Context, key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)

	record, ok := s.records[key]
	if !ok {
		return false, nil
	}
	if _, ok := record[field]; !ok {
		return false, nil
	}
	delete(record, field)
	if len(record) == 0 {
		delete(s.records, key)
		delete(s.deadlines, key)
	}
	return true, nil
}

func (s *MemoryStore) DeleteKey(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	delete(s.deadlines, key)
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)

	if _, ok := s.records[key]; !ok {
		return nil
	}
	s.deadlines[key] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) IncrementField(_ context.Context, key, field string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)

	record, ok := s.records[key]
	if !ok {
		record = map[string]string{}
		s.records[key] = record
	}
	current := int64(0)
	if raw, ok := record[field]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "field %s of %s is not an integer", field, key)
		}
		current = parsed
	}
	record[field] = strconv.FormatInt(current+n, 10)
	return nil
}

func (s *MemoryStore) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.records {
		s.purge(key)
		if _, ok := s.records[key]; !ok {
			continue
		}
		if matched, err := path.Match(pattern, key); err != nil {
			return nil, errors.Wrapf(err, "bad scan pattern %s", pattern)
		} else if matched {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// TTL reports the remaining idle TTL of key, for tests; the second return is
// false when no TTL is armed.
func (s *MemoryStore) TTL(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline, ok := s.deadlines[key]
	if !ok {
		return 0, false
	}
	return time.Until(deadline), true
}
