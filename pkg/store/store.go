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
	"time"
)

// Store is a facade over a shared key/value service holding field-addressable
// records. Records distinguish an absent field from a field holding the empty
// string, fields within one key are written atomically, and a key-level idle
// TTL can be armed with Expire. The production implementation is Redis; tests
// inject the in-memory implementation.
type Store interface {
	// SetFields upserts the named fields within key.
	SetFields(ctx context.Context, key string, fields map[string]string) error

	// GetField reads one field. The second return reports whether the field
	// was present, distinguishing absence from an empty value.
	GetField(ctx context.Context, key, field string) (string, bool, error)

	// GetAll returns every field of key; an unknown key yields an empty map.
	GetAll(ctx context.Context, key string) (map[string]string, error)

	// DeleteField removes one field, reporting whether it existed.
	DeleteField(ctx context.Context, key, field string) (bool, error)

	// DeleteKey removes the whole record.
	DeleteKey(ctx context.Context, key string) error

	// Expire arms the idle TTL on key. Failing to arm it while the key
	// exists is an error; the caller treats that as fatal.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// IncrementField atomically adds n to an integer field, creating it at n
	// when absent.
	IncrementField(ctx context.Context, key, field string, n int64) error

	// Scan enumerates keys matching a shell-style glob.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Close releases the underlying connection, if any.
	Close() error
}
