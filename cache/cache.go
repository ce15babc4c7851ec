// Copyright 2026 immersivetranslate
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache defines the content-addressed, write-once translation
// cache the dispatcher checks before issuing any provider call. Backends
// (cache/redis, cache/postgres) implement Store; an in-memory Store is
// provided here for tests and for embedding hosts with no durable store
// configured.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/immersivetranslate/dispatch-core/xlate"
)

// Store is a content-addressed cache. Get returns (entry, true, nil) on a
// hit, (zero, false, nil) on a clean miss, and a non-nil error only for an
// actual backend failure. Put is write-once: implementations must not
// overwrite an existing key, since a cache entry's content is derived
// entirely from its key and should never legitimately change.
type Store interface {
	Get(ctx context.Context, key string) (xlate.CacheEntry, bool, error)
	Put(ctx context.Context, entry xlate.CacheEntry) error
}

// Key derives the content-addressed cache key for a translation unit.
func Key(sourceLang, targetLang, providerID, text string) string {
	h := sha256.Sum256([]byte(sourceLang + "\x00" + targetLang + "\x00" + providerID + "\x00" + text))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-process Store backed by a map, guarded by a
// RWMutex since reads vastly outnumber writes in steady state.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]xlate.CacheEntry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]xlate.CacheEntry)}
}

// Get satisfies Store.
func (m *MemoryStore) Get(ctx context.Context, key string) (xlate.CacheEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

// Put satisfies Store. A second Put for an already-present key is a no-op,
// matching the write-once contract.
func (m *MemoryStore) Put(ctx context.Context, entry xlate.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[entry.Key]; exists {
		return nil
	}
	m.entries[entry.Key] = entry
	return nil
}

var _ Store = (*MemoryStore)(nil)
