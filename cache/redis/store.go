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

// Package redis implements cache.Store over Redis, one JSON-encoded string
// key per cache entry under an "xlatecache:" prefix, with an optional TTL.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/immersivetranslate/dispatch-core/cache"
	"github.com/immersivetranslate/dispatch-core/xlate"
)

// Store implements cache.Store backed by Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// TTL is the cache entry expiration. Defaults to 0 (no expiration),
	// since translation results for fixed input text do not go stale.
	TTL time.Duration
}

// New connects to Redis and returns a Store.
func New(cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client, ttl: cfg.TTL}, nil
}

func entryKey(key string) string {
	return fmt.Sprintf("xlatecache:%s", key)
}

type storableEntry struct {
	Key        string    `json:"key"`
	Text       string    `json:"text"`
	SourceLang string    `json:"source_lang"`
	TargetLang string    `json:"target_lang"`
	ProviderID string    `json:"provider_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Get satisfies cache.Store.
func (s *Store) Get(ctx context.Context, key string) (xlate.CacheEntry, bool, error) {
	raw, err := s.client.Get(ctx, entryKey(key)).Result()
	if err == redis.Nil {
		return xlate.CacheEntry{}, false, nil
	}
	if err != nil {
		return xlate.CacheEntry{}, false, fmt.Errorf("cache/redis: get: %w", err)
	}

	var se storableEntry
	if err := json.Unmarshal([]byte(raw), &se); err != nil {
		return xlate.CacheEntry{}, false, fmt.Errorf("cache/redis: unmarshal: %w", err)
	}
	return xlate.CacheEntry{
		Key:        se.Key,
		Text:       se.Text,
		SourceLang: se.SourceLang,
		TargetLang: se.TargetLang,
		ProviderID: se.ProviderID,
		CreatedAt:  se.CreatedAt,
	}, true, nil
}

// Put satisfies cache.Store. Write-once is enforced with SetNX rather
// than Set, so a racing second writer for the same content hash never
// clobbers the first.
func (s *Store) Put(ctx context.Context, entry xlate.CacheEntry) error {
	data, err := json.Marshal(storableEntry{
		Key:        entry.Key,
		Text:       entry.Text,
		SourceLang: entry.SourceLang,
		TargetLang: entry.TargetLang,
		ProviderID: entry.ProviderID,
		CreatedAt:  entry.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("cache/redis: marshal: %w", err)
	}

	ok, err := s.client.SetNX(ctx, entryKey(entry.Key), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("cache/redis: setnx: %w", err)
	}
	if !ok {
		return nil // already written by a previous call: write-once, not an error
	}
	if s.ttl == 0 {
		return s.client.Persist(ctx, entryKey(entry.Key)).Err()
	}
	return nil
}

// Close releases the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ cache.Store = (*Store)(nil)
