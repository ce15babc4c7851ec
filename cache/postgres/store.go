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

// Package postgres implements cache.Store over a Postgres table, one row
// per content hash, for hosts that already run Postgres and would rather
// not add Redis purely for the translation cache.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/immersivetranslate/dispatch-core/cache"
	"github.com/immersivetranslate/dispatch-core/xlate"
)

const schema = `
CREATE TABLE IF NOT EXISTS translation_cache (
	key         TEXT PRIMARY KEY,
	text        TEXT NOT NULL,
	source_lang TEXT NOT NULL,
	target_lang TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
)`

// Store implements cache.Store backed by Postgres via lib/pq.
type Store struct {
	db *sql.DB
}

// Config holds the Postgres connection string (a standard libpq DSN).
type Config struct {
	DSN string
}

// New opens the connection, verifies it, and ensures the cache table
// exists.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("cache/postgres: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("cache/postgres: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("cache/postgres: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Get satisfies cache.Store.
func (s *Store) Get(ctx context.Context, key string) (xlate.CacheEntry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, text, source_lang, target_lang, provider_id, created_at FROM translation_cache WHERE key = $1`,
		key)

	var e xlate.CacheEntry
	if err := row.Scan(&e.Key, &e.Text, &e.SourceLang, &e.TargetLang, &e.ProviderID, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return xlate.CacheEntry{}, false, nil
		}
		return xlate.CacheEntry{}, false, fmt.Errorf("cache/postgres: scan: %w", err)
	}
	return e, true, nil
}

// Put satisfies cache.Store. ON CONFLICT DO NOTHING enforces write-once
// at the database level rather than racing a check-then-insert.
func (s *Store) Put(ctx context.Context, entry xlate.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO translation_cache (key, text, source_lang, target_lang, provider_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key) DO NOTHING`,
		entry.Key, entry.Text, entry.SourceLang, entry.TargetLang, entry.ProviderID, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("cache/postgres: insert: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ cache.Store = (*Store)(nil)
