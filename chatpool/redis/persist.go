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

// Package redis persists chat pool slots to Redis so a process restart
// can rehydrate in-flight conversations instead of discarding them.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/immersivetranslate/dispatch-core/chatpool"
)

// Persister implements chatpool.Persister over a Redis hash per pool key,
// one hash field per slot id, the same shape the session store uses
// for per-session event storage.
type Persister struct {
	client *redis.Client
	ttl    time.Duration
}

// Config holds Redis connection settings for the persister.
type Config struct {
	Addr     string
	Password string
	DB       int
	// TTL refreshed on every write; a slot hash with no writes for this
	// long is allowed to expire. Defaults to 24 hours.
	TTL time.Duration
}

// New connects to Redis and returns a Persister, pinging to fail fast on
// misconfiguration rather than at the first real write.
func New(cfg Config) (*Persister, error) {
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

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Persister{client: client, ttl: ttl}, nil
}

func poolKey(key chatpool.Key) string {
	return fmt.Sprintf("chatpool:%s:%s:%s", key.Provider, key.Purpose, key.BaseURL)
}

type storableSlot struct {
	ID               string    `json:"id"`
	ChatID           string    `json:"chat_id"`
	ParentMessageID  string    `json:"parent_message_id"`
	PendingMessageID string    `json:"pending_message_id"`
	PendingSince     time.Time `json:"pending_since"`
	LastUsed         time.Time `json:"last_used"`
}

// Put writes slot into the hash for its key, refreshing the hash's TTL.
func (p *Persister) Put(ctx context.Context, slot chatpool.Slot) error {
	data, err := json.Marshal(storableSlot{
		ID:               slot.ID,
		ChatID:           slot.ChatID,
		ParentMessageID:  slot.ParentMessageID,
		PendingMessageID: slot.PendingMessageID,
		PendingSince:     slot.PendingSince,
		LastUsed:         slot.LastUsed,
	})
	if err != nil {
		return fmt.Errorf("chatpool/redis: marshal slot: %w", err)
	}

	key := poolKey(slot.Key)
	if err := p.client.HSet(ctx, key, slot.ID, data).Err(); err != nil {
		return fmt.Errorf("chatpool/redis: hset: %w", err)
	}
	return p.client.Expire(ctx, key, p.ttl).Err()
}

// Delete removes a single slot's field from its pool's hash.
func (p *Persister) Delete(ctx context.Context, key chatpool.Key, slotID string) error {
	if err := p.client.HDel(ctx, poolKey(key), slotID).Err(); err != nil {
		return fmt.Errorf("chatpool/redis: hdel: %w", err)
	}
	return nil
}

// Load rehydrates every slot previously persisted for key.
func (p *Persister) Load(ctx context.Context, key chatpool.Key) ([]chatpool.Slot, error) {
	raw, err := p.client.HGetAll(ctx, poolKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("chatpool/redis: hgetall: %w", err)
	}

	slots := make([]chatpool.Slot, 0, len(raw))
	for _, v := range raw {
		var s storableSlot
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			continue
		}
		slots = append(slots, chatpool.Slot{
			ID:               s.ID,
			Key:              key,
			ChatID:           s.ChatID,
			ParentMessageID:  s.ParentMessageID,
			PendingMessageID: s.PendingMessageID,
			PendingSince:     s.PendingSince,
			LastUsed:         s.LastUsed,
		})
	}
	return slots, nil
}

// Close releases the underlying Redis client.
func (p *Persister) Close() error {
	return p.client.Close()
}

var _ chatpool.Persister = (*Persister)(nil)
