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

// Package chatpool manages a capacity-bounded pool of persistent,
// stateful GenAI conversations ("chat slots"), one pool per (provider,
// purpose, baseURL) key. Callers acquire a slot, use it to drive a single
// conversation turn, and release it, either back into the idle set for
// reuse, or reset when the provider reports the conversation's server-side
// state can no longer be trusted.
package chatpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Key identifies one chat pool: a provider, a logical purpose (so e.g.
// "translate" and "summarize" never share a conversation), and the
// provider's base URL (so staging and production never share one either).
type Key struct {
	Provider string
	Purpose  string
	BaseURL  string
}

// Slot is a single persistent conversation. The dispatcher/driver mutate
// ChatID and ParentMessageID as the conversation progresses; the pool only
// tracks lifecycle (idle vs. in use, last-used time) and persistence.
type Slot struct {
	ID              string
	Key             Key
	ChatID          string
	ParentMessageID string

	// PendingMessageID is the id of a message this slot sent but never
	// confirmed complete (no terminal stream event, no successful poll).
	// It is set as soon as a message is sent and cleared only once that
	// message is confirmed done. A slot persisted with this non-empty is
	// suspect on hydration: the turn may have finished server-side after
	// the write but before the process could clear it, so it must be
	// reconciled before the slot is reused.
	PendingMessageID string
	PendingSince     time.Time

	LastUsed time.Time
}

// Persister durably records slot state. The Pool writes every slot it
// creates or releases through Put and every slot it retires or evicts
// through Delete. The Pool never calls Load: a new Pool starts with no
// slots, whatever the backend holds. Implementations (e.g. chatpool/redis)
// must make Put safe to call from a single goroutine only. The pool
// serializes all writes itself.
type Persister interface {
	Put(ctx context.Context, slot Slot) error
	Delete(ctx context.Context, key Key, slotID string) error
	Load(ctx context.Context, key Key) ([]Slot, error)
}

// CreateFunc opens a brand-new conversation with the provider and returns
// the resulting chat id.
type CreateFunc func(ctx context.Context, key Key) (chatID string, err error)

// Config bounds pool capacity and idle lifetime.
type Config struct {
	MaxSlotsPerKey int
	IdleTTL        time.Duration
}

// NewConfig fills in defaults: 4 concurrent conversations per key, evicted
// after 30 minutes of inactivity.
func NewConfig() Config {
	return Config{MaxSlotsPerKey: 4, IdleTTL: 30 * time.Minute}
}

type keyState struct {
	idle    []*Slot
	waiters []chan *Slot
	count   int // total slots (idle + checked out) for this key
}

// Pool hands out Slots bounded by Config.MaxSlotsPerKey, persisting every
// state change through a single-writer goroutine so concurrent releases
// never interleave writes to the same persistence backend connection.
type Pool struct {
	mu     sync.Mutex
	states map[Key]*keyState
	cfg    Config
	create CreateFunc
	persist Persister

	writes   chan persistOp
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type persistOp struct {
	put    *Slot
	delKey Key
	delID  string
}

// New constructs a Pool. persist may be nil, in which case slot state is
// kept in memory only.
func New(cfg Config, create CreateFunc, persist Persister) *Pool {
	p := &Pool{
		states:  make(map[Key]*keyState),
		cfg:     cfg,
		create:  create,
		persist: persist,
		writes:  make(chan persistOp, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

// writeLoop is the pool's single persistence writer: every Put/Delete
// flows through this one goroutine in submission order.
func (p *Pool) writeLoop() {
	defer close(p.done)
	if p.persist == nil {
		<-p.stop
		return
	}
	ctx := context.Background()
	for {
		select {
		case <-p.stop:
			return
		case op := <-p.writes:
			var err error
			if op.put != nil {
				err = p.persist.Put(ctx, *op.put)
			} else {
				err = p.persist.Delete(ctx, op.delKey, op.delID)
			}
			if err != nil {
				slog.Warn("chatpool persistence write failed", "error", err)
			}
		}
	}
}

func (p *Pool) enqueuePut(slot Slot) {
	select {
	case p.writes <- persistOp{put: &slot}:
	default:
		slog.Warn("chatpool persistence queue full, dropping write", "slot_id", slot.ID)
	}
}

func (p *Pool) enqueueDelete(key Key, id string) {
	select {
	case p.writes <- persistOp{delKey: key, delID: id}:
	default:
		slog.Warn("chatpool persistence queue full, dropping delete", "slot_id", id)
	}
}

// Close stops the persistence writer. Pending writes already queued are
// dropped; callers needing a durable final snapshot should Release every
// outstanding slot before calling Close.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// Acquire returns an idle slot for key, creates a new one if the pool has
// not reached MaxSlotsPerKey, or blocks in FIFO order until one is
// released. The returned release func must be called exactly once.
func (p *Pool) Acquire(ctx context.Context, key Key) (*Slot, func(reset bool), error) {
	p.mu.Lock()
	st, ok := p.states[key]
	if !ok {
		st = &keyState{}
		p.states[key] = st
	}

	if len(st.idle) > 0 {
		slot := st.idle[len(st.idle)-1]
		st.idle = st.idle[:len(st.idle)-1]
		p.mu.Unlock()
		return slot, p.releaseFunc(key, slot), nil
	}

	if st.count < p.cfg.MaxSlotsPerKey {
		st.count++
		p.mu.Unlock()

		chatID, err := p.create(ctx, key)
		if err != nil {
			p.mu.Lock()
			st.count--
			p.mu.Unlock()
			return nil, nil, err
		}
		slot := &Slot{ID: uuid.NewString(), Key: key, ChatID: chatID, LastUsed: time.Now()}
		p.enqueuePut(*slot)
		return slot, p.releaseFunc(key, slot), nil
	}

	wait := make(chan *Slot, 1)
	st.waiters = append(st.waiters, wait)
	p.mu.Unlock()

	select {
	case slot := <-wait:
		return slot, p.releaseFunc(key, slot), nil
	case <-ctx.Done():
		p.removeWaiter(key, wait)
		return nil, nil, ctx.Err()
	}
}

func (p *Pool) removeWaiter(key Key, wait chan *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[key]
	if !ok {
		return
	}
	for i, w := range st.waiters {
		if w == wait {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}

// releaseFunc returns a closure bound to one checked-out slot. reset=true
// means the provider reported the conversation's server-side state is no
// longer trustworthy (a PendingResponseError or ResponseFailedError that
// exhausted recovery): the slot's parent message id is cleared so the
// next turn starts a fresh thread rather than chaining off unconfirmed
// state.
func (p *Pool) releaseFunc(key Key, slot *Slot) func(reset bool) {
	return func(reset bool) {
		slot.LastUsed = time.Now()
		if reset {
			slot.ParentMessageID = ""
		}

		p.mu.Lock()
		st := p.states[key]
		if len(st.waiters) > 0 {
			wait := st.waiters[0]
			st.waiters = st.waiters[1:]
			p.mu.Unlock()
			p.enqueuePut(*slot)
			wait <- slot
			return
		}
		st.idle = append(st.idle, slot)
		p.mu.Unlock()
		p.enqueuePut(*slot)
	}
}

// Retire permanently removes a slot from its pool (e.g. the provider
// closed the underlying chat, or the driver decided its server-side state
// can no longer be trusted). The caller must already hold the slot (i.e.
// this replaces a call to the release func). If a waiter is already
// queued for key, Retire provisions a fresh slot for it in the
// background rather than letting it wait out the full idle cycle.
func (p *Pool) Retire(key Key, slot *Slot) {
	p.mu.Lock()
	st, ok := p.states[key]
	var waiter chan *Slot
	if ok {
		if st.count > 0 {
			st.count--
		}
		if len(st.waiters) > 0 {
			waiter = st.waiters[0]
			st.waiters = st.waiters[1:]
			st.count++
		}
	}
	p.mu.Unlock()
	p.enqueueDelete(key, slot.ID)

	if waiter != nil {
		go p.provisionForWaiter(key, waiter)
	}
}

// provisionForWaiter creates a brand-new slot for a waiter left over from
// a retired slot. A failure here is logged and the waiter is left
// blocked on its own context deadline, the same outcome it would have had
// waiting for any other Acquire that never completes.
func (p *Pool) provisionForWaiter(key Key, waiter chan *Slot) {
	chatID, err := p.create(context.Background(), key)
	if err != nil {
		p.mu.Lock()
		if st, ok := p.states[key]; ok && st.count > 0 {
			st.count--
		}
		p.mu.Unlock()
		slog.Warn("chatpool: failed to provision replacement slot for waiter", "error", err)
		return
	}
	slot := &Slot{ID: uuid.NewString(), Key: key, ChatID: chatID, LastUsed: time.Now()}
	p.enqueuePut(*slot)
	waiter <- slot
}

// MaxSlotsPerKey reports the configured capacity per key.
func (p *Pool) MaxSlotsPerKey() int {
	return p.cfg.MaxSlotsPerKey
}

// Scale provisions additional slots for key until it has min(desired,
// MaxSlotsPerKey) idle slots, never letting the key's total slot count
// exceed MaxSlotsPerKey. It is best-effort: it never returns an error to
// the caller, since a warm-up failure should not block the request that
// triggered it. Existing slots above desired are left alone; Scale only
// ever grows a key's slot count, eviction handles shrinking it back down.
func (p *Pool) Scale(ctx context.Context, key Key, desired int) {
	if desired > p.cfg.MaxSlotsPerKey {
		desired = p.cfg.MaxSlotsPerKey
	}

	for {
		p.mu.Lock()
		st, ok := p.states[key]
		if !ok {
			st = &keyState{}
			p.states[key] = st
		}
		if len(st.idle) >= desired || st.count >= p.cfg.MaxSlotsPerKey {
			p.mu.Unlock()
			return
		}
		st.count++
		p.mu.Unlock()

		chatID, err := p.create(ctx, key)
		if err != nil {
			p.mu.Lock()
			st.count--
			p.mu.Unlock()
			slog.Warn("chatpool: scale-up failed to provision a slot", "provider", key.Provider, "error", err)
			return
		}
		slot := &Slot{ID: uuid.NewString(), Key: key, ChatID: chatID, LastUsed: time.Now()}
		p.enqueuePut(*slot)

		p.mu.Lock()
		if len(st.waiters) > 0 {
			wait := st.waiters[0]
			st.waiters = st.waiters[1:]
			p.mu.Unlock()
			wait <- slot
			continue
		}
		st.idle = append(st.idle, slot)
		p.mu.Unlock()
	}
}

// EvictIdle removes idle slots that have been unused for longer than
// Config.IdleTTL. Intended to be driven by a caller-owned ticker so the
// embedding host controls the goroutine lifecycle.
func (p *Pool) EvictIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTTL)

	p.mu.Lock()
	defer p.mu.Unlock()
	for key, st := range p.states {
		kept := st.idle[:0]
		for _, slot := range st.idle {
			if slot.LastUsed.Before(cutoff) {
				st.count--
				p.enqueueDelete(key, slot.ID)
				continue
			}
			kept = append(kept, slot)
		}
		st.idle = kept
	}
}

// StartEvictionLoop launches a ticker-driven background goroutine calling
// EvictIdle, mirroring the refresh-loop idiom used for the provider model
// registry. It returns a stop function.
func (p *Pool) StartEvictionLoop(ctx context.Context, interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				p.EvictIdle()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}
