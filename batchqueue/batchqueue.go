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

// Package batchqueue coalesces close-in-time translation requests into
// provider batch calls bounded by a character budget and an item count,
// flushing on a timer when neither budget is hit first. A batch call that
// fails, or returns the wrong number of results, falls back to dispatching
// every item in the batch individually.
package batchqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/immersivetranslate/dispatch-core/xlate"
)

// Item is a single unit of text submitted for batch translation.
type Item struct {
	// RequestID identifies the caller-side request this item belongs to,
	// so CancelTasks can find and reject it by predicate. Empty is valid
	// for callers that never need to cancel a specific item.
	RequestID  string
	Text       string
	SourceLang string
	TargetLang string
}

// Config bounds how large a batch may grow before it is flushed.
type Config struct {
	MaxBatchChars      int
	MaxBatchItems      int
	FlushInterval      time.Duration
	FlushTimeout       time.Duration
	QueueCapacity      int
	MaxInFlightBatches int
}

// NewConfig fills in defaults sized for short chat-style translation
// chunks.
func NewConfig() Config {
	return Config{
		MaxBatchChars:      4000,
		MaxBatchItems:      32,
		FlushInterval:      25 * time.Millisecond,
		FlushTimeout:       10 * time.Second,
		QueueCapacity:      2048,
		MaxInFlightBatches: 4,
	}
}

// BatchFn performs a single provider call over a coalesced batch. It must
// return exactly len(items) results in the same order, or an error.
type BatchFn func(ctx context.Context, items []Item) ([]string, error)

// FallbackFn translates a single item, used when a batch call fails or
// returns a mismatched result count.
type FallbackFn func(ctx context.Context, item Item) (string, error)

type enqueueRequest struct {
	ctx    context.Context
	item   Item
	result chan itemResult
}

type itemResult struct {
	text string
	err  error
}

// cancelRequest asks run() to remove every pending item matching predicate
// and report how many it removed.
type cancelRequest struct {
	predicate func(Item) bool
	reason    error
	result    chan int
}

// Queue is a running batch coalescer. Construct with New and call Close
// when done to flush and stop the background goroutine.
type Queue struct {
	batchFn    BatchFn
	fallbackFn FallbackFn
	cfg        Config

	in         chan enqueueRequest
	cancelCh   chan cancelRequest
	semaphore  chan struct{}
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	parentDone <-chan struct{}

	// mu guards inflightItems/cancelled, the side-channel used to reject
	// an item already handed to a batch call in progress: run() processes
	// one batch at a time synchronously, so a cancellation arriving mid-
	// call cannot reach into that call, only flag its result for override
	// once the call returns.
	mu            sync.Mutex
	inflightItems map[string]Item
	cancelled     map[string]error
}

// New constructs a Queue bound to the given provider batch and fallback
// functions. parent's cancellation stops the background flush loop.
func New(parent context.Context, cfg Config, batchFn BatchFn, fallbackFn FallbackFn) *Queue {
	q := &Queue{
		batchFn:       batchFn,
		fallbackFn:    fallbackFn,
		cfg:           cfg,
		in:            make(chan enqueueRequest, cfg.QueueCapacity),
		cancelCh:      make(chan cancelRequest, 32),
		semaphore:     make(chan struct{}, cfg.MaxInFlightBatches),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		parentDone:    parent.Done(),
		inflightItems: make(map[string]Item),
		cancelled:     make(map[string]error),
	}
	go q.run()
	return q
}

// CancelTasks rejects every item matching predicate with reason and
// reports how many it affected. An item still waiting to be flushed is
// removed from the queue outright; an item already inside an in-flight
// batch call cannot be pulled back out mid-call, so its eventual result is
// replaced with reason instead of the real translation once that call
// returns.
func (q *Queue) CancelTasks(predicate func(Item) bool, reason error) int {
	q.mu.Lock()
	inFlight := 0
	for id, item := range q.inflightItems {
		if predicate(item) {
			q.cancelled[id] = reason
			inFlight++
		}
	}
	q.mu.Unlock()

	result := make(chan int, 1)
	select {
	case q.cancelCh <- cancelRequest{predicate: predicate, reason: reason, result: result}:
	case <-q.done:
		return inFlight
	}
	select {
	case n := <-result:
		return n + inFlight
	case <-q.done:
		return inFlight
	}
}

func (q *Queue) takeCancelled(id string) error {
	if id == "" {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	reason, ok := q.cancelled[id]
	if ok {
		delete(q.cancelled, id)
	}
	return reason
}

// Enqueue submits item for batch translation and blocks until its result
// is ready, the queue's internal buffer is full (xlate.ErrBackpressure),
// the queue is closed (xlate.ErrQueueClosed), or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, item Item) (string, error) {
	req := enqueueRequest{ctx: ctx, item: item, result: make(chan itemResult, 1)}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-q.done:
		return "", xlate.ErrQueueClosed
	default:
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-q.done:
		return "", xlate.ErrQueueClosed
	case q.in <- req:
	default:
		return "", xlate.ErrBackpressure
	}

	select {
	case r := <-req.result:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close flushes any pending batch and stops the background goroutine.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.stop)
		<-q.done
	})
}

func (q *Queue) run() {
	defer close(q.done)

	pending := make([]enqueueRequest, 0, q.cfg.MaxBatchItems)
	pendingChars := 0
	timer := time.NewTimer(q.cfg.FlushInterval)
	stopTimer(timer)
	timerRunning := false

	flush := func(final bool) {
		if len(pending) == 0 {
			return
		}
		batch := append([]enqueueRequest(nil), pending...)
		pending = pending[:0]
		pendingChars = 0
		q.flushBatch(batch, final)
	}

	for {
		var timerCh <-chan time.Time
		if timerRunning {
			timerCh = timer.C
		}

		select {
		case <-q.parentDone:
			stopTimer(timer)
			flush(true)
			return
		case <-q.stop:
			stopTimer(timer)
			flush(true)
			return
		case <-timerCh:
			timerRunning = false
			flush(false)
		case req := <-q.in:
			if req.ctx.Err() != nil {
				req.result <- itemResult{err: req.ctx.Err()}
				continue
			}
			pending = append(pending, req)
			pendingChars += len(req.item.Text)
			if len(pending) == 1 {
				resetTimer(timer, q.cfg.FlushInterval)
				timerRunning = true
			}
			if len(pending) >= q.cfg.MaxBatchItems || pendingChars >= q.cfg.MaxBatchChars {
				stopTimer(timer)
				timerRunning = false
				flush(false)
			}
		case c := <-q.cancelCh:
			kept := pending[:0]
			n := 0
			for _, req := range pending {
				if c.predicate(req.item) {
					req.result <- itemResult{err: c.reason}
					n++
					continue
				}
				kept = append(kept, req)
			}
			pending = kept
			pendingChars = sumItemChars(pending)
			c.result <- n
		}
	}
}

func sumItemChars(items []enqueueRequest) int {
	total := 0
	for _, req := range items {
		total += len(req.item.Text)
	}
	return total
}

func (q *Queue) flushBatch(batch []enqueueRequest, final bool) {
	active := make([]enqueueRequest, 0, len(batch))
	for _, req := range batch {
		if err := req.ctx.Err(); err != nil {
			req.result <- itemResult{err: err}
			continue
		}
		active = append(active, req)
	}
	if len(active) == 0 {
		return
	}

	flushCtx := context.Background()
	if !final {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(context.Background(), q.cfg.FlushTimeout)
		defer cancel()
	}

	select {
	case q.semaphore <- struct{}{}:
	case <-flushCtx.Done():
		for _, req := range active {
			req.result <- itemResult{err: flushCtx.Err()}
		}
		return
	}
	defer func() { <-q.semaphore }()

	q.mu.Lock()
	for _, req := range active {
		if req.item.RequestID != "" {
			q.inflightItems[req.item.RequestID] = req.item
		}
	}
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		for _, req := range active {
			delete(q.inflightItems, req.item.RequestID)
		}
		q.mu.Unlock()
	}()

	batchID := uuid.NewString()
	items := make([]Item, len(active))
	for i, req := range active {
		items[i] = req.item
	}

	texts, err := q.batchFn(flushCtx, items)
	if err == nil && len(texts) != len(active) {
		err = xlate.ErrBatchCountMismatch
	}
	if err != nil {
		slog.Warn("batch call failed, falling back to per-item dispatch", "batch_id", batchID, "size", len(active), "error", err)
		q.fallbackEach(flushCtx, active)
		return
	}

	for i, req := range active {
		if reason := q.takeCancelled(req.item.RequestID); reason != nil {
			req.result <- itemResult{err: reason}
			continue
		}
		req.result <- itemResult{text: texts[i]}
	}
}

func (q *Queue) fallbackEach(ctx context.Context, active []enqueueRequest) {
	var wg sync.WaitGroup
	for _, req := range active {
		wg.Add(1)
		go func(req enqueueRequest) {
			defer wg.Done()
			if reason := q.takeCancelled(req.item.RequestID); reason != nil {
				req.result <- itemResult{err: reason}
				return
			}
			text, err := q.fallbackFn(ctx, req.item)
			req.result <- itemResult{text: text, err: err}
		}(req)
	}
	wg.Wait()
}

func stopTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func resetTimer(timer *time.Timer, value time.Duration) {
	if timer == nil {
		return
	}
	stopTimer(timer)
	timer.Reset(value)
}
