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

// Package requestqueue dedupes concurrent translation requests that share
// the same content key and retries the underlying call with a bounded
// backoff table when it fails with a retryable error.
package requestqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrRetryable marks an error the queue should retry rather than surface
// immediately. Wrap a root cause with MakeRetryable to opt it in.
var ErrRetryable = errors.New("requestqueue: retryable")

// MakeRetryable wraps err so errors.Is(err, ErrRetryable) succeeds.
func MakeRetryable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// retrySleepDurations is an index-clamped backoff table: the Nth retry
// sleeps the Nth entry, and once attempts exceed the table length the
// last entry is reused.
var retrySleepDurations = []time.Duration{
	10 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	10 * time.Second,
}

const retryMaxAttempts = 3

func sleepDuration(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(retrySleepDurations) {
		attempt = len(retrySleepDurations) - 1
	}
	return retrySleepDurations[attempt]
}

// Fn performs the underlying (uncached, unbatched) translation call.
type Fn func(ctx context.Context) (string, error)

// inflight is the shared result of a single call, fanned out to every
// caller that arrived with the same content key while it was running.
type inflight struct {
	done chan struct{}
	text string
	err  error
}

// Queue dedupes and retries calls keyed by content hash.
type Queue struct {
	mu       sync.Mutex
	inFlight map[string]*inflight
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{inFlight: make(map[string]*inflight)}
}

// Key derives the dedup key for a translation unit. Requests with
// identical (sourceLang, targetLang, text) share a single underlying call.
func Key(sourceLang, targetLang, text string) string {
	h := sha256.Sum256([]byte(sourceLang + "\x00" + targetLang + "\x00" + text))
	return hex.EncodeToString(h[:])
}

// Do executes fn for key, or attaches to an already-running call for the
// same key. Only the first caller for a key actually invokes fn; every
// other concurrent caller blocks on the same result. fn is retried up to
// retryMaxAttempts times when it returns a retryable error.
func (q *Queue) Do(ctx context.Context, key string, fn Fn) (string, error) {
	q.mu.Lock()
	if f, ok := q.inFlight[key]; ok {
		q.mu.Unlock()
		return waitFor(ctx, f)
	}

	f := &inflight{done: make(chan struct{})}
	q.inFlight[key] = f
	q.mu.Unlock()

	// The shared call runs detached from the first caller's context: a
	// second caller attaching to the same key would otherwise have its
	// result cancelled by the first caller giving up.
	go q.run(context.Background(), key, f, fn)

	return waitFor(ctx, f)
}

func (q *Queue) run(ctx context.Context, key string, f *inflight, fn Fn) {
	defer close(f.done)
	defer func() {
		q.mu.Lock()
		delete(q.inFlight, key)
		q.mu.Unlock()
	}()

	var text string
	var err error
	for attempt := 0; attempt <= retryMaxAttempts; attempt++ {
		text, err = fn(ctx)
		if err == nil || !isRetryable(err) {
			break
		}
		if attempt == retryMaxAttempts {
			break
		}
		slog.Warn("requestqueue retrying call", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			err = ctx.Err()
			f.text, f.err = text, err
			return
		case <-time.After(sleepDuration(attempt)):
		}
	}
	f.text, f.err = text, err
}

func waitFor(ctx context.Context, f *inflight) (string, error) {
	select {
	case <-f.done:
		return f.text, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// InFlightCount reports how many distinct calls are currently running,
// for tests and metrics.
func (q *Queue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}
