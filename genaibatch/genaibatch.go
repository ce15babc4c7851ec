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

// Package genaibatch coalesces close-in-time chunks bound for the same
// stateful GenAI conversation into a single turn, since a chat slot can
// only carry one in-flight message at a time. A batch send that fails in
// a way known to be transient is retried once as a whole; if it still
// fails, or the failure was never transient to begin with, every item
// falls back to its own individual turn.
package genaibatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/immersivetranslate/dispatch-core/xlate"
)

// Config bounds how long the aggregator waits and how large a turn may
// grow before being sent.
type Config struct {
	DebounceInterval time.Duration
	MaxChars         int
	MaxItems         int
}

// NewConfig returns the default debounce window used for client-side
// aggregation, short enough that a page full of chunks arriving within
// one frame coalesces into a single turn, long enough not to visibly
// delay a lone chunk.
func NewConfig() Config {
	return Config{DebounceInterval: 60 * time.Millisecond, MaxChars: 4000, MaxItems: 16}
}

// SendFn sends a batch of texts as a single turn to the stateful
// conversation and returns one reply segment per input text, in order.
// It is responsible for joining/splitting on xlate.BatchSegmentMarker
// (genaidriver.Driver.SendBatch does this); RunBatch only checks that
// the segment counts line up.
type SendFn func(ctx context.Context, texts []string) ([]string, error)

// FallbackFn sends a single chunk as its own turn, used when a batch
// send cannot be trusted: a non-recoverable failure, or a recoverable
// one that didn't clear on retry.
type FallbackFn func(ctx context.Context, text string) (string, error)

// recoverableCodePattern and modelExecErrorPattern match the two
// message shapes providers emit for a transient batched-turn failure
// that is worth retrying once before giving up on the whole batch.
var (
	recoverableCodePattern = regexp.MustCompile(`(?i)Unexpected token\s+200007`)
	modelExecErrorPattern  = regexp.MustCompile(`(?i)Model Execution Error`)
)

// isRecoverableBatchError reports whether err is one of the known
// transient batched-turn failures: a response-failed error carrying
// fault code R50004, either of the message patterns above, or a segment
// count mismatch (the provider didn't echo back the marker faithfully).
// Anything else is treated as a hard failure that still gets one chance
// per item via fallback, but is not worth retrying as a whole batch.
func isRecoverableBatchError(err error) bool {
	if err == nil {
		return false
	}
	var failed *xlate.ResponseFailedError
	if errors.As(err, &failed) && failed.Code == "R50004" {
		return true
	}
	if errors.Is(err, xlate.ErrBatchCountMismatch) {
		return true
	}
	msg := err.Error()
	return recoverableCodePattern.MatchString(msg) || modelExecErrorPattern.MatchString(msg)
}

// RunBatch sends texts as one batched turn via send, retrying once on a
// recoverable failure, and falls every item back to its own individual
// turn via fallback when the batch attempt(s) don't pan out. A single
// text skips the batch path entirely and goes straight to fallback,
// since there is nothing to join or split. It returns one result and
// one error per input text, in the same order; a successful text has a
// nil error.
func RunBatch(ctx context.Context, texts []string, send SendFn, fallback FallbackFn) ([]string, []error) {
	if len(texts) == 1 {
		text, err := fallback(ctx, texts[0])
		return []string{text}, []error{err}
	}

	results, err := sendOnce(ctx, texts, send)
	if err == nil {
		return results, make([]error, len(texts))
	}

	if !isRecoverableBatchError(err) {
		return fallbackEach(ctx, texts, fallback)
	}

	slog.Warn("genaibatch batch send failed recoverably, retrying once", "items", len(texts), "error", err)
	results, err = sendOnce(ctx, texts, send)
	if err == nil {
		return results, make([]error, len(texts))
	}

	slog.Warn("genaibatch batch retry failed, falling back per item", "items", len(texts), "error", err)
	return fallbackEach(ctx, texts, fallback)
}

func sendOnce(ctx context.Context, texts []string, send SendFn) ([]string, error) {
	segments, err := send(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(segments) != len(texts) {
		return nil, fmt.Errorf("%w: got %d segments, want %d", xlate.ErrBatchCountMismatch, len(segments), len(texts))
	}
	return segments, nil
}

func fallbackEach(ctx context.Context, texts []string, fallback FallbackFn) ([]string, []error) {
	results := make([]string, len(texts))
	errs := make([]error, len(texts))
	for i, text := range texts {
		results[i], errs[i] = fallback(ctx, text)
	}
	return results, errs
}

type enqueueRequest struct {
	ctx    context.Context
	text   string
	result chan itemResult
}

type itemResult struct {
	text string
	err  error
}

// Aggregator runs the debounce/coalesce loop for a single chat slot. Each
// distinct chat slot needs its own Aggregator, since turns for one slot
// cannot overlap.
type Aggregator struct {
	cfg      Config
	send     SendFn
	fallback FallbackFn

	in        chan enqueueRequest
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New constructs and starts an Aggregator.
func New(cfg Config, send SendFn, fallback FallbackFn) *Aggregator {
	a := &Aggregator{
		cfg:      cfg,
		send:     send,
		fallback: fallback,
		in:       make(chan enqueueRequest, 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

// Close flushes any pending chunk and stops the aggregator.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() { close(a.stop) })
	<-a.done
}

// Enqueue submits text for the current debounce window and blocks until
// its segment of the combined reply is ready.
func (a *Aggregator) Enqueue(ctx context.Context, text string) (string, error) {
	req := enqueueRequest{ctx: ctx, text: text, result: make(chan itemResult, 1)}
	select {
	case a.in <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-a.done:
		return "", xlate.ErrQueueClosed
	}

	select {
	case r := <-req.result:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *Aggregator) run() {
	defer close(a.done)

	pending := make([]enqueueRequest, 0, a.cfg.MaxItems)
	chars := 0
	timer := time.NewTimer(a.cfg.DebounceInterval)
	stopTimer(timer)
	running := false

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := append([]enqueueRequest(nil), pending...)
		pending = pending[:0]
		chars = 0
		a.flushBatch(batch)
	}

	for {
		var timerCh <-chan time.Time
		if running {
			timerCh = timer.C
		}

		select {
		case <-a.stop:
			stopTimer(timer)
			flush()
			return
		case <-timerCh:
			running = false
			flush()
		case req := <-a.in:
			if req.ctx.Err() != nil {
				req.result <- itemResult{err: req.ctx.Err()}
				continue
			}
			pending = append(pending, req)
			chars += len(req.text)
			if len(pending) == 1 {
				resetTimer(timer, a.cfg.DebounceInterval)
				running = true
			}
			if len(pending) >= a.cfg.MaxItems || chars >= a.cfg.MaxChars {
				stopTimer(timer)
				running = false
				flush()
			}
		}
	}
}

func (a *Aggregator) flushBatch(batch []enqueueRequest) {
	texts := make([]string, len(batch))
	for i, req := range batch {
		texts[i] = req.text
	}
	results, errs := RunBatch(context.Background(), texts, a.send, a.fallback)
	for i, req := range batch {
		req.result <- itemResult{text: results[i], err: errs[i]}
	}
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
