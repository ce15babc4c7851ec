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

// Package dispatcher is the entry point a browser extension's background
// script calls into: it checks the cache before ever dispatching to a
// provider, classifies the provider (stateful GenAI conversation,
// batchable generic LLM, or simple one-shot) and routes accordingly,
// tracks every in-flight client request (and the browser tab it belongs
// to) so it can be cancelled individually or as a group when a tab
// closes, and writes a cache entry once a provider call succeeds.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/immersivetranslate/dispatch-core/batchqueue"
	"github.com/immersivetranslate/dispatch-core/cache"
	"github.com/immersivetranslate/dispatch-core/chatpool"
	"github.com/immersivetranslate/dispatch-core/genaibatch"
	"github.com/immersivetranslate/dispatch-core/genaidriver"
	"github.com/immersivetranslate/dispatch-core/internal/telemetry"
	"github.com/immersivetranslate/dispatch-core/provider"
	"github.com/immersivetranslate/dispatch-core/requestqueue"
	"github.com/immersivetranslate/dispatch-core/scheduler"
	"github.com/immersivetranslate/dispatch-core/xlate"
)

// Config wires every subsystem a Dispatcher needs. Callers assemble the
// concrete providers, batch queues, and GenAI driver themselves (the
// dispatcher does not know how to construct them) and hand in the
// finished pieces.
type Config struct {
	Cache       cache.Store
	Scheduler   *scheduler.Scheduler
	Requests    *requestqueue.Queue
	Providers   *provider.Registry
	BatchQueues map[string]*batchqueue.Queue // keyed by provider id
	GenAIDriver *genaidriver.Driver
	GenAIKey    func(providerID string) chatpool.Key

	// Instrumented turns on per-chunk metric recording on cache entries.
	Instrumented bool
}

// Dispatcher is the translation dispatch core's entry point.
type Dispatcher struct {
	cfg Config

	mu          sync.Mutex
	inflight    map[string]context.CancelFunc
	tabRequests map[string]map[string]struct{}
	requestTab  map[string]string

	backlogMu    sync.Mutex
	genaiBacklog map[chatpool.Key]int
}

// New constructs a Dispatcher from cfg.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		cfg:          cfg,
		inflight:     make(map[string]context.CancelFunc),
		tabRequests:  make(map[string]map[string]struct{}),
		requestTab:   make(map[string]string),
		genaiBacklog: make(map[chatpool.Key]int),
	}
}

// Translate resolves req from cache if possible, never invoking a
// provider on a hit, and otherwise dispatches to the branch matching the
// provider's classification and writes the result back to cache.
func (d *Dispatcher) Translate(ctx context.Context, req xlate.TranslationRequest) xlate.Result {
	ctx, span := telemetry.Tracer().Start(ctx, "dispatcher.Translate")
	defer span.End()

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	d.register(req, cancel)
	defer d.unregister(req.ID)
	defer cancel()

	if req.Hash != "" {
		entry, hit, err := d.cfg.Cache.Get(ctx, req.Hash)
		if err != nil {
			slog.Warn("dispatcher: cache lookup failed, falling through to provider", "hash", req.Hash, "error", err)
		} else if hit {
			return xlate.Result{RequestID: req.ID, Text: entry.Text, FromCache: true}
		}
	}

	start := time.Now()
	text, err := d.callProvider(ctx, req)
	if err != nil {
		// Cancel, CancelTab and Close cancel ctx without touching the
		// caller's own context; report that as xlate.ErrCancelled.
		if ctx.Err() != nil && parent.Err() == nil {
			err = fmt.Errorf("%w: %w", xlate.ErrCancelled, err)
		}
		return xlate.Result{RequestID: req.ID, Err: err}
	}

	if req.Hash != "" {
		entry := xlate.CacheEntry{
			Key:        req.Hash,
			Text:       text,
			SourceLang: req.SourceLang,
			TargetLang: req.TargetLang,
			ProviderID: req.ProviderID,
			CreatedAt:  time.Now(),
		}
		if d.cfg.Instrumented {
			entry.Metadata = &xlate.ChunkMetadata{ProviderCall: time.Since(start)}
		}
		go func() {
			if err := d.cfg.Cache.Put(context.Background(), entry); err != nil {
				slog.Warn("dispatcher: failed to persist cache entry", "hash", req.Hash, "error", err)
			}
		}()
	}

	return xlate.Result{RequestID: req.ID, Text: text}
}

// TranslateGenAIBatch coalesces reqs into a single turn against the
// stateful conversation identified by key: one combined send, retried
// once on a recoverable failure, falling back to one individual turn per
// request when the batch path still can't be trusted. Every request
// carrying a Hash gets its own cache entry on success, the same as
// Translate.
func (d *Dispatcher) TranslateGenAIBatch(ctx context.Context, key chatpool.Key, reqs []xlate.TranslationRequest) []xlate.Result {
	if d.cfg.GenAIDriver == nil {
		err := fmt.Errorf("dispatcher: TranslateGenAIBatch called with no GenAI driver configured")
		results := make([]xlate.Result, len(reqs))
		for i, req := range reqs {
			results[i] = xlate.Result{RequestID: req.ID, Err: err}
		}
		return results
	}

	texts := make([]string, len(reqs))
	for i, req := range reqs {
		texts[i] = req.Text
	}

	send := func(ctx context.Context, texts []string) ([]string, error) {
		return d.cfg.GenAIDriver.SendBatch(ctx, key, texts)
	}
	fallback := func(ctx context.Context, text string) (string, error) {
		return d.cfg.GenAIDriver.Send(ctx, key, text)
	}

	translated, errs := genaibatch.RunBatch(ctx, texts, send, fallback)

	results := make([]xlate.Result, len(reqs))
	for i, req := range reqs {
		if errs[i] != nil {
			results[i] = xlate.Result{RequestID: req.ID, Err: errs[i]}
			continue
		}
		results[i] = xlate.Result{RequestID: req.ID, Text: translated[i]}
		if req.Hash == "" {
			continue
		}
		entry := xlate.CacheEntry{
			Key:        req.Hash,
			Text:       translated[i],
			SourceLang: req.SourceLang,
			TargetLang: req.TargetLang,
			ProviderID: req.ProviderID,
			CreatedAt:  time.Now(),
		}
		go func(entry xlate.CacheEntry) {
			if err := d.cfg.Cache.Put(context.Background(), entry); err != nil {
				slog.Warn("dispatcher: failed to persist cache entry", "hash", entry.Key, "error", err)
			}
		}(entry)
	}
	return results
}

// callProvider gates the request through the scheduler and routes it to
// the branch matching the provider's classification.
func (d *Dispatcher) callProvider(ctx context.Context, req xlate.TranslationRequest) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "dispatcher.callProvider")
	defer span.End()

	if err := d.cfg.Scheduler.Wait(ctx, req.ProviderID); err != nil {
		return "", err
	}

	switch d.cfg.Providers.Classify(req.ProviderID) {
	case provider.KindGenAI:
		if d.cfg.GenAIDriver == nil || d.cfg.GenAIKey == nil {
			return "", fmt.Errorf("dispatcher: provider %q classified as GenAI but no driver configured", req.ProviderID)
		}
		key := d.cfg.GenAIKey(req.ProviderID)

		backlog := d.trackGenAIBacklog(key, 1)
		defer d.trackGenAIBacklog(key, -1)

		desired := clamp(ceilDiv(backlog, 2), 1, d.cfg.GenAIDriver.MaxSlotsPerKey())
		d.cfg.GenAIDriver.Scale(ctx, key, desired)

		return d.cfg.GenAIDriver.Send(ctx, key, req.Text)

	case provider.KindLLMBatchable:
		q, ok := d.cfg.BatchQueues[req.ProviderID]
		if !ok {
			return "", fmt.Errorf("dispatcher: provider %q classified as batchable but no batch queue configured", req.ProviderID)
		}
		return q.Enqueue(ctx, batchqueue.Item{RequestID: req.ID, Text: req.Text, SourceLang: req.SourceLang, TargetLang: req.TargetLang})

	default: // KindSimple
		caller := d.cfg.Providers.Caller(req.ProviderID)
		if caller == nil {
			return "", fmt.Errorf("dispatcher: no caller registered for provider %q", req.ProviderID)
		}
		dedupeKey := requestqueue.Key(req.SourceLang, req.TargetLang, req.Text)
		return d.cfg.Requests.Do(ctx, dedupeKey, func(ctx context.Context) (string, error) {
			return caller.Translate(ctx, req.Text, req.SourceLang, req.TargetLang)
		})
	}
}

// trackGenAIBacklog adjusts the in-flight GenAI request count for key by
// delta and returns the count after adjusting, used to size the pool
// warm-up call in callProvider's GenAI branch.
func (d *Dispatcher) trackGenAIBacklog(key chatpool.Key, delta int) int {
	d.backlogMu.Lock()
	defer d.backlogMu.Unlock()
	n := d.genaiBacklog[key] + delta
	if n <= 0 {
		delete(d.genaiBacklog, key)
		return 0
	}
	d.genaiBacklog[key] = n
	return n
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		v = lo
	}
	if hi > 0 && v > hi {
		v = hi
	}
	return v
}

// Cancel cancels a single in-flight request by id. A request that has
// already completed, or was never submitted, is a no-op.
func (d *Dispatcher) Cancel(requestID string) {
	d.mu.Lock()
	cancel, ok := d.inflight[requestID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelTab cancels every in-flight request issued on behalf of tabID
// and removes any of their still-pending entries from every configured
// batch queue, the way closing a browser tab must abort every
// translation it started rather than let them complete unseen.
func (d *Dispatcher) CancelTab(tabID string) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.tabRequests[tabID]))
	for id := range d.tabRequests[tabID] {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
		d.Cancel(id)
	}

	predicate := func(item batchqueue.Item) bool {
		_, ok := idSet[item.RequestID]
		return ok
	}
	for _, q := range d.cfg.BatchQueues {
		q.CancelTasks(predicate, xlate.ErrCancelled)
	}
}

func (d *Dispatcher) register(req xlate.TranslationRequest, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight[req.ID] = cancel
	if req.TabID == "" {
		return
	}
	set, ok := d.tabRequests[req.TabID]
	if !ok {
		set = make(map[string]struct{})
		d.tabRequests[req.TabID] = set
	}
	set[req.ID] = struct{}{}
	d.requestTab[req.ID] = req.TabID
}

func (d *Dispatcher) unregister(requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, requestID)

	tabID, ok := d.requestTab[requestID]
	if !ok {
		return
	}
	delete(d.requestTab, requestID)
	if set, ok := d.tabRequests[tabID]; ok {
		delete(set, requestID)
		if len(set) == 0 {
			delete(d.tabRequests, tabID)
		}
	}
}

// Close cancels every in-flight request and closes every subsystem this
// Dispatcher owns that needs an orderly shutdown.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	for id, cancel := range d.inflight {
		cancel()
		delete(d.inflight, id)
	}
	d.tabRequests = make(map[string]map[string]struct{})
	d.requestTab = make(map[string]string)
	d.mu.Unlock()

	for _, q := range d.cfg.BatchQueues {
		q.Close()
	}

	if closer, ok := d.cfg.Cache.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("dispatcher: close cache: %w", err)
		}
	}
	return nil
}
