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

// Package genaidriver drives a single turn of a stateful GenAI
// conversation through its wire protocol's state machine: send a message
// chained off the chat's last confirmed message, open its SSE stream,
// fall back to polling if the stream drops, and recover from the two
// fault shapes these backends report (a busy parent message, or a failed
// model execution) with a bounded number of attempts.
package genaidriver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/immersivetranslate/dispatch-core/chatpool"
	"github.com/immersivetranslate/dispatch-core/internal/telemetry"
	"github.com/immersivetranslate/dispatch-core/sse"
	"github.com/immersivetranslate/dispatch-core/xlate"
)

// Transport is the wire protocol the driver steps through. Concrete
// implementations speak to a specific GenAI backend; the state machine
// here only knows these operations and how to classify their faults.
type Transport interface {
	CreateChat(ctx context.Context, key chatpool.Key) (chatID string, err error)
	SendMessage(ctx context.Context, chatID, parentMessageID, text string) (messageID string, err error)
	OpenStream(ctx context.Context, chatID, messageID string) (io.ReadCloser, error)
	PollMessage(ctx context.Context, chatID, messageID string) (content string, done bool, err error)
	// CancelMessage is best-effort: the wire protocol's cancel endpoint
	// response codes are unspecified, so the driver never treats its
	// outcome as an error.
	CancelMessage(ctx context.Context, chatID, messageID string)
	// DeleteChat is best-effort cleanup for a chat whose slot is being
	// invalidated; its outcome is never treated as an error either, since
	// by the time it's called the chat is already being abandoned.
	DeleteChat(ctx context.Context, chatID string)
}

// recoveryBackoff mirrors the bounded, progressively-longer backoff table
// used across this codebase for transient provider faults.
var recoveryBackoff = []time.Duration{
	100 * time.Millisecond,
	500 * time.Millisecond,
	2 * time.Second,
}

const maxRecoveryAttempts = len(recoveryBackoff)

func backoffFor(attempt int) time.Duration {
	if attempt >= len(recoveryBackoff) {
		attempt = len(recoveryBackoff) - 1
	}
	return recoveryBackoff[attempt]
}

// Driver runs conversation turns against Transport using slots checked
// out of a chatpool.Pool.
type Driver struct {
	transport Transport
	pool      *chatpool.Pool
}

// New constructs a Driver. The pool's CreateFunc should call
// transport.CreateChat so pool-managed and driver-managed chat creation
// stay in sync.
func New(transport Transport, pool *chatpool.Pool) *Driver {
	return &Driver{transport: transport, pool: pool}
}

// Send runs one conversation turn for key and returns the assistant's
// reply text. Each outer attempt acquires a slot, reconciles any
// unconfirmed turn left over from a previous attempt or process
// restart, then drives exactly one send/stream/poll sequence (itself
// retried once internally if the provider reports the chat's parent
// message is still busy) before releasing or invalidating the slot.
func (d *Driver) Send(ctx context.Context, key chatpool.Key, text string) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "genaidriver.Send")
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= maxRecoveryAttempts; attempt++ {
		result, recoverable, err := d.recoveryRound(ctx, key, text)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !recoverable {
			return "", err
		}
		if attempt == maxRecoveryAttempts {
			break
		}
		slog.Warn("genai turn failed, retrying with a reconciled slot", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoffFor(attempt)):
		}
	}
	return "", fmt.Errorf("%w: %w", xlate.ErrExhaustedRecovery, lastErr)
}

// recoveryRound acquires exactly one slot and carries it through a
// complete attempt: pending-message reconciliation, then a turn with at
// most one parent-busy retry. It always settles the slot before
// returning, either releasing it for reuse or invalidating it (remote
// delete plus permanent removal from the pool) when its state can no
// longer be trusted.
func (d *Driver) recoveryRound(ctx context.Context, key chatpool.Key, text string) (result string, recoverable bool, err error) {
	slot, release, err := d.pool.Acquire(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("genaidriver: acquire slot: %w", err)
	}

	reset := false
	defer func() {
		if reset {
			d.transport.DeleteChat(context.Background(), slot.ChatID)
			d.pool.Retire(key, slot)
			return
		}
		release(false)
	}()

	if slot.PendingMessageID != "" {
		slog.Warn("genai slot hydrated with an unconfirmed pending turn, reconciling", "chat_id", slot.ChatID, "pending_message_id", slot.PendingMessageID)
		if _, werr := d.pollUntilDone(ctx, slot.ChatID, slot.PendingMessageID); werr != nil {
			reset = true
			return "", true, fmt.Errorf("genaidriver: reconcile pending message %s: %w", slot.PendingMessageID, werr)
		}
		slot.PendingMessageID = ""
		slot.PendingSince = time.Time{}
	}

	parentWaitAttempted := false
	for {
		content, turnErr := d.turn(ctx, slot, text)
		if turnErr == nil {
			return content, false, nil
		}

		var pending *xlate.PendingResponseError
		if errors.As(turnErr, &pending) && slot.ParentMessageID != "" && !parentWaitAttempted {
			parentWaitAttempted = true
			slog.Warn("genai parent message still busy, waiting once before resetting", "chat_id", slot.ChatID, "parent_message_id", slot.ParentMessageID)
			if _, werr := d.pollUntilDone(ctx, slot.ChatID, slot.ParentMessageID); werr != nil {
				reset = true
				return "", true, turnErr
			}
			continue
		}

		var failed *xlate.ResponseFailedError
		if errors.As(turnErr, &pending) || errors.As(turnErr, &failed) {
			reset = true
			return "", true, turnErr
		}
		return "", false, turnErr
	}
}

// turn performs exactly one sendMessage -> openStream -> (pollMessage
// fallback) sequence. slot.PendingMessageID tracks the in-flight message
// for the duration of the call so a failure that skips the normal
// clear-on-success path leaves a trail recoveryRound can reconcile on the
// next acquire of the same slot. The field reaches the pool's Persister
// only when the slot is released; it is not written at send time.
func (d *Driver) turn(ctx context.Context, slot *chatpool.Slot, text string) (string, error) {
	messageID, err := d.transport.SendMessage(ctx, slot.ChatID, slot.ParentMessageID, text)
	if err != nil {
		return "", err
	}
	slot.PendingMessageID = messageID
	slot.PendingSince = time.Now()

	content, streamErr := d.streamContent(ctx, slot.ChatID, messageID)
	if streamErr != nil {
		slog.Debug("genai stream failed, falling back to poll", "chat_id", slot.ChatID, "message_id", messageID, "error", streamErr)
		polled, pollErr := d.pollUntilDone(ctx, slot.ChatID, messageID)
		if pollErr != nil {
			d.transport.CancelMessage(context.Background(), slot.ChatID, messageID)
			return "", pollErr
		}
		content = polled
	}

	if ctx.Err() != nil {
		d.transport.CancelMessage(context.Background(), slot.ChatID, messageID)
		return "", ctx.Err()
	}

	slot.PendingMessageID = ""
	slot.PendingSince = time.Time{}
	slot.ParentMessageID = messageID
	return content, nil
}

// SendBatch joins texts into a single turn separated by
// xlate.BatchSegmentMarker and splits the reply back into one result per
// input, asserting the split produced exactly as many segments as went
// in. It performs exactly one attempt with no internal recovery retry;
// callers needing a retry-once-then-per-chunk-fallback policy (genaibatch)
// call it again themselves on a recoverable error.
func (d *Driver) SendBatch(ctx context.Context, key chatpool.Key, texts []string) ([]string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "genaidriver.SendBatch")
	defer span.End()

	slot, release, err := d.pool.Acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("genaidriver: acquire slot: %w", err)
	}

	reset := false
	defer func() {
		if reset {
			d.transport.DeleteChat(context.Background(), slot.ChatID)
			d.pool.Retire(key, slot)
			return
		}
		release(false)
	}()

	content, turnErr := d.turn(ctx, slot, batchPrompt(texts))
	if turnErr != nil {
		var pending *xlate.PendingResponseError
		var failed *xlate.ResponseFailedError
		if errors.As(turnErr, &pending) || errors.As(turnErr, &failed) {
			reset = true
		}
		return nil, turnErr
	}

	parts := strings.Split(content, xlate.BatchSegmentMarker)
	if len(parts) != len(texts) {
		return nil, fmt.Errorf("%w: got %d segments, want %d", xlate.ErrBatchCountMismatch, len(parts), len(texts))
	}
	return parts, nil
}

// Scale warms up key's chat pool ahead of an expected burst of turns,
// provisioning up to desired idle slots (clamped to MaxSlotsPerKey).
// Best-effort: a provisioning failure is logged by the pool and never
// surfaces here.
func (d *Driver) Scale(ctx context.Context, key chatpool.Key, desired int) {
	d.pool.Scale(ctx, key, desired)
}

// MaxSlotsPerKey reports the chat pool's per-key slot ceiling.
func (d *Driver) MaxSlotsPerKey() int {
	return d.pool.MaxSlotsPerKey()
}

func batchPrompt(texts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Translate each of the following %d segments, which are separated by %q. Reply with exactly that many segments joined by the identical separator, in the same order, and nothing else.\n\n", len(texts), strings.TrimSpace(xlate.BatchSegmentMarker))
	b.WriteString(strings.Join(texts, xlate.BatchSegmentMarker))
	return b.String()
}

func (d *Driver) streamContent(ctx context.Context, chatID, messageID string) (string, error) {
	stream, err := d.transport.OpenStream(ctx, chatID, messageID)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	dec := sse.NewDecoder(stream)
	var out strings.Builder
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if ev.Done {
			break
		}
		if ev.ID == "" {
			return "", xlate.ErrStreamMissingID
		}
		// The decoder itself decides whether a code-bearing chunk's
		// content counts; by the time an Event reaches here, Content is
		// already empty for anything that shouldn't be accumulated.
		if ev.Content != "" {
			out.WriteString(ev.Content)
		}
		if ev.Code != "" {
			if fault := classifyCode(ev.Code, chatID); fault != nil {
				if out.Len() > 0 {
					return out.String(), nil
				}
				return "", fault
			}
			slog.Debug("genai stream reported a non-fatal code", "chat_id", chatID, "code", ev.Code)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("genaidriver: empty stream content")
	}
	return out.String(), nil
}

func (d *Driver) pollUntilDone(ctx context.Context, chatID, messageID string) (string, error) {
	const pollInterval = 200 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		content, done, err := d.transport.PollMessage(ctx, chatID, messageID)
		if err != nil {
			return "", err
		}
		if done {
			return content, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// classifyCode maps a provider fault code onto a typed error the Send
// recovery loop can branch on with errors.As.
func classifyCode(code, chatID string) error {
	switch {
	case code == "CHAT_ERROR_4":
		return &xlate.PendingResponseError{ChatID: chatID}
	case strings.HasPrefix(code, "R5"):
		return &xlate.ResponseFailedError{Code: code}
	default:
		return nil
	}
}
