package genaidriver

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/immersivetranslate/dispatch-core/chatpool"
	"github.com/immersivetranslate/dispatch-core/xlate"
)

type fakeTransport struct {
	sendCalls    int32
	sendBehavior []func(chatID, parent string) (string, error)
	streamBody   map[string]string // messageID -> SSE body
	pollBehavior map[string]func() (string, bool, error)
	cancelled    []string
	deletedChats []string
}

func (f *fakeTransport) CreateChat(ctx context.Context, key chatpool.Key) (string, error) {
	return "chat-1", nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, chatID, parent, text string) (string, error) {
	i := atomic.AddInt32(&f.sendCalls, 1) - 1
	if int(i) < len(f.sendBehavior) {
		return f.sendBehavior[i](chatID, parent)
	}
	return "", errors.New("no more behaviors configured")
}

func (f *fakeTransport) OpenStream(ctx context.Context, chatID, messageID string) (io.ReadCloser, error) {
	body, ok := f.streamBody[messageID]
	if !ok {
		return nil, errors.New("no stream configured")
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeTransport) PollMessage(ctx context.Context, chatID, messageID string) (string, bool, error) {
	fn, ok := f.pollBehavior[messageID]
	if !ok {
		return "", false, errors.New("no poll behavior configured")
	}
	return fn()
}

func (f *fakeTransport) CancelMessage(ctx context.Context, chatID, messageID string) {
	f.cancelled = append(f.cancelled, messageID)
}

func (f *fakeTransport) DeleteChat(ctx context.Context, chatID string) {
	f.deletedChats = append(f.deletedChats, chatID)
}

func newPool(transport *fakeTransport) *chatpool.Pool {
	return chatpool.New(chatpool.Config{MaxSlotsPerKey: 1, IdleTTL: time.Hour}, transport.CreateChat, nil)
}

func TestDriverSendHappyPath(t *testing.T) {
	transport := &fakeTransport{
		sendBehavior: []func(string, string) (string, error){
			func(chatID, parent string) (string, error) { return "m1", nil },
		},
		streamBody: map[string]string{
			"m1": "data: {\"id\":\"m1\",\"content\":\"bon\"}\n\ndata: {\"id\":\"m1\",\"content\":\"jour\"}\n\ndata: [DONE]\n\n",
		},
	}
	pool := newPool(transport)
	defer pool.Close()
	d := New(transport, pool)

	text, err := d.Send(context.Background(), chatpool.Key{Provider: "p"}, "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "bonjour" {
		t.Fatalf("got %q", text)
	}
}

func TestDriverRecoversFromPendingResponse(t *testing.T) {
	transport := &fakeTransport{
		sendBehavior: []func(string, string) (string, error){
			func(chatID, parent string) (string, error) { return "", &xlate.PendingResponseError{ChatID: chatID} },
			func(chatID, parent string) (string, error) {
				if parent != "" {
					t.Errorf("expected parent to be reset before retry, got %q", parent)
				}
				return "m2", nil
			},
		},
		streamBody: map[string]string{
			"m2": "data: {\"id\":\"m2\",\"content\":\"hi\"}\n\ndata: [DONE]\n\n",
		},
	}
	pool := newPool(transport)
	defer pool.Close()
	d := New(transport, pool)

	text, err := d.Send(context.Background(), chatpool.Key{Provider: "p"}, "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hi" {
		t.Fatalf("got %q", text)
	}
}

func TestDriverFallsBackToPollOnStreamFailure(t *testing.T) {
	transport := &fakeTransport{
		sendBehavior: []func(string, string) (string, error){
			func(chatID, parent string) (string, error) { return "m1", nil },
		},
		streamBody: map[string]string{}, // OpenStream fails: no entry
		pollBehavior: map[string]func() (string, bool, error){
			"m1": func() (string, bool, error) { return "polled result", true, nil },
		},
	}
	pool := newPool(transport)
	defer pool.Close()
	d := New(transport, pool)

	text, err := d.Send(context.Background(), chatpool.Key{Provider: "p"}, "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "polled result" {
		t.Fatalf("got %q", text)
	}
}

func TestDriverExhaustsRecoveryAndReturnsError(t *testing.T) {
	always := func(chatID, parent string) (string, error) {
		return "", &xlate.ResponseFailedError{Code: "R50001"}
	}
	transport := &fakeTransport{
		sendBehavior: []func(string, string) (string, error){always, always, always, always, always},
	}
	pool := newPool(transport)
	defer pool.Close()
	d := New(transport, pool)

	_, err := d.Send(context.Background(), chatpool.Key{Provider: "p"}, "hello")
	if !errors.Is(err, xlate.ErrExhaustedRecovery) {
		t.Fatalf("expected ErrExhaustedRecovery, got %v", err)
	}
}

func TestDriverReconcilesPendingMessageOnHydration(t *testing.T) {
	transport := &fakeTransport{
		sendBehavior: []func(string, string) (string, error){
			func(chatID, parent string) (string, error) { return "m2", nil },
		},
		streamBody: map[string]string{
			"m2": "data: {\"id\":\"m2\",\"content\":\"hi\"}\n\ndata: [DONE]\n\n",
		},
		pollBehavior: map[string]func() (string, bool, error){
			"m1": func() (string, bool, error) { return "stale reply", true, nil },
		},
	}
	pool := newPool(transport)
	defer pool.Close()
	d := New(transport, pool)

	slot, release, err := pool.Acquire(context.Background(), chatpool.Key{Provider: "p"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	slot.PendingMessageID = "m1"
	slot.PendingSince = time.Now()
	release(false)

	text, err := d.Send(context.Background(), chatpool.Key{Provider: "p"}, "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hi" {
		t.Fatalf("got %q", text)
	}
}

func TestDriverInvalidatesSlotAndDeletesChatOnReset(t *testing.T) {
	always := func(chatID, parent string) (string, error) {
		return "", &xlate.ResponseFailedError{Code: "R50001"}
	}
	transport := &fakeTransport{
		sendBehavior: []func(string, string) (string, error){always, always, always, always, always},
	}
	pool := newPool(transport)
	defer pool.Close()
	d := New(transport, pool)

	_, err := d.Send(context.Background(), chatpool.Key{Provider: "p"}, "hello")
	if !errors.Is(err, xlate.ErrExhaustedRecovery) {
		t.Fatalf("expected ErrExhaustedRecovery, got %v", err)
	}
	if len(transport.deletedChats) == 0 {
		t.Fatal("expected the invalidated chat to be deleted remotely")
	}
}

func TestDriverSendBatchSplitsJoinedReply(t *testing.T) {
	// The marker contains newlines, which must be JSON-escaped to stay
	// inside a single "data: " line of the SSE body.
	jsonMarker := strings.ReplaceAll(xlate.BatchSegmentMarker, "\n", `\n`)
	transport := &fakeTransport{
		sendBehavior: []func(string, string) (string, error){
			func(chatID, parent string) (string, error) { return "m1", nil },
		},
		streamBody: map[string]string{
			"m1": "data: {\"id\":\"m1\",\"content\":\"bon" + jsonMarker + "jour" + jsonMarker + "monde\"}\n\ndata: [DONE]\n\n",
		},
	}
	pool := newPool(transport)
	defer pool.Close()
	d := New(transport, pool)

	parts, err := d.SendBatch(context.Background(), chatpool.Key{Provider: "p"}, []string{"hi", "day", "world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"bon", "jour", "monde"}
	for i, p := range parts {
		if p != want[i] {
			t.Fatalf("segment %d = %q, want %q", i, p, want[i])
		}
	}
}

func TestDriverSendBatchErrorsOnCountMismatch(t *testing.T) {
	transport := &fakeTransport{
		sendBehavior: []func(string, string) (string, error){
			func(chatID, parent string) (string, error) { return "m1", nil },
		},
		streamBody: map[string]string{
			"m1": "data: {\"id\":\"m1\",\"content\":\"only-one\"}\n\ndata: [DONE]\n\n",
		},
	}
	pool := newPool(transport)
	defer pool.Close()
	d := New(transport, pool)

	_, err := d.SendBatch(context.Background(), chatpool.Key{Provider: "p"}, []string{"hi", "day"})
	if !errors.Is(err, xlate.ErrBatchCountMismatch) {
		t.Fatalf("expected ErrBatchCountMismatch, got %v", err)
	}
}

func TestDriverNonRecoverableErrorStopsImmediately(t *testing.T) {
	calls := 0
	transport := &fakeTransport{
		sendBehavior: []func(string, string) (string, error){
			func(chatID, parent string) (string, error) {
				calls++
				return "", errors.New("boom")
			},
		},
	}
	pool := newPool(transport)
	defer pool.Close()
	d := New(transport, pool)

	_, err := d.Send(context.Background(), chatpool.Key{Provider: "p"}, "hello")
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-recoverable error, got %d", calls)
	}
}
