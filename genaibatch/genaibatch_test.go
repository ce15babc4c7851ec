package genaibatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/immersivetranslate/dispatch-core/xlate"
)

func testConfig() Config {
	return Config{DebounceInterval: 10 * time.Millisecond, MaxChars: 1000, MaxItems: 4}
}

func echoSend(ctx context.Context, texts []string) ([]string, error) {
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = "[x]" + t
	}
	return out, nil
}

func echoFallback(ctx context.Context, text string) (string, error) {
	return "[x]" + text, nil
}

func TestAggregatorCoalescesWithinDebounceWindow(t *testing.T) {
	a := New(testConfig(), echoSend, echoFallback)
	defer a.Close()

	var wg sync.WaitGroup
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, err := a.Enqueue(context.Background(), fmt.Sprintf("chunk%d", i))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = text
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		want := fmt.Sprintf("[x]chunk%d", i)
		if r != want {
			t.Errorf("result %d = %q, want %q", i, r, want)
		}
	}
}

func TestAggregatorSingleItemSkipsJoinAndGoesStraightToFallback(t *testing.T) {
	sendCalled := false
	send := func(ctx context.Context, texts []string) ([]string, error) {
		sendCalled = true
		return echoSend(ctx, texts)
	}
	a := New(testConfig(), send, echoFallback)
	defer a.Close()

	text, err := a.Enqueue(context.Background(), "solo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "[x]solo" {
		t.Fatalf("got %q", text)
	}
	if sendCalled {
		t.Fatal("expected a lone item to skip the batch send entirely")
	}
}

func TestAggregatorFallsBackOnSegmentMismatch(t *testing.T) {
	badSend := func(ctx context.Context, texts []string) ([]string, error) {
		return []string{"only-one-segment"}, nil
	}
	a := New(testConfig(), badSend, echoFallback)
	defer a.Close()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	texts := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, err := a.Enqueue(context.Background(), fmt.Sprintf("c%d", i))
			errs[i] = err
			texts[i] = text
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Errorf("item %d: expected fallback to absorb mismatch, got %v", i, errs[i])
		}
		want := fmt.Sprintf("[x]c%d", i)
		if texts[i] != want {
			t.Errorf("item %d = %q, want %q", i, texts[i], want)
		}
	}
}

func TestAggregatorFallsBackOnSendError(t *testing.T) {
	failingSend := func(ctx context.Context, texts []string) ([]string, error) {
		return nil, errors.New("boom")
	}
	a := New(testConfig(), failingSend, echoFallback)
	defer a.Close()

	var wg sync.WaitGroup
	texts := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, err := a.Enqueue(context.Background(), fmt.Sprintf("c%d", i))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			texts[i] = text
		}(i)
	}
	wg.Wait()

	for i, text := range texts {
		want := fmt.Sprintf("[x]c%d", i)
		if text != want {
			t.Errorf("item %d = %q, want %q", i, text, want)
		}
	}
}

func TestRunBatchRetriesOnceOnRecoverableErrorThenSucceeds(t *testing.T) {
	var calls int32
	send := func(ctx context.Context, texts []string) ([]string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, &xlate.ResponseFailedError{Code: "R50004"}
		}
		return echoSend(ctx, texts)
	}

	results, errs := RunBatch(context.Background(), []string{"a", "b"}, send, echoFallback)
	for _, err := range errs {
		if err != nil {
			t.Fatalf("unexpected error after recoverable retry: %v", err)
		}
	}
	if results[0] != "[x]a" || results[1] != "[x]b" {
		t.Fatalf("unexpected results: %v", results)
	}
	if calls != 2 {
		t.Fatalf("expected exactly one retry (2 send calls), got %d", calls)
	}
}

func TestRunBatchRecognizesModelExecutionErrorMessage(t *testing.T) {
	var calls int32
	send := func(ctx context.Context, texts []string) ([]string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("provider returned: Model Execution Error, aborting")
		}
		return echoSend(ctx, texts)
	}

	results, errs := RunBatch(context.Background(), []string{"a", "b"}, send, echoFallback)
	for _, err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if results[0] != "[x]a" {
		t.Fatalf("unexpected results: %v", results)
	}
}

func TestRunBatchRecognizesUnexpectedTokenMessage(t *testing.T) {
	err := errors.New(`unexpected token 200007 at position 4`)
	if !isRecoverableBatchError(err) {
		t.Fatal("expected the 200007 token message to be classified as recoverable")
	}
}

func TestRunBatchFallsBackAfterExhaustingRetry(t *testing.T) {
	var calls int32
	send := func(ctx context.Context, texts []string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &xlate.ResponseFailedError{Code: "R50004"}
	}

	results, errs := RunBatch(context.Background(), []string{"a", "b"}, send, echoFallback)
	for _, err := range errs {
		if err != nil {
			t.Fatalf("expected fallback to absorb the error, got %v", err)
		}
	}
	if results[0] != "[x]a" || results[1] != "[x]b" {
		t.Fatalf("unexpected fallback results: %v", results)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 send attempts (one retry), got %d", calls)
	}
}

func TestRunBatchDoesNotRetryNonRecoverableError(t *testing.T) {
	var calls int32
	send := func(ctx context.Context, texts []string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("boom")
	}

	_, errs := RunBatch(context.Background(), []string{"a", "b"}, send, echoFallback)
	for _, err := range errs {
		if err != nil {
			t.Fatalf("expected fallback to absorb the error, got %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 send attempt for a non-recoverable error, got %d", calls)
	}
}
