package batchqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := NewConfig()
	cfg.MaxBatchItems = 4
	cfg.MaxBatchChars = 100
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.FlushTimeout = time.Second
	return cfg
}

func upperBatch(ctx context.Context, items []Item) ([]string, error) {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = "[" + it.TargetLang + "]" + it.Text
	}
	return out, nil
}

func upperFallback(ctx context.Context, item Item) (string, error) {
	return "[" + item.TargetLang + "]" + item.Text, nil
}

func TestQueueFlushesOnItemCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := New(ctx, testConfig(), upperBatch, upperFallback)
	defer q.Close()

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, err := q.Enqueue(context.Background(), Item{Text: fmt.Sprintf("t%d", i), TargetLang: "fr"})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = text
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		want := fmt.Sprintf("[fr]t%d", i)
		if r != want {
			t.Errorf("result %d = %q, want %q", i, r, want)
		}
	}
}

func TestQueueFlushesOnTimer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := New(ctx, testConfig(), upperBatch, upperFallback)
	defer q.Close()

	text, err := q.Enqueue(context.Background(), Item{Text: "solo", TargetLang: "de"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "[de]solo" {
		t.Fatalf("got %q", text)
	}
}

func TestQueueFallsBackOnBatchError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failingBatch := func(ctx context.Context, items []Item) ([]string, error) {
		return nil, errors.New("provider exploded")
	}

	q := New(ctx, testConfig(), failingBatch, upperFallback)
	defer q.Close()

	text, err := q.Enqueue(context.Background(), Item{Text: "solo", TargetLang: "ja"})
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if text != "[ja]solo" {
		t.Fatalf("got %q", text)
	}
}

func TestQueueFallsBackOnCountMismatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mismatched := func(ctx context.Context, items []Item) ([]string, error) {
		return []string{"only-one"}, nil
	}

	q := New(ctx, testConfig(), mismatched, upperFallback)
	defer q.Close()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), Item{Text: fmt.Sprintf("x%d", i), TargetLang: "es"})
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("item %d: expected fallback to absorb count mismatch, got %v", i, err)
		}
	}
}

func TestQueueCancelTasksRemovesPendingItem(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig()
	cfg.FlushInterval = time.Hour // never fires on its own
	q := New(ctx, cfg, upperBatch, upperFallback)
	defer q.Close()

	abort := errors.New("tab closed")
	resultCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), Item{RequestID: "r1", Text: "solo", TargetLang: "pt"})
		resultCh <- err
	}()

	time.Sleep(5 * time.Millisecond)
	n := q.CancelTasks(func(it Item) bool { return it.RequestID == "r1" }, abort)
	if n != 1 {
		t.Fatalf("expected 1 item cancelled, got %d", n)
	}

	select {
	case err := <-resultCh:
		if !errors.Is(err, abort) {
			t.Fatalf("expected abort reason, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CancelTasks did not reject the pending item")
	}
}

func TestQueueCancelTasksIgnoresNonMatchingItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig()
	cfg.FlushInterval = time.Hour
	q := New(ctx, cfg, upperBatch, upperFallback)
	defer q.Close()

	resultCh := make(chan string, 1)
	go func() {
		text, err := q.Enqueue(context.Background(), Item{RequestID: "keep-me", Text: "solo", TargetLang: "nl"})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		resultCh <- text
	}()

	time.Sleep(5 * time.Millisecond)
	n := q.CancelTasks(func(it Item) bool { return it.RequestID == "someone-else" }, errors.New("abort"))
	if n != 0 {
		t.Fatalf("expected 0 items cancelled, got %d", n)
	}

	q.Close()
	select {
	case text := <-resultCh:
		if text != "[nl]solo" {
			t.Fatalf("got %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the non-matching item to still flush on close")
	}
}

func TestQueueCloseFlushesPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig()
	cfg.FlushInterval = time.Hour // never fires on its own
	q := New(ctx, cfg, upperBatch, upperFallback)

	resultCh := make(chan string, 1)
	go func() {
		text, err := q.Enqueue(context.Background(), Item{Text: "last", TargetLang: "it"})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		resultCh <- text
	}()

	time.Sleep(5 * time.Millisecond)
	q.Close()

	select {
	case text := <-resultCh:
		if text != "[it]last" {
			t.Fatalf("got %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not flush pending item")
	}
}
