package carelink

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeLister struct {
	mu      sync.Mutex
	calls   int
	out     []ConversationSummary
	err     error
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeLister) List(ctx context.Context) ([]ConversationSummary, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]ConversationSummary(nil), f.out...), nil
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestListAggregatorRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("refresh replaces the list", func(t *testing.T) {
		lister := &fakeLister{out: []ConversationSummary{{ChatID: "c1"}, {ChatID: "c2"}}}
		agg := NewListAggregator(lister, zerolog.Nop())

		if err := agg.Refresh(ctx); err != nil {
			t.Fatal(err)
		}
		summaries, err := agg.Summaries()
		if err != nil {
			t.Fatal(err)
		}
		if len(summaries) != 2 {
			t.Fatalf("expected 2, got %d", len(summaries))
		}
		if agg.LastRefresh().IsZero() {
			t.Fatal("lastRefresh not recorded")
		}
	})

	t.Run("failure keeps the stale list", func(t *testing.T) {
		lister := &fakeLister{out: []ConversationSummary{{ChatID: "c1"}}}
		agg := NewListAggregator(lister, zerolog.Nop())
		agg.Refresh(ctx)

		lister.mu.Lock()
		lister.err = errors.New("backend down")
		lister.mu.Unlock()

		if err := agg.Refresh(ctx); err == nil {
			t.Fatal("expected refresh error")
		}
		summaries, err := agg.Summaries()
		if err == nil {
			t.Fatal("expected the stale error to surface")
		}
		if len(summaries) != 1 || summaries[0].ChatID != "c1" {
			t.Fatalf("stale list lost: %+v", summaries)
		}

		// Recovery clears the error.
		lister.mu.Lock()
		lister.err = nil
		lister.mu.Unlock()
		if err := agg.Refresh(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := agg.Summaries(); err != nil {
			t.Fatalf("error not cleared: %v", err)
		}
	})

	t.Run("overlapping refreshes collapse to one trailing fetch", func(t *testing.T) {
		lister := &fakeLister{
			gate:    make(chan struct{}),
			started: make(chan struct{}),
		}
		agg := NewListAggregator(lister, zerolog.Nop())

		done := make(chan error, 1)
		go func() { done <- agg.Refresh(ctx) }()
		<-lister.started

		// Burst of refreshes while the first fetch is still blocked. Each
		// must return immediately without stacking fetches.
		for i := 0; i < 5; i++ {
			if err := agg.Refresh(ctx); err != nil {
				t.Fatal(err)
			}
		}

		lister.gate <- struct{}{} // release the first fetch
		<-lister.started          // exactly one trailing fetch starts
		lister.gate <- struct{}{} // release it

		select {
		case err := <-done:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("refresh never returned")
		}
		if n := lister.callCount(); n != 2 {
			t.Fatalf("expected 2 fetches (initial + trailing), got %d", n)
		}
	})
}

func TestListAggregatorPolling(t *testing.T) {
	t.Run("poll skipped when a refresh is fresh", func(t *testing.T) {
		lister := &fakeLister{}
		agg := NewListAggregator(lister, zerolog.Nop())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Pin the last refresh in the future so every tick sees it fresh.
		agg.mu.Lock()
		agg.lastRefresh = time.Now().Add(time.Hour)
		agg.mu.Unlock()

		agg.StartPolling(ctx, 50*time.Millisecond)
		time.Sleep(300 * time.Millisecond)
		agg.Stop()

		if n := lister.callCount(); n != 0 {
			t.Fatalf("poll fired despite fresh refresh: %d fetches", n)
		}
	})

	t.Run("repeated starts launch a single poller", func(t *testing.T) {
		lister := &fakeLister{}
		agg := NewListAggregator(lister, zerolog.Nop())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		agg.StartPolling(ctx, time.Hour)
		time.Sleep(20 * time.Millisecond)
		before := runtime.NumGoroutine()

		for i := 0; i < 5; i++ {
			agg.StartPolling(ctx, time.Hour)
		}
		time.Sleep(20 * time.Millisecond)

		if n := runtime.NumGoroutine(); n > before {
			t.Fatalf("extra poll goroutines launched: %d > %d", n, before)
		}
		agg.mu.Lock()
		polling := agg.polling
		agg.mu.Unlock()
		if !polling {
			t.Fatal("poller not recorded as running")
		}
		agg.Stop()
	})

	t.Run("poll fires when the list goes stale", func(t *testing.T) {
		lister := &fakeLister{}
		agg := NewListAggregator(lister, zerolog.Nop())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		agg.StartPolling(ctx, 100*time.Millisecond)
		defer agg.Stop()

		deadline := time.After(2 * time.Second)
		for lister.callCount() == 0 {
			select {
			case <-deadline:
				t.Fatal("backstop poll never fetched")
			case <-time.After(20 * time.Millisecond):
			}
		}
	})
}
