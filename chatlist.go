package carelink

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollInterval is the backstop polling cadence. Event-driven
// refreshes are the primary update path; a poll only fires when no refresh
// happened within the interval, so under a healthy connection most polls are
// skipped entirely.
const DefaultPollInterval = 10 * time.Second

// ConversationLister fetches the summarized conversation list.
type ConversationLister interface {
	List(ctx context.Context) ([]ConversationSummary, error)
}

// ListAggregator maintains the chat list. Concurrent Refresh calls collapse:
// while one fetch is in flight, further requests are folded into a single
// trailing fetch, so two overlapping fetches can never race each other into
// showing stale data last.
type ListAggregator struct {
	fetch  ConversationLister
	logger zerolog.Logger

	mu          sync.Mutex
	summaries   []ConversationSummary
	lastErr     error
	lastRefresh time.Time
	inflight    bool
	queued      bool
	polling     bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewListAggregator creates an aggregator over the given fetcher.
func NewListAggregator(fetch ConversationLister, logger zerolog.Logger) *ListAggregator {
	return &ListAggregator{
		fetch:  fetch,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Refresh fetches the conversation list. If a refresh is already running the
// call queues exactly one follow-up and returns immediately. On failure the
// previous list is kept and the error is recorded rather than clearing the
// display.
func (l *ListAggregator) Refresh(ctx context.Context) error {
	l.mu.Lock()
	if l.inflight {
		l.queued = true
		l.mu.Unlock()
		return nil
	}
	l.inflight = true
	l.mu.Unlock()

	var lastErr error
	for {
		summaries, err := l.fetch.List(ctx)

		l.mu.Lock()
		if err != nil {
			l.lastErr = err
			lastErr = err
		} else {
			l.summaries = summaries
			l.lastErr = nil
			l.lastRefresh = time.Now()
			lastErr = nil
		}
		if l.queued {
			l.queued = false
			l.mu.Unlock()
			continue
		}
		l.inflight = false
		l.mu.Unlock()

		if lastErr != nil {
			l.logger.Warn().Err(lastErr).Msg("chat list refresh failed, keeping stale list")
		}
		return lastErr
	}
}

// Summaries returns the last successful list and the last refresh error, if
// any. A non-nil error with a non-empty list means the display is stale.
func (l *ListAggregator) Summaries() ([]ConversationSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConversationSummary(nil), l.summaries...), l.lastErr
}

// LastRefresh returns the time of the last successful refresh.
func (l *ListAggregator) LastRefresh() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRefresh
}

// StartPolling launches the backstop poll. A tick is skipped when an
// event-driven refresh already ran within the interval. At most one poller
// runs per aggregator: repeated calls, and calls after Stop, are no-ops.
func (l *ListAggregator) StartPolling(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	l.mu.Lock()
	if l.polling {
		l.mu.Unlock()
		return
	}
	l.polling = true
	l.mu.Unlock()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			case <-ticker.C:
				if time.Since(l.LastRefresh()) < interval {
					continue
				}
				_ = l.Refresh(ctx)
			}
		}
	}()
}

// Stop halts the backstop poll.
func (l *ListAggregator) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
