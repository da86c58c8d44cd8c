package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// providerLimiter bounds one backend: a concurrency semaphore plus a
// sliding-window admission gate ("at most K starts per rolling window") and
// an optional minimum inter-request delay. A job that would exceed a limit
// waits; it is never dropped.
type providerLimiter struct {
	sem *semaphore.Weighted

	maxStarts int
	window    time.Duration
	minDelay  time.Duration

	mu        sync.Mutex
	starts    []time.Time
	lastStart time.Time
}

const rateWindow = 60 * time.Second

func newProviderLimiter(concurrency, maxStartsPerWindow int, minDelay time.Duration) *providerLimiter {
	if concurrency < 1 {
		concurrency = 1
	}
	return &providerLimiter{
		sem:       semaphore.NewWeighted(int64(concurrency)),
		maxStarts: maxStartsPerWindow,
		window:    rateWindow,
		minDelay:  minDelay,
	}
}

// acquire blocks until both a concurrency slot and a rate-window slot are
// available, or ctx is done.
func (l *providerLimiter) acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := l.admit(ctx); err != nil {
		l.sem.Release(1)
		return err
	}
	return nil
}

func (l *providerLimiter) release() {
	l.sem.Release(1)
}

func (l *providerLimiter) admit(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()

		// Drop starts that slid out of the window.
		cutoff := now.Add(-l.window)
		kept := l.starts[:0]
		for _, s := range l.starts {
			if s.After(cutoff) {
				kept = append(kept, s)
			}
		}
		l.starts = kept

		var wait time.Duration
		if l.minDelay > 0 && !l.lastStart.IsZero() {
			if d := l.minDelay - now.Sub(l.lastStart); d > wait {
				wait = d
			}
		}
		if l.maxStarts > 0 && len(l.starts) >= l.maxStarts {
			if d := l.window - now.Sub(l.starts[0]); d > wait {
				wait = d
			}
		}

		if wait <= 0 {
			if l.maxStarts > 0 {
				l.starts = append(l.starts, now)
			}
			l.lastStart = now
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// startCount reports how many starts are currently inside the window.
func (l *providerLimiter) startCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-l.window)
	n := 0
	for _, s := range l.starts {
		if s.After(cutoff) {
			n++
		}
	}
	return n
}
