package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultSweepInterval = time.Minute

// Result reports the outcome of a single Check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type counter struct {
	count   int
	resetAt time.Time
}

// Limiter bounds calls per identifier over a fixed window.
// One Limiter is constructed per process and shared by reference.
type Limiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New constructs a Limiter with no counters.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		counters: make(map[string]*counter),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts one call for identifier and reports whether it is within limit.
// It never fails; a denied caller decides how to reject upstream.
func (l *Limiter) Check(identifier string, limit int, window time.Duration) Result {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Millisecond
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[identifier]
	if !ok || !now.Before(c.resetAt) {
		c = &counter{count: 1, resetAt: now.Add(window)}
		l.counters[identifier] = c
		return Result{Allowed: true, Remaining: limit - 1, ResetAt: c.resetAt}
	}
	if c.count < limit {
		c.count++
		return Result{Allowed: true, Remaining: limit - c.count, ResetAt: c.resetAt}
	}
	return Result{Allowed: false, Remaining: 0, ResetAt: c.resetAt}
}

// Sweep removes counters whose window has elapsed and returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, c := range l.counters {
		if !now.Before(c.resetAt) {
			delete(l.counters, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live counters.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}

// Start runs the sweep loop until ctx is done or Stop is called.
// Calling Start while a loop is running is a no-op.
func (l *Limiter) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	l.loopMu.Lock()
	defer l.loopMu.Unlock()
	if l.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// Stop ends the sweep loop and waits for it to exit. Safe to call more than once.
func (l *Limiter) Stop() {
	l.loopMu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
