package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Governor enforces per-surface call-rate ceilings with a sliding one-second
// window. Two surfaces exist: the application-wide window (token exchange,
// schema discovery) and one window per destination document.
//
// Acquire* blocks the calling goroutine until fewer than ceiling calls have
// been recorded in the trailing window. Record* must be called immediately
// after the governed call is dispatched, not after it completes: the governor
// bounds outgoing call rate, not completion rate.
type Governor struct {
	ceiling    int
	windowSize time.Duration
	mu         sync.Mutex
	app        []time.Time
	docs       map[string][]time.Time
	now        func() time.Time
}

// Option customizes a Governor
type Option func(*Governor)

// WithWindow overrides the sliding window duration (tests)
func WithWindow(d time.Duration) Option {
	return func(g *Governor) { g.windowSize = d }
}

// WithClock overrides the time source (tests)
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// NewGovernor creates a governor with the given per-window call ceiling
func NewGovernor(ceiling int, opts ...Option) *Governor {
	if ceiling <= 0 {
		ceiling = 3
	}
	g := &Governor{
		ceiling:    ceiling,
		windowSize: time.Second,
		docs:       make(map[string][]time.Time),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AcquireApp blocks until the application-wide window admits another call
func (g *Governor) AcquireApp(ctx context.Context) error {
	return g.acquire(ctx, func() []time.Time {
		return g.app
	}, func(ts []time.Time) {
		g.app = ts
	})
}

// AcquireDoc blocks until the per-document window admits another call
func (g *Governor) AcquireDoc(ctx context.Context, docID string) error {
	return g.acquire(ctx, func() []time.Time {
		return g.docs[docID]
	}, func(ts []time.Time) {
		g.docs[docID] = ts
	})
}

// RecordApp records a dispatched call on the application-wide window
func (g *Governor) RecordApp() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.app = append(g.prune(g.app), g.now())
}

// RecordDoc records a dispatched call on a document window
func (g *Governor) RecordDoc(docID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.docs[docID] = append(g.prune(g.docs[docID]), g.now())
}

// acquire loops until the window has room, sleeping until the oldest entry
// leaves the window when it is full.
func (g *Governor) acquire(ctx context.Context, load func() []time.Time, store func([]time.Time)) error {
	for {
		g.mu.Lock()
		ts := g.prune(load())
		store(ts)
		if len(ts) < g.ceiling {
			g.mu.Unlock()
			return nil
		}
		// Window full: the oldest entry gates readmission
		wait := ts[0].Add(g.windowSize).Sub(g.now())
		g.mu.Unlock()

		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// prune drops entries older than the window. Timestamps are appended in
// monotonic order, so the first survivor marks the cut.
func (g *Governor) prune(ts []time.Time) []time.Time {
	cutoff := g.now().Add(-g.windowSize)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// BackoffDelay returns the exponential backoff delay for the given attempt:
// min(base * 2^attempt + jitter, cap) with jitter uniform in
// [0, 0.1 * base * 2^attempt]. Pure modulo the jitter draw.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(backoffBase)
	for i := 0; i < attempt; i++ {
		base *= 2
		if base >= float64(backoffCap) {
			return backoffCap
		}
	}
	jitter := rand.Float64() * 0.1 * base
	delay := time.Duration(base + jitter)
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

// Sleep waits for d or until the context is cancelled
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
