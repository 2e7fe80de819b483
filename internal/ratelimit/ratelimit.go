// Package ratelimit implements a fixed-window request counter keyed by
// client identity.
package ratelimit

import (
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
)

// Limiter allows at most Limit hits per key in each window. A window opens
// on the first hit for a key and lasts Window; rejected hits are not
// counted.
type Limiter struct {
	limit  int
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	windows map[string]*counter
	hits    int // since last sweep
}

// counter is one key's open window.
type counter struct {
	start time.Time
	count int
}

// Decision is the outcome of a single hit.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the key's window resets. Zero when
	// allowed.
	RetryAfter time.Duration
}

// sweepEvery bounds how many hits pass between purges of expired windows.
const sweepEvery = 1024

// New returns a Limiter. A nil clk uses the wall clock.
func New(limit int, window time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		clock:   clk,
		windows: make(map[string]*counter),
	}
}

// Allow records a hit for key and reports whether it is within the limit.
func (l *Limiter) Allow(key string) Decision {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.hits++
	if l.hits >= sweepEvery {
		l.sweep(now)
	}

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		w = &counter{start: now}
		l.windows[key] = w
	}

	if w.count >= l.limit {
		return Decision{RetryAfter: w.start.Add(l.window).Sub(now)}
	}
	w.count++
	return Decision{Allowed: true, Remaining: l.limit - w.count}
}

// Limit returns the configured per-window limit.
func (l *Limiter) Limit() int {
	return l.limit
}

// sweep drops windows that have fully elapsed. Callers hold l.mu.
func (l *Limiter) sweep(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, key)
		}
	}
	l.hits = 0
}
