// Package ratelimit implements a per-source sliding-window limiter for
// authentication attempts. A successful authentication resets its source's
// window, so well-behaved clients are never throttled.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks auth attempts per source address over a sliding window.
type Limiter struct {
	attempts int
	window   time.Duration

	mu      sync.Mutex
	sources map[string][]time.Time
}

// New creates a Limiter allowing attempts per window for each source.
func New(attempts int, window time.Duration) *Limiter {
	if attempts <= 0 {
		attempts = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		attempts: attempts,
		window:   window,
		sources:  make(map[string][]time.Time),
	}
}

// Allow records an attempt for source and reports whether it is within the
// window budget. The attempt itself counts against the budget.
func (l *Limiter) Allow(source string) bool {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	times := l.sources[source]
	// Drop entries that slid out of the window.
	keep := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	if len(keep) >= l.attempts {
		l.sources[source] = keep
		return false
	}
	l.sources[source] = append(keep, now)
	return true
}

// Reset clears the window for source, called after a successful auth.
func (l *Limiter) Reset(source string) {
	l.mu.Lock()
	delete(l.sources, source)
	l.mu.Unlock()
}

// EvictStale drops sources with no attempts inside the window. Called
// periodically so the map does not grow without bound.
func (l *Limiter) EvictStale() int {
	cutoff := time.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for src, times := range l.sources {
		live := false
		for _, t := range times {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.sources, src)
			evicted++
		}
	}
	return evicted
}
