// Package ratelimit throttles injections per session with a sliding window.
//
// A key is admitted when fewer than Max requests were recorded for it within
// the last Window. Refused calls are not recorded, so a caller that keeps
// retrying does not extend its own lockout.
package ratelimit

import (
	"sync"
	"time"
)

// Defaults used when a Limiter is built from zero values.
const (
	DefaultWindow      = 60 * time.Second
	DefaultMaxRequests = 10
)

// Limiter keeps a bounded timestamp history per key.
type Limiter struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

// New creates a Limiter admitting max requests per window for each key.
func New(window time.Duration, max int) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMaxRequests
	}
	return &Limiter{
		window: window,
		max:    max,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

// SetClock replaces the time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Allow evicts expired timestamps for key and records the current call if
// the key is still under its limit. It reports whether the call is admitted.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.evictLocked(key, now)
	if len(recent) >= l.max {
		return false
	}
	l.hits[key] = append(recent, now)
	return true
}

// Remaining reports how many calls key may still make in the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max - len(l.evictLocked(key, l.now()))
}

// Clear forgets the history of key.
func (l *Limiter) Clear(key string) {
	l.mu.Lock()
	delete(l.hits, key)
	l.mu.Unlock()
}

// ClearAll forgets every key.
func (l *Limiter) ClearAll() {
	l.mu.Lock()
	l.hits = make(map[string][]time.Time)
	l.mu.Unlock()
}

// evictLocked drops timestamps at or before now-window. Timestamps are
// appended in order, so the live ones are always a suffix.
func (l *Limiter) evictLocked(key string, now time.Time) []time.Time {
	ts := l.hits[key]
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == len(ts) {
		delete(l.hits, key)
		return nil
	}
	if i > 0 {
		ts = append(ts[:0], ts[i:]...)
		l.hits[key] = ts
	}
	return ts
}
