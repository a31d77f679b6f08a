// Package ratelimit implements fixed-window message throttling, one window
// per connection. The hub owns the limiter and forgets a connection's
// window when the connection is removed.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type window struct {
	count   int
	resetAt time.Time
}

// Limiter counts inbound messages per connection in fixed windows.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	max     int
	period  time.Duration
	clock   clockwork.Clock
}

// New creates a limiter allowing max messages per period per connection.
func New(max int, period time.Duration, clock clockwork.Clock) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		max:     max,
		period:  period,
		clock:   clock,
	}
}

// Allow reports whether connID may send another message in the current
// window. The first message of a window (including the first ever) always
// starts a fresh window.
func (l *Limiter) Allow(connID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w, ok := l.windows[connID]
	if !ok || now.After(w.resetAt) {
		l.windows[connID] = &window{count: 1, resetAt: now.Add(l.period)}
		return true
	}

	if w.count < l.max {
		w.count++
		return true
	}
	return false
}

// Forget drops the window for a removed connection.
func (l *Limiter) Forget(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, connID)
}

// Size returns the number of tracked windows.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
