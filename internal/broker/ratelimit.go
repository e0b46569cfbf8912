package broker

import (
	"sync"
	"time"
)

// RateLimit bounds how many messages one connection may publish per window.
// A zero value disables the limit.
type RateLimit struct {
	Window time.Duration
	Limit  int
}

// slidingWindowLimiter enforces a maximum number of events within a time
// window, used to exercise rate-limit abuse scenarios against clients.
type slidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events []time.Time
}

func newSlidingWindowLimiter(cfg RateLimit, timeSource func() time.Time) *slidingWindowLimiter {
	if cfg.Window <= 0 || cfg.Limit <= 0 {
		return nil
	}
	if timeSource == nil {
		timeSource = time.Now
	}
	return &slidingWindowLimiter{
		window: cfg.Window,
		limit:  cfg.Limit,
		now:    timeSource,
	}
}

// allow reports whether the caller may publish under the current rate limits.
func (l *slidingWindowLimiter) allow() bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	//1.- Evict samples that fell out of the window before counting.
	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.events[:0]
	for _, ts := range l.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.events = kept
	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}
