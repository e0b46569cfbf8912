package netsim

import (
	"math"
	"sync"
	"time"
)

// Usage captures the throttling state for one direction of a link.
type Usage struct {
	AvailableBytes   float64
	BytesPerSecond   float64
	ObservedSeconds  float64
	DeniedDeliveries int64
}

// throttle enforces a token-bucket budget on one direction of a simulated
// link so sustained traffic stays at the configured throughput.
type throttle struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	refill   float64
	last     time.Time
	window   time.Time
	sent     int64
	denied   int64
	now      func() time.Time
}

func newThrottle(bytesPerSecond float64, clock func() time.Time) *throttle {
	if bytesPerSecond <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	start := clock()
	return &throttle{
		tokens:   bytesPerSecond,
		capacity: bytesPerSecond,
		refill:   bytesPerSecond,
		last:     start,
		window:   start,
		now:      clock,
	}
}

func (t *throttle) replenishLocked(now time.Time) {
	//1.- Skip negative intervals to protect against clock skew.
	if now.Before(t.last) {
		return
	}
	elapsed := now.Sub(t.last).Seconds()
	if elapsed <= 0 {
		t.last = now
		return
	}
	//2.- Accumulate fresh tokens using the configured refill rate.
	t.tokens += elapsed * t.refill
	if t.tokens > t.capacity {
		t.tokens = t.capacity
	}
	t.last = now
}

// allow charges the payload against the budget and reports whether it passes.
func (t *throttle) allow(payloadBytes int) bool {
	if t == nil || payloadBytes <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.replenishLocked(t.now())
	request := float64(payloadBytes)
	if request > t.tokens {
		//1.- Record the refusal so scenarios can assert on throttling pressure.
		t.denied++
		return false
	}
	t.tokens -= request
	t.sent += int64(payloadBytes)
	return true
}

// transferDelay derives the serialisation delay for the payload at the
// configured rate.
func (t *throttle) transferDelay(payloadBytes int) time.Duration {
	if t == nil || payloadBytes <= 0 {
		return 0
	}
	seconds := float64(payloadBytes) / t.refill
	return time.Duration(seconds * float64(time.Second))
}

// usage reports the most recent throttling statistics for the direction.
func (t *throttle) usage() Usage {
	if t == nil {
		return Usage{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.replenishLocked(now)
	observed := now.Sub(t.window).Seconds()
	rate := 0.0
	if observed > 0 {
		rate = float64(t.sent) / observed
	}
	return Usage{
		AvailableBytes:   math.Max(t.tokens, 0),
		BytesPerSecond:   rate,
		ObservedSeconds:  observed,
		DeniedDeliveries: t.denied,
	}
}
