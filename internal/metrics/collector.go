// Package metrics turns raw timing observations into scenario-assertable
// statistics.
package metrics

import (
	"sync"
	"time"
)

// Report is a point-in-time snapshot of the accumulated statistics.
type Report struct {
	ConnectionTime     time.Duration
	ReconnectionTime   time.Duration
	MessagesSent       int64
	MessagesReceived   int64
	MessageSuccessRate float64
	ConcurrentUsers    int
	Latencies          []time.Duration
}

// Collector accumulates timing samples for the life of a test run. Reset
// must be called between independent performance scenarios.
type Collector struct {
	mu sync.Mutex

	now func() time.Time

	connectStarted   time.Time
	connectionTime   time.Duration
	reconnectionTime time.Duration
	sent             int64
	received         int64
	latencies        []time.Duration
	concurrentUsers  int
}

// NewCollector constructs a collector using the supplied clock, wall clock by
// default.
func NewCollector(clock func() time.Time) *Collector {
	if clock == nil {
		clock = time.Now
	}
	return &Collector{now: clock}
}

// StartConnectionTimer marks the intent-to-connect instant.
func (c *Collector) StartConnectionTimer() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.connectStarted = c.now()
	c.mu.Unlock()
}

// RecordConnectionEstablished captures the elapsed time since the timer
// started. Without a prior StartConnectionTimer call it records nothing.
func (c *Collector) RecordConnectionEstablished() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if !c.connectStarted.IsZero() {
		c.connectionTime = c.now().Sub(c.connectStarted)
	}
	c.mu.Unlock()
}

// RecordMessageSent counts one outbound message.
func (c *Collector) RecordMessageSent() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// RecordMessageReceived counts one matched delivery and its observed latency.
func (c *Collector) RecordMessageReceived(latency time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.received++
	c.latencies = append(c.latencies, latency)
	c.mu.Unlock()
}

// RecordReconnectionTime stores the single reconnection measurement.
func (c *Collector) RecordReconnectionTime(elapsed time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.reconnectionTime = elapsed
	c.mu.Unlock()
}

// SetConcurrentUserCount attaches run metadata used in reports.
func (c *Collector) SetConcurrentUserCount(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.concurrentUsers = n
	c.mu.Unlock()
}

// Snapshot derives the aggregate report from the accumulated state.
func (c *Collector) Snapshot() Report {
	if c == nil {
		return Report{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	//1.- Derive the success rate defensively so zero sends never divide by zero.
	successRate := 0.0
	if c.sent > 0 {
		successRate = float64(c.received) / float64(c.sent) * 100
	}
	return Report{
		ConnectionTime:     c.connectionTime,
		ReconnectionTime:   c.reconnectionTime,
		MessagesSent:       c.sent,
		MessagesReceived:   c.received,
		MessageSuccessRate: successRate,
		ConcurrentUsers:    c.concurrentUsers,
		Latencies:          append([]time.Duration(nil), c.latencies...),
	}
}

// AverageLatency returns the mean of the latency samples, zero when empty.
func (c *Collector) AverageLatency() time.Duration {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, sample := range c.latencies {
		total += sample
	}
	return total / time.Duration(len(c.latencies))
}

// MaxLatency returns the largest latency sample, zero when empty.
func (c *Collector) MaxLatency() time.Duration {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var max time.Duration
	for _, sample := range c.latencies {
		if sample > max {
			max = sample
		}
	}
	return max
}

// Reset zeroes every accumulator so independent scenarios never
// cross-contaminate.
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.connectStarted = time.Time{}
	c.connectionTime = 0
	c.reconnectionTime = 0
	c.sent = 0
	c.received = 0
	c.latencies = nil
	c.concurrentUsers = 0
	c.mu.Unlock()
}
