// Package broker implements the in-process mock of a collaboration server:
// a connection registry plus best-effort fan-out with configurable delay and
// failure injection.
package broker

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"loomboard/harness/internal/channel"
	"loomboard/harness/internal/logging"
	"loomboard/harness/internal/message"
)

var (
	// ErrNotStarted is returned when a connection is requested before Start.
	ErrNotStarted = errors.New("broker is not started")
	// ErrDuplicateConnection is returned when a connection identifier is
	// already registered. Duplicate IDs in scenarios indicate an authoring
	// bug, so the broker rejects them instead of silently overwriting.
	ErrDuplicateConnection = errors.New("connection id already registered")
)

// Delivery outcomes published to the traffic recorder.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeThrottled = "throttled"
)

// DefaultHistoryLimit bounds the broadcast history when none is configured.
const DefaultHistoryLimit = 100

// Recorder receives a copy of broker traffic for later diagnosis. The broker
// never blocks on it.
type Recorder interface {
	RecordMessage(msg *message.Message)
	RecordDelivery(target, msgID, outcome string, latency time.Duration)
}

// Options configures a broker at construction time.
type Options struct {
	// DeliveryDelay is the simulated asynchronous wait applied to every
	// broadcast delivery.
	DeliveryDelay time.Duration
	// FailureRate in [0,1] is the probability that any single broadcast
	// delivery is silently dropped.
	FailureRate float64
	// HistoryLimit caps the broadcast history; oldest entries are evicted
	// first.
	HistoryLimit int
	// RateLimit optionally bounds per-connection publish traffic.
	RateLimit RateLimit
	// OpenDelay is forwarded to channels created by AddConnection.
	OpenDelay time.Duration

	Logger   *logging.Logger
	Recorder Recorder
	// Rand returns a sample in [0,1) for failure decisions; overridable so
	// tests stay deterministic.
	Rand  func() float64
	Clock func() time.Time
}

// Broker is the central authority of a harness run. Its registry and history
// are the only state shared across sessions.
type Broker struct {
	mu       sync.Mutex
	started  bool
	conns    map[string]*channel.Channel
	limiters map[string]*slidingWindowLimiter
	history  []*message.Message
	inflight sync.WaitGroup

	delay        time.Duration
	failureRate  float64
	historyLimit int
	rateLimit    RateLimit
	openDelay    time.Duration
	logger       *logging.Logger
	recorder     Recorder
	rand         func() float64
	clock        func() time.Time
}

// New constructs an inactive broker; Start must be called before connections
// can register.
func New(opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	randFn := opts.Rand
	if randFn == nil {
		randFn = rand.Float64
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	historyLimit := opts.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	failureRate := opts.FailureRate
	if failureRate < 0 {
		failureRate = 0
	}
	if failureRate > 1 {
		failureRate = 1
	}
	return &Broker{
		conns:        make(map[string]*channel.Channel),
		limiters:     make(map[string]*slidingWindowLimiter),
		delay:        opts.DeliveryDelay,
		failureRate:  failureRate,
		historyLimit: historyLimit,
		rateLimit:    opts.RateLimit,
		openDelay:    opts.OpenDelay,
		logger:       logger.With(logging.String("component", "broker")),
		recorder:     opts.Recorder,
		rand:         randFn,
		clock:        clock,
	}
}

// Start marks the broker active. Calling Start on an active broker is a
// no-op.
func (b *Broker) Start() {
	if b == nil {
		return
	}
	b.mu.Lock()
	already := b.started
	b.started = true
	b.mu.Unlock()
	if !already {
		b.logger.Info("broker started")
	}
}

// Stop closes every registered channel, clears the registry and history, and
// marks the broker inactive. Idempotent.
func (b *Broker) Stop() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	conns := make([]*channel.Channel, 0, len(b.conns))
	for _, conn := range b.conns {
		conns = append(conns, conn)
	}
	b.conns = make(map[string]*channel.Channel)
	b.limiters = make(map[string]*slidingWindowLimiter)
	b.history = nil
	b.mu.Unlock()

	//1.- Close outside the lock: close observers call back into the broker.
	for _, conn := range conns {
		conn.Close()
	}
	b.logger.Info("broker stopped", logging.Int("connections_closed", len(conns)))
}

// Started reports whether the broker is active.
func (b *Broker) Started() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// AddConnection creates and registers a channel for the identifier. The
// channel's outbound traffic is appended to the history and rebroadcast to
// every other registered channel.
func (b *Broker) AddConnection(id string) (*channel.Channel, error) {
	if b == nil {
		return nil, ErrNotStarted
	}
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil, ErrNotStarted
	}
	if _, exists := b.conns[id]; exists {
		b.mu.Unlock()
		return nil, ErrDuplicateConnection
	}
	conn := channel.New(channel.Options{ID: id, OpenDelay: b.openDelay, Logger: b.logger})
	b.conns[id] = conn
	b.limiters[id] = newSlidingWindowLimiter(b.rateLimit, b.clock)
	b.mu.Unlock()

	//1.- Capture outbound client traffic and fan it out to everyone else.
	conn.OnMessage(func(msg *message.Message) { b.routeFrom(id, msg) })
	//2.- Keep the registry invariant: it never contains a closed channel.
	conn.OnClosed(func() { b.forget(id, conn) })

	b.logger.Debug("connection registered", logging.String("conn_id", id))
	return conn, nil
}

// RemoveConnection closes and unregisters the channel, a silent no-op when
// the identifier is unknown.
func (b *Broker) RemoveConnection(id string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	conn := b.conns[id]
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (b *Broker) forget(id string, conn *channel.Channel) {
	b.mu.Lock()
	if b.conns[id] == conn {
		delete(b.conns, id)
		delete(b.limiters, id)
	}
	b.mu.Unlock()
}

// routeFrom handles traffic published by one client: history first, then
// fan-out to every channel except the sender.
func (b *Broker) routeFrom(senderID string, msg *message.Message) {
	b.mu.Lock()
	limiter := b.limiters[senderID]
	b.mu.Unlock()

	//1.- Shed traffic from clients abusing the publish rate before it ever
	// reaches the history, mirroring a production broker's throttle.
	if !limiter.allow() {
		b.logger.Warn("publish rate limit exceeded", logging.String("conn_id", senderID), logging.String("msg_id", msg.ID))
		b.record(senderID, msg.ID, OutcomeThrottled, 0)
		return
	}
	b.appendHistory(msg)
	b.deliver(msg, senderID)
}

// SendToAll broadcasts the message to every registered channel with no
// sender exclusion.
func (b *Broker) SendToAll(msg *message.Message) {
	if b == nil || msg == nil {
		return
	}
	if !b.Started() {
		b.logger.Warn("broadcast on stopped broker ignored", logging.String("msg_id", msg.ID))
		return
	}
	b.appendHistory(msg)
	b.deliver(msg, "")
}

// SendToConnection delivers directly to one channel, bypassing broadcast
// exclusion, delivery delay and failure sampling. Unknown identifiers are a
// silent no-op so scenarios can race teardown against delivery.
func (b *Broker) SendToConnection(id string, msg *message.Message) {
	if b == nil || msg == nil {
		return
	}
	b.mu.Lock()
	conn := b.conns[id]
	b.mu.Unlock()
	if conn == nil {
		b.logger.Debug("direct send to unknown connection ignored", logging.String("conn_id", id), logging.String("msg_id", msg.ID))
		return
	}
	conn.ReceiveMessage(msg.Clone())
	b.record(id, msg.ID, OutcomeDelivered, 0)
}

// deliver fans the message out to all registered channels except excludeID.
// Each delivery runs independently; cross-channel ordering is deliberately
// unsynchronised.
func (b *Broker) deliver(msg *message.Message, excludeID string) {
	b.mu.Lock()
	targets := make([]*channel.Channel, 0, len(b.conns))
	for id, conn := range b.conns {
		if id == excludeID {
			continue
		}
		targets = append(targets, conn)
	}
	b.mu.Unlock()

	for _, target := range targets {
		target := target
		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			started := b.clock()
			//1.- Model the broker's asynchronous scheduling gap.
			if b.delay > 0 {
				time.Sleep(b.delay)
			}
			//2.- Sample the one-shot failure: dropped deliveries are logged,
			// never retried and never surfaced as errors.
			if b.failureRate > 0 && b.rand() < b.failureRate {
				b.logger.Debug("simulated delivery failure",
					logging.String("conn_id", target.ID()),
					logging.String("msg_id", msg.ID))
				b.record(target.ID(), msg.ID, OutcomeFailed, b.clock().Sub(started))
				return
			}
			target.ReceiveMessage(msg.Clone())
			b.record(target.ID(), msg.ID, OutcomeDelivered, b.clock().Sub(started))
		}()
	}
}

// Drain blocks until every in-flight broadcast delivery has settled, giving
// scenarios a deterministic point to assert after delayed fan-outs.
func (b *Broker) Drain() {
	if b == nil {
		return
	}
	b.inflight.Wait()
}

func (b *Broker) appendHistory(msg *message.Message) {
	b.mu.Lock()
	//1.- History records broadcast attempts regardless of delivery outcome.
	b.history = append(b.history, msg.Clone())
	if overflow := len(b.history) - b.historyLimit; overflow > 0 {
		b.history = append([]*message.Message(nil), b.history[overflow:]...)
	}
	b.mu.Unlock()

	if b.recorder != nil {
		b.recorder.RecordMessage(msg)
	}
}

func (b *Broker) record(target, msgID, outcome string, latency time.Duration) {
	if b.recorder == nil {
		return
	}
	b.recorder.RecordDelivery(target, msgID, outcome, latency)
}

// MessageHistory returns a defensive copy of the bounded broadcast history.
func (b *Broker) MessageHistory() []*message.Message {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	history := make([]*message.Message, 0, len(b.history))
	for _, msg := range b.history {
		history = append(history, msg.Clone())
	}
	return history
}

// ConnectionCount reports the number of registered channels.
func (b *Broker) ConnectionCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// ConnectionIDs returns the registered identifiers in lexical order.
func (b *Broker) ConnectionIDs() []string {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	ids := make([]string, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Connection returns the registered channel for the identifier, nil when
// unknown.
func (b *Broker) Connection(id string) *channel.Channel {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[id]
}
