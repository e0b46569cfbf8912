// Package channel adapts one simulated client's real-time transport so the
// mock broker can drive it and scenarios can observe it.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"loomboard/harness/internal/logging"
	"loomboard/harness/internal/message"
)

// ErrNotOpen is returned when a client sends before the connection opened or
// after it closed.
var ErrNotOpen = errors.New("channel is not open")

// State models the standard connection lifecycle of a real-time transport.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultOpenDelay approximates the connect handshake of a production socket.
const DefaultOpenDelay = 10 * time.Millisecond

// Conditioner gates and delays traffic on behalf of the network simulator.
// Implementations report whether the payload may pass and how long the
// simulated network holds it first. Offline is re-sampled after the hold so
// a link dropping mid-flight also loses the frames it was carrying.
type Conditioner interface {
	PermitInbound(payloadBytes int) (time.Duration, bool)
	PermitOutbound(payloadBytes int) (time.Duration, bool)
	Offline() bool
}

// Options configures a mock channel at construction time.
type Options struct {
	ID        string
	OpenDelay time.Duration
	Logger    *logging.Logger
}

// Channel is the substitute transport installed into a client runtime. The
// client-facing surface (Send, SetOnMessage, SetOnClose) mimics a production
// socket; the harness-facing surface (OnMessage, ReceiveMessage, Close,
// MessageHistory) is what the broker and scenarios drive.
type Channel struct {
	mu sync.Mutex

	id        string
	state     State
	openDelay time.Duration
	logger    *logging.Logger

	observers   []func(*message.Message)
	onInbound   func(*message.Message)
	onOpen      func()
	onClose     func()
	onClosed    []func()
	closeFired  bool
	outbound    []*message.Message
	conditioner Conditioner
	openTimer   *time.Timer
}

// New constructs a channel in the connecting state. Initialize must be called
// to arm the asynchronous open transition.
func New(opts Options) *Channel {
	openDelay := opts.OpenDelay
	if openDelay <= 0 {
		openDelay = DefaultOpenDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Channel{
		id:        opts.ID,
		state:     StateConnecting,
		openDelay: openDelay,
		logger:    logger.With(logging.String("component", "channel"), logging.String("conn_id", opts.ID)),
	}
}

// ID returns the connection identifier used by the broker registry.
func (c *Channel) ID() string {
	if c == nil {
		return ""
	}
	return c.id
}

// State reports the current lifecycle state.
func (c *Channel) State() State {
	if c == nil {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initialize arms the asynchronous connecting-to-open transition, mirroring
// how a production socket settles shortly after construction.
func (c *Channel) Initialize() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.state != StateConnecting || c.openTimer != nil {
		c.mu.Unlock()
		return
	}
	c.openTimer = time.AfterFunc(c.openDelay, c.markOpen)
	c.mu.Unlock()
}

func (c *Channel) markOpen() {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateOpen
	notify := c.onOpen
	c.mu.Unlock()

	c.logger.Debug("channel open")
	if notify != nil {
		notify()
	}
}

// WaitOpen blocks until the channel leaves the connecting state or the
// context expires. Returns ErrNotOpen when the channel closed instead.
func (c *Channel) WaitOpen(ctx context.Context) error {
	if c == nil {
		return ErrNotOpen
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		switch c.State() {
		case StateOpen:
			return nil
		case StateClosed:
			return ErrNotOpen
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SetOnOpen registers the client handler fired when the connection settles.
func (c *Channel) SetOnOpen(fn func()) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.onOpen = fn
	fireNow := c.state == StateOpen && fn != nil
	c.mu.Unlock()
	//1.- Fire immediately when registration races the open transition.
	if fireNow {
		fn()
	}
}

// SetOnMessage registers the client handler invoked for inbound deliveries.
func (c *Channel) SetOnMessage(fn func(*message.Message)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.onInbound = fn
	c.mu.Unlock()
}

// SetOnClose registers the client close handler; it fires exactly once no
// matter how many times the channel is closed.
func (c *Channel) SetOnClose(fn func()) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// OnClosed registers a harness-side observer fired once when the channel
// closes, regardless of which side initiated the teardown.
func (c *Channel) OnClosed(fn func()) {
	if c == nil || fn == nil {
		return
	}
	c.mu.Lock()
	alreadyClosed := c.state == StateClosed
	if !alreadyClosed {
		c.onClosed = append(c.onClosed, fn)
	}
	c.mu.Unlock()
	if alreadyClosed {
		fn()
	}
}

// SetConditioner attaches the network simulator gate for this connection.
func (c *Channel) SetConditioner(cond Conditioner) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.conditioner = cond
	c.mu.Unlock()
}

// Send transmits an outbound message from the client. It fails synchronously
// unless the channel is open, matching production socket semantics.
func (c *Channel) Send(msg *message.Message) error {
	if c == nil {
		return ErrNotOpen
	}
	if err := msg.Validate(); err != nil {
		//1.- Tolerate malformed application output without crashing the harness.
		c.logger.Warn("malformed outbound message dropped", logging.Error(err))
		return nil
	}
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return ErrNotOpen
	}
	clone := msg.Clone()
	c.outbound = append(c.outbound, clone)
	observers := make([]func(*message.Message), len(c.observers))
	copy(observers, c.observers)
	cond := c.conditioner
	c.mu.Unlock()

	//2.- Let the simulated network decide whether the frame ever leaves the
	// client. The hold is applied synchronously so the send call models a
	// blocking write through a slow uplink.
	if cond != nil {
		holdFor, ok := cond.PermitOutbound(approximateSize(clone))
		if !ok {
			c.logger.Debug("outbound message lost to network conditions", logging.String("msg_id", clone.ID))
			return nil
		}
		if holdFor > 0 {
			time.Sleep(holdFor)
		}
		//3.- The link may have dropped while the frame was on the wire.
		if cond.Offline() {
			c.logger.Debug("outbound message lost to network conditions", logging.String("msg_id", clone.ID))
			return nil
		}
	}
	notifyObservers(observers, clone)
	return nil
}

// SendRaw decodes a raw client frame and forwards it through Send. Frames
// that do not parse as envelopes are logged and dropped, never propagated.
func (c *Channel) SendRaw(data []byte) error {
	if c == nil {
		return ErrNotOpen
	}
	c.mu.Lock()
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open {
		return ErrNotOpen
	}
	msg, err := message.Decode(data)
	if err != nil {
		c.logger.Warn("malformed outbound frame dropped", logging.Error(err))
		return nil
	}
	return c.Send(msg)
}

func notifyObservers(observers []func(*message.Message), msg *message.Message) {
	for _, observer := range observers {
		if observer != nil {
			observer(msg.Clone())
		}
	}
}

// OnMessage registers a harness-side observer of outbound client traffic.
// The broker uses this hook to capture and rebroadcast messages.
func (c *Channel) OnMessage(observer func(*message.Message)) {
	if c == nil || observer == nil {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, observer)
	c.mu.Unlock()
}

// ReceiveMessage injects an inbound message into the client. Deliveries to a
// channel that is not open are silent no-ops, modelling a dropped frame to a
// torn-down client.
func (c *Channel) ReceiveMessage(msg *message.Message) {
	if c == nil || msg == nil {
		return
	}
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	cond := c.conditioner
	c.mu.Unlock()

	//1.- Apply the simulated network before the client ever sees the frame.
	if cond != nil {
		delay, ok := cond.PermitInbound(approximateSize(msg))
		if !ok {
			c.logger.Debug("inbound message lost to network conditions", logging.String("msg_id", msg.ID))
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		//2.- A link that went offline mid-flight loses the frame too.
		if cond.Offline() {
			c.logger.Debug("inbound message lost to network conditions", logging.String("msg_id", msg.ID))
			return
		}
	}

	//3.- Re-check the lifecycle after the hold: the client may have torn down.
	c.mu.Lock()
	handler := c.onInbound
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || handler == nil {
		return
	}
	handler(msg.Clone())
}

// MessageHistory returns copies of every outbound message the client sent.
func (c *Channel) MessageHistory() []*message.Message {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	history := make([]*message.Message, 0, len(c.outbound))
	for _, msg := range c.outbound {
		history = append(history, msg.Clone())
	}
	return history
}

// Close tears down the channel from the harness side, simulating a
// server-initiated disconnect. Idempotent; the client close handler fires at
// most once and observers are cleared.
func (c *Channel) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	if c.openTimer != nil {
		c.openTimer.Stop()
		c.openTimer = nil
	}
	c.observers = nil
	var notify func()
	if !c.closeFired {
		c.closeFired = true
		notify = c.onClose
	}
	closedObservers := c.onClosed
	c.onClosed = nil
	c.mu.Unlock()

	c.logger.Debug("channel closed")
	if notify != nil {
		notify()
	}
	for _, observer := range closedObservers {
		observer()
	}
}

// approximateSize estimates the encoded frame size for bandwidth accounting.
func approximateSize(msg *message.Message) int {
	if msg == nil {
		return 0
	}
	if data, err := msg.Encode(); err == nil {
		return len(data)
	}
	return len(msg.Type) + len(msg.ID) + len(msg.Timestamp)
}
