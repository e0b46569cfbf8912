package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"loomboard/harness/internal/channel"
	"loomboard/harness/internal/logging"
	"loomboard/harness/internal/message"
)

// LocalRuntime provisions in-process client runtimes: headless stand-ins for
// a browser page that record inbound real-time traffic and can script sends.
// Scenario suites that drive real browsers supply their own Runtime instead.
type LocalRuntime struct {
	mu       sync.Mutex
	contexts []*LocalContext
	logger   *logging.Logger

	// NavigationDelay simulates page load settling.
	NavigationDelay time.Duration
	// FailURL makes Navigate fail for that exact URL.
	FailURL string
	// FailUserID makes every navigation fail for that one user, letting
	// scenarios exercise partial navigation failures.
	FailUserID string
}

// NewLocalRuntime constructs an empty local runtime factory.
func NewLocalRuntime(logger *logging.Logger) *LocalRuntime {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &LocalRuntime{logger: logger.With(logging.String("component", "local-runtime"))}
}

// NewContext provisions one isolated local client context.
func (r *LocalRuntime) NewContext(_ context.Context, opts ContextOptions) (RuntimeContext, error) {
	if r == nil {
		return nil, errors.New("nil runtime")
	}
	identity := make(map[string]string, len(opts.Identity))
	for k, v := range opts.Identity {
		identity[k] = v
	}
	local := &LocalContext{
		userID:   opts.UserID,
		viewport: opts.Viewport,
		identity: identity,
		navDelay: r.NavigationDelay,
		failURL:  r.FailURL,
		failNav:  r.FailUserID != "" && opts.UserID == r.FailUserID,
	}
	r.mu.Lock()
	r.contexts = append(r.contexts, local)
	r.mu.Unlock()
	return local, nil
}

// Contexts returns every provisioned context, open or closed.
func (r *LocalRuntime) Contexts() []*LocalContext {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*LocalContext(nil), r.contexts...)
}

// LocalContext is one in-process client runtime: isolated state, one
// document, one installed socket.
type LocalContext struct {
	mu sync.Mutex

	userID     string
	viewport   Viewport
	identity   map[string]string
	currentURL string
	sock       *channel.Channel
	inbound    []*message.Message
	navDelay   time.Duration
	failURL    string
	failNav    bool
	closed     bool
}

// InstallSocket wires the substitute transport into the client and starts
// recording inbound deliveries, the session-visible state scenarios assert
// against.
func (c *LocalContext) InstallSocket(sock *channel.Channel) {
	if c == nil || sock == nil {
		return
	}
	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()
	sock.SetOnMessage(func(msg *message.Message) {
		c.mu.Lock()
		c.inbound = append(c.inbound, msg)
		c.mu.Unlock()
	})
}

// Navigate loads the URL after the configured settle delay.
func (c *LocalContext) Navigate(ctx context.Context, url string) error {
	if c == nil {
		return errors.New("nil context")
	}
	c.mu.Lock()
	closed := c.closed
	failURL := c.failURL
	failNav := c.failNav
	delay := c.navDelay
	c.mu.Unlock()
	if closed {
		return errors.New("context closed")
	}
	if failNav || (failURL != "" && url == failURL) {
		return fmt.Errorf("navigation refused for %q", url)
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	c.mu.Lock()
	c.currentURL = url
	c.mu.Unlock()
	return nil
}

// Close tears the context down. Idempotent.
func (c *LocalContext) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether the context was torn down.
func (c *LocalContext) Closed() bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// URL reports the most recent settled navigation.
func (c *LocalContext) URL() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentURL
}

// Viewport reports the device sizing assigned to this context.
func (c *LocalContext) Viewport() Viewport {
	if c == nil {
		return Viewport{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewport
}

// Identity returns a pre-authenticated state value seeded at provision time.
func (c *LocalContext) Identity(key string) string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity[key]
}

// Send publishes a message from inside the client, stamped with the
// session's user identity.
func (c *LocalContext) Send(msgType, id string, payload map[string]any) error {
	if c == nil {
		return errors.New("nil context")
	}
	c.mu.Lock()
	sock := c.sock
	userID := c.userID
	c.mu.Unlock()
	if sock == nil {
		return errors.New("no socket installed")
	}
	msg, err := message.New(msgType, id, payload, nil)
	if err != nil {
		return err
	}
	msg.UserID = userID
	return sock.Send(msg)
}

// Inbound returns every delivery the client observed, in arrival order.
func (c *LocalContext) Inbound() []*message.Message {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*message.Message(nil), c.inbound...)
}

// InboundCount reports how many deliveries carried the given message ID,
// which dedup and exactly-once assertions rely on.
func (c *LocalContext) InboundCount(msgID string) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, msg := range c.inbound {
		if msg.ID == msgID {
			count++
		}
	}
	return count
}
