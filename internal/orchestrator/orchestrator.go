// Package orchestrator stands up N independent, isolated client sessions
// sharing one mock broker and drives coordinated or adversarial actions
// across them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"loomboard/harness/internal/broker"
	"loomboard/harness/internal/channel"
	"loomboard/harness/internal/logging"
	"loomboard/harness/internal/message"
	"loomboard/harness/internal/netsim"
)

var (
	// ErrActionArity is returned when the action list does not match the
	// session count one-to-one.
	ErrActionArity = errors.New("actions length must equal session count")
	// ErrNotInitialized is returned when sessions are driven before
	// Initialize succeeded.
	ErrNotInitialized = errors.New("orchestrator is not initialized")
	// ErrSessionIndex is returned for out-of-range session references.
	ErrSessionIndex = errors.New("session index out of range")
)

// Viewport approximates device diversity across sessions.
type Viewport struct {
	Width  int
	Height int
}

// defaultViewports are cycled across sessions so concurrent scenarios mix
// desktop, tablet and phone sized clients.
var defaultViewports = []Viewport{
	{Width: 1920, Height: 1080},
	{Width: 1366, Height: 768},
	{Width: 834, Height: 1194},
	{Width: 390, Height: 844},
}

// ContextOptions describes one isolated runtime context to provision.
type ContextOptions struct {
	UserID   string
	Viewport Viewport
	// Identity carries pre-authenticated state (token, display name) the
	// runtime seeds before any page loads.
	Identity map[string]string
}

// RuntimeContext is one isolated client runtime plus its single
// page/document. Implementations are supplied by the scenario layer; the
// harness ships LocalRuntime for in-process use.
type RuntimeContext interface {
	// InstallSocket hands the substitute transport to client code so any
	// "connection" it opens talks to the harness instead of a real server.
	InstallSocket(sock *channel.Channel)
	// Navigate loads the URL and blocks until the context settles.
	Navigate(ctx context.Context, url string) error
	Close() error
}

// Runtime provisions isolated runtime contexts.
type Runtime interface {
	NewContext(ctx context.Context, opts ContextOptions) (RuntimeContext, error)
}

// Session is one simulated end-user: an isolated runtime context, one
// channel, and a network simulator attachment.
type Session struct {
	Index   int
	ID      string
	Channel *channel.Channel
	Net     *netsim.Simulator

	runtime RuntimeContext
}

// Runtime returns the session's isolated runtime context.
func (s *Session) Runtime() RuntimeContext {
	if s == nil {
		return nil
	}
	return s.runtime
}

// Action is one scripted step executed against one session.
type Action func(ctx context.Context, session *Session) error

// Options configures the orchestrator.
type Options struct {
	// Users is the number of concurrent sessions; defaults to 3.
	Users int
	// Viewports overrides the built-in device rotation.
	Viewports []Viewport
	// Identities optionally seeds per-session pre-authenticated state,
	// indexed by session.
	Identities []map[string]string
	// NetworkProfile is the initial condition applied to every session.
	NetworkProfile netsim.Profile
	// RunID overrides the generated run identifier so callers can correlate
	// logs with recorder bundles.
	RunID  string
	Logger *logging.Logger
	Clock  func() time.Time
}

// Orchestrator owns the shared broker and the per-session wiring.
type Orchestrator struct {
	mu sync.Mutex

	broker       *broker.Broker
	sessions     []*Session
	runID        string
	users        int
	viewports    []Viewport
	identities   []map[string]string
	profile      netsim.Profile
	logger       *logging.Logger
	clock        func() time.Time
	initialized  bool
	initializing bool
}

// New constructs an orchestrator around the supplied broker.
func New(b *broker.Broker, opts Options) *Orchestrator {
	users := opts.Users
	if users <= 0 {
		users = 3
	}
	viewports := opts.Viewports
	if len(viewports) == 0 {
		viewports = defaultViewports
	}
	profile := opts.NetworkProfile
	if profile.Name == "" {
		profile = netsim.FastWiFi
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Orchestrator{
		broker:     b,
		runID:      runID,
		users:      users,
		viewports:  viewports,
		identities: opts.Identities,
		profile:    profile,
		logger:     logger.With(logging.String("component", "orchestrator"), logging.String(logging.RunIDField, runID)),
		clock:      clock,
	}
}

// RunID identifies this orchestrator run in logs and recorder bundles.
func (o *Orchestrator) RunID() string {
	if o == nil {
		return ""
	}
	return o.runID
}

// Initialize starts the broker and provisions one session per user: an
// isolated runtime context with its own viewport and identity, plus a
// channel registered with the shared broker as "user-<index>". A provisioning
// failure tears down the partial run before returning.
func (o *Orchestrator) Initialize(ctx context.Context, rt Runtime) error {
	if o == nil || rt == nil {
		return errors.New("orchestrator requires a runtime")
	}
	//1.- Claim the initializing slot before provisioning starts so a
	// concurrent Initialize cannot interleave and leak its sessions.
	o.mu.Lock()
	if o.initialized || o.initializing {
		o.mu.Unlock()
		return errors.New("orchestrator already initialized")
	}
	o.initializing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.initializing = false
		o.mu.Unlock()
	}()

	o.broker.Start()

	sessions := make([]*Session, 0, o.users)
	fail := func(err error) error {
		//1.- Unwind the partial run so suites never leak runtime contexts.
		for _, session := range sessions {
			session.Channel.Close()
			_ = session.runtime.Close()
		}
		o.broker.Stop()
		return err
	}

	for i := 0; i < o.users; i++ {
		id := fmt.Sprintf("user-%d", i)
		runtimeCtx, err := rt.NewContext(ctx, ContextOptions{
			UserID:   id,
			Viewport: o.viewports[i%len(o.viewports)],
			Identity: o.identity(i),
		})
		if err != nil {
			return fail(fmt.Errorf("provision %s: %w", id, err))
		}
		conn, err := o.broker.AddConnection(id)
		if err != nil {
			_ = runtimeCtx.Close()
			return fail(fmt.Errorf("register %s: %w", id, err))
		}
		sim := netsim.New(netsim.Options{Profile: o.profile, Logger: o.logger.With(logging.String("conn_id", id))})
		conn.SetConditioner(sim)
		runtimeCtx.InstallSocket(conn)
		conn.Initialize()
		sessions = append(sessions, &Session{
			Index:   i,
			ID:      id,
			Channel: conn,
			Net:     sim,
			runtime: runtimeCtx,
		})
	}

	//2.- Block until every channel settled open so scenarios start from a
	// fully connected fleet.
	for _, session := range sessions {
		if err := session.Channel.WaitOpen(ctx); err != nil {
			return fail(fmt.Errorf("open %s: %w", session.ID, err))
		}
	}

	o.mu.Lock()
	o.sessions = sessions
	o.initialized = true
	o.mu.Unlock()

	o.logger.Info("sessions initialized", logging.Int("users", len(sessions)))
	return nil
}

func (o *Orchestrator) identity(index int) map[string]string {
	if index < len(o.identities) {
		return o.identities[index]
	}
	return nil
}

// Sessions returns the live session handles in index order.
func (o *Orchestrator) Sessions() []*Session {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Session(nil), o.sessions...)
}

// Session returns the handle at the given index.
func (o *Orchestrator) Session(index int) (*Session, error) {
	if o == nil {
		return nil, ErrNotInitialized
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.initialized {
		return nil, ErrNotInitialized
	}
	if index < 0 || index >= len(o.sessions) {
		return nil, fmt.Errorf("%w: %d of %d", ErrSessionIndex, index, len(o.sessions))
	}
	return o.sessions[index], nil
}

// NavigateAllUsers issues the navigation concurrently across every session
// and blocks until each settles. The first failure is surfaced; sessions
// that already navigated are not rolled back.
func (o *Orchestrator) NavigateAllUsers(ctx context.Context, url string) error {
	sessions := o.Sessions()
	if len(sessions) == 0 {
		return ErrNotInitialized
	}

	errs := make([]error, len(sessions))
	var wg sync.WaitGroup
	for i, session := range sessions {
		i, session := i, session
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := session.runtime.Navigate(ctx, url); err != nil {
				errs[i] = fmt.Errorf("navigate %s: %w", session.ID, err)
			}
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	o.logger.Debug("all users navigated", logging.String("url", url))
	return nil
}

// PerformConcurrentActions runs the i-th action against the i-th session via
// a fan-out/join. Launching every action together is the point: the
// scenarios under test are about races between users, and sequential
// execution would hide them. Actions against the same session remain
// sequential because one client runtime executes one script at a time.
func (o *Orchestrator) PerformConcurrentActions(ctx context.Context, actions []Action) error {
	sessions := o.Sessions()
	if len(sessions) == 0 {
		return ErrNotInitialized
	}
	if len(actions) != len(sessions) {
		return fmt.Errorf("%w: %d actions for %d sessions", ErrActionArity, len(actions), len(sessions))
	}

	errs := make([]error, len(actions))
	var wg sync.WaitGroup
	for i := range actions {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			action := actions[i]
			if action == nil {
				return
			}
			if err := action(ctx, sessions[i]); err != nil {
				errs[i] = fmt.Errorf("action for %s: %w", sessions[i].ID, err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// SendMessage injects traffic through one session's channel, exercising the
// full client publish path including sender exclusion.
func (o *Orchestrator) SendMessage(fromIndex int, msg *message.Message) error {
	session, err := o.Session(fromIndex)
	if err != nil {
		return err
	}
	return session.Channel.Send(msg)
}

// BroadcastMessage injects traffic through the shared broker with no sender.
func (o *Orchestrator) BroadcastMessage(msg *message.Message) {
	if o == nil {
		return
	}
	o.broker.SendToAll(msg)
}

// Cleanup closes every channel and runtime context and stops the broker.
// Best-effort: individual teardown failures are logged, never re-raised, so
// one bad session cannot leak the rest of the fleet.
func (o *Orchestrator) Cleanup() {
	if o == nil {
		return
	}
	o.mu.Lock()
	sessions := o.sessions
	o.sessions = nil
	o.initialized = false
	o.mu.Unlock()

	for _, session := range sessions {
		session.Channel.Close()
		if err := session.runtime.Close(); err != nil {
			o.logger.Warn("session teardown failed", logging.String("conn_id", session.ID), logging.Error(err))
		}
	}
	o.broker.Stop()
	o.logger.Info("cleanup complete", logging.Int("sessions_closed", len(sessions)))
}
