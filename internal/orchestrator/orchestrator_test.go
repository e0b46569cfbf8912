package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"loomboard/harness/internal/broker"
	"loomboard/harness/internal/channel"
	"loomboard/harness/internal/message"
)

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New(broker.Options{OpenDelay: time.Millisecond})
	t.Cleanup(b.Stop)
	return b
}

func initializedOrchestrator(t *testing.T, users int) (*Orchestrator, *broker.Broker, *LocalRuntime) {
	t.Helper()
	b := newBroker(t)
	orch := New(b, Options{Users: users})
	rt := NewLocalRuntime(nil)
	if err := orch.Initialize(context.Background(), rt); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(orch.Cleanup)
	return orch, b, rt
}

func localContext(t *testing.T, session *Session) *LocalContext {
	t.Helper()
	local, ok := session.Runtime().(*LocalContext)
	if !ok {
		t.Fatalf("expected a local context for %s", session.ID)
	}
	return local
}

func TestInitializeProvisionsIsolatedSessions(t *testing.T) {
	orch, b, _ := initializedOrchestrator(t, 3)

	sessions := orch.Sessions()
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
	for i, session := range sessions {
		if want := fmt.Sprintf("user-%d", i); session.ID != want {
			t.Fatalf("unexpected session id: got %s want %s", session.ID, want)
		}
		if session.Channel.State() != channel.StateOpen {
			t.Fatalf("%s channel must be open after initialize", session.ID)
		}
		if session.Net == nil {
			t.Fatalf("%s must carry a network simulator", session.ID)
		}
	}
	if b.ConnectionCount() != 3 {
		t.Fatalf("broker must hold 3 registrations, got %d", b.ConnectionCount())
	}
	//1.- Device diversity: the first sessions get distinct viewports.
	if localContext(t, sessions[0]).Viewport() == localContext(t, sessions[1]).Viewport() {
		t.Fatalf("expected distinct viewports across sessions")
	}
	if orch.RunID() == "" {
		t.Fatalf("run id must be assigned")
	}
}

func TestInitializeSeedsIdentities(t *testing.T) {
	b := newBroker(t)
	orch := New(b, Options{
		Users:      2,
		Identities: []map[string]string{{"token": "alpha"}, {"token": "beta"}},
	})
	rt := NewLocalRuntime(nil)
	if err := orch.Initialize(context.Background(), rt); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(orch.Cleanup)

	sessions := orch.Sessions()
	if got := localContext(t, sessions[0]).Identity("token"); got != "alpha" {
		t.Fatalf("unexpected identity for user-0: %q", got)
	}
	if got := localContext(t, sessions[1]).Identity("token"); got != "beta" {
		t.Fatalf("unexpected identity for user-1: %q", got)
	}
}

type failingProvisionRuntime struct {
	inner   *LocalRuntime
	failOn  string
	created int
}

func (r *failingProvisionRuntime) NewContext(ctx context.Context, opts ContextOptions) (RuntimeContext, error) {
	if opts.UserID == r.failOn {
		return nil, errors.New("provision exhausted")
	}
	r.created++
	return r.inner.NewContext(ctx, opts)
}

func TestInitializeUnwindsPartialFailure(t *testing.T) {
	b := newBroker(t)
	orch := New(b, Options{Users: 3})
	rt := &failingProvisionRuntime{inner: NewLocalRuntime(nil), failOn: "user-2"}

	err := orch.Initialize(context.Background(), rt)
	if err == nil {
		t.Fatalf("expected provisioning failure")
	}
	if !strings.Contains(err.Error(), "user-2") {
		t.Fatalf("error must name the failing session: %v", err)
	}
	if b.Started() {
		t.Fatalf("broker must be stopped after unwind")
	}
	for _, local := range rt.inner.Contexts() {
		if !local.Closed() {
			t.Fatalf("partial contexts must be closed during unwind")
		}
	}
}

type slowProvisionRuntime struct {
	inner *LocalRuntime
	hold  time.Duration
}

func (r *slowProvisionRuntime) NewContext(ctx context.Context, opts ContextOptions) (RuntimeContext, error) {
	time.Sleep(r.hold)
	return r.inner.NewContext(ctx, opts)
}

func TestConcurrentInitializeAdmitsExactlyOne(t *testing.T) {
	b := newBroker(t)
	orch := New(b, Options{Users: 3})
	rt := &slowProvisionRuntime{inner: NewLocalRuntime(nil), hold: 10 * time.Millisecond}
	t.Cleanup(orch.Cleanup)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = orch.Initialize(context.Background(), rt)
		}()
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("exactly one Initialize must win, got %d (errors: %v)", winners, errs)
	}
	//1.- The loser must bail out before provisioning anything.
	if got := len(rt.inner.Contexts()); got != 3 {
		t.Fatalf("losing Initialize leaked contexts: got %d, want 3", got)
	}
	if b.ConnectionCount() != 3 {
		t.Fatalf("registry must hold exactly one fleet, got %d", b.ConnectionCount())
	}
}

func TestNavigateAllUsersSurfacesPartialFailure(t *testing.T) {
	b := newBroker(t)
	orch := New(b, Options{Users: 3})
	rt := NewLocalRuntime(nil)
	rt.FailUserID = "user-1"
	if err := orch.Initialize(context.Background(), rt); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(orch.Cleanup)

	err := orch.NavigateAllUsers(context.Background(), "https://app.local/boards/42")
	if err == nil {
		t.Fatalf("expected navigation error")
	}
	if !strings.Contains(err.Error(), "user-1") {
		t.Fatalf("error must name the failing session: %v", err)
	}
	//1.- Partial success is not rolled back: the other sessions stay navigated.
	sessions := orch.Sessions()
	if got := localContext(t, sessions[0]).URL(); got != "https://app.local/boards/42" {
		t.Fatalf("user-0 should remain navigated, got %q", got)
	}
	if got := localContext(t, sessions[2]).URL(); got != "https://app.local/boards/42" {
		t.Fatalf("user-2 should remain navigated, got %q", got)
	}
}

func TestPerformConcurrentActionsChecksArity(t *testing.T) {
	orch, _, _ := initializedOrchestrator(t, 3)
	err := orch.PerformConcurrentActions(context.Background(), []Action{nil, nil})
	if !errors.Is(err, ErrActionArity) {
		t.Fatalf("expected ErrActionArity, got %v", err)
	}
}

func TestPerformConcurrentActionsRunInParallel(t *testing.T) {
	orch, _, _ := initializedOrchestrator(t, 3)

	//1.- Rendezvous barrier: every action must be in flight at once, which a
	// sequential executor can never satisfy.
	arrivals := make(chan string, 3)
	var ready sync.WaitGroup
	ready.Add(3)
	release := make(chan struct{})
	go func() {
		ready.Wait()
		close(release)
	}()
	barrier := func(ctx context.Context, session *Session) error {
		arrivals <- session.ID
		ready.Done()
		select {
		case <-release:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("actions did not overlap")
		}
	}

	actions := make([]Action, 3)
	for i := range actions {
		actions[i] = barrier
	}
	if err := orch.PerformConcurrentActions(context.Background(), actions); err != nil {
		t.Fatalf("concurrent actions failed: %v", err)
	}
	if len(arrivals) != 3 {
		t.Fatalf("expected all actions to run, got %d", len(arrivals))
	}
}

func TestPerformConcurrentActionsCollectsErrors(t *testing.T) {
	orch, _, _ := initializedOrchestrator(t, 2)
	err := orch.PerformConcurrentActions(context.Background(), []Action{
		func(context.Context, *Session) error { return nil },
		func(context.Context, *Session) error { return errors.New("stale cursor") },
	})
	if err == nil || !strings.Contains(err.Error(), "user-1") {
		t.Fatalf("expected error attributed to user-1, got %v", err)
	}
}

func TestSendMessageExcludesSender(t *testing.T) {
	orch, b, _ := initializedOrchestrator(t, 3)
	sessions := orch.Sessions()

	msg, err := message.New("cursor:move", "m1", map[string]any{"x": 4.0}, nil)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if err := orch.SendMessage(0, msg); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	b.Drain()

	if got := localContext(t, sessions[0]).InboundCount("m1"); got != 0 {
		t.Fatalf("sender must not see its own message, got %d", got)
	}
	for _, i := range []int{1, 2} {
		if got := localContext(t, sessions[i]).InboundCount("m1"); got != 1 {
			t.Fatalf("user-%d observed %d copies, want 1", i, got)
		}
	}
}

func TestBroadcastMessageReachesEverySession(t *testing.T) {
	orch, b, _ := initializedOrchestrator(t, 3)
	sessions := orch.Sessions()

	msg, err := message.New("ping", "m1", map[string]any{}, nil)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	orch.BroadcastMessage(msg)
	b.Drain()

	for i, session := range sessions {
		if got := localContext(t, session).InboundCount("m1"); got != 1 {
			t.Fatalf("user-%d observed %d copies, want exactly 1", i, got)
		}
	}
}

func TestOfflineSessionMissesTrafficUntilOnline(t *testing.T) {
	orch, b, _ := initializedOrchestrator(t, 3)
	sessions := orch.Sessions()

	sessions[1].Net.GoOffline()
	first, err := message.New("ping", "m1", nil, nil)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	orch.BroadcastMessage(first)
	b.Drain()

	if got := localContext(t, sessions[1]).InboundCount("m1"); got != 0 {
		t.Fatalf("offline session must miss the broadcast, got %d", got)
	}
	if got := localContext(t, sessions[0]).InboundCount("m1"); got != 1 {
		t.Fatalf("online sessions must still receive, got %d", got)
	}

	sessions[1].Net.GoOnline()
	second, err := message.New("ping", "m2", nil, nil)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	orch.BroadcastMessage(second)
	b.Drain()

	if got := localContext(t, sessions[1]).InboundCount("m2"); got != 1 {
		t.Fatalf("restored session must receive new traffic, got %d", got)
	}
}

type explodingCloseRuntime struct {
	inner *LocalRuntime
}

type explodingCloseContext struct {
	RuntimeContext
}

func (c explodingCloseContext) Close() error {
	_ = c.RuntimeContext.Close()
	return errors.New("teardown exploded")
}

func (r *explodingCloseRuntime) NewContext(ctx context.Context, opts ContextOptions) (RuntimeContext, error) {
	inner, err := r.inner.NewContext(ctx, opts)
	if err != nil {
		return nil, err
	}
	return explodingCloseContext{inner}, nil
}

func TestCleanupContinuesPastTeardownFailures(t *testing.T) {
	b := newBroker(t)
	orch := New(b, Options{Users: 3})
	rt := &explodingCloseRuntime{inner: NewLocalRuntime(nil)}
	if err := orch.Initialize(context.Background(), rt); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	orch.Cleanup()
	orch.Cleanup()

	if b.Started() {
		t.Fatalf("broker must be stopped by cleanup")
	}
	if b.ConnectionCount() != 0 {
		t.Fatalf("registry must be empty after cleanup, got %d", b.ConnectionCount())
	}
	for _, local := range rt.inner.Contexts() {
		if !local.Closed() {
			t.Fatalf("every context must be closed despite teardown failures")
		}
	}
}
