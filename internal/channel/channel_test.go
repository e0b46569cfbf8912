package channel

import (
	"testing"
	"time"

	"loomboard/harness/internal/message"
)

func fixedClock() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func testMessage(t *testing.T, id string) *message.Message {
	t.Helper()
	msg, err := message.New("ping", id, map[string]any{"seq": 1.0}, fixedClock)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	return msg
}

func openChannel(t *testing.T) *Channel {
	t.Helper()
	ch := New(Options{ID: "user-0", OpenDelay: time.Millisecond})
	opened := make(chan struct{})
	ch.SetOnOpen(func() { close(opened) })
	ch.Initialize()
	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatalf("channel never opened")
	}
	return ch
}

func TestSendBeforeOpenFails(t *testing.T) {
	ch := New(Options{ID: "user-0", OpenDelay: time.Hour})
	ch.Initialize()
	if err := ch.Send(testMessage(t, "m1")); err != ErrNotOpen {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestSendNotifiesObserversAndRecordsHistory(t *testing.T) {
	ch := openChannel(t)
	observed := make([]*message.Message, 0, 2)
	ch.OnMessage(func(msg *message.Message) { observed = append(observed, msg) })

	if err := ch.Send(testMessage(t, "m1")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := ch.Send(testMessage(t, "m2")); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if len(observed) != 2 || observed[0].ID != "m1" || observed[1].ID != "m2" {
		t.Fatalf("observer saw unexpected traffic: %+v", observed)
	}
	history := ch.MessageHistory()
	if len(history) != 2 {
		t.Fatalf("expected two outbound entries, got %d", len(history))
	}
	history[0].ID = "mutated"
	if ch.MessageHistory()[0].ID != "m1" {
		t.Fatalf("history must return defensive copies")
	}
}

func TestMalformedOutboundFrameIsDroppedSilently(t *testing.T) {
	ch := openChannel(t)
	seen := 0
	ch.OnMessage(func(*message.Message) { seen++ })

	if err := ch.SendRaw([]byte(`{"type":`)); err != nil {
		t.Fatalf("malformed frame must not surface an error, got %v", err)
	}
	if err := ch.SendRaw([]byte(`{"type":"ping","timestamp":"2024-05-01T12:00:00Z"}`)); err != nil {
		t.Fatalf("invalid envelope must not surface an error, got %v", err)
	}
	if seen != 0 {
		t.Fatalf("malformed frames must never reach observers, saw %d", seen)
	}
}

func TestReceiveAfterCloseIsNoOp(t *testing.T) {
	ch := openChannel(t)
	delivered := 0
	ch.SetOnMessage(func(*message.Message) { delivered++ })

	ch.ReceiveMessage(testMessage(t, "m1"))
	if delivered != 1 {
		t.Fatalf("expected one delivery while open, got %d", delivered)
	}

	ch.Close()
	ch.ReceiveMessage(testMessage(t, "m2"))
	if delivered != 1 {
		t.Fatalf("delivery after close must be a no-op, got %d", delivered)
	}
}

func TestCloseIsIdempotentAndFiresHandlerOnce(t *testing.T) {
	ch := openChannel(t)
	closes := 0
	ch.SetOnClose(func() { closes++ })

	ch.Close()
	ch.Close()
	if closes != 1 {
		t.Fatalf("close handler must fire exactly once, fired %d times", closes)
	}
	if err := ch.Send(testMessage(t, "m1")); err != ErrNotOpen {
		t.Fatalf("send after close must fail with ErrNotOpen, got %v", err)
	}
}

type blockingConditioner struct {
	online bool
}

func (b *blockingConditioner) PermitInbound(int) (time.Duration, bool)  { return 0, b.online }
func (b *blockingConditioner) PermitOutbound(int) (time.Duration, bool) { return 0, b.online }
func (b *blockingConditioner) Offline() bool                            { return !b.online }

func TestConditionerGatesTraffic(t *testing.T) {
	ch := openChannel(t)
	cond := &blockingConditioner{online: false}
	ch.SetConditioner(cond)

	delivered := 0
	ch.SetOnMessage(func(*message.Message) { delivered++ })
	observed := 0
	ch.OnMessage(func(*message.Message) { observed++ })

	ch.ReceiveMessage(testMessage(t, "m1"))
	if err := ch.Send(testMessage(t, "m2")); err != nil {
		t.Fatalf("offline send should be swallowed, got %v", err)
	}
	if delivered != 0 || observed != 0 {
		t.Fatalf("offline traffic leaked: delivered=%d observed=%d", delivered, observed)
	}

	cond.online = true
	ch.ReceiveMessage(testMessage(t, "m3"))
	if delivered != 1 {
		t.Fatalf("online delivery must resume, got %d", delivered)
	}
}

// droppingConditioner admits a frame and then takes the link down during the
// simulated latency window.
type droppingConditioner struct {
	offline bool
}

func (d *droppingConditioner) PermitInbound(int) (time.Duration, bool) {
	d.offline = true
	return time.Millisecond, true
}

func (d *droppingConditioner) PermitOutbound(int) (time.Duration, bool) {
	d.offline = true
	return time.Millisecond, true
}

func (d *droppingConditioner) Offline() bool { return d.offline }

func TestLinkDropMidFlightLosesInboundFrame(t *testing.T) {
	ch := openChannel(t)
	ch.SetConditioner(&droppingConditioner{})

	delivered := 0
	ch.SetOnMessage(func(*message.Message) { delivered++ })

	//1.- The frame is admitted onto the wire, then the link drops before it
	// lands; the client must never see it.
	ch.ReceiveMessage(testMessage(t, "m1"))
	if delivered != 0 {
		t.Fatalf("frame in flight during a link drop must be lost, got %d deliveries", delivered)
	}
}

func TestLinkDropMidFlightLosesOutboundFrame(t *testing.T) {
	ch := openChannel(t)
	ch.SetConditioner(&droppingConditioner{})

	observed := 0
	ch.OnMessage(func(*message.Message) { observed++ })

	if err := ch.Send(testMessage(t, "m1")); err != nil {
		t.Fatalf("lost frame must not surface an error, got %v", err)
	}
	if observed != 0 {
		t.Fatalf("frame in flight during a link drop must never reach observers, got %d", observed)
	}
}
