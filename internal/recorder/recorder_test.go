package recorder

import (
	"testing"
	"time"

	"loomboard/harness/internal/message"
)

func fixedClock() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func TestRecorderRoundTrip(t *testing.T) {
	root := t.TempDir()
	rec, manifest, err := NewRecorder(root, "run a/b", fixedClock)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	if manifest.BundleID == "" {
		t.Fatalf("manifest must carry a bundle id")
	}
	if manifest.RunID != "run a/b" {
		t.Fatalf("manifest must preserve the raw run id, got %q", manifest.RunID)
	}

	for _, id := range []string{"m1", "m2"} {
		msg, err := message.New("card:update", id, map[string]any{"n": 1.0}, fixedClock)
		if err != nil {
			t.Fatalf("build message: %v", err)
		}
		rec.RecordMessage(msg)
	}
	rec.RecordDelivery("user-1", "m1", "delivered", 12*time.Millisecond)
	rec.RecordDelivery("user-2", "m1", "failed", 0)

	if err := rec.Close(); err != nil {
		t.Fatalf("close recorder: %v", err)
	}

	events, err := ReadEvents(rec.Directory())
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected two events, got %d", len(events))
	}
	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("event sequence broken: %+v", events)
	}
	first, err := message.Decode(events[0].Envelope)
	if err != nil {
		t.Fatalf("recorded envelope must decode: %v", err)
	}
	if first.ID != "m1" {
		t.Fatalf("unexpected first envelope: %+v", first)
	}

	deliveries, err := ReadDeliveries(rec.Directory())
	if err != nil {
		t.Fatalf("read deliveries: %v", err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("expected two delivery records, got %d", len(deliveries))
	}
	if deliveries[0].Target != "user-1" || deliveries[0].Outcome != "delivered" || deliveries[0].Latency != 12*time.Millisecond {
		t.Fatalf("unexpected first delivery: %+v", deliveries[0])
	}
	if deliveries[1].Target != "user-2" || deliveries[1].Outcome != "failed" {
		t.Fatalf("unexpected second delivery: %+v", deliveries[1])
	}
}

func TestRecorderIgnoresTrafficAfterClose(t *testing.T) {
	rec, _, err := NewRecorder(t.TempDir(), "run", fixedClock)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close recorder: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}

	msg, err := message.New("ping", "m1", nil, fixedClock)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	rec.RecordMessage(msg)
	rec.RecordDelivery("user-1", "m1", "delivered", 0)

	events, err := ReadEvents(rec.Directory())
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("closed recorder must not accept traffic, got %d events", len(events))
	}
}

func TestNewRecorderRequiresRoot(t *testing.T) {
	if _, _, err := NewRecorder("", "run", fixedClock); err == nil {
		t.Fatalf("expected error for empty root")
	}
}
