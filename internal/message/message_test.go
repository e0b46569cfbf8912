package message

import (
	"strings"
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func TestNewStampsAndValidates(t *testing.T) {
	msg, err := New("card:update", "m1", map[string]any{"title": "Roadmap", "position": 3.0}, fixedClock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Timestamp != "2024-05-01T12:00:00Z" {
		t.Fatalf("unexpected timestamp: %q", msg.Timestamp)
	}
	if got := msg.PayloadMap()["title"]; got != "Roadmap" {
		t.Fatalf("payload round trip failed: %v", got)
	}
}

func TestNewRejectsMissingIdentity(t *testing.T) {
	if _, err := New("", "m1", nil, fixedClock); err != ErrMissingType {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
	if _, err := New("ping", "", nil, fixedClock); err != ErrMissingID {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
}

func TestEncodeDecodeWireShape(t *testing.T) {
	msg, err := New("page:edit", "m42", map[string]any{"delta": "abc"}, fixedClock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg.UserID = "user-3"
	msg.PageID = "wiki-home"

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	for _, key := range []string{`"type":"page:edit"`, `"id":"m42"`, `"userId":"user-3"`, `"pageId":"wiki-home"`} {
		if !strings.Contains(string(data), key) {
			t.Fatalf("wire form missing %s: %s", key, data)
		}
	}
	if strings.Contains(string(data), "boardId") {
		t.Fatalf("empty optional field must be omitted: %s", data)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.ID != "m42" || decoded.UserID != "user-3" {
		t.Fatalf("identity lost in round trip: %+v", decoded)
	}
	if decoded.PayloadMap()["delta"] != "abc" {
		t.Fatalf("payload lost in round trip: %v", decoded.PayloadMap())
	}
}

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"type":`,
		"missing id":      `{"type":"ping","timestamp":"2024-05-01T12:00:00Z"}`,
		"bad timestamp":   `{"type":"ping","id":"m1","timestamp":"yesterday"}`,
		"scalar payload":  `{"type":"ping","id":"m1","timestamp":"2024-05-01T12:00:00Z","payload":7}`,
		"payload is list": `{"type":"ping","id":"m1","timestamp":"2024-05-01T12:00:00Z","payload":[1,2]}`,
	}
	for name, raw := range cases {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	msg, err := New("ping", "m1", map[string]any{"n": 1.0}, fixedClock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clone := msg.Clone()
	clone.ID = "m2"
	if msg.ID != "m1" {
		t.Fatalf("clone mutated the original identity")
	}
	delete(clone.Payload.Fields, "n")
	if _, ok := msg.Payload.Fields["n"]; !ok {
		t.Fatalf("clone shares payload storage with the original")
	}
}
