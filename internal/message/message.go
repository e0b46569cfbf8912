// Package message defines the wire envelope the harness and the application
// under test exchange over mock channels.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrMissingType is returned when an envelope omits the message type.
	ErrMissingType = errors.New("message type must not be empty")
	// ErrMissingID is returned when an envelope omits the caller-supplied identifier.
	ErrMissingID = errors.New("message id must not be empty")
	// ErrBadTimestamp is returned when the timestamp is not valid ISO-8601.
	ErrBadTimestamp = errors.New("message timestamp must be ISO-8601")
)

// Message is the envelope spoken by the collaboration protocol under test.
// Identity is the caller-supplied ID; the harness treats it as opaque and
// never enforces uniqueness itself.
type Message struct {
	Type      string
	ID        string
	Timestamp string
	Payload   *structpb.Struct
	UserID    string
	BoardID   string
	PageID    string
}

// wire mirrors the JSON shape real production clients speak.
type wire struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp"`
	ID        string          `json:"id"`
	UserID    string          `json:"userId,omitempty"`
	BoardID   string          `json:"boardId,omitempty"`
	PageID    string          `json:"pageId,omitempty"`
}

// New constructs a validated envelope, stamping it with the supplied clock.
func New(msgType, id string, payload map[string]any, clock func() time.Time) (*Message, error) {
	if clock == nil {
		clock = time.Now
	}
	//1.- Promote the schema-less payload into a typed structure up front.
	var body *structpb.Struct
	if payload != nil {
		converted, err := structpb.NewStruct(payload)
		if err != nil {
			return nil, fmt.Errorf("payload conversion: %w", err)
		}
		body = converted
	}
	msg := &Message{
		Type:      msgType,
		ID:        id,
		Timestamp: clock().UTC().Format(time.RFC3339Nano),
		Payload:   body,
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Validate checks the envelope invariants shared by every harness component.
func (m *Message) Validate() error {
	if m == nil {
		return errors.New("nil message")
	}
	if m.Type == "" {
		return ErrMissingType
	}
	if m.ID == "" {
		return ErrMissingID
	}
	if _, err := time.Parse(time.RFC3339Nano, m.Timestamp); err != nil {
		if _, fallback := time.Parse(time.RFC3339, m.Timestamp); fallback != nil {
			return fmt.Errorf("%w: %q", ErrBadTimestamp, m.Timestamp)
		}
	}
	return nil
}

// Encode renders the envelope in the production JSON wire shape.
func (m *Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	frame := wire{
		Type:      m.Type,
		Timestamp: m.Timestamp,
		ID:        m.ID,
		UserID:    m.UserID,
		BoardID:   m.BoardID,
		PageID:    m.PageID,
	}
	//1.- Render the structured payload through protojson so field order and
	// number formatting stay consistent with the typed representation.
	if m.Payload != nil {
		raw, err := protojson.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("payload encode: %w", err)
		}
		frame.Payload = raw
	}
	return json.Marshal(frame)
}

// Decode parses and validates a JSON envelope received from a client.
func Decode(data []byte) (*Message, error) {
	var frame wire
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("envelope decode: %w", err)
	}
	msg := &Message{
		Type:      frame.Type,
		ID:        frame.ID,
		Timestamp: frame.Timestamp,
		UserID:    frame.UserID,
		BoardID:   frame.BoardID,
		PageID:    frame.PageID,
	}
	//1.- Reject envelopes whose payload is present but not a JSON object.
	if len(frame.Payload) > 0 {
		body := &structpb.Struct{}
		if err := protojson.Unmarshal(frame.Payload, body); err != nil {
			return nil, fmt.Errorf("payload decode: %w", err)
		}
		msg.Payload = body
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Clone duplicates the envelope so observers can mutate their copy safely.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Payload != nil {
		if body, ok := proto.Clone(m.Payload).(*structpb.Struct); ok {
			clone.Payload = body
		}
	}
	return &clone
}

// PayloadMap returns the payload as a plain map for scenario assertions.
func (m *Message) PayloadMap() map[string]any {
	if m == nil || m.Payload == nil {
		return nil
	}
	return m.Payload.AsMap()
}
