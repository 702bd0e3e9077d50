// Package protocol defines the wire formats used by the engagement engine:
// the routed event envelope delivered over the pub/sub transport, and the
// JSON text frames exchanged on the low-latency chat socket. Both carry a
// type discriminator and are serialized as JSON.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedPayload is returned when an inbound message cannot be decoded.
// Callers drop and log the message; it is never fatal.
var ErrMalformedPayload = errors.New("protocol: malformed payload")

// ---------------------------------------------------------------------------
// Routed pub/sub events
// ---------------------------------------------------------------------------

// Routed event names pushed by the platform over per-user, per-event and
// global topics.
const (
	EventChallengeReceived = "challenge-received"
	EventChallengeUpdated  = "challenge-updated"
	EventFriendRequest     = "friend-request"
	EventTipReceived       = "tip-received"
	EventNewFollower       = "new-follower"
	EventDailyBonus        = "daily-bonus"
	EventStreak            = "streak"
	EventLeaderboard       = "leaderboard"
)

// InboundEvent is a single routed message delivered from the transport to
// application handlers. It is transient: handlers consume it synchronously
// and the router never persists it.
type InboundEvent struct {
	Topic      string
	Event      string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// eventEnvelope is the on-wire shape of a routed event.
type eventEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ParseEvent decodes the raw bytes of a routed message received on topic
// into an InboundEvent stamped with now. A missing or empty event name is
// reported as ErrMalformedPayload.
func ParseEvent(topic string, data []byte, now time.Time) (InboundEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return InboundEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Event == "" {
		return InboundEvent{}, fmt.Errorf("%w: missing or empty \"event\" field", ErrMalformedPayload)
	}
	return InboundEvent{
		Topic:      topic,
		Event:      env.Event,
		Payload:    env.Payload,
		ReceivedAt: now,
	}, nil
}

// NewEvent builds the wire bytes for a routed event with the given name and
// payload struct.
func NewEvent(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal event payload: %w", err)
	}
	return json.Marshal(eventEnvelope{Event: event, Payload: raw})
}

// ---------------------------------------------------------------------------
// Chat socket frame type constants
// ---------------------------------------------------------------------------

// Client -> gateway frame types.
const (
	TypeTyping = "typing"
	TypeChat   = "message"
	TypePing   = "ping"
)

// Gateway -> client frame types.
const (
	TypeChatDelivery   = "message_delivery"
	TypeTypingDelivery = "typing_delivery"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON bytes for deferred parsing
// into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// frame can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> gateway frame structs
// ---------------------------------------------------------------------------

// TypingFrame signals that the local user started or stopped typing in a room.
type TypingFrame struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// ChatFrame is a text message sent by the local user within a room.
type ChatFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Text   string `json:"text"`
}

// PingFrame is a client-initiated keepalive ping.
type PingFrame struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Gateway -> client frame structs
// ---------------------------------------------------------------------------

// ChatDeliveryFrame is a room message relayed from another user.
type ChatDeliveryFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	From   string `json:"from"`
	Text   string `json:"text"`
	Ts     int64  `json:"ts"`
}

// TypingDeliveryFrame relays another user's typing indicator.
type TypingDeliveryFrame struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// ErrorFrame communicates an error condition from the gateway.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongFrame is the gateway's response to a client ping.
type PongFrame struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseFrame parses raw chat-socket bytes into a typed inbound frame. It
// returns the frame type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// client-only frame types.
func ParseFrame(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeChatDelivery:
		var m ChatDeliveryFrame
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingDelivery:
		var m TypingDeliveryFrame
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorFrame
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongFrame
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown frame type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q frame: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewFrame creates a JSON-encoded byte slice for an outbound frame. The
// frameType is injected into the payload under the "type" key; the payload
// should be one of the *Frame structs.
func NewFrame(frameType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal frame payload into map: %w", err)
	}

	m["type"] = frameType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}
