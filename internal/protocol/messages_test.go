package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid routed event
// ---------------------------------------------------------------------------

func TestParseEvent_ChallengeReceived(t *testing.T) {
	input := []byte(`{"event":"challenge-received","payload":{"id":42,"title":"NBA finals"}}`)
	now := time.Unix(1700000000, 0)

	evt, err := ParseEvent("user.u1", input, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Topic != "user.u1" {
		t.Errorf("expected topic %q, got %q", "user.u1", evt.Topic)
	}
	if evt.Event != EventChallengeReceived {
		t.Errorf("expected event %q, got %q", EventChallengeReceived, evt.Event)
	}
	if !evt.ReceivedAt.Equal(now) {
		t.Errorf("expected receivedAt %v, got %v", now, evt.ReceivedAt)
	}

	var payload struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if payload.ID != 42 {
		t.Errorf("expected payload id 42, got %d", payload.ID)
	}
}

func TestParseEvent_Malformed(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"invalid json", `{not json}`},
		{"missing event", `{"payload":{}}`},
		{"empty event", `{"event":"","payload":{}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEvent("global", []byte(tc.input), time.Now())
			if !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("expected ErrMalformedPayload, got %v", err)
			}
		})
	}
}

func TestNewEvent_RoundTrip(t *testing.T) {
	payload := struct {
		ID int64 `json:"id"`
	}{ID: 7}

	data, err := NewEvent(EventTipReceived, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	evt, err := ParseEvent("global", data, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Event != EventTipReceived {
		t.Errorf("expected event %q, got %q", EventTipReceived, evt.Event)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing chat socket frames
// ---------------------------------------------------------------------------

func TestParseFrame_ChatDelivery(t *testing.T) {
	input := []byte(`{"type":"message_delivery","room_id":"7","from":"u2","text":"gl!","ts":1700000000}`)

	frameType, msg, err := ParseFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frameType != TypeChatDelivery {
		t.Fatalf("expected type %q, got %q", TypeChatDelivery, frameType)
	}

	cd, ok := msg.(ChatDeliveryFrame)
	if !ok {
		t.Fatalf("expected ChatDeliveryFrame, got %T", msg)
	}
	if cd.RoomID != "7" || cd.From != "u2" || cd.Text != "gl!" {
		t.Errorf("unexpected frame contents: %+v", cd)
	}
}

func TestParseFrame_AllInboundTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"message_delivery", `{"type":"message_delivery","room_id":"1","from":"u2","text":"hi"}`, TypeChatDelivery},
		{"typing_delivery", `{"type":"typing_delivery","room_id":"1","user_id":"u2","is_typing":true}`, TypeTypingDelivery},
		{"error", `{"type":"error","code":"rate_limited","message":"slow down"}`, TypeError},
		{"pong", `{"type":"pong"}`, TypePong},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frameType, msg, err := ParseFrame([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if frameType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, frameType)
			}
			if msg == nil {
				t.Error("expected non-nil frame")
			}
		})
	}
}

func TestParseFrame_UnknownType(t *testing.T) {
	input := []byte(`{"type":"mystery","data":"something"}`)

	frameType, msg, err := ParseFrame(input)
	if err == nil {
		t.Fatal("expected an error for unknown frame type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil frame for unknown type, got %v", msg)
	}
	if frameType != "mystery" {
		t.Errorf("expected returned type %q, got %q", "mystery", frameType)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating an outbound typing frame
// ---------------------------------------------------------------------------

func TestNewFrame_Typing(t *testing.T) {
	data, err := NewFrame(TypeTyping, TypingFrame{RoomID: "7", IsTyping: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeTyping {
		t.Errorf("expected type %q, got %v", TypeTyping, result["type"])
	}
	if result["room_id"] != "7" {
		t.Errorf("expected room_id %q, got %v", "7", result["room_id"])
	}
	if result["is_typing"] != true {
		t.Errorf("expected is_typing true, got %v", result["is_typing"])
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Chat text validation
// ---------------------------------------------------------------------------

func TestValidateChatText(t *testing.T) {
	if err := ValidateChatText("who wins tonight?"); err != nil {
		t.Errorf("expected valid text, got %v", err)
	}
	if err := ValidateChatText(""); err == nil {
		t.Error("expected error for empty text")
	}

	long := make([]byte, MaxChatBytes+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidateChatText(string(long)); err == nil {
		t.Error("expected error for oversized text")
	}

	if err := ValidateChatText(string([]byte{0xff, 0xfe})); err == nil {
		t.Error("expected error for invalid UTF-8")
	}
}
