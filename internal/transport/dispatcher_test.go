package transport

import (
	"testing"

	"github.com/stakeline/engage/internal/protocol"
)

func TestDispatch_RoutesByFrameType(t *testing.T) {
	d := NewFrameDispatcher(nil)

	var got protocol.TypingDeliveryFrame
	d.Register(protocol.TypeTypingDelivery, func(msg interface{}) {
		got = msg.(protocol.TypingDeliveryFrame)
	})

	d.Dispatch([]byte(`{"type":"typing_delivery","room_id":"7","user_id":"u2","is_typing":true}`))

	if got.RoomID != "7" || got.UserID != "u2" || !got.IsTyping {
		t.Errorf("unexpected frame: %+v", got)
	}
}

func TestDispatch_MalformedFrameDropped(t *testing.T) {
	d := NewFrameDispatcher(nil)

	called := false
	d.Register(protocol.TypeChatDelivery, func(msg interface{}) { called = true })

	d.Dispatch([]byte(`{not json`))
	d.Dispatch([]byte(`{"no_type":"field"}`))

	if called {
		t.Error("handler should not run for malformed frames")
	}

	// A valid frame after malformed ones is still delivered.
	d.Dispatch([]byte(`{"type":"message_delivery","room_id":"1","from":"u2","text":"hi"}`))
	if !called {
		t.Error("valid frame after malformed input was not delivered")
	}
}

func TestDispatch_PongHandledInternally(t *testing.T) {
	d := NewFrameDispatcher(nil)

	if !d.LastPong().IsZero() {
		t.Fatal("expected zero LastPong before any pong")
	}

	d.Dispatch([]byte(`{"type":"pong"}`))

	if d.LastPong().IsZero() {
		t.Error("expected LastPong to be updated")
	}
}

func TestDispatch_UnsupportedTypeIgnored(t *testing.T) {
	d := NewFrameDispatcher(nil)
	// Should log and drop without panicking.
	d.Dispatch([]byte(`{"type":"mystery"}`))
}
