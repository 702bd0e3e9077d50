package transport

import (
	"log"
	"time"

	"github.com/stakeline/engage/internal/protocol"
)

// FrameHandler is the callback signature for handling a parsed gateway frame.
// The msg parameter is the concrete struct returned by protocol.ParseFrame
// (e.g., protocol.ChatDeliveryFrame, protocol.TypingDeliveryFrame, etc.).
type FrameHandler func(msg interface{})

// FrameDispatcher routes inbound chat-socket frames to registered handlers
// based on the frame type. It handles the ping/pong keepalive internally and
// drops malformed or unsupported frames without interrupting the read loop.
type FrameDispatcher struct {
	handlers map[string]FrameHandler
	conn     *Conn
	lastPong time.Time
}

// NewFrameDispatcher creates a FrameDispatcher bound to the given connection.
// The connection reference is used to send keepalive pings.
func NewFrameDispatcher(conn *Conn) *FrameDispatcher {
	return &FrameDispatcher{
		handlers: make(map[string]FrameHandler),
		conn:     conn,
	}
}

// SetConn binds the dispatcher to a connection after construction, for
// wiring orders where the connection's callbacks reference the dispatcher.
func (d *FrameDispatcher) SetConn(conn *Conn) {
	d.conn = conn
}

// Register associates a FrameHandler with a frame type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *FrameDispatcher) Register(frameType string, handler FrameHandler) {
	d.handlers[frameType] = handler
}

// Dispatch is the OnMessage callback implementation. It parses the raw bytes
// into a typed frame, handles pong internally, and routes all other types to
// the registered handler. Malformed frames are dropped and logged; they must
// not break delivery of subsequent frames.
func (d *FrameDispatcher) Dispatch(data []byte) {
	frameType, msg, err := protocol.ParseFrame(data)
	if err != nil {
		log.Printf("[transport] dropped malformed frame: %v", err)
		return
	}

	if frameType == protocol.TypePong {
		d.lastPong = time.Now()
		return
	}

	handler, ok := d.handlers[frameType]
	if !ok {
		log.Printf("[transport] unsupported frame type=%q", frameType)
		return
	}

	handler(msg)
}

// Ping sends a keepalive ping frame to the gateway.
func (d *FrameDispatcher) Ping() error {
	data, err := protocol.NewFrame(protocol.TypePing, protocol.PingFrame{})
	if err != nil {
		return err
	}
	return d.conn.Send(data)
}

// LastPong returns the time the most recent pong frame was received, or the
// zero time if none has arrived yet.
func (d *FrameDispatcher) LastPong() time.Time {
	return d.lastPong
}
