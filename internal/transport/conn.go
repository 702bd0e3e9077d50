// Package transport manages the engine's resilient WebSocket connection to
// the realtime gateway. It owns the dial/read lifecycle, reconnects with
// capped exponential backoff, and dispatches inbound JSON frames to the
// application layer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/stakeline/engage/internal/metrics"
)

// ErrNotConnected is returned by Send when the connection is not open.
// The caller decides whether to retry; nothing is queued.
var ErrNotConnected = errors.New("transport: not connected")

// State describes the connection lifecycle.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Config holds tunable parameters for the gateway connection.
type Config struct {
	URL          string        // gateway WebSocket URL, e.g. ws://localhost:9000/ws
	BackoffBase  time.Duration // first retry delay (doubles per attempt)
	BackoffCap   time.Duration // upper bound on a single retry delay
	MaxAttempts  int           // reconnect ceiling before the terminal disconnect
	WriteTimeout time.Duration // timeout for outbound frame writes
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		URL:          "ws://localhost:9000/ws",
		BackoffBase:  1 * time.Second,
		BackoffCap:   32 * time.Second,
		MaxAttempts:  5,
		WriteTimeout: 10 * time.Second,
	}
}

// Dialer establishes the underlying network connection. It is injectable so
// tests can substitute net.Pipe ends for a real WebSocket dial.
type Dialer func(ctx context.Context, url string) (net.Conn, error)

// Callbacks are invoked from the connection's internal goroutines. OnClose
// receives terminal=true when the reconnect ceiling has been exceeded and no
// further attempts will be scheduled.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(terminal bool)
	OnError   func(err error)
}

// Conn is an explicitly owned, resilient client connection. It is created
// with New, started with Connect, and torn down with Close. A Conn never
// queues outbound frames: Send fails with ErrNotConnected while the socket
// is down and subscribers re-issue their state after OnOpen.
type Conn struct {
	config Config
	dialer Dialer
	cb     Callbacks

	mu         sync.Mutex
	state      State
	netConn    net.Conn
	attempt    int
	generation uint64 // bumped per dial attempt; stale attempts are ignored
	retryTimer *time.Timer
	closed     bool

	writeMu sync.Mutex // serializes outbound frames

	// afterFunc schedules reconnect timers; replaceable in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// New creates a Conn with the given configuration and callbacks. If dialer
// is nil, a gobwas/ws WebSocket dialer for config.URL is used.
func New(config Config, dialer Dialer, cb Callbacks) *Conn {
	if dialer == nil {
		dialer = func(ctx context.Context, url string) (net.Conn, error) {
			conn, _, _, err := ws.Dial(ctx, url)
			if err != nil {
				return nil, fmt.Errorf("transport: dial %s: %w", url, err)
			}
			return conn, nil
		}
	}
	return &Conn{
		config:    config,
		dialer:    dialer,
		cb:        cb,
		afterFunc: time.AfterFunc,
	}
}

// Connect starts the initial dial attempt. It returns immediately; the
// outcome is reported through the OnOpen/OnClose/OnError callbacks.
func (c *Conn) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	metrics.ConnectionState.Set(1)
	go c.dial(ctx, gen)
}

// dial performs one connection attempt under the given generation token.
// A late success from a superseded attempt is discarded: a newer attempt
// owns the connection by then.
func (c *Conn) dial(ctx context.Context, gen uint64) {
	netConn, err := c.dialer(ctx, c.config.URL)

	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		if netConn != nil {
			netConn.Close()
		}
		return
	}

	if err != nil {
		c.mu.Unlock()
		if c.cb.OnError != nil {
			c.cb.OnError(err)
		}
		c.scheduleReconnect(ctx, gen)
		return
	}

	c.netConn = netConn
	c.state = StateOpen
	c.attempt = 0
	c.mu.Unlock()

	log.Printf("[transport] connected to %s", c.config.URL)
	metrics.ConnectionState.Set(2)
	if c.cb.OnOpen != nil {
		c.cb.OnOpen()
	}

	go c.readLoop(ctx, gen, netConn)
}

// readLoop reads text frames until the connection fails or is closed.
func (c *Conn) readLoop(ctx context.Context, gen uint64, netConn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(netConn)
		if err != nil {
			c.mu.Lock()
			stale := c.closed || gen != c.generation
			c.mu.Unlock()
			if stale {
				return // caller-initiated close or superseded attempt
			}
			log.Printf("[transport] read error: %v", err)
			if c.cb.OnError != nil {
				c.cb.OnError(err)
			}
			c.handleDisconnect(ctx, gen)
			return
		}
		if len(data) == 0 {
			continue
		}
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(data)
		}
	}
}

// handleDisconnect transitions to Closed and schedules a reconnect unless
// the ceiling has been reached.
func (c *Conn) handleDisconnect(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	if c.netConn != nil {
		c.netConn.Close()
		c.netConn = nil
	}
	c.mu.Unlock()

	metrics.ConnectionState.Set(0)
	if c.cb.OnClose != nil {
		c.cb.OnClose(false)
	}
	c.scheduleReconnect(ctx, gen)
}

// scheduleReconnect arms the backoff timer for the next attempt, or surfaces
// the terminal disconnect once the attempt ceiling is exceeded.
func (c *Conn) scheduleReconnect(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		return
	}

	if c.attempt >= c.config.MaxAttempts {
		c.state = StateClosed
		c.mu.Unlock()
		log.Printf("[transport] reconnect ceiling reached (%d attempts), giving up", c.config.MaxAttempts)
		if c.cb.OnClose != nil {
			c.cb.OnClose(true)
		}
		return
	}

	delay := BackoffDelay(c.attempt, c.config.BackoffBase, c.config.BackoffCap)
	c.attempt++
	attemptNo := c.attempt
	c.state = StateConnecting
	c.generation++
	nextGen := c.generation
	c.mu.Unlock()

	metrics.ConnectionState.Set(1)

	log.Printf("[transport] reconnecting in %s (attempt %d/%d)", delay, attemptNo, c.config.MaxAttempts)
	metrics.Reconnects.Inc()
	timer := c.afterFunc(delay, func() {
		c.dial(ctx, nextGen)
	})

	c.mu.Lock()
	if c.closed {
		timer.Stop()
	} else {
		c.retryTimer = timer
	}
	c.mu.Unlock()
}

// BackoffDelay returns the delay before reconnect attempt number attempt
// (starting at 0): min(base * 2^attempt, ceiling).
func BackoffDelay(attempt int, base, ceiling time.Duration) time.Duration {
	d := base << uint(attempt)
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// Send writes a text frame to the gateway. When the connection is not open
// it fails with ErrNotConnected; the frame is not queued.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	netConn := c.netConn
	open := c.state == StateOpen && netConn != nil
	c.mu.Unlock()

	if !open {
		log.Printf("[transport] send dropped: not connected")
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		defer netConn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(netConn, ws.OpText, data)
}

// IsConnected reports whether the connection is currently open.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears down the connection: it cancels any pending reconnect timer,
// invalidates in-flight dial attempts, and closes the socket. It is
// idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.generation++
	c.state = StateClosed
	metrics.ConnectionState.Set(0)

	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.netConn != nil {
		err := c.netConn.Close()
		c.netConn = nil
		return err
	}
	return nil
}
