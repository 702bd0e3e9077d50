package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/stakeline/engage/internal/metrics"
)

func TestBackoffDelay_Sequence(t *testing.T) {
	base := 1 * time.Second
	ceiling := 32 * time.Second

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for attempt, expected := range want {
		if got := BackoffDelay(attempt, base, ceiling); got != expected {
			t.Errorf("attempt %d: expected %s, got %s", attempt, expected, got)
		}
	}

	// Beyond the cap the delay saturates.
	if got := BackoffDelay(6, base, ceiling); got != ceiling {
		t.Errorf("attempt 6: expected cap %s, got %s", ceiling, got)
	}
	if got := BackoffDelay(40, base, ceiling); got != ceiling {
		t.Errorf("attempt 40: expected cap %s, got %s", ceiling, got)
	}
}

func TestReconnect_CeilingStopsScheduling(t *testing.T) {
	config := DefaultConfig()

	var mu sync.Mutex
	var delays []time.Duration
	terminal := make(chan struct{})

	dialer := func(ctx context.Context, url string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	c := New(config, dialer, Callbacks{
		OnClose: func(term bool) {
			if term {
				close(terminal)
			}
		},
	})

	// Fire reconnect timers synchronously and record the scheduled delays.
	c.afterFunc = func(d time.Duration, f func()) *time.Timer {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		f()
		return time.NewTimer(time.Hour)
	}

	c.Connect(context.Background())

	select {
	case <-terminal:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal disconnect was never surfaced")
	}

	mu.Lock()
	defer mu.Unlock()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	if len(delays) != len(want) {
		t.Fatalf("expected %d scheduled retries, got %d: %v", len(want), len(delays), delays)
	}
	for i, d := range want {
		if delays[i] != d {
			t.Errorf("retry %d: expected delay %s, got %s", i, d, delays[i])
		}
	}
}

func TestSend_NotConnected(t *testing.T) {
	c := New(DefaultConfig(), func(ctx context.Context, url string) (net.Conn, error) {
		return nil, errors.New("unused")
	}, Callbacks{})

	err := c.Send([]byte(`{"type":"ping"}`))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnect_DeliversInboundFrames(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()

	received := make(chan []byte, 1)
	opened := make(chan struct{})

	dialer := func(ctx context.Context, url string) (net.Conn, error) {
		return clientEnd, nil
	}

	c := New(DefaultConfig(), dialer, Callbacks{
		OnOpen: func() { close(opened) },
		OnMessage: func(data []byte) {
			received <- append([]byte(nil), data...)
		},
	})
	defer c.Close()

	c.Connect(context.Background())

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen was never called")
	}

	if !c.IsConnected() {
		t.Fatal("expected IsConnected after open")
	}

	go func() {
		_ = wsutil.WriteServerMessage(serverEnd, ws.OpText, []byte(`{"type":"pong"}`))
	}()

	select {
	case data := <-received:
		if string(data) != `{"type":"pong"}` {
			t.Errorf("unexpected frame: %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame was never delivered")
	}
}

func TestConnectionStateGauge_PublishesAllStates(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer serverEnd.Close()

	dialStarted := make(chan struct{})
	dialRelease := make(chan struct{})
	opened := make(chan struct{})

	c := New(DefaultConfig(), func(ctx context.Context, url string) (net.Conn, error) {
		close(dialStarted)
		<-dialRelease
		return clientEnd, nil
	}, Callbacks{
		OnOpen: func() { close(opened) },
	})

	c.Connect(context.Background())
	<-dialStarted
	if got := testutil.ToFloat64(metrics.ConnectionState); got != 1 {
		t.Errorf("expected gauge 1 while connecting, got %v", got)
	}

	close(dialRelease)
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen was never called")
	}
	if got := testutil.ToFloat64(metrics.ConnectionState); got != 2 {
		t.Errorf("expected gauge 2 while open, got %v", got)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := testutil.ToFloat64(metrics.ConnectionState); got != 0 {
		t.Errorf("expected gauge 0 after close, got %v", got)
	}
}

func TestClose_Idempotent(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer serverEnd.Close()

	opened := make(chan struct{})
	c := New(DefaultConfig(), func(ctx context.Context, url string) (net.Conn, error) {
		return clientEnd, nil
	}, Callbacks{
		OnOpen: func() { close(opened) },
	})

	c.Connect(context.Background())
	<-opened

	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if c.IsConnected() {
		t.Error("expected disconnected state after close")
	}
}

func TestClose_CancelsPendingReconnect(t *testing.T) {
	dialFailed := make(chan struct{}, 1)

	c := New(DefaultConfig(), func(ctx context.Context, url string) (net.Conn, error) {
		select {
		case dialFailed <- struct{}{}:
		default:
		}
		return nil, errors.New("connection refused")
	}, Callbacks{})

	armed := make(chan struct{})
	c.afterFunc = func(d time.Duration, f func()) *time.Timer {
		close(armed)
		return time.NewTimer(time.Hour)
	}

	c.Connect(context.Background())

	select {
	case <-armed:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect timer was never armed")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retryTimer != nil {
		t.Error("expected retry timer to be cleared on close")
	}
	if c.state != StateClosed {
		t.Errorf("expected closed state, got %s", c.state)
	}
}

func TestState_String(t *testing.T) {
	if StateOpen.String() != "open" || StateConnecting.String() != "connecting" || StateClosed.String() != "closed" {
		t.Error("unexpected state names")
	}
}
