package transport_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/AstraDraw/astradraw-sub000/pkg/logging"
	"github.com/AstraDraw/astradraw-sub000/pkg/transport"
	"github.com/AstraDraw/astradraw-sub000/pkg/wire"
)

func newTestLogger() *slog.Logger { return logging.Discard() }

// echoServer accepts websocket upgrades on /ws and echoes every frame back.
// It can be told to drop the next connection right after accepting it, to
// exercise the reconnect path.
type echoServer struct {
	mu       sync.Mutex
	accepts  int
	dropNext bool
}

func (s *echoServer) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}

	s.mu.Lock()
	s.accepts++
	drop := s.dropNext
	s.dropNext = false
	s.mu.Unlock()

	if drop {
		conn.Close(websocket.StatusGoingAway, "dropped by test")
		return
	}

	ctx := r.Context()
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if err := conn.Write(ctx, typ, msg); err != nil {
			return
		}
	}
}

func (s *echoServer) acceptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

func newEcho(t *testing.T) (*echoServer, *httptest.Server) {
	t.Helper()
	echo := &echoServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", echo.handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return echo, srv
}

func TestJoinSendReceive(t *testing.T) {
	_, srv := newEcho(t)
	ch := transport.NewChannel(srv.URL, "tok",
		transport.ChannelConfig{DialTimeout: 2 * time.Second}, newTestLogger())

	inbox := make(chan wire.Envelope, 8)
	ch.OnMessage(func(msg []byte) {
		env, err := wire.Unmarshal(msg)
		if err != nil {
			return
		}
		inbox <- env
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ch.Join(ctx, "room-1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer ch.Leave("room-1")

	if !ch.IsOpen() {
		t.Fatal("channel must report open after Join")
	}
	if err := ch.SendReliable(wire.Envelope{Type: wire.FullSync}); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}

	select {
	case env := <-inbox:
		if env.Type != wire.FullSync {
			t.Errorf("echoed type %q", env.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("echo never arrived")
	}
}

func TestSecondJoinRejected(t *testing.T) {
	_, srv := newEcho(t)
	ch := transport.NewChannel(srv.URL, "tok",
		transport.ChannelConfig{DialTimeout: 2 * time.Second}, newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ch.Join(ctx, "room-1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer ch.Leave("room-1")

	if err := ch.Join(ctx, "room-2"); err == nil {
		t.Fatal("expected a second Join on an open channel to fail")
	}
}

func TestSendWithoutJoinFails(t *testing.T) {
	_, srv := newEcho(t)
	ch := transport.NewChannel(srv.URL, "tok",
		transport.ChannelConfig{DialTimeout: 2 * time.Second}, newTestLogger())

	if err := ch.SendReliable(wire.Envelope{Type: wire.FullSync}); !errors.Is(err, transport.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	// volatile sends never error, they just drop
	ch.SendVolatile(wire.Envelope{Type: wire.Pointer})
}

func TestLeaveClosesWithoutReconnect(t *testing.T) {
	echo, srv := newEcho(t)
	ch := transport.NewChannel(srv.URL, "tok",
		transport.ChannelConfig{DialTimeout: 2 * time.Second, ReconnectAttempts: 3, ReconnectBackoff: 10 * time.Millisecond},
		newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ch.Join(ctx, "room-1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	ch.Leave("room-1")

	if ch.IsOpen() {
		t.Fatal("channel must report closed after Leave")
	}
	time.Sleep(100 * time.Millisecond)
	if got := echo.acceptCount(); got != 1 {
		t.Errorf("deliberate Leave must not reconnect, saw %d accepts", got)
	}
}

func TestReconnectAfterSocketLoss(t *testing.T) {
	echo, srv := newEcho(t)
	ch := transport.NewChannel(srv.URL, "tok",
		transport.ChannelConfig{DialTimeout: 2 * time.Second, ReconnectAttempts: 5, ReconnectBackoff: 20 * time.Millisecond},
		newTestLogger())

	reconnected := make(chan struct{})
	ch.OnReconnected(func() { close(reconnected) })

	// the first accepted socket is dropped immediately; the channel must dial
	// again on its own
	echo.mu.Lock()
	echo.dropNext = true
	echo.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ch.Join(ctx, "room-1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer ch.Leave("room-1")

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("channel never reconnected")
	}
	if got := echo.acceptCount(); got < 2 {
		t.Errorf("expected a second accept after the drop, saw %d", got)
	}
}

func TestDisconnectedFiresWhenBudgetExhausted(t *testing.T) {
	echo, srv := newEcho(t)
	ch := transport.NewChannel(srv.URL, "tok",
		transport.ChannelConfig{DialTimeout: time.Second, ReconnectAttempts: 1, ReconnectBackoff: 200 * time.Millisecond},
		newTestLogger())

	gone := make(chan struct{})
	ch.OnDisconnected(func(err error) { close(gone) })

	echo.mu.Lock()
	echo.dropNext = true
	echo.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ch.Join(ctx, "room-1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer ch.Leave("room-1")

	// kill the server so every reconnect attempt fails
	srv.CloseClientConnections()
	srv.Close()

	select {
	case <-gone:
	case <-time.After(5 * time.Second):
		t.Fatal("OnDisconnected never fired")
	}
}
