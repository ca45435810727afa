package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AstraDraw/astradraw-sub000/internal/access"
	"github.com/AstraDraw/astradraw-sub000/internal/relay"
	"github.com/AstraDraw/astradraw-sub000/pkg/config"
	"github.com/AstraDraw/astradraw-sub000/pkg/logging"
	"github.com/AstraDraw/astradraw-sub000/pkg/seal"
	"github.com/AstraDraw/astradraw-sub000/pkg/store"
	"github.com/AstraDraw/astradraw-sub000/pkg/transport"
	"github.com/AstraDraw/astradraw-sub000/pkg/wire"
)

const testSecret = "relay-test-secret"

func newTestLogger() *slog.Logger { return logging.Discard() }

func newRelay(t *testing.T, limit config.ConnectionLimitConfig) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Relay: config.RelayConfig{
			Address:         ":0",
			Auth:            config.AuthConfig{JWTSecret: testSecret},
			ConnectionLimit: limit,
		},
	}
	app := relay.NewApp(newTestLogger(), context.Background(), cfg)
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func mintToken(t *testing.T, userID, roomID string, caps access.Capability) string {
	t.Helper()
	gate := access.Gate{Capabilities: caps, UserID: userID, RoomID: roomID}
	if caps.Has(access.CanCollaborate) {
		key, err := seal.NewKey()
		if err != nil {
			t.Fatal(err)
		}
		gate.RoomKey = key
		gate.HasKey = true
	}
	token, err := access.MintGrant(gate, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("MintGrant: %v", err)
	}
	return token
}

// join opens a channel into a room and returns it together with a stream of
// the envelopes it receives.
func join(t *testing.T, srv *httptest.Server, userID, roomID string, caps access.Capability) (*transport.Channel, <-chan wire.Envelope) {
	t.Helper()
	ch := transport.NewChannel(srv.URL, mintToken(t, userID, roomID, caps),
		transport.ChannelConfig{DialTimeout: 2 * time.Second}, newTestLogger())
	inbox := make(chan wire.Envelope, 32)
	ch.OnMessage(func(msg []byte) {
		env, err := wire.Unmarshal(msg)
		if err != nil {
			return
		}
		inbox <- env
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Join(ctx, roomID); err != nil {
		t.Fatalf("joining room %q: %v", roomID, err)
	}
	t.Cleanup(func() { ch.Leave(roomID) })
	return ch, inbox
}

func waitEnv(t *testing.T, inbox <-chan wire.Envelope, typ wire.MessageType) wire.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-inbox:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func expectSilence(t *testing.T, inbox <-chan wire.Envelope, typ wire.MessageType, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case env := <-inbox:
			if env.Type == typ {
				t.Fatalf("unexpected %s frame: %+v", typ, env)
			}
		case <-deadline:
			return
		}
	}
}

func sealedFrame(t *testing.T, typ wire.MessageType, claimedSender string) wire.Envelope {
	t.Helper()
	key, err := seal.NewKey()
	if err != nil {
		t.Fatal(err)
	}
	plaintext, err := json.Marshal(wire.ElementsUpdatePayload{Elements: json.RawMessage(`[]`)})
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := seal.NewCodec(key).Seal(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	return wire.Envelope{Type: typ, Payload: sealed, SenderConnectionID: claimedSender}
}

func TestFanOutStampsSender(t *testing.T) {
	srv := newRelay(t, config.ConnectionLimitConfig{})
	alice, aliceInbox := join(t, srv, "alice", "room-1", access.CanView|access.CanEdit|access.CanCollaborate)
	_, bobInbox := join(t, srv, "bob", "room-1", access.CanView|access.CanEdit|access.CanCollaborate)

	// the claimed sender ID must be overwritten by the relay
	if err := alice.SendReliable(sealedFrame(t, wire.ElementsUpdate, "spoofed-id")); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}

	env := waitEnv(t, bobInbox, wire.ElementsUpdate)
	if env.SenderConnectionID == "" || env.SenderConnectionID == "spoofed-id" {
		t.Errorf("relay did not stamp the sender: %q", env.SenderConnectionID)
	}
	if len(env.Payload) == 0 {
		t.Error("sealed payload must pass through untouched")
	}

	// the sender must not receive its own frame back
	expectSilence(t, aliceInbox, wire.ElementsUpdate, 200*time.Millisecond)
}

func TestRoomIsolation(t *testing.T) {
	srv := newRelay(t, config.ConnectionLimitConfig{})
	alice, _ := join(t, srv, "alice", "room-a", access.CanView|access.CanEdit|access.CanCollaborate)
	_, bobInbox := join(t, srv, "bob", "room-b", access.CanView|access.CanEdit|access.CanCollaborate)

	if err := alice.SendReliable(sealedFrame(t, wire.ElementsUpdate, "")); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}
	expectSilence(t, bobInbox, wire.ElementsUpdate, 300*time.Millisecond)
}

func TestLeaveIsBroadcastOnDisconnect(t *testing.T) {
	srv := newRelay(t, config.ConnectionLimitConfig{})
	_, aliceInbox := join(t, srv, "alice", "room-1", access.CanView|access.CanEdit|access.CanCollaborate)
	bob, _ := join(t, srv, "bob", "room-1", access.CanView|access.CanEdit|access.CanCollaborate)

	bob.Leave("room-1")

	env := waitEnv(t, aliceInbox, wire.ParticipantLeave)
	if env.SenderConnectionID == "" {
		t.Error("leave broadcast must carry the departed connection ID")
	}
}

func TestViewerCannotPushSceneUpdates(t *testing.T) {
	srv := newRelay(t, config.ConnectionLimitConfig{})
	viewer, _ := join(t, srv, "eve", "room-1", access.CanView)
	_, bobInbox := join(t, srv, "bob", "room-1", access.CanView|access.CanEdit|access.CanCollaborate)

	if err := viewer.SendReliable(sealedFrame(t, wire.ElementsUpdate, "")); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}
	expectSilence(t, bobInbox, wire.ElementsUpdate, 300*time.Millisecond)

	// volatile presence traffic from a viewer still flows
	viewer.SendVolatile(sealedFrame(t, wire.Pointer, ""))
	waitEnv(t, bobInbox, wire.Pointer)
}

func TestJoinRejectedWithoutToken(t *testing.T) {
	srv := newRelay(t, config.ConnectionLimitConfig{})
	ch := transport.NewChannel(srv.URL, "",
		transport.ChannelConfig{DialTimeout: 2 * time.Second}, newTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ch.Join(ctx, "room-1"); err == nil {
		t.Fatal("expected join without a token to fail")
	}
}

func TestJoinRejectedForWrongRoom(t *testing.T) {
	srv := newRelay(t, config.ConnectionLimitConfig{})
	token := mintToken(t, "alice", "room-a", access.CanView|access.CanEdit|access.CanCollaborate)
	ch := transport.NewChannel(srv.URL, token,
		transport.ChannelConfig{DialTimeout: 2 * time.Second}, newTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ch.Join(ctx, "room-b"); err == nil {
		t.Fatal("expected a room-a grant to be rejected for room-b")
	}
}

func TestConnectionLimitRejects(t *testing.T) {
	srv := newRelay(t, config.ConnectionLimitConfig{MaxPerUser: 1, Mode: "reject"})
	join(t, srv, "alice", "room-1", access.CanView|access.CanEdit|access.CanCollaborate)

	token := mintToken(t, "alice", "room-1", access.CanView|access.CanEdit|access.CanCollaborate)
	ch := transport.NewChannel(srv.URL, token,
		transport.ChannelConfig{DialTimeout: 2 * time.Second}, newTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ch.Join(ctx, "room-1"); err == nil {
		t.Fatal("expected the second connection for the same user to be rejected")
	}
}

func TestConnectionLimitCyclesOldest(t *testing.T) {
	srv := newRelay(t, config.ConnectionLimitConfig{MaxPerUser: 1, Mode: "cycle"})

	// callbacks must be registered before Join
	token := mintToken(t, "alice", "room-1", access.CanView|access.CanEdit|access.CanCollaborate)
	first := transport.NewChannel(srv.URL, token,
		transport.ChannelConfig{DialTimeout: 2 * time.Second}, newTestLogger())
	dropped := make(chan struct{})
	first.OnDisconnected(func(err error) { close(dropped) })
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := first.Join(ctx, "room-1"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	t.Cleanup(func() { first.Leave("room-1") })

	join(t, srv, "alice", "room-1", access.CanView|access.CanEdit|access.CanCollaborate)

	select {
	case <-dropped:
	case <-time.After(3 * time.Second):
		t.Fatal("oldest connection was not cycled out")
	}
}

func TestBlobEndpointsServeTheStoreClient(t *testing.T) {
	srv := newRelay(t, config.ConnectionLimitConfig{})
	blobs := store.NewClient(store.Config{BaseURL: srv.URL}, newTestLogger())
	ctx := context.Background()

	if _, err := blobs.Get(ctx, "room-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a fresh room, got %v", err)
	}

	payload := []byte("opaque-ciphertext")
	if err := blobs.Put(ctx, "room-1", payload); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := blobs.Get(ctx, "room-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}
