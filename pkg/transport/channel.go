package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/AstraDraw/astradraw-sub000/pkg/wire"
)

var ErrChannelClosed = errors.New("transport: channel is not joined to a room")

type ChannelConfig struct {
	// DialTimeout bounds one dial attempt.
	DialTimeout time.Duration
	// ReconnectAttempts bounds automatic socket-level reconnects after an
	// unexpected disconnect. Application messages in flight at disconnect
	// time are not replayed; the session re-derives and re-broadcasts state.
	ReconnectAttempts int
	// ReconnectBackoff is the base delay between reconnect attempts; attempt
	// n waits n times this value.
	ReconnectBackoff time.Duration
	ReadTimeout      time.Duration
}

// Channel is the client side of the room transport. It owns at most one
// socket at a time, joined to at most one room.
type Channel struct {
	baseURL string
	token   string
	config  ChannelConfig
	logger  *slog.Logger

	onMessage      func(msg []byte)
	onDisconnected func(err error)
	onReconnected  func()

	mu     sync.Mutex
	conn   *Conn
	roomID string
	wg     sync.WaitGroup
	closed bool
}

// NewChannel builds a channel against a relay base URL (http:// or ws://
// scheme, no path). The token authenticates the dial; it carries no room key.
func NewChannel(baseURL, token string, config ChannelConfig, logger *slog.Logger) *Channel {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	return &Channel{
		baseURL: baseURL,
		token:   token,
		config:  config,
		logger:  logger.With(slog.String("component", "transport_channel")),
	}
}

// OnMessage registers the inbound frame handler. Must be set before Join.
func (c *Channel) OnMessage(fn func(msg []byte)) { c.onMessage = fn }

// OnDisconnected fires after automatic reconnection is exhausted or the
// socket fails while no reconnect budget remains.
func (c *Channel) OnDisconnected(fn func(err error)) { c.onDisconnected = fn }

// OnReconnected fires after a socket-level reconnect to the same room
// succeeded. The session must re-broadcast current state: nothing queued on
// the old socket is replayed.
func (c *Channel) OnReconnected(fn func()) { c.onReconnected = fn }

// Join opens the socket for a room. Only one room may be joined at a time.
func (c *Channel) Join(ctx context.Context, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return fmt.Errorf("transport: already joined to room %q", c.roomID)
	}
	conn, err := c.dial(ctx, roomID)
	if err != nil {
		return err
	}
	c.roomID = roomID
	c.closed = false
	c.conn = conn
	c.attach(conn)
	c.logger.Info("joined room", slog.String("roomID", roomID))
	return nil
}

// Leave closes the socket deliberately; no reconnect is attempted.
func (c *Channel) Leave(roomID string) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	c.roomID = ""
	c.mu.Unlock()

	if conn != nil {
		conn.Close(nil)
		<-conn.Done()
		c.logger.Info("left room", slog.String("roomID", roomID))
	}
}

func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SendReliable queues an envelope for in-order delivery to the room.
func (c *Channel) SendReliable(env wire.Envelope) error {
	msg, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("transport: marshaling envelope: %w", err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !conn.Send(msg) {
		return ErrChannelClosed
	}
	return nil
}

// SendVolatile queues an envelope on the best-effort path. Under load or when
// the channel is down the envelope is dropped without error: the next value
// supersedes it anyway.
func (c *Channel) SendVolatile(env wire.Envelope) {
	msg, err := env.Marshal()
	if err != nil {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.TrySend(msg)
	}
}

func (c *Channel) dial(ctx context.Context, roomID string) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parsing relay URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("room_id", roomID)
	if c.token != "" {
		q.Set("token", c.token)
	}
	u.RawQuery = q.Encode()

	wsConn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing relay: %w", err)
	}
	return NewConn(context.Background(), &c.wg, wsConn, ConnConfig{ReadTimeout: c.config.ReadTimeout}, nil, nil, c.logger), nil
}

func (c *Channel) attach(conn *Conn) {
	conn.SetOnMessageHandler(func(_ context.Context, _ uuid.UUID, msg []byte) {
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	})
	conn.SetOnCloseHandler(func(_ uuid.UUID, err error) {
		c.handleClose(conn, err)
	})
	conn.Run()
}

// handleClose runs the bounded socket-level reconnect loop. A deliberate
// Leave marks the channel closed first, so no reconnect happens then.
func (c *Channel) handleClose(closed *Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	roomID := c.roomID
	c.mu.Unlock()

	c.logger.Warn("socket lost, attempting reconnect",
		slog.String("roomID", roomID), slog.Any("error", cause))

	for attempt := 1; attempt <= c.config.ReconnectAttempts; attempt++ {
		time.Sleep(time.Duration(attempt) * c.config.ReconnectBackoff)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, err := c.dial(context.Background(), roomID)
		if err != nil {
			c.logger.Warn("reconnect attempt failed",
				slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close(nil)
			return
		}
		c.attach(conn)
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("reconnected", slog.String("roomID", roomID), slog.Int("attempt", attempt))
		if c.onReconnected != nil {
			c.onReconnected()
		}
		return
	}

	c.logger.Error("reconnect budget exhausted", slog.String("roomID", roomID))
	if c.onDisconnected != nil {
		c.onDisconnected(cause)
	}
}
