// Package transport provides room-scoped message delivery over WebSockets:
// Conn wraps one socket with read/write pumps, Channel is the client side
// with a reliable and a best-effort (volatile) send path.
package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// MessageHandler is invoked for every inbound frame.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

// OnCloseHandler is invoked exactly once when the connection terminates.
type OnCloseHandler func(connID uuid.UUID, err error)

type ConnConfig struct {
	// ReadTimeout bounds a single read. Zero means no read deadline, which is
	// what the client channel wants on a long-lived idle session.
	ReadTimeout time.Duration
}

// Conn is a single, thread-safe WebSocket connection with a buffered outbound
// queue. Both the relay server and the client channel are built on it.
type Conn struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

// outbound queue size; volatile sends are dropped once this fills up.
const sendBuffer = 256

func NewConn(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Conn {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)

	// Balanced by Close; every Conn must be Closed even if never Run.
	wg.Add(1)
	return &Conn{
		id:        id,
		conn:      conn,
		config:    config,
		send:      make(chan []byte, sendBuffer),
		onMessage: onMessage,
		onClose:   onClose,
		done:      make(chan struct{}),
		wg:        wg,
		ctx:       connCtx,
		cancel:    cancel,
		logger:    logger.With(slog.String("connID", id.String())),
	}
}

func (c *Conn) Run() {
	go c.readPump()
	go c.writePump()
}

// readPump pumps frames from the socket to the message handler.
func (c *Conn) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx := c.ctx
		var cancelRead context.CancelFunc
		if c.config.ReadTimeout > 0 {
			readCtx, cancelRead = context.WithTimeout(c.ctx, c.config.ReadTimeout)
		}
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			readErr = err
			if cancelRead != nil {
				cancelRead()
			}
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			if cancelRead != nil {
				cancelRead()
			}
			continue
		}
		msg, err := io.ReadAll(r)
		if cancelRead != nil {
			cancelRead()
		}
		if err != nil {
			readErr = err
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, msg)
		}
	}
}

// writePump pumps the outbound queue onto the socket.
func (c *Conn) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, msg); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "connection context cancelled")
			return
		}
	}
}

// Send queues a frame for delivery, blocking while the queue is full. It is
// safe for concurrent use. Returns false once the connection is closed.
func (c *Conn) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// TrySend queues a frame only if there is room, never blocking. This is the
// volatile path: under backpressure the frame is silently dropped.
func (c *Conn) TrySend(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.ctx.Done():
		return false
	default:
		return false
	}
}

// Close shuts the connection down exactly once and reports the cause to the
// close handler. Safe to call from any goroutine.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Debug("connection closing", slog.Any("reason", err))
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "")
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done is closed when the connection has fully terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) ID() uuid.UUID {
	return c.id
}

func (c *Conn) SetOnMessageHandler(handler MessageHandler) { c.onMessage = handler }
func (c *Conn) SetOnCloseHandler(handler OnCloseHandler)   { c.onClose = handler }
