// Package relay implements the room relay: it authenticates grant tokens,
// fans envelopes out to room peers and serves the durable room store
// endpoints. Payloads stay sealed end to end; the relay only reads the
// envelope frame, never the scene.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/AstraDraw/astradraw-sub000/internal/relay/middleware"
	"github.com/AstraDraw/astradraw-sub000/pkg/config"
	"github.com/AstraDraw/astradraw-sub000/pkg/transport"
	"github.com/AstraDraw/astradraw-sub000/pkg/wire"
)

type App struct {
	logger   *slog.Logger
	registry *registry
	blobs    *blobStore
	wg       sync.WaitGroup
	http     *http.Server
	config   *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	app := &App{
		logger:   logger,
		registry: newRegistry(logger),
		blobs:    newBlobStore(logger),
		config:   cfg,
		ctx:      rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	connCycler := func(userID string) {
		oldest, found := app.registry.oldestUserConnection(userID)
		if found {
			logger.Info("Cycling connection: closing oldest",
				slog.String("userID", userID), slog.String("connID", oldest.ID.String()))
			oldest.Conn.Close(errors.New("connection cycled by new connection"))
		}
	}

	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, cfg.Relay.Auth.JWTSecret),
			middleware.NewConnectionLimiter(
				logger,
				app.registry.userConnectionCount,
				connCycler,
				cfg.Relay.ConnectionLimit,
			),
		),
	)
	mux.HandleFunc("GET /rooms/{roomID}", app.blobs.handleGet)
	mux.HandleFunc("PUT /rooms/{roomID}", app.blobs.handlePut)

	app.http = &http.Server{Addr: cfg.Relay.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Handler exposes the full mux; used by the dev command and by tests running
// the relay behind httptest.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Relay starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.RoomID == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.Gate.UserID),
		slog.String("roomID", reqMeta.RoomID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConn(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnConfig{ReadTimeout: a.config.Relay.ReadTimeout},
		nil,
		nil,
		a.logger,
	)
	cl := &client{
		ID:       conn.ID(),
		UserID:   reqMeta.Gate.UserID,
		RoomID:   reqMeta.RoomID,
		IP:       reqMeta.IP,
		Gate:     reqMeta.Gate,
		Conn:     conn,
		JoinedAt: time.Now(),
	}
	if err := a.registry.add(cl); err != nil {
		connLogger.Error("Failed to register client", slog.Any("error", err))
		conn.Close(err)
		return
	}
	conn.SetOnMessageHandler(a.routeMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering client due to closure", slog.String("connID", id.String()))
		a.handleDeparture(id)
	})

	connLogger.Info("Client connection fully established")
	conn.Run()
	<-conn.Done()
}

// routeMessage fans one inbound frame out to the sender's room. The relay
// stamps the sender connection ID so receivers never trust a client-claimed
// one, and peeks only at the envelope frame; payload ciphertext passes
// through untouched.
func (a *App) routeMessage(_ context.Context, connID uuid.UUID, msg []byte) {
	cl, ok := a.registry.find(connID)
	if !ok {
		return
	}

	typ := wire.MessageType(gjson.GetBytes(msg, "type").String())
	switch typ {
	case wire.ElementsUpdate, wire.FullSync:
		// scene mutations require the collaborate capability even though the
		// relay cannot read them
		if !cl.Gate.CanCollaborate() {
			a.logger.Warn("Dropping scene update from non-collaborator",
				slog.String("connID", connID.String()), slog.String("userID", cl.UserID))
			return
		}
	case wire.Pointer, wire.IdleState, wire.ParticipantJoin, wire.ParticipantLeave:
	default:
		a.logger.Debug("Dropping frame of unknown type",
			slog.String("connID", connID.String()), slog.String("type", string(typ)))
		return
	}

	env, err := wire.Unmarshal(msg)
	if err != nil {
		a.logger.Warn("Dropping malformed frame", slog.Any("error", err))
		return
	}
	env.SenderConnectionID = connID.String()
	stamped, err := env.Marshal()
	if err != nil {
		return
	}

	for _, peer := range a.registry.peers(cl.RoomID, connID) {
		if typ.Volatile() {
			peer.Conn.TrySend(stamped)
			continue
		}
		if !peer.Conn.Send(stamped) {
			a.logger.Debug("Peer queue closed during fan-out",
				slog.String("connID", peer.ID.String()))
		}
	}
}

// handleDeparture removes the client and tells the room; the departed socket
// can no longer announce itself.
func (a *App) handleDeparture(connID uuid.UUID) {
	cl := a.registry.remove(connID)
	if cl == nil {
		return
	}
	leave, err := wire.Envelope{
		Type:               wire.ParticipantLeave,
		SenderConnectionID: connID.String(),
	}.Marshal()
	if err != nil {
		return
	}
	for _, peer := range a.registry.peers(cl.RoomID, connID) {
		peer.Conn.Send(leave)
	}
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down relay...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("Closing all active connections...")
	for _, cl := range a.registry.all() {
		cl.Conn.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Relay shut down gracefully.")
	return nil
}
