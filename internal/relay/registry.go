package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AstraDraw/astradraw-sub000/internal/access"
	"github.com/AstraDraw/astradraw-sub000/pkg/transport"
)

// client is one live socket in one room. The relay never holds scene state;
// clients are only fan-out targets.
type client struct {
	ID       uuid.UUID
	UserID   string
	RoomID   string
	IP       string
	Gate     access.Gate
	Conn     *transport.Conn
	JoinedAt time.Time
}

// registry tracks live clients and room membership in memory. Rooms exist
// exactly as long as they have members.
type registry struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*client
	rooms   map[string]map[uuid.UUID]*client

	logger *slog.Logger
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		clients: make(map[uuid.UUID]*client),
		rooms:   make(map[string]map[uuid.UUID]*client),
		logger:  logger.With(slog.String("component", "relay_registry")),
	}
}

func (r *registry) add(cl *client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[cl.ID]; exists {
		return errors.New("connection is already registered")
	}
	r.clients[cl.ID] = cl

	room, ok := r.rooms[cl.RoomID]
	if !ok {
		room = make(map[uuid.UUID]*client)
		r.rooms[cl.RoomID] = room
		r.logger.Debug("Room created", slog.String("roomID", cl.RoomID))
	}
	room[cl.ID] = cl

	r.logger.Debug("Client registered",
		slog.String("connID", cl.ID.String()),
		slog.String("userID", cl.UserID),
		slog.String("roomID", cl.RoomID))
	return nil
}

// remove drops a client and reaps its room when empty. Returns the removed
// client, or nil when it was already gone.
func (r *registry) remove(connID uuid.UUID) *client {
	r.mu.Lock()
	defer r.mu.Unlock()

	cl, ok := r.clients[connID]
	if !ok {
		return nil
	}
	delete(r.clients, connID)

	if room, ok := r.rooms[cl.RoomID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, cl.RoomID)
			r.logger.Debug("Removed empty room", slog.String("roomID", cl.RoomID))
		}
	}

	r.logger.Debug("Client deregistered", slog.String("connID", connID.String()))
	return cl
}

func (r *registry) find(connID uuid.UUID) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cl, ok := r.clients[connID]
	return cl, ok
}

// peers returns every client in the room except the excluded one.
func (r *registry) peers(roomID string, exclude uuid.UUID) []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]*client, 0, len(room))
	for id, cl := range room {
		if id == exclude {
			continue
		}
		out = append(out, cl)
	}
	return out
}

func (r *registry) userConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, cl := range r.clients {
		if cl.UserID == userID {
			count++
		}
	}
	return count
}

func (r *registry) oldestUserConnection(userID string) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *client
	for _, cl := range r.clients {
		if cl.UserID != userID {
			continue
		}
		if oldest == nil || cl.JoinedAt.Before(oldest.JoinedAt) {
			oldest = cl
		}
	}
	return oldest, oldest != nil
}

func (r *registry) all() []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*client, 0, len(r.clients))
	for _, cl := range r.clients {
		out = append(out, cl)
	}
	return out
}
