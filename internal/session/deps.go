package session

import (
	"context"

	"github.com/AstraDraw/astradraw-sub000/pkg/scene"
	"github.com/AstraDraw/astradraw-sub000/pkg/wire"
)

// CanvasModel is the boundary to the drawing canvas. GetCurrentSnapshot is
// synchronous by contract: captures taken through it reflect the exact state
// at the call, never a lazily re-read one.
type CanvasModel interface {
	GetCurrentSnapshot() *scene.Snapshot
	ApplySnapshot(snap *scene.Snapshot, disableInput bool)
	SetInputEnabled(enabled bool)
}

// Transport is the room-scoped message channel. Implemented by
// transport.Channel; tests substitute an in-memory fake.
type Transport interface {
	Join(ctx context.Context, roomID string) error
	Leave(roomID string)
	IsOpen() bool
	SendReliable(env wire.Envelope) error
	SendVolatile(env wire.Envelope)
	OnMessage(fn func(msg []byte))
	OnDisconnected(fn func(err error))
	OnReconnected(fn func())
}

// BlobStore is the durable room store boundary. Implemented by store.Client.
type BlobStore interface {
	Get(ctx context.Context, roomID string) ([]byte, error)
	Put(ctx context.Context, roomID string, blob []byte) error
}
