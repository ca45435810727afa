// Package session implements the collaborative session controller: the owner
// of the live room lifecycle, mediating between the canvas model, the
// transport channel and the durable room store. It enforces the save/switch/
// leave protocol: snapshots are captured synchronously at the moment of
// decision, pending work for an outgoing room is cancelled (and unsaved work
// flushed) before a new room is touched, and the transport can only close
// after the final save has resolved.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AstraDraw/astradraw-sub000/internal/access"
	"github.com/AstraDraw/astradraw-sub000/internal/scheduler"
	"github.com/AstraDraw/astradraw-sub000/pkg/scene"
	"github.com/AstraDraw/astradraw-sub000/pkg/seal"
	"github.com/AstraDraw/astradraw-sub000/pkg/store"
)

type Config struct {
	// PointerThrottle caps cursor broadcasts; only the latest position within
	// an interval is sent.
	PointerThrottle time.Duration
	// BroadcastBatch collapses element updates scheduled within the window
	// into one ELEMENTS_UPDATE.
	BroadcastBatch time.Duration
	// PersistDebounce is the quiet window before a full-state save.
	PersistDebounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.PointerThrottle <= 0 {
		c.PointerThrottle = 33 * time.Millisecond
	}
	if c.BroadcastBatch <= 0 {
		c.BroadcastBatch = 100 * time.Millisecond
	}
	if c.PersistDebounce <= 0 {
		c.PersistDebounce = 20 * time.Second
	}
	return c
}

// scheduler entry names; one per class of delayed work.
const (
	taskPointer   = "pointer"
	taskIdle      = "idle"
	taskBroadcast = "broadcast"
	taskPersist   = "persist"
)

// Controller owns at most one live Session at a time. All public methods are
// safe for concurrent use; Start is serialized behind any in-flight Stop so a
// second transport can never open while an old teardown (including its final
// flush) is still running.
type Controller struct {
	config    Config
	transport Transport
	store     BlobStore
	canvas    CanvasModel
	sched     *scheduler.Scheduler
	logger    *slog.Logger

	// lifeMu serializes whole Start/Stop sequences and is deliberately held
	// across their suspension points.
	lifeMu sync.Mutex

	// persistMu serializes snapshot writes. A debounced save that is already
	// past its staleness check must finish before the final flush on teardown
	// runs, or two last-writer-wins PUTs could land with the older one last.
	persistMu sync.Mutex

	mu            sync.Mutex
	state         ConnectionState
	generation    uint64 // bumped on every transition; stale callbacks check it
	roomID        string
	codec         *seal.Codec
	gate          access.Gate
	identity      Identity
	participants  map[string]*Participant
	dirty         map[string]scene.Element
	lastSaved     scene.Fingerprint
	transportLost bool
	unsavedOnExit bool

	updates chan Status
}

func NewController(transport Transport, blobs BlobStore, canvas CanvasModel, gate access.Gate, identity Identity, config Config, logger *slog.Logger) *Controller {
	return &Controller{
		config:       config.withDefaults(),
		transport:    transport,
		store:        blobs,
		canvas:       canvas,
		gate:         gate,
		identity:     identity,
		sched:        scheduler.New(logger),
		logger:       logger.With(slog.String("component", "session_controller")),
		participants: make(map[string]*Participant),
		dirty:        make(map[string]scene.Element),
		updates:      make(chan Status, 16),
	}
}

// Start joins a room and returns the snapshot that should now be rendered.
// A session already Active for another room is fully stopped first, final
// save included. Returns ErrAlreadyConnected when another transition holds
// the lifecycle.
func (c *Controller) Start(ctx context.Context, roomID string, key seal.Key, gate access.Gate, opts StartOptions) (*scene.Snapshot, error) {
	if !c.lifeMu.TryLock() {
		return nil, ErrAlreadyConnected
	}
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	active := c.state != StateIdle
	c.mu.Unlock()
	if active {
		// the outgoing room's save completes before the new connection opens
		c.stopLocked(ctx, false)
	}

	codec := seal.NewCodec(key)

	c.mu.Lock()
	c.state = StateJoining
	c.generation++
	gen := c.generation
	c.roomID = roomID
	c.codec = codec
	c.gate = gate
	c.dirty = make(map[string]scene.Element)
	c.participants = make(map[string]*Participant)
	c.transportLost = false
	c.unsavedOnExit = false
	c.lastSaved = scene.Fingerprint{}
	// captured before the first suspension point: the canvas may be reset
	// while the join is in flight
	local := c.canvas.GetCurrentSnapshot().Clone()
	c.canvas.SetInputEnabled(false)
	c.mu.Unlock()
	c.publish()

	c.transport.OnMessage(func(msg []byte) { c.handleIncoming(gen, msg) })
	c.transport.OnReconnected(func() { c.handleReconnected(gen) })
	c.transport.OnDisconnected(func(err error) { c.handleDisconnected(gen, err) })

	if err := c.transport.Join(ctx, roomID); err != nil {
		c.abortJoin(gen)
		return nil, fmt.Errorf("session: joining room %q: %w", roomID, err)
	}

	snap, storedFP := c.loadInitialState(ctx, roomID, codec, local, gate, opts)

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	c.state = StateLoaded
	c.lastSaved = storedFP
	c.canvas.ApplySnapshot(snap, true)
	c.mu.Unlock()
	c.publish()

	c.mu.Lock()
	c.state = StateActive
	c.participants[localParticipantID] = &Participant{
		ConnectionID:  localParticipantID,
		UserID:        c.identity.UserID,
		Username:      c.identity.Username,
		AvatarURL:     c.identity.AvatarURL,
		ActivityState: "active",
		LastSeen:      time.Now(),
		IsLocal:       true,
	}
	c.canvas.SetInputEnabled(gate.CanEdit())
	c.mu.Unlock()

	c.broadcastPresence(gen)
	c.publish()
	return snap, nil
}

func (c *Controller) abortJoin(gen uint64) {
	c.mu.Lock()
	if c.generation == gen {
		c.state = StateIdle
		c.roomID = ""
		c.codec = nil
		c.canvas.SetInputEnabled(true)
	}
	c.mu.Unlock()
	c.publish()
}

// loadInitialState resolves what the session should render after joining.
// Store problems degrade rather than fail: the document stays editable
// locally even when collaboration is unavailable. The returned fingerprint
// is what the durable store is believed to hold (zero when unknown).
func (c *Controller) loadInitialState(ctx context.Context, roomID string, codec *seal.Codec, local *scene.Snapshot, gate access.Gate, opts StartOptions) (*scene.Snapshot, scene.Fingerprint) {
	var loaded *scene.Snapshot
	var fresh bool

	blob, err := c.store.Get(ctx, roomID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fresh = true
	case err != nil:
		c.logger.Warn("could not load room snapshot, continuing with local scene",
			slog.String("roomID", roomID), slog.Any("error", err))
	default:
		plaintext, err := codec.Open(blob)
		if err != nil {
			c.logger.Warn("stored snapshot does not open with the session key",
				slog.String("roomID", roomID), slog.Any("error", err))
			break
		}
		loaded, err = scene.Unmarshal(plaintext)
		if err != nil {
			c.logger.Warn("stored snapshot is malformed",
				slog.String("roomID", roomID), slog.Any("error", err))
		}
	}

	if opts.PreserveLocalOnJoin {
		snap := local
		if loaded != nil {
			snap = scene.MergeSnapshot(local, loaded)
		}
		if gate.CanCollaborate() {
			// the preserved scene becomes the room's initial state so other
			// joiners converge on it
			if err := c.persistSnapshot(ctx, roomID, codec, snap); err != nil {
				c.logger.Warn("could not persist preserved scene as initial room state",
					slog.String("roomID", roomID), slog.Any("error", err))
				return snap, scene.Fingerprint{}
			}
			return snap, snap.Fingerprint()
		}
		return snap, scene.Fingerprint{}
	}

	if loaded == nil {
		// nothing usable in the store: the local scene stays, whether the
		// room is fresh or the store is unreachable
		if local == nil {
			local = &scene.Snapshot{}
		}
		if fresh && len(local.Elements) == 0 {
			// clean room, clean scene: nothing needs saving until the first
			// edit
			return local, local.Fingerprint()
		}
		return local, scene.Fingerprint{}
	}
	// a loaded snapshot merges under the same version rule as live updates;
	// it never blindly regresses a newer in-memory element
	return scene.MergeSnapshot(local, loaded), loaded.Fingerprint()
}

// Stop tears the session down. When discardLocal is false the current scene
// is captured synchronously and, if it differs from the last persisted
// state, flushed with a bounded retry budget before the transport closes.
// Stop never fails on transport or store errors; exhaustion of the final
// flush budget surfaces as UnsavedOnExit on the status stream.
func (c *Controller) Stop(ctx context.Context, discardLocal bool) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	c.stopLocked(ctx, discardLocal)
}

// stopLocked runs the Leaving protocol. Caller holds lifeMu.
func (c *Controller) stopLocked(ctx context.Context, discardLocal bool) {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	// capture happens synchronously, before any asynchronous work: the save
	// must reflect the exact state visible at the moment of leaving
	capture := c.canvas.GetCurrentSnapshot().Clone()
	roomID := c.roomID
	codec := c.codec
	lastSaved := c.lastSaved
	canPersist := c.gate.CanCollaborate()
	c.state = StateLeaving
	c.generation++ // every pending callback and inbound handler is now stale
	c.mu.Unlock()
	c.publish()

	// delayed work for the outgoing room must never fire later; unsaved data
	// is not dropped with it, it is flushed synchronously below
	c.sched.CancelAll()

	if !discardLocal && canPersist {
		if fp := capture.Fingerprint(); fp != lastSaved {
			// a debounced save already inside its PUT holds persistMu; the
			// final flush waits for it so the newest capture lands last
			c.persistMu.Lock()
			err := c.persistSnapshot(ctx, roomID, codec, capture)
			c.persistMu.Unlock()
			if err != nil {
				c.logger.Warn("final save failed, tearing down with unsaved changes",
					slog.String("roomID", roomID), slog.Any("error", err))
				c.mu.Lock()
				c.unsavedOnExit = true
				c.mu.Unlock()
			}
		}
	}

	c.sendLeave(codec)

	// closing the transport is sequenced strictly after the final save; this
	// ordering is what prevents the silent-loss race on teardown
	c.transport.Leave(roomID)

	c.mu.Lock()
	c.state = StateIdle
	c.roomID = ""
	c.codec = nil
	c.participants = make(map[string]*Participant)
	c.dirty = make(map[string]scene.Element)
	c.lastSaved = scene.Fingerprint{}
	c.transportLost = false
	c.mu.Unlock()
	c.publish()
}

// ApplyLocalEdit is called by the canvas model on every local mutation while
// Active. It only schedules work: broadcasts and saves happen later on the
// scheduler, never synchronously on the caller.
func (c *Controller) ApplyLocalEdit(changed []scene.Element) {
	c.mu.Lock()
	if c.state != StateActive || !c.gate.CanCollaborate() {
		// read-only participation renders remote edits but exports nothing
		c.mu.Unlock()
		return
	}
	for _, el := range changed {
		if cur, ok := c.dirty[el.ID]; !ok || el.Version >= cur.Version {
			c.dirty[el.ID] = el
		}
	}
	gen := c.generation
	c.mu.Unlock()

	c.sched.Throttle(taskBroadcast, c.config.BroadcastBatch, func() { c.broadcastDirty(gen) })
	c.sched.Debounce(taskPersist, c.config.PersistDebounce, func() { c.persistLive(gen) })
}

// persistLive is the debounced full-state save. The snapshot is captured
// synchronously when the callback fires, after re-checking that the session
// it was scheduled for is still the live one.
func (c *Controller) persistLive(gen uint64) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	if gen != c.generation || c.state != StateActive {
		c.mu.Unlock()
		return
	}
	capture := c.canvas.GetCurrentSnapshot().Clone()
	roomID := c.roomID
	codec := c.codec
	fp := capture.Fingerprint()
	if fp == c.lastSaved {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.persistSnapshot(context.Background(), roomID, codec, capture); err != nil {
		// the fingerprint still differs, so the next edit re-attempts
		c.logger.Warn("debounced save failed",
			slog.String("roomID", roomID), slog.Any("error", err))
		return
	}
	c.mu.Lock()
	if gen == c.generation {
		c.lastSaved = fp
	}
	c.mu.Unlock()
}

func (c *Controller) persistSnapshot(ctx context.Context, roomID string, codec *seal.Codec, snap *scene.Snapshot) error {
	plaintext, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("session: encoding snapshot: %w", err)
	}
	blob, err := codec.Seal(plaintext)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, roomID, blob)
}

// UpdateLocalIdentity re-injects the local identity, e.g. after a rename.
// Subsequent presence and pointer payloads carry the new value.
func (c *Controller) UpdateLocalIdentity(identity Identity) {
	c.mu.Lock()
	c.identity = identity
	if p, ok := c.participants[localParticipantID]; ok {
		p.UserID = identity.UserID
		p.Username = identity.Username
		p.AvatarURL = identity.AvatarURL
	}
	c.mu.Unlock()
	c.publish()
}

// SetIdentity must be called before Start; UpdateLocalIdentity covers later
// changes.
func (c *Controller) SetIdentity(identity Identity) {
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
}
