package session

import (
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/AstraDraw/astradraw-sub000/pkg/scene"
	"github.com/AstraDraw/astradraw-sub000/pkg/seal"
	"github.com/AstraDraw/astradraw-sub000/pkg/wire"
)

// localParticipantID keys the local participant in the participants map; the
// relay never assigns it (real connection IDs are UUIDs).
const localParticipantID = "local"

func (c *Controller) sealEnvelope(codec *seal.Codec, typ wire.MessageType, payload any) (wire.Envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return wire.Envelope{}, err
	}
	sealed, err := codec.Seal(plaintext)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.Envelope{Type: typ, Payload: sealed}, nil
}

// broadcastDirty drains accumulated local changes into one ELEMENTS_UPDATE.
func (c *Controller) broadcastDirty(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateActive || len(c.dirty) == 0 {
		c.mu.Unlock()
		return
	}
	elements := make([]scene.Element, 0, len(c.dirty))
	for _, el := range c.dirty {
		elements = append(elements, el)
	}
	c.dirty = make(map[string]scene.Element)
	codec := c.codec
	c.mu.Unlock()

	sort.Slice(elements, func(i, j int) bool { return elements[i].ID < elements[j].ID })
	c.sendElements(codec, wire.ElementsUpdate, elements)
}

// broadcastFullSync pushes the whole current scene; sent when a peer joins
// and after a reconnect, so nobody depends on messages lost in transit.
func (c *Controller) broadcastFullSync(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateActive || !c.gate.CanCollaborate() {
		c.mu.Unlock()
		return
	}
	capture := c.canvas.GetCurrentSnapshot().Clone()
	codec := c.codec
	c.mu.Unlock()

	c.sendElements(codec, wire.FullSync, capture.Elements)
}

func (c *Controller) sendElements(codec *seal.Codec, typ wire.MessageType, elements []scene.Element) {
	raw, err := json.Marshal(elements)
	if err != nil {
		c.logger.Error("encoding elements", slog.Any("error", err))
		return
	}
	env, err := c.sealEnvelope(codec, typ, wire.ElementsUpdatePayload{Elements: raw})
	if err != nil {
		c.logger.Error("sealing elements", slog.Any("error", err))
		return
	}
	if err := c.transport.SendReliable(env); err != nil {
		c.logger.Warn("element broadcast not delivered", slog.Any("error", err))
	}
}

func (c *Controller) broadcastPresence(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	codec := c.codec
	identity := c.identity
	c.mu.Unlock()

	env, err := c.sealEnvelope(codec, wire.ParticipantJoin, wire.ParticipantJoinPayload{
		UserID:    identity.UserID,
		Username:  identity.Username,
		AvatarURL: identity.AvatarURL,
	})
	if err != nil {
		c.logger.Error("sealing presence", slog.Any("error", err))
		return
	}
	if err := c.transport.SendReliable(env); err != nil {
		c.logger.Warn("presence broadcast not delivered", slog.Any("error", err))
	}
}

// sendLeave announces departure; best effort, teardown proceeds regardless.
func (c *Controller) sendLeave(codec *seal.Codec) {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()

	env, err := c.sealEnvelope(codec, wire.ParticipantLeave, wire.ParticipantJoinPayload{
		UserID:   identity.UserID,
		Username: identity.Username,
	})
	if err != nil {
		return
	}
	if err := c.transport.SendReliable(env); err != nil {
		c.logger.Debug("leave broadcast not delivered", slog.Any("error", err))
	}
}

// SendPointer schedules a volatile cursor update; within one throttle
// interval only the latest position survives.
func (c *Controller) SendPointer(p PointerState) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	gen := c.generation
	c.mu.Unlock()

	c.sched.Throttle(taskPointer, c.config.PointerThrottle, func() {
		c.mu.Lock()
		if gen != c.generation || c.state != StateActive {
			c.mu.Unlock()
			return
		}
		codec := c.codec
		identity := c.identity
		c.mu.Unlock()

		env, err := c.sealEnvelope(codec, wire.Pointer, wire.PointerPayload{
			X:        p.X,
			Y:        p.Y,
			Tool:     p.Tool,
			Button:   p.Button,
			UserID:   identity.UserID,
			Username: identity.Username,
		})
		if err != nil {
			return
		}
		c.transport.SendVolatile(env)
	})
}

// SetActivityState broadcasts active/idle/away transitions on the volatile
// path.
func (c *Controller) SetActivityState(state string) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	gen := c.generation
	if p, ok := c.participants[localParticipantID]; ok {
		p.ActivityState = state
	}
	c.mu.Unlock()

	c.sched.Throttle(taskIdle, c.config.PointerThrottle, func() {
		c.mu.Lock()
		if gen != c.generation || c.state != StateActive {
			c.mu.Unlock()
			return
		}
		codec := c.codec
		identity := c.identity
		c.mu.Unlock()

		env, err := c.sealEnvelope(codec, wire.IdleState, wire.IdleStatePayload{
			State:    state,
			UserID:   identity.UserID,
			Username: identity.Username,
		})
		if err != nil {
			return
		}
		c.transport.SendVolatile(env)
	})
}

// handleIncoming reconciles one inbound envelope. gen pins the session the
// transport subscription was made for: frames that arrive after a room
// switch or teardown are dropped, never applied to the wrong room.
func (c *Controller) handleIncoming(gen uint64, msg []byte) {
	env, err := wire.Unmarshal(msg)
	if err != nil {
		c.logger.Warn("dropping malformed frame", slog.Any("error", err))
		return
	}

	c.mu.Lock()
	if gen != c.generation || c.state == StateIdle || c.state == StateLeaving {
		c.mu.Unlock()
		return
	}
	codec := c.codec
	c.mu.Unlock()

	switch env.Type {
	case wire.ElementsUpdate, wire.FullSync:
		plaintext, err := codec.Open(env.Payload)
		if err != nil {
			c.logger.Warn("dropping undecryptable elements frame", slog.Any("error", err))
			return
		}
		var payload wire.ElementsUpdatePayload
		if err := json.Unmarshal(plaintext, &payload); err != nil {
			return
		}
		var incoming []scene.Element
		if err := json.Unmarshal(payload.Elements, &incoming); err != nil {
			return
		}
		c.reconcileRemote(gen, incoming)

	case wire.Pointer:
		plaintext, err := codec.Open(env.Payload)
		if err != nil {
			return
		}
		var payload wire.PointerPayload
		if err := json.Unmarshal(plaintext, &payload); err != nil {
			return
		}
		c.touchParticipant(gen, env.SenderConnectionID, func(p *Participant) {
			p.UserID = payload.UserID
			if payload.Username != "" {
				p.Username = payload.Username
			}
			p.Pointer = PointerState{X: payload.X, Y: payload.Y, Tool: payload.Tool, Button: payload.Button}
		})

	case wire.IdleState:
		plaintext, err := codec.Open(env.Payload)
		if err != nil {
			return
		}
		var payload wire.IdleStatePayload
		if err := json.Unmarshal(plaintext, &payload); err != nil {
			return
		}
		c.touchParticipant(gen, env.SenderConnectionID, func(p *Participant) {
			p.UserID = payload.UserID
			if payload.Username != "" {
				p.Username = payload.Username
			}
			p.ActivityState = payload.State
		})

	case wire.ParticipantJoin:
		plaintext, err := codec.Open(env.Payload)
		if err != nil {
			return
		}
		var payload wire.ParticipantJoinPayload
		if err := json.Unmarshal(plaintext, &payload); err != nil {
			return
		}
		c.touchParticipant(gen, env.SenderConnectionID, func(p *Participant) {
			p.UserID = payload.UserID
			p.Username = payload.Username
			p.AvatarURL = payload.AvatarURL
			p.ActivityState = "active"
		})
		// push the current scene so the newcomer converges without waiting
		// for the next store read
		c.broadcastFullSync(gen)

	case wire.ParticipantLeave:
		c.removeParticipant(gen, env.SenderConnectionID)

	default:
		c.logger.Debug("dropping frame of unknown type", slog.String("type", string(env.Type)))
	}
}

// reconcileRemote merges incoming elements under the version rule: only
// strictly newer versions replace local state.
func (c *Controller) reconcileRemote(gen uint64, incoming []scene.Element) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	local := c.canvas.GetCurrentSnapshot()
	merged, changed := scene.Reconcile(local.Elements, incoming)
	if !changed {
		return
	}
	snap := &scene.Snapshot{Elements: merged, Background: local.Background}
	c.canvas.ApplySnapshot(snap, c.state == StateJoining)
}

func (c *Controller) touchParticipant(gen uint64, connID string, update func(p *Participant)) {
	if connID == "" {
		return
	}
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	p, ok := c.participants[connID]
	if !ok {
		p = &Participant{ConnectionID: connID, ActivityState: "active"}
		c.participants[connID] = p
	}
	update(p)
	p.LastSeen = time.Now()
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) removeParticipant(gen uint64, connID string) {
	if connID == "" {
		return
	}
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	delete(c.participants, connID)
	c.mu.Unlock()
	c.publish()
}

// handleReconnected re-derives state after a socket-level reconnect: nothing
// in flight at disconnect time was replayed, so presence and the full scene
// are re-broadcast.
func (c *Controller) handleReconnected(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.transportLost = false
	c.mu.Unlock()

	c.broadcastPresence(gen)
	c.broadcastFullSync(gen)
	c.publish()
}

// handleDisconnected marks the session degraded once the channel's reconnect
// budget is exhausted. The local snapshot is untouched: the document stays
// editable and nothing captured is discarded.
func (c *Controller) handleDisconnected(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.transportLost = true
	c.mu.Unlock()

	c.logger.Warn("collaboration transport lost", slog.Any("error", err))
	c.publish()
}
