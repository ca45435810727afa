package session

import (
	"errors"
	"time"
)

// ErrAlreadyConnected is returned by Start when a lifecycle transition is
// already in progress; the caller should wait for it rather than race it.
var ErrAlreadyConnected = errors.New("session: a session transition is already in progress")

// ConnectionState is the session lifecycle state machine.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateJoining
	StateLoaded
	StateActive
	StateLeaving
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateLoaded:
		return "loaded"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// Identity is the local user as carried inside message payloads. Connection
// IDs are ephemeral; anything needing stable identity keys on UserID.
type Identity struct {
	UserID    string
	Username  string
	AvatarURL string
}

// PointerState is a participant's last known cursor.
type PointerState struct {
	X      float64
	Y      float64
	Tool   string
	Button string
}

// Participant is a peer currently in the room, keyed by its ephemeral
// transport connection ID.
type Participant struct {
	ConnectionID  string
	UserID        string
	Username      string
	AvatarURL     string
	Pointer       PointerState
	ActivityState string // "active", "idle" or "away"
	LastSeen      time.Time
	IsLocal       bool
}

// StartOptions controls how the initial scene state is obtained on join.
type StartOptions struct {
	// PreserveLocalOnJoin keeps the currently-displayed snapshot instead of
	// replacing it with the stored one, and persists it as the room's initial
	// state so other joiners converge on it. Set on explicit share actions.
	PreserveLocalOnJoin bool
}

// Status is the read-only view the UI subscribes to. It carries no mutation
// path into session internals.
type Status struct {
	State         ConnectionState
	Participants  []Participant
	TransportLost bool
	// UnsavedOnExit is set when the final flush on Stop exhausted its retry
	// budget; the session tore down anyway rather than hang.
	UnsavedOnExit bool
}
