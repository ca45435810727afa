// Package wire defines the transport envelope and message payloads exchanged
// between collaborators in a room. Envelope payloads are opaque sealed bytes;
// only the sender and receivers holding the room key can open them.
package wire

import "encoding/json"

type MessageType string

const (
	ElementsUpdate   MessageType = "ELEMENTS_UPDATE"
	FullSync         MessageType = "FULL_SYNC"
	Pointer          MessageType = "POINTER"
	IdleState        MessageType = "IDLE_STATE"
	ParticipantJoin  MessageType = "PARTICIPANT_JOIN"
	ParticipantLeave MessageType = "PARTICIPANT_LEAVE"
)

// Volatile reports whether the type rides the best-effort sub-channel, where
// only the latest value matters and drops are acceptable.
func (t MessageType) Volatile() bool {
	return t == Pointer || t == IdleState
}

// Envelope is the room-scoped frame. Payload is ciphertext; the relay stamps
// SenderConnectionID so receivers never trust a client-claimed sender.
type Envelope struct {
	Type               MessageType `json:"type"`
	Payload            []byte      `json:"payload,omitempty"`
	SenderConnectionID string      `json:"senderConnectionId,omitempty"`
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}

// ElementsUpdatePayload carries changed elements for ELEMENTS_UPDATE and the
// whole scene for FULL_SYNC. Elements are encoded by pkg/scene.
type ElementsUpdatePayload struct {
	Elements json.RawMessage `json:"elements"`
}

// PointerPayload is volatile cursor state. UserID is the stable identity;
// connection IDs change across reconnects.
type PointerPayload struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Tool     string  `json:"tool,omitempty"`
	Button   string  `json:"button,omitempty"`
	UserID   string  `json:"userId"`
	Username string  `json:"username,omitempty"`
}

type IdleStatePayload struct {
	State    string `json:"state"` // "active", "idle" or "away"
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

type ParticipantJoinPayload struct {
	UserID    string `json:"userId"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}
