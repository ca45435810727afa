// Package scene holds the drawable scene model shared by the session
// controller, the scheduler and the durable store: a full ordered snapshot of
// elements with per-element versions and soft deletion.
package scene

import "encoding/json"

// Element is one drawable item. Version increases monotonically on every
// mutation; deleted elements are tombstoned rather than removed so a late
// stale update can still be detected and discarded by version comparison.
type Element struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Version int64           `json:"version"`
	Deleted bool            `json:"isDeleted,omitempty"`
	X       float64         `json:"x"`
	Y       float64         `json:"y"`
	Width   float64         `json:"width,omitempty"`
	Height  float64         `json:"height,omitempty"`
	Updated int64           `json:"updated,omitempty"` // unix millis of last local mutation
	Attrs   json.RawMessage `json:"attrs,omitempty"`   // style and tool-specific fields, passed through opaquely
}

// Snapshot is the complete, order-significant scene state at one instant.
type Snapshot struct {
	Elements   []Element `json:"elements"`
	Background string    `json:"background,omitempty"`
}

// Clone returns a deep enough copy that callers can hold a capture across
// asynchronous work while the live scene keeps mutating.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{Background: s.Background}
	if s.Elements != nil {
		out.Elements = make([]Element, len(s.Elements))
		copy(out.Elements, s.Elements)
	}
	return out
}

// Visible returns the non-deleted elements in order.
func (s *Snapshot) Visible() []Element {
	visible := make([]Element, 0, len(s.Elements))
	for _, el := range s.Elements {
		if !el.Deleted {
			visible = append(visible, el)
		}
	}
	return visible
}

func (s *Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
