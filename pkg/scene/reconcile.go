package scene

// Reconcile merges incoming elements into local state with newest-version-wins
// semantics. An incoming element replaces the local one only when its version
// is strictly greater; equal or older versions are dropped so slow duplicates
// can never regress the scene. Unknown incoming elements are appended in their
// arrival order, preserving the local ordering for everything already present.
// The returned flag reports whether anything changed.
func Reconcile(local []Element, incoming []Element) ([]Element, bool) {
	index := make(map[string]int, len(local))
	for i, el := range local {
		index[el.ID] = i
	}

	merged := make([]Element, len(local))
	copy(merged, local)

	changed := false
	for _, in := range incoming {
		i, known := index[in.ID]
		if !known {
			index[in.ID] = len(merged)
			merged = append(merged, in)
			changed = true
			continue
		}
		if in.Version > merged[i].Version {
			merged[i] = in
			changed = true
		}
	}
	return merged, changed
}

// MergeSnapshot applies Reconcile between a freshly loaded snapshot and any
// already-present local state. A persisted full snapshot never blindly
// overwrites a newer in-memory element version; document-level state follows
// the loaded snapshot.
func MergeSnapshot(local, loaded *Snapshot) *Snapshot {
	if local == nil || len(local.Elements) == 0 {
		return loaded.Clone()
	}
	merged, _ := Reconcile(local.Elements, loaded.Elements)
	out := &Snapshot{Elements: merged, Background: loaded.Background}
	if out.Background == "" {
		out.Background = local.Background
	}
	return out
}
