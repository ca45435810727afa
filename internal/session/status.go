package session

import "sort"

// Status returns the current read-only view of the session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Updates is the stream the UI subscribes to. When the subscriber lags,
// intermediate snapshots are dropped; Status always has the latest.
func (c *Controller) Updates() <-chan Status {
	return c.updates
}

func (c *Controller) statusLocked() Status {
	participants := make([]Participant, 0, len(c.participants))
	for _, p := range c.participants {
		participants = append(participants, *p)
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].ConnectionID < participants[j].ConnectionID
	})
	return Status{
		State:         c.state,
		Participants:  participants,
		TransportLost: c.transportLost,
		UnsavedOnExit: c.unsavedOnExit,
	}
}

func (c *Controller) publish() {
	c.mu.Lock()
	status := c.statusLocked()
	c.mu.Unlock()

	select {
	case c.updates <- status:
	default:
		// drop the oldest so the latest always fits
		select {
		case <-c.updates:
		default:
		}
		select {
		case c.updates <- status:
		default:
		}
	}
}
