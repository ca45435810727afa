// Package scheduler centralizes every delayed operation the session performs:
// throttled volatile updates and debounced persistence. All entries share one
// cancel-and-flush contract so a room switch can never let a stale callback
// fire into the wrong room, and can never silently discard unsaved work.
package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

type entry struct {
	timer   *time.Timer
	fn      func()
	pending bool
	lastRun time.Time
}

// Scheduler owns named entries. A name identifies one class of work
// ("pointer", "persist", ...); scheduling under an existing name replaces the
// pending callback, it never queues a second one.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		entries: make(map[string]*entry),
		logger:  logger.With(slog.String("component", "scheduler")),
	}
}

// Throttle runs fn at most once per interval. The first call in an idle
// interval runs immediately; later calls within the interval replace the
// trailing callback, so only the latest value is ever delivered.
func (s *Scheduler) Throttle(name string, interval time.Duration, fn func()) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		e = &entry{}
		s.entries[name] = e
	}

	now := time.Now()
	if !e.pending && now.Sub(e.lastRun) >= interval {
		e.lastRun = now
		s.mu.Unlock()
		fn()
		return
	}

	e.fn = fn
	if !e.pending {
		e.pending = true
		wait := interval - now.Sub(e.lastRun)
		if wait < 0 {
			wait = 0
		}
		e.timer = time.AfterFunc(wait, func() { s.fire(name) })
	}
	s.mu.Unlock()
}

// Debounce runs fn once the window has elapsed without another Debounce call
// for the same name. Repeated edits collapse into a single trailing run.
func (s *Scheduler) Debounce(name string, window time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		e = &entry{}
		s.entries[name] = e
	}
	e.fn = fn
	if e.pending && e.timer != nil {
		e.timer.Stop()
	}
	e.pending = true
	e.timer = time.AfterFunc(window, func() { s.fire(name) })
}

func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok || !e.pending {
		s.mu.Unlock()
		return
	}
	fn := e.fn
	e.fn = nil
	e.pending = false
	e.lastRun = time.Now()
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Cancel drops the pending callback for name, if any, and reports whether one
// was pending. Callers holding unsaved state must use Flush instead: Cancel
// only prevents delayed, now-stale delivery.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(name)
}

func (s *Scheduler) cancelLocked(name string) bool {
	e, ok := s.entries[name]
	if !ok || !e.pending {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.fn = nil
	e.pending = false
	return true
}

// Flush cancels the pending callback for name and, if one was pending, runs
// it synchronously before returning. Reports whether anything ran.
func (s *Scheduler) Flush(name string) bool {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok || !e.pending {
		s.mu.Unlock()
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	fn := e.fn
	e.fn = nil
	e.pending = false
	e.lastRun = time.Now()
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// Pending reports whether a callback is scheduled under name.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	return ok && e.pending
}

// FlushAll runs every pending callback synchronously, in no particular order.
func (s *Scheduler) FlushAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.entries))
	for name, e := range s.entries {
		if e.pending {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	for _, name := range names {
		s.Flush(name)
	}
}

// CancelAll drops every pending callback. Used on teardown after unsaved
// state has already been flushed explicitly.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.entries {
		s.cancelLocked(name)
	}
}
