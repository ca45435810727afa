package scheduler_test

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AstraDraw/astradraw-sub000/internal/scheduler"
	"github.com/AstraDraw/astradraw-sub000/pkg/logging"
)

func newTestLogger() *slog.Logger { return logging.Discard() }

func TestThrottleLeadingEdgeRunsImmediately(t *testing.T) {
	s := scheduler.New(newTestLogger())
	var runs atomic.Int64

	s.Throttle("pointer", 50*time.Millisecond, func() { runs.Add(1) })
	if runs.Load() != 1 {
		t.Fatalf("expected leading edge to run immediately, runs=%d", runs.Load())
	}
}

func TestThrottleLatestValueWins(t *testing.T) {
	s := scheduler.New(newTestLogger())
	var last atomic.Int64

	// First call runs immediately; the burst that follows must collapse into
	// one trailing run carrying the final value.
	for i := 1; i <= 5; i++ {
		v := int64(i)
		s.Throttle("pointer", 30*time.Millisecond, func() { last.Store(v) })
	}
	if last.Load() != 1 {
		t.Fatalf("expected only the leading call to have run, last=%d", last.Load())
	}

	time.Sleep(60 * time.Millisecond)
	if last.Load() != 5 {
		t.Errorf("trailing run must carry the latest value, got %d", last.Load())
	}
	if s.Pending("pointer") {
		t.Error("no callback should remain pending after the trailing run")
	}
}

func TestDebounceCollapsesBurst(t *testing.T) {
	s := scheduler.New(newTestLogger())
	var runs atomic.Int64

	for i := 0; i < 10; i++ {
		s.Debounce("persist", 40*time.Millisecond, func() { runs.Add(1) })
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() != 0 {
		t.Fatalf("debounced callback ran inside the window, runs=%d", runs.Load())
	}

	time.Sleep(80 * time.Millisecond)
	if runs.Load() != 1 {
		t.Errorf("expected exactly one run after the window, got %d", runs.Load())
	}
}

func TestCancelPreventsDelivery(t *testing.T) {
	s := scheduler.New(newTestLogger())
	var runs atomic.Int64

	s.Debounce("persist", 20*time.Millisecond, func() { runs.Add(1) })
	if !s.Cancel("persist") {
		t.Fatal("Cancel must report that a callback was pending")
	}
	time.Sleep(40 * time.Millisecond)
	if runs.Load() != 0 {
		t.Errorf("cancelled callback still ran %d times", runs.Load())
	}
	if s.Cancel("persist") {
		t.Error("second Cancel must report nothing pending")
	}
}

func TestFlushRunsSynchronously(t *testing.T) {
	s := scheduler.New(newTestLogger())
	var runs atomic.Int64

	s.Debounce("persist", time.Hour, func() { runs.Add(1) })
	if !s.Flush("persist") {
		t.Fatal("Flush must report that it ran the pending callback")
	}
	if runs.Load() != 1 {
		t.Fatalf("Flush must run the callback before returning, runs=%d", runs.Load())
	}
	if s.Flush("persist") {
		t.Error("second Flush must be a no-op")
	}
}

func TestFlushWithNothingPending(t *testing.T) {
	s := scheduler.New(newTestLogger())
	if s.Flush("never-scheduled") {
		t.Error("Flush of an unknown name must report false")
	}
}

func TestCancelAll(t *testing.T) {
	s := scheduler.New(newTestLogger())
	var runs atomic.Int64

	s.Debounce("a", 20*time.Millisecond, func() { runs.Add(1) })
	s.Debounce("b", 20*time.Millisecond, func() { runs.Add(1) })
	s.CancelAll()

	time.Sleep(40 * time.Millisecond)
	if runs.Load() != 0 {
		t.Errorf("CancelAll left callbacks running, runs=%d", runs.Load())
	}
}

func TestFlushAllRunsEverythingPending(t *testing.T) {
	s := scheduler.New(newTestLogger())
	var runs atomic.Int64

	s.Debounce("a", time.Hour, func() { runs.Add(1) })
	s.Debounce("b", time.Hour, func() { runs.Add(1) })
	s.FlushAll()

	if runs.Load() != 2 {
		t.Fatalf("FlushAll must run every pending callback, runs=%d", runs.Load())
	}
	if s.Pending("a") || s.Pending("b") {
		t.Error("nothing should remain pending after FlushAll")
	}
}

func TestConcurrentScheduling(t *testing.T) {
	s := scheduler.New(newTestLogger())
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Throttle("pointer", time.Millisecond, func() {})
			s.Debounce("persist", time.Millisecond, func() {})
		}()
	}
	wg.Wait()
	s.CancelAll()
}
