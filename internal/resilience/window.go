package resilience

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultMaxPending is the pending limit used when none is configured.
const DefaultMaxPending = 1000

// resumeRatio is the fraction of max below which a paused window resumes.
const resumeRatio = 0.8

// Window counts deliveries handed to a consumer but not yet settled. It
// pauses when the count reaches max and resumes only once the count drops
// below 80% of max, so a consumer near its limit does not flap.
type Window struct {
	max     int64
	pending atomic.Int64

	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
}

// NewWindow creates a Window pausing at max pending deliveries.
// A non-positive max selects DefaultMaxPending.
func NewWindow(max int) *Window {
	if max <= 0 {
		max = DefaultMaxPending
	}
	return &Window{max: int64(max)}
}

// Acquire records one more pending delivery.
func (w *Window) Acquire() {
	n := w.pending.Add(1)
	if n < w.max {
		return
	}
	w.mu.Lock()
	if !w.paused && w.pending.Load() >= w.max {
		w.paused = true
		w.resumed = make(chan struct{})
	}
	w.mu.Unlock()
}

// Release records that a delivery was acked or nacked.
func (w *Window) Release() {
	n := w.pending.Add(-1)
	if n < 0 {
		w.pending.Store(0)
		n = 0
	}
	if float64(n) >= resumeRatio*float64(w.max) {
		return
	}
	w.mu.Lock()
	if w.paused && float64(w.pending.Load()) < resumeRatio*float64(w.max) {
		w.paused = false
		close(w.resumed)
	}
	w.mu.Unlock()
}

// Wait blocks while the window is paused.
func (w *Window) Wait(ctx context.Context) error {
	w.mu.Lock()
	if !w.paused {
		w.mu.Unlock()
		return nil
	}
	ch := w.resumed
	w.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of unsettled deliveries.
func (w *Window) Pending() int { return int(w.pending.Load()) }

// Paused reports whether polling is currently suspended.
func (w *Window) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// Available returns how many more deliveries fit before the window pauses.
func (w *Window) Available() int {
	n := w.max - w.pending.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// Max returns the pause threshold.
func (w *Window) Max() int { return int(w.max) }
