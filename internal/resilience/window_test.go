package resilience

import (
	"context"
	"testing"
	"time"
)

func TestWindowPausesAtMax(t *testing.T) {
	w := NewWindow(10)
	for range 9 {
		w.Acquire()
	}
	if w.Paused() {
		t.Fatal("paused before reaching max")
	}
	w.Acquire()
	if !w.Paused() {
		t.Fatal("not paused at max")
	}
	if w.Available() != 0 {
		t.Errorf("available = %d, want 0", w.Available())
	}
}

func TestWindowResumesBelowEightyPercent(t *testing.T) {
	w := NewWindow(10)
	for range 10 {
		w.Acquire()
	}

	// 10 -> 8: 8 is not below 0.8*10
	w.Release()
	w.Release()
	if !w.Paused() {
		t.Fatalf("resumed at pending=%d, want still paused", w.Pending())
	}

	w.Release()
	if w.Paused() {
		t.Fatalf("still paused at pending=%d", w.Pending())
	}
}

func TestWindowWaitUnblocksOnResume(t *testing.T) {
	w := NewWindow(2)
	w.Acquire()
	w.Acquire()

	done := make(chan error, 1)
	go func() { done <- w.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Wait returned while paused")
	case <-time.After(20 * time.Millisecond):
	}

	w.Release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after resume")
	}
}

func TestWindowWaitHonoursContext(t *testing.T) {
	w := NewWindow(1)
	w.Acquire()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := w.Wait(ctx); err == nil {
		t.Error("expected context error")
	}
}

func TestWindowMaxOneResumes(t *testing.T) {
	w := NewWindow(1)
	w.Acquire()
	if !w.Paused() {
		t.Fatal("expected pause")
	}
	w.Release()
	if w.Paused() {
		t.Error("window of one must resume at zero pending")
	}
}

func TestWindowDefault(t *testing.T) {
	if NewWindow(0).Max() != DefaultMaxPending {
		t.Errorf("default max = %d", NewWindow(0).Max())
	}
}
