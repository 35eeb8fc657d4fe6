package workpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolLimitsConcurrency(t *testing.T) {
	const limit = 3
	const tasks = 10
	pool := New(limit)

	var running, maxSeen atomic.Int32
	ctx := context.Background()

	for range tasks {
		err := pool.Go(ctx, func() {
			cur := running.Add(1)
			for {
				old := maxSeen.Load()
				if cur <= old || maxSeen.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
		})
		if err != nil {
			t.Fatalf("Go: %v", err)
		}
	}
	pool.Wait()

	if m := maxSeen.Load(); m > limit {
		t.Errorf("max concurrent = %d, want <= %d", m, limit)
	}
}

func TestPoolGoContextCancellation(t *testing.T) {
	pool := New(1)
	release := make(chan struct{})
	if err := pool.Go(context.Background(), func() { <-release }); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Go(ctx, func() { t.Error("fn should not have been called") })
	if err == nil {
		t.Error("expected error from cancelled context")
	}

	close(release)
	pool.Wait()
}

func TestPoolRunNil(t *testing.T) {
	var pool *Pool
	called := false
	if err := pool.Run(context.Background(), func() error { called = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("nil pool should run fn directly")
	}
}

func TestPoolClampMinLimit(t *testing.T) {
	pool := New(0)
	if err := pool.Run(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("unexpected error with limit=0 (should clamp to 1): %v", err)
	}
}
