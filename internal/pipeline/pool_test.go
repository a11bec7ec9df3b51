package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolResize(t *testing.T) {
	var active atomic.Int32
	pool := NewPool("test", func(pickup, lifecycle context.Context, worker int) {
		active.Add(1)
		defer active.Add(-1)
		<-pickup.Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx, 2)
	if pool.Size() != 2 {
		t.Fatalf("Size = %d, want 2", pool.Size())
	}
	waitFor(t, func() bool { return active.Load() == 2 })

	pool.Resize(4)
	if pool.Size() != 4 {
		t.Fatalf("Size = %d, want 4", pool.Size())
	}
	waitFor(t, func() bool { return active.Load() == 4 })

	pool.Resize(1)
	if pool.Size() != 1 {
		t.Fatalf("Size = %d, want 1", pool.Size())
	}
	waitFor(t, func() bool { return active.Load() == 1 })
}

func TestPoolResizeToZeroPauses(t *testing.T) {
	var active atomic.Int32
	pool := NewPool("test", func(pickup, lifecycle context.Context, worker int) {
		active.Add(1)
		defer active.Add(-1)
		<-pickup.Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx, 3)
	waitFor(t, func() bool { return active.Load() == 3 })

	pool.Resize(0)
	if pool.Size() != 0 {
		t.Fatalf("Size = %d, want 0", pool.Size())
	}
	if !pool.Wait(2 * time.Second) {
		t.Fatal("pool did not drain after resize to zero")
	}

	// Resizing back up resumes work on the same lifecycle context.
	pool.Resize(2)
	if pool.Size() != 2 {
		t.Fatalf("Size = %d, want 2 after resume", pool.Size())
	}
	waitFor(t, func() bool { return active.Load() == 2 })
}

func TestPoolShrinkKeepsLifecycleContextAlive(t *testing.T) {
	started := make(chan struct{})
	lifecycleErr := make(chan error, 1)
	pool := NewPool("test", func(pickup, lifecycle context.Context, worker int) {
		close(started)
		<-pickup.Done()
		lifecycleErr <- lifecycle.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx, 1)
	<-started

	pool.Resize(0)
	select {
	case err := <-lifecycleErr:
		if err != nil {
			t.Fatalf("shrink cancelled the lifecycle context: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not observe pickup cancellation")
	}
}

func TestPoolWaitTimesOutWhileBusy(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool("test", func(pickup, lifecycle context.Context, worker int) {
		<-release
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx, 1)
	cancel()

	if pool.Wait(50 * time.Millisecond) {
		t.Fatal("Wait should time out while the worker is busy")
	}
	close(release)
	if !pool.Wait(2 * time.Second) {
		t.Fatal("pool did not drain after the worker finished")
	}
}

func waitFor(t *testing.T, predicate func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
