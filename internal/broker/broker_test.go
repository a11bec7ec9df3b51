package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cliparr/internal/broker"
)

func newTestBroker(t *testing.T, visibility time.Duration) *broker.Broker {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return broker.NewWithClient(client, "cliparr-test", visibility, nil)
}

func TestEnqueueReserveAck(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx := context.Background()

	msg := broker.NewMessage(broker.StageExtract, 7, 42)
	if err := b.Enqueue(ctx, msg); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, err := b.Reserve(ctx, broker.StageExtract)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a message")
	}
	if got.JobID != 7 || got.EpisodeFileID != 42 || got.Attempt != 1 {
		t.Fatalf("unexpected message: %#v", got)
	}

	depth, err := b.DepthFor(ctx, broker.StageExtract)
	if err != nil {
		t.Fatalf("DepthFor failed: %v", err)
	}
	if depth.Ready != 0 || depth.InFlight != 1 {
		t.Fatalf("unexpected depth: %#v", depth)
	}

	if err := b.Ack(ctx, got); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	depth, err = b.DepthFor(ctx, broker.StageExtract)
	if err != nil {
		t.Fatalf("DepthFor failed: %v", err)
	}
	if depth.Ready != 0 || depth.InFlight != 0 {
		t.Fatalf("expected empty queues, got %#v", depth)
	}
}

func TestReserveEmptyReturnsNil(t *testing.T) {
	b := newTestBroker(t, time.Minute)

	msg, err := b.Reserve(context.Background(), broker.StageDetect)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil on empty queue, got %#v", msg)
	}
}

func TestReserveOrdersFIFO(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx := context.Background()

	for jobID := int64(1); jobID <= 3; jobID++ {
		if err := b.Enqueue(ctx, broker.NewMessage(broker.StageFingerprint, jobID, jobID*10)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	for jobID := int64(1); jobID <= 3; jobID++ {
		msg, err := b.Reserve(ctx, broker.StageFingerprint)
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if msg == nil || msg.JobID != jobID {
			t.Fatalf("expected job %d, got %#v", jobID, msg)
		}
	}
}

func TestReleaseBumpsAttemptAndRunsNext(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx := context.Background()

	if err := b.Enqueue(ctx, broker.NewMessage(broker.StageTrim, 1, 10)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := b.Enqueue(ctx, broker.NewMessage(broker.StageTrim, 2, 20)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	first, err := b.Reserve(ctx, broker.StageTrim)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := b.Release(ctx, first); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// The released message beats the untouched backlog.
	retry, err := b.Reserve(ctx, broker.StageTrim)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if retry == nil || retry.JobID != 1 {
		t.Fatalf("expected retry of job 1, got %#v", retry)
	}
	if retry.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", retry.Attempt)
	}
}

func TestReapRedeliversExpired(t *testing.T) {
	b := newTestBroker(t, 10*time.Millisecond)
	ctx := context.Background()

	if err := b.Enqueue(ctx, broker.NewMessage(broker.StageExtract, 5, 50)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	msg, err := b.Reserve(ctx, broker.StageExtract)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}

	time.Sleep(50 * time.Millisecond)
	moved, err := b.Reap(ctx, broker.StageExtract)
	if err != nil {
		t.Fatalf("Reap failed: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 redelivery, got %d", moved)
	}

	again, err := b.Reserve(ctx, broker.StageExtract)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if again == nil || again.JobID != 5 {
		t.Fatalf("expected redelivered job 5, got %#v", again)
	}
}

func TestReapLeavesLiveClaims(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx := context.Background()

	if err := b.Enqueue(ctx, broker.NewMessage(broker.StageDetect, 9, 90)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := b.Reserve(ctx, broker.StageDetect); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	moved, err := b.Reap(ctx, broker.StageDetect)
	if err != nil {
		t.Fatalf("Reap failed: %v", err)
	}
	if moved != 0 {
		t.Fatalf("expected no redelivery, got %d", moved)
	}
}

func TestPauseBlocksReserve(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx := context.Background()

	if err := b.Enqueue(ctx, broker.NewMessage(broker.StageScan, 3, 30)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := b.Pause(ctx, broker.StageScan); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	msg, err := b.Reserve(ctx, broker.StageScan)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil while paused, got %#v", msg)
	}

	depth, err := b.DepthFor(ctx, broker.StageScan)
	if err != nil {
		t.Fatalf("DepthFor failed: %v", err)
	}
	if depth.Ready != 1 {
		t.Fatalf("expected queued message to stay, got %#v", depth)
	}

	if err := b.Resume(ctx, broker.StageScan); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	msg, err = b.Reserve(ctx, broker.StageScan)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if msg == nil || msg.JobID != 3 {
		t.Fatalf("expected job 3 after resume, got %#v", msg)
	}
}

func TestDepthsCoverAllStages(t *testing.T) {
	b := newTestBroker(t, time.Minute)
	ctx := context.Background()

	if err := b.Enqueue(ctx, broker.NewMessage(broker.StageFingerprint, 1, 1)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	depths, err := b.Depths(ctx)
	if err != nil {
		t.Fatalf("Depths failed: %v", err)
	}
	if len(depths) != len(broker.AllStages()) {
		t.Fatalf("expected %d stages, got %d", len(broker.AllStages()), len(depths))
	}
	if depths[broker.StageFingerprint].Ready != 1 {
		t.Fatalf("unexpected fingerprint depth: %#v", depths[broker.StageFingerprint])
	}
}
