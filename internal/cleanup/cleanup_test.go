package cleanup_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cliparr/internal/broker"
	"cliparr/internal/cleanup"
	"cliparr/internal/config"
	"cliparr/internal/progress"
	"cliparr/internal/queue"
	"cliparr/internal/testsupport"
)

func newService(t *testing.T, cfg *config.Config, store *queue.Store, events *progress.Broadcaster) (*cleanup.Service, *broker.Broker) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	brk := broker.NewWithClient(client, "test", time.Hour, nil)

	return cleanup.New(cfg, store, brk, nil, events, nil), brk
}

func TestDeleteJobRemovesRowsAndScratch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	events := progress.NewBroadcaster(8)
	t.Cleanup(events.Close)
	svc, _ := newService(t, cfg, store, events)
	ctx := context.Background()

	seed := testsupport.SeedEpisode(t, store, "Cleanup Show", 1, 1)
	job := testsupport.NewJob(t, store, seed.EpisodeFileID)
	if err := store.ReplaceFingerprints(ctx, seed.EpisodeFileID, []queue.Fingerprint{
		{EpisodeFileID: seed.EpisodeFileID, WindowStartSeconds: 0, Hash: []byte{1, 2, 3, 4}},
	}); err != nil {
		t.Fatalf("ReplaceFingerprints: %v", err)
	}

	wav := filepath.Join(cfg.AudioDir(), fmt.Sprintf("%d-%d.wav", job.ID, seed.EpisodeFileID))
	testsupport.WriteFile(t, wav, 128)
	chunkDir := filepath.Join(cfg.ChunkDir(), fmt.Sprintf("%d", job.ID))
	testsupport.WriteFile(t, filepath.Join(chunkDir, "w0000.wav"), 128)

	sub := events.Subscribe()
	defer sub.Close()

	deleted, err := svc.DeleteJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if !deleted {
		t.Fatal("DeleteJob reported nothing removed")
	}

	if fresh, err := store.JobByID(ctx, job.ID); err != nil || fresh != nil {
		t.Fatalf("job row should be gone, got %v / %v", fresh, err)
	}
	prints, err := store.FingerprintsForFile(ctx, seed.EpisodeFileID)
	if err != nil {
		t.Fatalf("FingerprintsForFile: %v", err)
	}
	if len(prints) != 0 {
		t.Fatalf("fingerprints should cascade, found %d", len(prints))
	}
	if _, err := os.Stat(wav); !os.IsNotExist(err) {
		t.Fatal("extracted audio should be removed")
	}
	if _, err := os.Stat(chunkDir); !os.IsNotExist(err) {
		t.Fatal("chunk dir should be removed")
	}

	select {
	case event := <-sub.Events():
		if event.Type != progress.EventJobDeleted || event.JobID != job.ID {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("no deletion event published")
	}
}

func TestDeleteJobMissingIsNoop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	svc, _ := newService(t, cfg, store, nil)

	deleted, err := svc.DeleteJob(context.Background(), 4242)
	if err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if deleted {
		t.Fatal("nothing should be deleted for an unknown job")
	}
}

func TestDeleteAllPurgesQueuesAndResumes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	svc, brk := newService(t, cfg, store, nil)
	ctx := context.Background()

	var jobIDs []int64
	for episode := 1; episode <= 3; episode++ {
		seed := testsupport.SeedEpisode(t, store, "Cleanup Show", 1, episode)
		job := testsupport.NewJob(t, store, seed.EpisodeFileID)
		jobIDs = append(jobIDs, job.ID)
		msg := broker.NewMessage(broker.StageScan, job.ID, seed.EpisodeFileID)
		if err := brk.Enqueue(ctx, msg); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	deleted, err := svc.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3", deleted)
	}
	for _, id := range jobIDs {
		if job, err := store.JobByID(ctx, id); err != nil || job != nil {
			t.Fatalf("job %d should be gone, got %v / %v", id, job, err)
		}
	}

	depths, err := brk.Depths(ctx)
	if err != nil {
		t.Fatalf("Depths: %v", err)
	}
	for stage, depth := range depths {
		if depth.Ready != 0 || depth.InFlight != 0 {
			t.Fatalf("stage %s not purged: %+v", stage, depth)
		}
	}
	for _, stage := range broker.AllStages() {
		paused, err := brk.Paused(ctx, stage)
		if err != nil {
			t.Fatalf("Paused: %v", err)
		}
		if paused {
			t.Fatalf("stage %s still paused after bulk delete", stage)
		}
	}
}
