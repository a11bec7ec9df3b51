package queue_test

import (
	"context"
	"errors"
	"testing"

	"cliparr/internal/queue"
	"cliparr/internal/testsupport"
)

func TestOpenAppliesMigrations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	seed := testsupport.SeedEpisode(t, store, "Test Show", 1, 1)
	if seed.EpisodeFileID == 0 {
		t.Fatal("expected episode file id to be assigned")
	}

	ctx := context.Background()
	meta, err := store.FileMetaByID(ctx, seed.EpisodeFileID)
	if err != nil {
		t.Fatalf("FileMetaByID failed: %v", err)
	}
	if meta == nil || meta.ShowTitle != "Test Show" || meta.SeasonNumber != 1 || meta.EpisodeNumber != 1 {
		t.Fatalf("unexpected file meta: %#v", meta)
	}
}

func TestUpsertShowIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	first := testsupport.SeedEpisode(t, store, "Rerun", 1, 1)
	second := testsupport.SeedEpisode(t, store, "Rerun", 1, 1)
	if first.ShowID != second.ShowID {
		t.Fatalf("expected same show id, got %d and %d", first.ShowID, second.ShowID)
	}
	if first.EpisodeFileID != second.EpisodeFileID {
		t.Fatalf("expected same file id, got %d and %d", first.EpisodeFileID, second.EpisodeFileID)
	}
}

func TestCreateJobReturnsExistingActive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	seed := testsupport.SeedEpisode(t, store, "Dup Show", 2, 3)

	ctx := context.Background()
	job, created, err := store.CreateJob(ctx, seed.EpisodeFileID)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if !created {
		t.Fatal("expected first CreateJob to insert")
	}
	if job.Status != queue.StatusScanning {
		t.Fatalf("expected scanning, got %s", job.Status)
	}

	again, created, err := store.CreateJob(ctx, seed.EpisodeFileID)
	if err != nil {
		t.Fatalf("second CreateJob failed: %v", err)
	}
	if created {
		t.Fatal("expected second CreateJob to reuse the active job")
	}
	if again.ID != job.ID {
		t.Fatalf("expected job %d, got %d", job.ID, again.ID)
	}
}

func TestCreateJobReplacesTerminal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	seed := testsupport.SeedEpisode(t, store, "Terminal Show", 1, 1)

	ctx := context.Background()
	job := testsupport.NewJob(t, store, seed.EpisodeFileID)
	if err := store.MarkFailed(ctx, job.ID, "transient", "boom"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	replacement, created, err := store.CreateJob(ctx, seed.EpisodeFileID)
	if err != nil {
		t.Fatalf("CreateJob after failure: %v", err)
	}
	if !created {
		t.Fatal("expected terminal job to be replaced")
	}
	if replacement.ID == job.ID {
		t.Fatal("expected a new job row")
	}
	if replacement.Status != queue.StatusScanning {
		t.Fatalf("expected scanning, got %s", replacement.Status)
	}
}

func TestTransitionEnforcesForwardOnly(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	seed := testsupport.SeedEpisode(t, store, "Order Show", 1, 1)
	job := testsupport.NewJob(t, store, seed.EpisodeFileID)

	ctx := context.Background()
	forward := []queue.Status{
		queue.StatusExtractingAudio,
		queue.StatusFingerprinting,
		queue.StatusAwaitingCohort,
		queue.StatusDetecting,
		queue.StatusDetected,
	}
	for _, status := range forward {
		if err := store.Transition(ctx, job.ID, status); err != nil {
			t.Fatalf("Transition to %s: %v", status, err)
		}
	}

	err := store.Transition(ctx, job.ID, queue.StatusFingerprinting)
	if !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// Any state may still fail.
	if err := store.Transition(ctx, job.ID, queue.StatusFailed); err != nil {
		t.Fatalf("Transition to failed: %v", err)
	}
	if err := store.Transition(ctx, job.ID, queue.StatusCompleted); !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("expected terminal state to reject transitions, got %v", err)
	}
}

func TestRequeueClearsDerivedRows(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	seed := testsupport.SeedEpisode(t, store, "Requeue Show", 1, 4)
	job := testsupport.NewJob(t, store, seed.EpisodeFileID)

	ctx := context.Background()
	prints := []queue.Fingerprint{
		{EpisodeFileID: seed.EpisodeFileID, WindowStartSeconds: 0, Hash: []byte{1, 2, 3, 4}},
		{EpisodeFileID: seed.EpisodeFileID, WindowStartSeconds: 5, Hash: []byte{5, 6, 7, 8}},
	}
	if err := store.ReplaceFingerprints(ctx, seed.EpisodeFileID, prints); err != nil {
		t.Fatalf("ReplaceFingerprints failed: %v", err)
	}
	introStart, introEnd := 12.0, 74.5
	if err := store.UpsertDetectionResults(ctx, []queue.DetectionResult{{
		ShowID:          seed.ShowID,
		SeasonNumber:    1,
		EpisodeNumber:   4,
		IntroStart:      &introStart,
		IntroEnd:        &introEnd,
		ConfidenceScore: 0.9,
	}}); err != nil {
		t.Fatalf("UpsertDetectionResults failed: %v", err)
	}

	for _, status := range []queue.Status{queue.StatusExtractingAudio, queue.StatusFingerprinting, queue.StatusAwaitingCohort, queue.StatusDetecting, queue.StatusDetected} {
		if err := store.Transition(ctx, job.ID, status); err != nil {
			t.Fatalf("Transition to %s: %v", status, err)
		}
	}

	reset, err := store.RequeueJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("RequeueJob failed: %v", err)
	}
	if reset.Status != queue.StatusScanning {
		t.Fatalf("expected scanning after requeue, got %s", reset.Status)
	}
	if reset.Attempts != 0 || reset.IntroStart != nil {
		t.Fatalf("expected cleared job fields, got %#v", reset)
	}

	remaining, err := store.FingerprintsForFile(ctx, seed.EpisodeFileID)
	if err != nil {
		t.Fatalf("FingerprintsForFile failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected fingerprints removed, found %d", len(remaining))
	}
	detection, err := store.DetectionForEpisode(ctx, seed.ShowID, 1, 4)
	if err != nil {
		t.Fatalf("DetectionForEpisode failed: %v", err)
	}
	if detection != nil {
		t.Fatalf("expected detection removed, got %#v", detection)
	}
}

func TestListJobsJoinsMetadata(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	seedA := testsupport.SeedEpisode(t, store, "List Show", 1, 1)
	seedB := testsupport.SeedEpisode(t, store, "List Show", 1, 2)
	testsupport.NewJob(t, store, seedA.EpisodeFileID)
	jobB := testsupport.NewJob(t, store, seedB.EpisodeFileID)

	ctx := context.Background()
	if err := store.Transition(ctx, jobB.ID, queue.StatusExtractingAudio); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	all, err := store.ListJobs(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(all))
	}
	for _, jm := range all {
		if jm.ShowTitle != "List Show" {
			t.Fatalf("expected joined show title, got %q", jm.ShowTitle)
		}
	}

	extracting, err := store.ListJobs(ctx, queue.StatusExtractingAudio, 0)
	if err != nil {
		t.Fatalf("ListJobs filtered failed: %v", err)
	}
	if len(extracting) != 1 || extracting[0].Job.ID != jobB.ID {
		t.Fatalf("expected only job %d, got %#v", jobB.ID, extracting)
	}

	stats, err := store.JobStats(ctx)
	if err != nil {
		t.Fatalf("JobStats failed: %v", err)
	}
	if stats[queue.StatusScanning] != 1 || stats[queue.StatusExtractingAudio] != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
}

func TestCohortQueries(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	var fileIDs []int64
	var showID int64
	for episode := 1; episode <= 3; episode++ {
		seed := testsupport.SeedEpisode(t, store, "Cohort Show", 2, episode)
		showID = seed.ShowID
		fileIDs = append(fileIDs, seed.EpisodeFileID)
	}
	// Another season should stay out of the cohort.
	testsupport.SeedEpisode(t, store, "Cohort Show", 3, 1)

	files, err := store.CohortFiles(ctx, showID, 2)
	if err != nil {
		t.Fatalf("CohortFiles failed: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 cohort files, got %d", len(files))
	}

	for i, fileID := range fileIDs[:2] {
		prints := []queue.Fingerprint{{EpisodeFileID: fileID, WindowStartSeconds: float64(i), Hash: []byte{byte(i)}}}
		if err := store.ReplaceFingerprints(ctx, fileID, prints); err != nil {
			t.Fatalf("ReplaceFingerprints failed: %v", err)
		}
	}

	ready, err := store.FingerprintedFileIDs(ctx, showID, 2)
	if err != nil {
		t.Fatalf("FingerprintedFileIDs failed: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("expected 2 fingerprinted files, got %d", len(ready))
	}

	byFile, err := store.FingerprintsForCohort(ctx, showID, 2)
	if err != nil {
		t.Fatalf("FingerprintsForCohort failed: %v", err)
	}
	if len(byFile) != 2 {
		t.Fatalf("expected prints for 2 files, got %d", len(byFile))
	}
}

func TestDetectionApproval(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	seed := testsupport.SeedEpisode(t, store, "Approve Show", 1, 1)
	ctx := context.Background()

	introStart, introEnd := 5.0, 65.0
	if err := store.UpsertDetectionResults(ctx, []queue.DetectionResult{{
		ShowID:          seed.ShowID,
		SeasonNumber:    1,
		EpisodeNumber:   1,
		IntroStart:      &introStart,
		IntroEnd:        &introEnd,
		Stingers:        []queue.Segment{{Type: "stinger", Start: 1200, End: 1230}},
		ConfidenceScore: 0.7,
		DetectionMethod: "cohort_clustering",
	}}); err != nil {
		t.Fatalf("UpsertDetectionResults failed: %v", err)
	}

	result, err := store.DetectionForEpisode(ctx, seed.ShowID, 1, 1)
	if err != nil {
		t.Fatalf("DetectionForEpisode failed: %v", err)
	}
	if result == nil || result.ApprovalStatus != queue.ApprovalPending {
		t.Fatalf("expected pending result, got %#v", result)
	}
	if len(result.Stingers) != 1 || result.Stingers[0].Duration() != 30 {
		t.Fatalf("unexpected stingers: %#v", result.Stingers)
	}

	if err := store.SetApproval(ctx, result.ID, queue.ApprovalManualApproved); err != nil {
		t.Fatalf("SetApproval failed: %v", err)
	}
	approved, err := store.DetectionForEpisode(ctx, seed.ShowID, 1, 1)
	if err != nil {
		t.Fatalf("DetectionForEpisode failed: %v", err)
	}
	if !approved.ApprovalStatus.Approved() {
		t.Fatalf("expected approved status, got %s", approved.ApprovalStatus)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	value, err := store.GetSetting(ctx, "workers.cpu", "2")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if value != "2" {
		t.Fatalf("expected fallback, got %q", value)
	}

	if err := store.SetSetting(ctx, "workers.cpu", "4"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	value, err = store.GetSetting(ctx, "workers.cpu", "2")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if value != "4" {
		t.Fatalf("expected stored value, got %q", value)
	}
}
