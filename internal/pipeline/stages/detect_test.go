package stages_test

import (
	"context"
	"testing"

	"cliparr/internal/broker"
	"cliparr/internal/fingerprint"
	"cliparr/internal/pipeline/stages"
	"cliparr/internal/queue"
	"cliparr/internal/testsupport"
)

// cohortFixture seeds a three-episode season with jobs parked at
// awaiting_cohort and fingerprints describing a shared 30 s intro and a
// shared tail over a 120 s timeline.
type cohortFixture struct {
	seeds []testsupport.SeededEpisode
	jobs  []*queue.Job
}

const (
	introHash   = uint32(0xAAAAAAAA)
	creditsHash = uint32(0x33333333)
)

func seedCohort(t *testing.T, fixture *envFixture) *cohortFixture {
	t.Helper()
	ctx := context.Background()

	out := &cohortFixture{}
	for episode := 1; episode <= 3; episode++ {
		seed := testsupport.SeedEpisode(t, fixture.store, "Cohort Show", 1, episode)
		job := testsupport.NewJob(t, fixture.store, seed.EpisodeFileID)
		advanceJob(t, fixture.store, job.ID, queue.StatusAwaitingCohort)

		var prints []queue.Fingerprint
		for _, start := range []float64{0, 5, 10, 15, 20} {
			prints = append(prints, queue.Fingerprint{
				EpisodeFileID:      seed.EpisodeFileID,
				WindowStartSeconds: start,
				Hash:               fingerprint.ToBytes([]uint32{introHash}),
			})
		}
		for _, start := range []float64{100, 105, 110} {
			prints = append(prints, queue.Fingerprint{
				EpisodeFileID:      seed.EpisodeFileID,
				WindowStartSeconds: start,
				Hash:               fingerprint.ToBytes([]uint32{creditsHash}),
			})
		}
		if err := fixture.store.ReplaceFingerprints(ctx, seed.EpisodeFileID, prints); err != nil {
			t.Fatalf("ReplaceFingerprints: %v", err)
		}

		out.seeds = append(out.seeds, seed)
		out.jobs = append(out.jobs, loadJob(t, fixture.store, job.ID))
	}
	return out
}

func detectMeta(seed testsupport.SeededEpisode, episode int) *queue.FileMeta {
	return &queue.FileMeta{
		EpisodeFileID: seed.EpisodeFileID,
		Path:          seed.Path,
		ShowID:        seed.ShowID,
		SeasonNumber:  1,
		EpisodeNumber: episode,
	}
}

func TestDetectClustersCohortAndAutoApproves(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Trim.AutoProcessVerified = true
	cfg.Trim.AutoProcessDetections = true
	store := testsupport.MustOpenStore(t, cfg)
	fixture := newFixture(t, cfg, store, nil)
	cohort := seedCohort(t, fixture)

	handler := stages.NewDetect(fixture.env)
	err := handler.Execute(context.Background(), cohort.jobs[0], detectMeta(cohort.seeds[0], 1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	for i, job := range cohort.jobs {
		fresh := loadJob(t, store, job.ID)
		if fresh.Status != queue.StatusVerified {
			t.Fatalf("episode %d status = %s, want verified", i+1, fresh.Status)
		}
		if fresh.IntroStart == nil || fresh.IntroEnd == nil {
			t.Fatalf("episode %d has no intro span", i+1)
		}
		if *fresh.IntroStart != 0 || *fresh.IntroEnd != 30 {
			t.Fatalf("episode %d intro = [%.1f, %.1f], want [0, 30]", i+1, *fresh.IntroStart, *fresh.IntroEnd)
		}
		if fresh.CreditsStart == nil || *fresh.CreditsStart != 100 {
			t.Fatalf("episode %d credits start wrong", i+1)
		}
		if fresh.ConfidenceScore != 1.0 {
			t.Fatalf("episode %d confidence = %.2f, want 1.0", i+1, fresh.ConfidenceScore)
		}
	}

	result, err := store.DetectionForEpisode(context.Background(), cohort.seeds[0].ShowID, 1, 1)
	if err != nil {
		t.Fatalf("DetectionForEpisode: %v", err)
	}
	if result == nil {
		t.Fatal("no detection result stored")
	}
	if result.ApprovalStatus != queue.ApprovalAutoApproved {
		t.Fatalf("approval = %s, want auto_approved", result.ApprovalStatus)
	}
	if result.DetectionMethod != "chromaprint_cohort" {
		t.Fatalf("method = %s", result.DetectionMethod)
	}

	depths, err := fixture.broker.Depths(context.Background())
	if err != nil {
		t.Fatalf("Depths: %v", err)
	}
	if depths[broker.StageTrim].Ready != 3 {
		t.Fatalf("trim queue depth = %d, want 3", depths[broker.StageTrim].Ready)
	}
}

func TestDetectPendingApprovalStopsAtDetected(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	fixture := newFixture(t, cfg, store, nil)
	cohort := seedCohort(t, fixture)

	handler := stages.NewDetect(fixture.env)
	if err := handler.Execute(context.Background(), cohort.jobs[0], detectMeta(cohort.seeds[0], 1)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	for i, job := range cohort.jobs {
		fresh := loadJob(t, store, job.ID)
		if fresh.Status != queue.StatusDetected {
			t.Fatalf("episode %d status = %s, want detected", i+1, fresh.Status)
		}
	}
	result, err := store.DetectionForEpisode(context.Background(), cohort.seeds[0].ShowID, 1, 2)
	if err != nil {
		t.Fatalf("DetectionForEpisode: %v", err)
	}
	if result.ApprovalStatus != queue.ApprovalPending {
		t.Fatalf("approval = %s, want pending", result.ApprovalStatus)
	}

	depths, err := fixture.broker.Depths(context.Background())
	if err != nil {
		t.Fatalf("Depths: %v", err)
	}
	if depths[broker.StageTrim].Ready != 0 {
		t.Fatalf("nothing should reach the trim queue, depth = %d", depths[broker.StageTrim].Ready)
	}
}

func TestDetectWaitsForCohortMinimum(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	fixture := newFixture(t, cfg, store, nil)

	// Only one of three episodes has reached awaiting_cohort.
	seed := testsupport.SeedEpisode(t, fixture.store, "Cohort Show", 1, 1)
	job := testsupport.NewJob(t, fixture.store, seed.EpisodeFileID)
	advanceJob(t, fixture.store, job.ID, queue.StatusAwaitingCohort)
	for episode := 2; episode <= 3; episode++ {
		lagging := testsupport.SeedEpisode(t, fixture.store, "Cohort Show", 1, episode)
		testsupport.NewJob(t, fixture.store, lagging.EpisodeFileID)
	}

	handler := stages.NewDetect(fixture.env)
	if err := handler.Execute(context.Background(), loadJob(t, store, job.ID), detectMeta(seed, 1)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	fresh := loadJob(t, store, job.ID)
	if fresh.Status != queue.StatusAwaitingCohort {
		t.Fatalf("status = %s, want awaiting_cohort untouched", fresh.Status)
	}
	result, err := store.DetectionForEpisode(context.Background(), seed.ShowID, 1, 1)
	if err != nil {
		t.Fatalf("DetectionForEpisode: %v", err)
	}
	if result != nil {
		t.Fatal("no detection result expected while the cohort is short")
	}
}

func TestDetectNoSharedSegmentsCompletesEpisodes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Detection.CohortMinReady = 3
	store := testsupport.MustOpenStore(t, cfg)
	fixture := newFixture(t, cfg, store, nil)
	ctx := context.Background()

	// Pairwise distant hashes, so no bucket clears the match fraction.
	hashes := []uint32{0x00000000, 0xFFFFFFFF, 0x0000FFFF}
	var seeds []testsupport.SeededEpisode
	var jobs []*queue.Job
	for episode := 1; episode <= 3; episode++ {
		seed := testsupport.SeedEpisode(t, store, "Anthology Show", 1, episode)
		job := testsupport.NewJob(t, store, seed.EpisodeFileID)
		advanceJob(t, store, job.ID, queue.StatusAwaitingCohort)
		prints := []queue.Fingerprint{{
			EpisodeFileID:      seed.EpisodeFileID,
			WindowStartSeconds: 0,
			Hash:               fingerprint.ToBytes([]uint32{hashes[episode-1]}),
		}}
		if err := store.ReplaceFingerprints(ctx, seed.EpisodeFileID, prints); err != nil {
			t.Fatalf("ReplaceFingerprints: %v", err)
		}
		seeds = append(seeds, seed)
		jobs = append(jobs, loadJob(t, store, job.ID))
	}

	handler := stages.NewDetect(fixture.env)
	if err := handler.Execute(ctx, jobs[0], detectMeta(seeds[0], 1)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	for i, job := range jobs {
		fresh := loadJob(t, store, job.ID)
		if fresh.Status != queue.StatusCompleted {
			t.Fatalf("episode %d status = %s, want completed", i+1, fresh.Status)
		}
		if fresh.ProcessingNotes != "no_segments" {
			t.Fatalf("episode %d notes = %q, want no_segments", i+1, fresh.ProcessingNotes)
		}
	}
}
