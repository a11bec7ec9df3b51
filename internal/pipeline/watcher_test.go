package pipeline

import (
	"context"
	"testing"

	"cliparr/internal/broker"
	"cliparr/internal/pipeline/stages"
	"cliparr/internal/queue"
	"cliparr/internal/testsupport"
)

func seedWaitingCohort(t *testing.T, store *queue.Store, size int) queue.CohortKey {
	t.Helper()
	ctx := context.Background()

	var key queue.CohortKey
	for episode := 1; episode <= size; episode++ {
		seed := testsupport.SeedEpisode(t, store, "Watched Show", 2, episode)
		job := testsupport.NewJob(t, store, seed.EpisodeFileID)
		if err := store.Transition(ctx, job.ID, queue.StatusAwaitingCohort); err != nil {
			t.Fatalf("Transition: %v", err)
		}
		key = queue.CohortKey{ShowID: seed.ShowID, SeasonNumber: 2}
	}
	return key
}

func TestCohortReadyAfterDebounce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Detection.DebounceSeconds = 0
	m, store := newTestManager(t, cfg, map[broker.Stage]stages.Handler{})
	key := seedWaitingCohort(t, store, 3)

	trigger, ok, err := m.cohortReady(context.Background(), key)
	if err != nil {
		t.Fatalf("cohortReady: %v", err)
	}
	if !ok {
		t.Fatal("cohort with three waiting members should be ready")
	}
	if trigger.Job.Status != queue.StatusAwaitingCohort {
		t.Fatalf("trigger status = %s, want awaiting_cohort", trigger.Job.Status)
	}
}

func TestCohortDebounceHoldsFreshArrivals(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Detection.DebounceSeconds = 300
	m, store := newTestManager(t, cfg, map[broker.Stage]stages.Handler{})
	key := seedWaitingCohort(t, store, 3)

	// Every member just transitioned, so the debounce window is still open.
	_, ok, err := m.cohortReady(context.Background(), key)
	if err != nil {
		t.Fatalf("cohortReady: %v", err)
	}
	if ok {
		t.Fatal("cohort must not fire inside the debounce window")
	}
}

func TestCohortNotReadyBelowMinimum(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Detection.DebounceSeconds = 0
	cfg.Detection.CohortMinReady = 3
	m, store := newTestManager(t, cfg, map[broker.Stage]stages.Handler{})
	ctx := context.Background()

	// One waiting member, two still upstream.
	seed := testsupport.SeedEpisode(t, store, "Watched Show", 2, 1)
	job := testsupport.NewJob(t, store, seed.EpisodeFileID)
	if err := store.Transition(ctx, job.ID, queue.StatusAwaitingCohort); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	for episode := 2; episode <= 3; episode++ {
		lagging := testsupport.SeedEpisode(t, store, "Watched Show", 2, episode)
		testsupport.NewJob(t, store, lagging.EpisodeFileID)
	}

	_, ok, err := m.cohortReady(ctx, queue.CohortKey{ShowID: seed.ShowID, SeasonNumber: 2})
	if err != nil {
		t.Fatalf("cohortReady: %v", err)
	}
	if ok {
		t.Fatal("cohort must wait until enough members arrive")
	}
}

func TestCohortNotReadyWhileDetecting(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Detection.DebounceSeconds = 0
	m, store := newTestManager(t, cfg, map[broker.Stage]stages.Handler{})
	ctx := context.Background()
	key := seedWaitingCohort(t, store, 3)

	jobs, err := store.CohortJobs(ctx, key.ShowID, key.SeasonNumber)
	if err != nil {
		t.Fatalf("CohortJobs: %v", err)
	}
	if err := store.Transition(ctx, jobs[0].Job.ID, queue.StatusDetecting); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	_, ok, err := m.cohortReady(ctx, key)
	if err != nil {
		t.Fatalf("cohortReady: %v", err)
	}
	if ok {
		t.Fatal("a running detection pass must suppress new triggers")
	}
}

func TestSweepCohortsEnqueuesOneTrigger(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Detection.DebounceSeconds = 0
	m, store := newTestManager(t, cfg, map[broker.Stage]stages.Handler{})
	ctx := context.Background()
	seedWaitingCohort(t, store, 3)

	m.sweepCohorts(ctx)
	if depth := depthFor(t, m, broker.StageDetect); depth.Ready != 1 {
		t.Fatalf("detect depth = %d, want 1", depth.Ready)
	}

	// The in-memory rate limit absorbs the immediate second sweep even with
	// debounce disabled.
	m.sweepCohorts(ctx)
	if depth := depthFor(t, m, broker.StageDetect); depth.Ready != 1 {
		t.Fatalf("detect depth after resweep = %d, want still 1", depth.Ready)
	}
}
