package pipeline

import (
	"context"
	"time"

	"cliparr/internal/broker"
	"cliparr/internal/logging"
	"cliparr/internal/queue"
)

// runReaper periodically returns expired broker claims to their queues so
// work survives worker crashes.
func (m *Manager) runReaper(ctx context.Context) {
	interval := time.Duration(m.cfg.Workers.VisibilityTimeoutSeconds) * time.Second / 10
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.broker.ReapAll(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("reap pass failed", logging.Error(err))
			}
		}
	}
}

// runCohortWatcher polls for cohorts whose members are all waiting and
// fires the detection stage once the ready predicate holds.
func (m *Manager) runCohortWatcher(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepCohorts(ctx)
		}
	}
}

func (m *Manager) sweepCohorts(ctx context.Context) {
	cohorts, err := m.store.AwaitingCohorts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("cohort sweep failed", logging.Error(err))
		}
		return
	}
	for _, key := range cohorts {
		trigger, ok, err := m.cohortReady(ctx, key)
		if err != nil {
			m.logger.Warn("cohort readiness check failed",
				logging.Int64("show_id", key.ShowID),
				logging.Int("season", key.SeasonNumber),
				logging.Error(err),
			)
			continue
		}
		if !ok || m.recentlyTriggered(key) {
			continue
		}
		msg := broker.NewMessage(broker.StageDetect, trigger.Job.ID, trigger.EpisodeFileID)
		if err := m.broker.Enqueue(ctx, msg); err != nil {
			m.logger.Warn("enqueue detect trigger failed", logging.Error(err))
			continue
		}
		m.markTriggered(key)
		m.logger.Info("cohort ready, detection queued",
			logging.Int64("show_id", key.ShowID),
			logging.Int("season", key.SeasonNumber),
			logging.Int64(logging.FieldJobID, trigger.Job.ID),
		)
	}
}

// cohortReady applies the ready predicate: at least K members have reached
// the waiting state and no member fingerprinted within the debounce
// window. It returns the member whose job carries the detect trigger.
func (m *Manager) cohortReady(ctx context.Context, key queue.CohortKey) (queue.JobWithMeta, bool, error) {
	jobs, err := m.store.CohortJobs(ctx, key.ShowID, key.SeasonNumber)
	if err != nil {
		return queue.JobWithMeta{}, false, err
	}
	ready := 0
	var waiting []queue.JobWithMeta
	for _, member := range jobs {
		if member.Job.Status == queue.StatusDetecting {
			// A pass is already running; do not stack another.
			return queue.JobWithMeta{}, false, nil
		}
		if member.Job.Status.AtLeast(queue.StatusAwaitingCohort) {
			ready++
		}
		if member.Job.Status == queue.StatusAwaitingCohort {
			waiting = append(waiting, member)
		}
	}
	if len(waiting) == 0 {
		return queue.JobWithMeta{}, false, nil
	}
	minReady := m.cfg.Detection.CohortMinReady
	if minReady > len(jobs) {
		minReady = len(jobs)
	}
	if minReady < 1 {
		minReady = 1
	}
	if ready < minReady {
		return queue.JobWithMeta{}, false, nil
	}

	debounce := time.Duration(m.cfg.Detection.DebounceSeconds) * time.Second
	if debounce > 0 {
		last, err := m.store.CohortLastFingerprintAt(ctx, key.ShowID, key.SeasonNumber)
		if err != nil {
			return queue.JobWithMeta{}, false, err
		}
		if !last.IsZero() && time.Since(last) < debounce {
			return queue.JobWithMeta{}, false, nil
		}
	}
	return waiting[0], true, nil
}

// recentlyTriggered rate-limits duplicate detect triggers while a queued
// one waits for a worker.
func (m *Manager) recentlyTriggered(key queue.CohortKey) bool {
	window := time.Duration(m.cfg.Detection.DebounceSeconds) * time.Second
	if window <= 0 {
		window = 30 * time.Second
	}
	m.triggerMu.Lock()
	defer m.triggerMu.Unlock()
	at, ok := m.triggered[key]
	return ok && time.Since(at) < window
}

func (m *Manager) markTriggered(key queue.CohortKey) {
	m.triggerMu.Lock()
	defer m.triggerMu.Unlock()
	m.triggered[key] = time.Now()
}
