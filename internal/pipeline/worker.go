package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cliparr/internal/broker"
	"cliparr/internal/logging"
	"cliparr/internal/queue"
	"cliparr/internal/services"
)

const maxBackoff = 5 * time.Minute

// runLane is one worker's loop: reserve the highest-priority message
// available, process it, repeat. Idle workers sleep one poll interval.
// pickupCtx only gates claiming new work; a reserved message executes
// under jobCtx (the pool lifecycle), so a shrink or pause never aborts a
// stage mid-run.
func (m *Manager) runLane(pickupCtx, jobCtx context.Context, lane string, worker int, order []broker.Stage) {
	logger := m.logger.With(
		logging.String("lane", lane),
		logging.Int("worker", worker),
	)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for {
		if pickupCtx.Err() != nil {
			return
		}
		processed := false
		for _, stage := range order {
			msg, err := m.broker.Reserve(pickupCtx, stage)
			if err != nil {
				if pickupCtx.Err() == nil {
					logger.Warn("reserve failed", logging.String(logging.FieldStage, string(stage)), logging.Error(err))
				}
				break
			}
			if msg == nil {
				continue
			}
			m.processMessage(jobCtx, msg)
			processed = true
			break
		}
		if processed {
			continue
		}
		select {
		case <-pickupCtx.Done():
			return
		case <-time.After(m.pollInterval()):
		}
	}
}

// processMessage applies the stage contract to one reserved message: load
// the job, enter the processing status, execute, and either advance or
// classify the failure.
func (m *Manager) processMessage(ctx context.Context, msg *broker.Message) {
	handler, ok := m.handlers[msg.Stage]
	if !ok {
		m.logger.Error("no handler for stage", logging.String(logging.FieldStage, string(msg.Stage)))
		_ = m.broker.Ack(ctx, msg)
		return
	}

	job, err := m.store.JobByID(ctx, msg.JobID)
	if err != nil {
		m.logger.Warn("load job failed", logging.Int64(logging.FieldJobID, msg.JobID), logging.Error(err))
		_ = m.broker.Release(ctx, msg)
		return
	}
	if job == nil || job.Status.IsTerminal() {
		// Cancelled or deleted while queued; drop the stale message.
		_ = m.broker.Ack(ctx, msg)
		return
	}
	meta, err := m.store.FileMetaByID(ctx, job.EpisodeFileID)
	if err != nil {
		m.logger.Warn("load file meta failed", logging.Int64(logging.FieldJobID, job.ID), logging.Error(err))
		_ = m.broker.Release(ctx, msg)
		return
	}
	if meta == nil {
		_ = m.store.MarkFailed(ctx, job.ID, "invalid_input", "episode file no longer in library")
		m.publishStatus(job.ID, job.EpisodeFileID, queue.StatusFailed)
		_ = m.broker.Ack(ctx, msg)
		return
	}

	if job.Status != handler.Processing() {
		if !queue.CanTransition(job.Status, handler.Processing()) {
			// The job has already moved past this stage; duplicate message.
			_ = m.broker.Ack(ctx, msg)
			return
		}
		if err := m.store.Transition(ctx, job.ID, handler.Processing()); err != nil {
			m.logger.Warn("enter processing status failed", logging.Int64(logging.FieldJobID, job.ID), logging.Error(err))
			_ = m.broker.Release(ctx, msg)
			return
		}
		job.Status = handler.Processing()
		m.publishStatus(job.ID, meta.EpisodeFileID, job.Status)
	}

	stageCtx := services.WithStage(ctx, string(msg.Stage))
	stageCtx = services.WithJobID(stageCtx, job.ID)
	stageCtx = services.WithEpisodeFileID(stageCtx, meta.EpisodeFileID)
	logger := logging.WithContext(stageCtx, m.logger)

	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int("attempt", msg.Attempt),
		logging.String("source_file", meta.Path),
	)
	started := time.Now()

	if err := handler.Execute(stageCtx, job, meta); err != nil {
		m.handleFailure(ctx, logger, msg, job, meta, err)
		return
	}

	fresh, err := m.store.JobByID(ctx, job.ID)
	if err != nil {
		logger.Warn("reload job after stage failed", logging.Error(err))
		_ = m.broker.Release(ctx, msg)
		return
	}
	if fresh != nil && handler.Done() != "" && fresh.Status == handler.Processing() {
		if err := m.store.Transition(ctx, job.ID, handler.Done()); err != nil {
			logger.Warn("exit processing status failed", logging.Error(err))
		} else {
			fresh.Status = handler.Done()
			m.publishStatus(job.ID, meta.EpisodeFileID, fresh.Status)
		}
	}
	if next := handler.Next(); next != "" && fresh != nil && fresh.Status == handler.Done() {
		if err := m.broker.Enqueue(ctx, broker.NewMessage(next, job.ID, meta.EpisodeFileID)); err != nil {
			logger.Warn("enqueue next stage failed", logging.String(logging.FieldStage, string(next)), logging.Error(err))
			_ = m.broker.Release(ctx, msg)
			return
		}
	}
	_ = m.broker.Ack(ctx, msg)

	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Duration("elapsed", time.Since(started)),
	)
}

// handleFailure applies the retry policy: retryable errors within budget
// wait out the backoff and return to the front of their queue; everything
// else fails the job.
func (m *Manager) handleFailure(ctx context.Context, logger *slog.Logger, msg *broker.Message, job *queue.Job, meta *queue.FileMeta, stageErr error) {
	if errors.Is(stageErr, context.Canceled) && ctx.Err() != nil {
		// Shutdown, not a job failure: leave the claim for the reaper.
		return
	}

	budget := services.MaxAttempts(stageErr, m.cfg.Workers.RetryLimit)
	if services.Retryable(stageErr) && msg.Attempt < budget {
		if _, err := m.store.IncrementAttempts(ctx, job.ID); err != nil {
			logger.Warn("increment attempts failed", logging.Error(err))
		}
		delay := backoffDelay(m.cfg.Workers.BackoffBaseSeconds, msg.Attempt)
		logger.Warn("stage failed, retrying",
			logging.String(logging.FieldEventType, "stage_retry"),
			logging.Int("attempt", msg.Attempt),
			logging.Int("budget", budget),
			logging.Duration("backoff", delay),
			logging.Error(stageErr),
		)
		select {
		case <-ctx.Done():
			// Redelivered by the reaper after the visibility timeout.
			return
		case <-time.After(delay):
		}
		if err := m.broker.Release(ctx, msg); err != nil {
			logger.Warn("release for retry failed", logging.Error(err))
		}
		return
	}

	reason := services.FailureReason(stageErr)
	if err := m.store.MarkFailed(ctx, job.ID, reason, stageErr.Error()); err != nil {
		logger.Error("mark failed failed", logging.Error(err))
	}
	m.publishStatus(job.ID, meta.EpisodeFileID, queue.StatusFailed)
	_ = m.broker.Ack(ctx, msg)
	logger.Error("stage failed",
		logging.String(logging.FieldEventType, "stage_failure"),
		logging.String("reason", reason),
		logging.Int("attempt", msg.Attempt),
		logging.Error(stageErr),
	)
}

// backoffDelay is base*2^(attempt-1) seconds, capped.
func backoffDelay(baseSeconds, attempt int) time.Duration {
	if baseSeconds <= 0 {
		baseSeconds = 2
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(baseSeconds) * time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
