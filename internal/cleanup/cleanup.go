// Package cleanup removes jobs and every artifact they own: subprocesses,
// scratch files, store rows, and (indirectly) queued messages, which
// workers ack and drop once the job row is gone.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"cliparr/internal/broker"
	"cliparr/internal/config"
	"cliparr/internal/logging"
	"cliparr/internal/media/ffmpeg"
	"cliparr/internal/progress"
	"cliparr/internal/queue"
)

// Service deletes jobs safely while workers are running.
type Service struct {
	cfg      *config.Config
	store    *queue.Store
	broker   *broker.Broker
	registry *ffmpeg.Registry
	events   *progress.Broadcaster
	logger   *slog.Logger
}

// New constructs the cleanup service.
func New(cfg *config.Config, store *queue.Store, brk *broker.Broker, registry *ffmpeg.Registry, events *progress.Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		broker:   brk,
		registry: registry,
		events:   events,
		logger:   logging.NewComponentLogger(logger, "cleanup"),
	}
}

// DeleteJob removes one job: kills any attached subprocess, unlinks the
// scratch files whose names carry the job id, and deletes the job row with
// its fingerprints and detection result. It reports whether a row was
// removed.
func (s *Service) DeleteJob(ctx context.Context, jobID int64) (bool, error) {
	job, err := s.store.JobByID(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	if s.registry != nil {
		s.registry.Terminate(job.EpisodeFileID)
	}
	s.removeScratch(job)

	deleted, err := s.store.DeleteJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if deleted && s.events != nil {
		s.events.Publish(progress.Event{
			Type:          progress.EventJobDeleted,
			JobID:         jobID,
			EpisodeFileID: job.EpisodeFileID,
		})
	}
	if deleted {
		s.logger.Info("job deleted", logging.Int64(logging.FieldJobID, jobID))
	}
	return deleted, nil
}

// DeleteMany removes the given jobs. Worker pickups are paused around the
// bulk pass so an in-flight worker cannot race a deletion, then resumed.
func (s *Service) DeleteMany(ctx context.Context, ids []int64) (int, error) {
	if err := s.broker.PauseAll(ctx); err != nil {
		return 0, fmt.Errorf("pause queues: %w", err)
	}
	defer func() {
		if err := s.broker.ResumeAll(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("resume queues after bulk delete failed", logging.Error(err))
		}
	}()

	deleted := 0
	for _, id := range ids {
		ok, err := s.DeleteJob(ctx, id)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// DeleteAll removes every job and purges the stage queues afterwards.
func (s *Service) DeleteAll(ctx context.Context) (int, error) {
	ids, err := s.store.JobIDs(ctx)
	if err != nil {
		return 0, err
	}
	deleted, err := s.DeleteMany(ctx, ids)
	if err != nil {
		return deleted, err
	}
	for _, stage := range broker.AllStages() {
		if err := s.broker.Purge(ctx, stage); err != nil {
			return deleted, err
		}
	}
	s.logger.Info("bulk delete complete", logging.Int("deleted", deleted))
	return deleted, nil
}

func (s *Service) removeScratch(job *queue.Job) {
	wav := filepath.Join(s.cfg.AudioDir(), fmt.Sprintf("%d-%d.wav", job.ID, job.EpisodeFileID))
	_ = os.Remove(wav)
	_ = os.RemoveAll(filepath.Join(s.cfg.ChunkDir(), fmt.Sprintf("%d", job.ID)))
}
