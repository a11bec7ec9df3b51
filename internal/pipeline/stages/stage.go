// Package stages holds the five pipeline stage handlers. Each handler owns
// the work of one queue stage; status transitions and retry policy live in
// the pipeline manager.
package stages

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"cliparr/internal/broker"
	"cliparr/internal/config"
	"cliparr/internal/fingerprint"
	"cliparr/internal/logging"
	"cliparr/internal/media/ffmpeg"
	"cliparr/internal/progress"
	"cliparr/internal/queue"
)

// Handler is the contract the pipeline manager needs from each stage.
type Handler interface {
	// Stage names the broker queue this handler consumes.
	Stage() broker.Stage
	// Processing is the status a job holds while this stage runs.
	Processing() queue.Status
	// Done is the status a job moves to when this stage succeeds and the
	// handler did not move it itself.
	Done() queue.Status
	// Next is the broker queue the job advances to on success; empty when
	// hand-off is owned elsewhere (cohort watcher, approval flow).
	Next() broker.Stage
	// Execute runs the stage work for one job.
	Execute(ctx context.Context, job *queue.Job, meta *queue.FileMeta) error
	// HealthCheck verifies the stage's external collaborators.
	HealthCheck(ctx context.Context) error
}

// Env bundles the collaborators shared by every stage handler.
type Env struct {
	Config    *config.Config
	Store     *queue.Store
	Broker    *broker.Broker
	Events    *progress.Broadcaster
	Extractor *ffmpeg.Extractor
	Trimmer   *ffmpeg.Trimmer
	Fpcalc    *fingerprint.Client
	Logger    *slog.Logger
}

func (e *Env) logger(component string) *slog.Logger {
	base := e.Logger
	if base == nil {
		base = logging.NewNop()
	}
	return logging.NewComponentLogger(base, component)
}

// PublishProgress emits a throttled stage-local progress tick.
func (e *Env) PublishProgress(job *queue.Job, meta *queue.FileMeta, stage broker.Stage, percent, fps float64) {
	if e.Events == nil {
		return
	}
	event := progress.Event{
		Type:    progress.EventProgress,
		JobID:   job.ID,
		Stage:   string(stage),
		Percent: percent,
		FPS:     fps,
	}
	if meta != nil {
		event.EpisodeFileID = meta.EpisodeFileID
		event.CurrentFile = meta.Path
	}
	e.Events.Publish(event)
}

// PublishStatus emits a status change event for a job.
func (e *Env) PublishStatus(jobID, episodeFileID int64, status queue.Status) {
	if e.Events == nil {
		return
	}
	e.Events.Publish(progress.Event{
		Type:          progress.EventStatus,
		JobID:         jobID,
		EpisodeFileID: episodeFileID,
		Status:        string(status),
	})
}

// AudioPath returns the scratch WAV location for a job. The job id in the
// filename ties the artifact to its owner for cleanup.
func (e *Env) AudioPath(job *queue.Job) string {
	return filepath.Join(e.Config.AudioDir(), fmt.Sprintf("%d-%d.wav", job.ID, job.EpisodeFileID))
}

// ChunkDir returns the scratch directory holding a job's window WAVs.
func (e *Env) ChunkDir(job *queue.Job) string {
	return filepath.Join(e.Config.ChunkDir(), fmt.Sprintf("%d", job.ID))
}

// All builds the full handler set keyed by stage.
func All(env *Env) map[broker.Stage]Handler {
	return map[broker.Stage]Handler{
		broker.StageScan:        NewResolve(env),
		broker.StageExtract:     NewExtract(env),
		broker.StageFingerprint: NewFingerprint(env),
		broker.StageDetect:      NewDetect(env),
		broker.StageTrim:        NewTrim(env),
	}
}

func appendNote(existing, note string) string {
	if note == "" {
		return existing
	}
	if existing == "" {
		return note
	}
	return existing + "; " + note
}
