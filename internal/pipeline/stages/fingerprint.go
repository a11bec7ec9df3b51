package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"cliparr/internal/broker"
	"cliparr/internal/fingerprint"
	"cliparr/internal/logging"
	"cliparr/internal/media/ffprobe"
	"cliparr/internal/queue"
	"cliparr/internal/services"
)

// Fingerprint cuts the extracted WAV into sliding windows and hashes each
// window through fpcalc.
type Fingerprint struct {
	env *Env
}

// NewFingerprint constructs the fingerprint stage handler.
func NewFingerprint(env *Env) *Fingerprint {
	return &Fingerprint{env: env}
}

func (f *Fingerprint) Stage() broker.Stage      { return broker.StageFingerprint }
func (f *Fingerprint) Processing() queue.Status { return queue.StatusFingerprinting }
func (f *Fingerprint) Done() queue.Status       { return queue.StatusAwaitingCohort }

// Next is empty: the cohort watcher owns the hand-off into detection.
func (f *Fingerprint) Next() broker.Stage { return "" }

// Execute plans windows over the WAV, hashes each one, and stores the full
// set in one transaction. Scratch files are removed on success so retries
// after a crash can still find them.
func (f *Fingerprint) Execute(ctx context.Context, job *queue.Job, meta *queue.FileMeta) error {
	wav := f.env.AudioPath(job)
	if _, err := os.Stat(wav); err != nil {
		// The WAV can vanish between extract and fingerprint when temp
		// storage is purged; a retry re-lands on the extract output if it
		// reappears, otherwise the retry budget fails the job.
		return services.Wrap(services.ErrTransient, "fingerprint", "locate audio", "extracted audio missing", err)
	}

	probe, err := ffprobe.Inspect(ctx, f.env.Config.FFprobeBinary(), wav)
	if err != nil {
		return f.classify("measure duration", err)
	}
	duration := probe.DurationSeconds()
	if duration <= 0 {
		// A WAV ffprobe cannot time is corrupt; retry re-extracts nothing,
		// but the budget keeps a transient truncation from failing outright.
		return services.Wrap(services.ErrTransient, "fingerprint", "measure duration", "extracted audio has no duration", nil)
	}

	cfg := f.env.Config.Detection
	windows := fingerprint.Plan(duration, cfg.WindowSeconds, cfg.StepSeconds)
	if len(windows) == 0 {
		return services.WithReason("fingerprint_empty",
			services.Wrap(services.ErrTransient, "fingerprint", "plan windows", "no windows planned", nil))
	}
	if fingerprint.ShortAudio(duration, cfg.WindowSeconds) {
		job.ProcessingNotes = appendNote(job.ProcessingNotes, "short_audio")
		if err := f.env.Store.UpdateJob(ctx, job); err != nil {
			return services.Wrap(services.ErrTransient, "fingerprint", "record note", "persist short_audio note", err)
		}
	}

	chunkDir := f.env.ChunkDir(job)
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		return services.Wrap(services.ErrTransient, "fingerprint", "prepare scratch", "create chunk dir", err)
	}
	defer os.RemoveAll(chunkDir)

	prints := make([]queue.Fingerprint, 0, len(windows))
	for i, window := range windows {
		if err := ctx.Err(); err != nil {
			return services.Wrap(services.ErrCancelled, "fingerprint", "hash windows", "cancelled", err)
		}
		chunk := filepath.Join(chunkDir, fmt.Sprintf("w%04d.wav", i))
		if err := f.env.Extractor.CutWindow(ctx, meta.EpisodeFileID, wav, chunk, window.Start, window.Length); err != nil {
			return f.classify("cut window", err)
		}
		values, _, err := f.env.Fpcalc.Fingerprint(ctx, chunk)
		_ = os.Remove(chunk)
		if errors.Is(err, fingerprint.ErrEmptyFingerprint) {
			// Silence hashes to nothing; the window just does not
			// participate in clustering.
			continue
		}
		if err != nil {
			return f.classify("hash window", err)
		}
		prints = append(prints, queue.Fingerprint{
			EpisodeFileID:      meta.EpisodeFileID,
			WindowStartSeconds: window.Start,
			Hash:               fingerprint.ToBytes(values),
		})
		f.env.PublishProgress(job, meta, broker.StageFingerprint, float64(i+1)/float64(len(windows))*100, 0)
	}

	if len(prints) == 0 {
		return services.WithReason("fingerprint_empty",
			services.Wrap(services.ErrTransient, "fingerprint", "hash windows", "every window hashed empty", nil))
	}
	if err := f.env.Store.ReplaceFingerprints(ctx, meta.EpisodeFileID, prints); err != nil {
		return services.Wrap(services.ErrTransient, "fingerprint", "persist", "store fingerprints", err)
	}

	if err := os.Remove(wav); err != nil && !os.IsNotExist(err) {
		f.env.logger("fingerprint").Warn("could not remove extracted audio",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.Error(err),
		)
	}
	return nil
}

func (f *Fingerprint) classify(operation string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return services.Wrap(services.ErrTimeout, "fingerprint", operation, "deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return services.Wrap(services.ErrCancelled, "fingerprint", operation, "cancelled", err)
	default:
		return services.Wrap(services.ErrExternalTool, "fingerprint", operation, "subprocess failed", err)
	}
}

// HealthCheck verifies fpcalc is reachable.
func (f *Fingerprint) HealthCheck(context.Context) error {
	binary := strings.TrimSpace(f.env.Config.FpcalcBinary())
	if _, err := exec.LookPath(binary); err != nil {
		return services.Wrap(services.ErrConfiguration, "fingerprint", "health", "fpcalc not found", err)
	}
	return nil
}
