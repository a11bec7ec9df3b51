package stages

import (
	"context"
	"errors"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"cliparr/internal/broker"
	"cliparr/internal/logging"
	"cliparr/internal/media/ffmpeg"
	"cliparr/internal/media/ffprobe"
	"cliparr/internal/queue"
	"cliparr/internal/services"
)

// extraction head-room so a full disk fails before FFmpeg does
const freeSpaceMargin = 1.1

// Extract decodes an episode's primary audio track into the mono PCM WAV
// the fingerprinter consumes.
type Extract struct {
	env *Env
}

// NewExtract constructs the audio extraction stage handler.
func NewExtract(env *Env) *Extract {
	return &Extract{env: env}
}

func (e *Extract) Stage() broker.Stage      { return broker.StageExtract }
func (e *Extract) Processing() queue.Status { return queue.StatusExtractingAudio }
func (e *Extract) Done() queue.Status       { return queue.StatusFingerprinting }
func (e *Extract) Next() broker.Stage       { return broker.StageFingerprint }

// Execute probes the source, checks scratch space, and runs the decode. An
// existing non-empty WAV short-circuits so redeliveries do not repeat work.
func (e *Extract) Execute(ctx context.Context, job *queue.Job, meta *queue.FileMeta) error {
	dest := e.env.AudioPath(job)
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		e.env.logger("extract").Info("reusing extracted audio",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.String("wav", dest),
		)
		return nil
	}

	probe, err := ffprobe.Inspect(ctx, e.env.Config.FFprobeBinary(), meta.Path)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "extract", "probe source", "ffprobe failed", err)
	}
	if !probe.HasAudio() {
		return services.WithReason("no_audio",
			services.Wrap(services.ErrValidation, "extract", "probe source", "no audio stream", nil))
	}
	duration := probe.DurationSeconds()

	if err := e.checkFreeSpace(duration); err != nil {
		return err
	}

	err = e.env.Extractor.Extract(ctx, meta.EpisodeFileID, meta.Path, dest, duration, func(update ffmpeg.ProgressUpdate) {
		e.env.PublishProgress(job, meta, broker.StageExtract, update.Percent, update.FPS)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return services.Wrap(services.ErrTimeout, "extract", "decode audio", "ffmpeg exceeded deadline", err)
		}
		if errors.Is(err, context.Canceled) {
			return services.Wrap(services.ErrCancelled, "extract", "decode audio", "cancelled", err)
		}
		return services.Wrap(services.ErrExternalTool, "extract", "decode audio", "ffmpeg failed", err)
	}
	return nil
}

// checkFreeSpace compares scratch headroom against the projected WAV size:
// mono 16-bit PCM is sampleRate*2 bytes per second.
func (e *Extract) checkFreeSpace(durationSeconds float64) error {
	dir := e.env.Config.AudioDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return services.Wrap(services.ErrTransient, "extract", "prepare scratch", "create audio dir", err)
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return services.Wrap(services.ErrTransient, "extract", "prepare scratch", "statfs", err)
	}
	free := uint64(stat.Bavail) * uint64(stat.Bsize)
	required := uint64(durationSeconds * float64(e.env.Config.Detection.SampleRate) * 2 * freeSpaceMargin)
	if durationSeconds > 0 && free < required {
		return services.WithReason("insufficient_space",
			services.Wrap(services.ErrResources, "extract", "prepare scratch", "not enough free space for WAV", nil))
	}
	return nil
}

// HealthCheck verifies the FFmpeg binaries are reachable.
func (e *Extract) HealthCheck(context.Context) error {
	for _, binary := range []string{e.env.Config.FFmpegBinary(), e.env.Config.FFprobeBinary()} {
		if _, err := exec.LookPath(binary); err != nil {
			return services.Wrap(services.ErrConfiguration, "extract", "health", "binary not found", err)
		}
	}
	return nil
}
