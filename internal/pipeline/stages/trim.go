package stages

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"cliparr/internal/broker"
	"cliparr/internal/logging"
	"cliparr/internal/media/ffmpeg"
	"cliparr/internal/media/ffprobe"
	"cliparr/internal/queue"
	"cliparr/internal/services"
)

// Trim excises approved segments from the source file and writes the
// result under the output directory, preserving the path relative to the
// show root.
type Trim struct {
	env   *Env
	title cases.Caser
}

// NewTrim constructs the trim stage handler.
func NewTrim(env *Env) *Trim {
	return &Trim{env: env, title: cases.Title(language.English)}
}

func (t *Trim) Stage() broker.Stage      { return broker.StageTrim }
func (t *Trim) Processing() queue.Status { return queue.StatusTrimming }
func (t *Trim) Done() queue.Status       { return queue.StatusCompleted }
func (t *Trim) Next() broker.Stage       { return "" }

// Execute validates approval, resolves paths, and runs the concat-filter
// encode. When backups are enabled the original moves aside first and is
// restored on any failure.
func (t *Trim) Execute(ctx context.Context, job *queue.Job, meta *queue.FileMeta) error {
	detection, err := t.env.Store.DetectionForEpisode(ctx, meta.ShowID, meta.SeasonNumber, meta.EpisodeNumber)
	if err != nil {
		return services.Wrap(services.ErrTransient, "trim", "load detection", "detection lookup", err)
	}
	if detection == nil {
		return services.Wrap(services.ErrValidation, "trim", "load detection", "no detection result for episode", nil)
	}
	if !detection.ApprovalStatus.Approved() && !job.ManualVerified {
		return services.Wrap(services.ErrValidation, "trim", "load detection", "detection not approved", nil)
	}

	cuts := t.cutList(detection)
	if len(cuts) == 0 {
		job.ProcessingNotes = appendNote(job.ProcessingNotes, "no_segments")
		return t.env.Store.UpdateJob(ctx, job)
	}

	output := t.outputPath(meta)
	backup := t.backupPath(meta)

	input := meta.Path
	sourceInfo, statErr := os.Stat(input)
	if statErr != nil {
		// A prior attempt may have moved the original aside already.
		if info, err := os.Stat(backup); err == nil {
			input = backup
			sourceInfo = info
		} else {
			return services.Wrap(services.ErrValidation, "trim", "resolve source", "source file missing", statErr)
		}
	}

	if info, err := os.Stat(output); err == nil && info.ModTime().After(sourceInfo.ModTime()) {
		job.ProcessingNotes = appendNote(job.ProcessingNotes, "already_trimmed")
		return t.env.Store.UpdateJob(ctx, job)
	}

	if err := t.checkFreeSpace(output, sourceInfo.Size()); err != nil {
		return err
	}

	probe, err := ffprobe.Inspect(ctx, t.env.Config.FFprobeBinary(), input)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "trim", "probe source", "ffprobe failed", err)
	}
	duration := probe.DurationSeconds()
	if duration <= 0 {
		return services.Wrap(services.ErrValidation, "trim", "probe source", "source has no duration", nil)
	}

	// Stream-copy when the source codecs concat cleanly; otherwise fall
	// back to the configured re-encode preset.
	streamCopy := false
	if video, audio := probe.PrimaryVideoStream(), probe.PrimaryAudioStream(); video != nil && audio != nil {
		streamCopy = ffmpeg.CanStreamCopy(video.CodecName, audio.CodecName)
	}

	moved := false
	if t.env.Config.Trim.BackupOriginals && input == meta.Path {
		if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
			return services.Wrap(services.ErrTransient, "trim", "backup original", "create backup dir", err)
		}
		if err := os.Rename(meta.Path, backup); err != nil {
			return services.Wrap(services.ErrTransient, "trim", "backup original", "move original aside", err)
		}
		input = backup
		moved = true
	}

	err = t.env.Trimmer.Trim(ctx, meta.EpisodeFileID, input, output, duration, cuts, streamCopy, func(update ffmpeg.ProgressUpdate) {
		t.env.PublishProgress(job, meta, broker.StageTrim, update.Percent, update.FPS)
	})
	if err != nil {
		if moved {
			if restoreErr := os.Rename(backup, meta.Path); restoreErr != nil {
				t.env.logger("trim").Error("could not restore original after failed trim",
					logging.Int64(logging.FieldJobID, job.ID),
					logging.String("backup", backup),
					logging.Error(restoreErr),
				)
			}
		}
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return services.Wrap(services.ErrTimeout, "trim", "encode", "ffmpeg exceeded deadline", err)
		case errors.Is(err, context.Canceled):
			return services.Wrap(services.ErrCancelled, "trim", "encode", "cancelled", err)
		default:
			return services.Wrap(services.ErrExternalTool, "trim", "encode", "ffmpeg failed", err)
		}
	}

	t.env.logger("trim").Info("trimmed episode",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String("output", output),
		logging.Int("cuts", len(cuts)),
		logging.Bool("stream_copy", streamCopy),
	)
	return nil
}

// cutList assembles the cut intervals from the stored detection. Stingers
// join only when the policy flag enables them.
func (t *Trim) cutList(detection *queue.DetectionResult) []ffmpeg.Interval {
	var cuts []ffmpeg.Interval
	if detection.IntroStart != nil && detection.IntroEnd != nil {
		cuts = append(cuts, ffmpeg.Interval{Start: *detection.IntroStart, End: *detection.IntroEnd})
	}
	if detection.CreditsStart != nil && detection.CreditsEnd != nil {
		cuts = append(cuts, ffmpeg.Interval{Start: *detection.CreditsStart, End: *detection.CreditsEnd})
	}
	if t.env.Config.Trim.TrimStingers {
		for _, stinger := range detection.Stingers {
			cuts = append(cuts, ffmpeg.Interval{Start: stinger.Start, End: stinger.End})
		}
	}
	return cuts
}

// showDirName picks the output directory segment for a show: the on-disk
// root name when the library reports one, else a title-cased show name.
func (t *Trim) showDirName(meta *queue.FileMeta) string {
	if dir := filepath.Base(strings.TrimSpace(meta.ShowPath)); dir != "" && dir != "." && dir != string(filepath.Separator) {
		return dir
	}
	return t.title.String(strings.ToLower(strings.TrimSpace(meta.ShowTitle)))
}

// relPath returns the episode path relative to the show root, falling back
// to the bare filename when the file lives outside the root.
func (t *Trim) relPath(meta *queue.FileMeta) string {
	if meta.ShowPath != "" {
		if rel, err := filepath.Rel(meta.ShowPath, meta.Path); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return filepath.Base(meta.Path)
}

func (t *Trim) outputPath(meta *queue.FileMeta) string {
	return filepath.Join(t.env.Config.Paths.OutputDir, t.showDirName(meta), t.relPath(meta))
}

func (t *Trim) backupPath(meta *queue.FileMeta) string {
	return filepath.Join(t.env.Config.Paths.OutputDir, ".backup", t.showDirName(meta), t.relPath(meta))
}

func (t *Trim) checkFreeSpace(output string, sourceSize int64) error {
	dir := filepath.Dir(output)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return services.Wrap(services.ErrTransient, "trim", "prepare output", "create output dir", err)
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return services.Wrap(services.ErrTransient, "trim", "prepare output", "statfs", err)
	}
	free := uint64(stat.Bavail) * uint64(stat.Bsize)
	if sourceSize > 0 && free < uint64(float64(sourceSize)*freeSpaceMargin) {
		return services.WithReason("insufficient_space",
			services.Wrap(services.ErrResources, "trim", "prepare output", "not enough free space for output", nil))
	}
	return nil
}

// HealthCheck verifies the FFmpeg binary is reachable.
func (t *Trim) HealthCheck(context.Context) error {
	if _, err := exec.LookPath(t.env.Config.FFmpegBinary()); err != nil {
		return services.Wrap(services.ErrConfiguration, "trim", "health", "ffmpeg not found", err)
	}
	return nil
}
