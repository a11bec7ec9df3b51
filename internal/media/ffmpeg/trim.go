package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Interval is a half-open [Start, End) span on an episode timeline, in
// seconds.
type Interval struct {
	Start float64
	End   float64
}

// Duration returns the interval length in seconds.
func (i Interval) Duration() float64 {
	return i.End - i.Start
}

const minKeepSeconds = 0.05

// BuildKeepIntervals computes the complement of the cut list over
// [0, duration]: the spans of the episode that survive trimming.
// Overlapping cuts are merged and slivers too short to be a real frame
// span are dropped.
func BuildKeepIntervals(duration float64, cuts []Interval) []Interval {
	if duration <= 0 {
		return nil
	}

	cleaned := make([]Interval, 0, len(cuts))
	for _, cut := range cuts {
		start := cut.Start
		end := cut.End
		if start < 0 {
			start = 0
		}
		if end > duration {
			end = duration
		}
		if end-start <= 0 {
			continue
		}
		cleaned = append(cleaned, Interval{Start: start, End: end})
	}
	sort.Slice(cleaned, func(i, j int) bool { return cleaned[i].Start < cleaned[j].Start })

	merged := make([]Interval, 0, len(cleaned))
	for _, cut := range cleaned {
		if len(merged) > 0 && cut.Start <= merged[len(merged)-1].End {
			if cut.End > merged[len(merged)-1].End {
				merged[len(merged)-1].End = cut.End
			}
			continue
		}
		merged = append(merged, cut)
	}

	keeps := make([]Interval, 0, len(merged)+1)
	cursor := 0.0
	for _, cut := range merged {
		if cut.Start-cursor >= minKeepSeconds {
			keeps = append(keeps, Interval{Start: cursor, End: cut.Start})
		}
		cursor = cut.End
	}
	if duration-cursor >= minKeepSeconds {
		keeps = append(keeps, Interval{Start: cursor, End: duration})
	}
	return keeps
}

// concatFilter builds the filter_complex graph that trims each kept span
// and concatenates them back together.
func concatFilter(keeps []Interval) string {
	var b strings.Builder
	for i, keep := range keeps {
		fmt.Fprintf(&b, "[0:v]trim=start=%s:end=%s,setpts=PTS-STARTPTS[v%d];",
			formatSeconds(keep.Start), formatSeconds(keep.End), i)
		fmt.Fprintf(&b, "[0:a]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS[a%d];",
			formatSeconds(keep.Start), formatSeconds(keep.End), i)
	}
	for i := range keeps {
		fmt.Fprintf(&b, "[v%d][a%d]", i, i)
	}
	fmt.Fprintf(&b, "concat=n=%d:v=1:a=1[outv][outa]", len(keeps))
	return b.String()
}

// Trimmer produces trimmed episode files through FFmpeg concat filters.
type Trimmer struct {
	binary     string
	timeout    time.Duration
	preset     string
	gpuEncoder string
	exec       Executor
}

// TrimmerOption configures the trimmer.
type TrimmerOption func(*Trimmer)

// WithTrimExecutor injects a custom executor (primarily for tests).
func WithTrimExecutor(exec Executor) TrimmerOption {
	return func(t *Trimmer) {
		if exec != nil {
			t.exec = exec
		}
	}
}

// NewTrimmer constructs a trimmer. An empty gpuEncoder selects software
// x264 encoding with the given preset.
func NewTrimmer(binary string, timeoutSeconds int, preset, gpuEncoder string, registry *Registry, opts ...TrimmerOption) *Trimmer {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	if preset == "" {
		preset = "medium"
	}
	trimmer := &Trimmer{
		binary:     binary,
		timeout:    time.Duration(timeoutSeconds) * time.Second,
		preset:     preset,
		gpuEncoder: strings.TrimSpace(gpuEncoder),
		exec:       commandExecutor{registry: registry},
	}
	for _, opt := range opts {
		opt(trimmer)
	}
	return trimmer
}

// copyVideoCodecs and copyAudioCodecs list codecs the concat demuxer
// joins without re-encoding.
var copyVideoCodecs = map[string]bool{
	"h264":       true,
	"hevc":       true,
	"mpeg2video": true,
	"mpeg4":      true,
}

var copyAudioCodecs = map[string]bool{
	"aac":  true,
	"ac3":  true,
	"eac3": true,
	"mp3":  true,
	"flac": true,
	"dts":  true,
}

// CanStreamCopy reports whether both codecs survive a segment cut plus
// concat-demuxer join without re-encoding.
func CanStreamCopy(videoCodec, audioCodec string) bool {
	return copyVideoCodecs[strings.ToLower(strings.TrimSpace(videoCodec))] &&
		copyAudioCodecs[strings.ToLower(strings.TrimSpace(audioCodec))]
}

// Trim writes a copy of source to dest with the cut intervals removed.
// When streamCopy is set the kept spans are cut and rejoined with -c copy;
// otherwise a concat filter re-encodes with the configured encoder.
func (t *Trimmer) Trim(ctx context.Context, episodeFileID int64, source, dest string, duration float64, cuts []Interval, streamCopy bool, progress func(ProgressUpdate)) error {
	if source == "" || dest == "" {
		return errors.New("trim: source and destination required")
	}
	keeps := BuildKeepIntervals(duration, cuts)
	if len(keeps) == 0 {
		return errors.New("trim: no content would remain")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	kept := 0.0
	for _, keep := range keeps {
		kept += keep.Duration()
	}

	var err error
	if streamCopy {
		err = t.trimCopy(runCtx, episodeFileID, source, dest, keeps, kept, progress)
	} else {
		err = t.trimEncode(runCtx, episodeFileID, source, dest, keeps, kept, progress)
	}
	if err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("ffmpeg trim: %w", err)
	}

	info, statErr := os.Stat(dest)
	if statErr != nil {
		return fmt.Errorf("trim output missing: %w", statErr)
	}
	if info.Size() == 0 {
		_ = os.Remove(dest)
		return errors.New("trim produced empty output")
	}
	return nil
}

// trimEncode runs the single-pass concat filter with the configured
// encoder.
func (t *Trimmer) trimEncode(ctx context.Context, episodeFileID int64, source, dest string, keeps []Interval, kept float64, progress func(ProgressUpdate)) error {
	args := []string{
		"-hide_banner", "-y",
		"-i", source,
		"-filter_complex", concatFilter(keeps),
		"-map", "[outv]",
		"-map", "[outa]",
	}
	if t.gpuEncoder != "" {
		args = append(args, "-c:v", t.gpuEncoder)
	} else {
		args = append(args, "-c:v", "libx264", "-preset", t.preset, "-crf", "18")
	}
	args = append(args, "-c:a", "aac", "-b:a", "192k", dest)

	throttle := newProgressThrottle(progressInterval)
	return t.exec.Run(ctx, episodeFileID, t.binary, args, progressRelay(progress, throttle, 0, kept))
}

// trimCopy cuts each kept span with -c copy, then joins the pieces with
// the concat demuxer. No re-encode happens at any step.
func (t *Trimmer) trimCopy(ctx context.Context, episodeFileID int64, source, dest string, keeps []Interval, kept float64, progress func(ProgressUpdate)) error {
	segDir, err := os.MkdirTemp(filepath.Dir(dest), ".trim-")
	if err != nil {
		return fmt.Errorf("create segment dir: %w", err)
	}
	defer os.RemoveAll(segDir)

	throttle := newProgressThrottle(progressInterval)
	var list strings.Builder
	completed := 0.0
	for i, keep := range keeps {
		segment := filepath.Join(segDir, fmt.Sprintf("seg%03d%s", i, filepath.Ext(dest)))
		args := []string{
			"-hide_banner", "-y",
			"-ss", formatSeconds(keep.Start),
			"-to", formatSeconds(keep.End),
			"-i", source,
			"-map", "0",
			"-c", "copy",
			"-avoid_negative_ts", "make_zero",
			segment,
		}
		if err := t.exec.Run(ctx, episodeFileID, t.binary, args, progressRelay(progress, throttle, completed, kept)); err != nil {
			return fmt.Errorf("cut segment %d: %w", i, err)
		}
		completed += keep.Duration()
		fmt.Fprintf(&list, "file '%s'\n", segment)
	}

	listPath := filepath.Join(segDir, "segments.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	args := []string{
		"-hide_banner", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		dest,
	}
	if err := t.exec.Run(ctx, episodeFileID, t.binary, args, nil); err != nil {
		return fmt.Errorf("concat segments: %w", err)
	}
	return nil
}

// progressRelay forwards parsed progress lines, shifting the reported
// seconds by the work already completed so percentages stay monotonic
// across multi-command trims.
func progressRelay(progress func(ProgressUpdate), throttle *progressThrottle, completed, kept float64) func(string) {
	if progress == nil {
		return nil
	}
	return func(line string) {
		update, ok := parseProgress(line)
		if !ok || !throttle.allow(time.Now()) {
			return
		}
		if kept > 0 {
			update.Percent = ((completed + update.Seconds) / kept) * 100
			if update.Percent > 100 {
				update.Percent = 100
			}
		}
		progress(update)
	}
}
