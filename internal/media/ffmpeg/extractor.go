package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const progressInterval = 250 * time.Millisecond

// Extractor decodes episode audio into the mono WAV format the
// fingerprinter consumes, and cuts window chunks out of it.
type Extractor struct {
	binary     string
	sampleRate int
	timeout    time.Duration
	exec       Executor
}

// ExtractorOption configures the extractor.
type ExtractorOption func(*Extractor)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) ExtractorOption {
	return func(e *Extractor) {
		if exec != nil {
			e.exec = exec
		}
	}
}

// NewExtractor constructs an audio extractor.
func NewExtractor(binary string, sampleRate int, timeoutSeconds int, registry *Registry, opts ...ExtractorOption) (*Extractor, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	if sampleRate <= 0 {
		return nil, errors.New("sample rate required")
	}
	extractor := &Extractor{
		binary:     binary,
		sampleRate: sampleRate,
		timeout:    time.Duration(timeoutSeconds) * time.Second,
		exec:       commandExecutor{registry: registry},
	}
	for _, opt := range opts {
		opt(extractor)
	}
	return extractor, nil
}

// Extract decodes the source file's audio to a mono 16-bit PCM WAV at the
// destination path. durationSeconds drives percent reporting; progress may
// be nil.
func (e *Extractor) Extract(ctx context.Context, episodeFileID int64, source, dest string, durationSeconds float64, progress func(ProgressUpdate)) error {
	if source == "" || dest == "" {
		return errors.New("extract: source and destination required")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	args := []string{
		"-hide_banner", "-y",
		"-i", source,
		"-vn", "-sn", "-dn",
		"-map", "0:a:0",
		"-ac", "1",
		"-ar", strconv.Itoa(e.sampleRate),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		dest,
	}

	throttle := newProgressThrottle(progressInterval)
	err := e.exec.Run(runCtx, episodeFileID, e.binary, args, func(line string) {
		if progress == nil {
			return
		}
		update, ok := parseProgress(line)
		if !ok || !throttle.allow(time.Now()) {
			return
		}
		if durationSeconds > 0 {
			update.Percent = (update.Seconds / durationSeconds) * 100
			if update.Percent > 100 {
				update.Percent = 100
			}
		}
		progress(update)
	})
	if err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("ffmpeg extract: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("extract output missing: %w", err)
	}
	if info.Size() == 0 {
		_ = os.Remove(dest)
		return errors.New("extract produced empty output")
	}
	return nil
}

// CutWindow copies one window out of an extracted WAV. PCM cuts are
// sample-accurate with stream copy.
func (e *Extractor) CutWindow(ctx context.Context, episodeFileID int64, source, dest string, startSeconds, lengthSeconds float64) error {
	if source == "" || dest == "" {
		return errors.New("cut window: source and destination required")
	}
	if lengthSeconds <= 0 {
		return errors.New("cut window: length must be positive")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}

	args := []string{
		"-hide_banner", "-y",
		"-ss", formatSeconds(startSeconds),
		"-t", formatSeconds(lengthSeconds),
		"-i", source,
		"-c", "copy",
		dest,
	}
	if err := e.exec.Run(ctx, episodeFileID, e.binary, args, nil); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("ffmpeg cut window at %.1fs: %w", startSeconds, err)
	}
	return nil
}

func formatSeconds(value float64) string {
	return strconv.FormatFloat(value, 'f', 3, 64)
}
