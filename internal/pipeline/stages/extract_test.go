package stages_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cliparr/internal/pipeline/stages"
	"cliparr/internal/queue"
	"cliparr/internal/services"
	"cliparr/internal/testsupport"
)

func TestExtractWritesWAV(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	fixture := newFixture(t, cfg, store, nil)
	testsupport.StubProbe(t, 600, true)

	source := filepath.Join(t.TempDir(), "episode.mkv")
	testsupport.WriteFile(t, source, 4096)

	handler := stages.NewExtract(fixture.env)
	job := &queue.Job{ID: 7, EpisodeFileID: 3, Status: queue.StatusExtractingAudio}
	meta := &queue.FileMeta{EpisodeFileID: 3, Path: source}

	if err := handler.Execute(context.Background(), job, meta); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	wav := fixture.env.AudioPath(job)
	if _, err := os.Stat(wav); err != nil {
		t.Fatalf("expected WAV at %s: %v", wav, err)
	}
	if fixture.exec.callCount() != 1 {
		t.Fatalf("expected one ffmpeg invocation, got %d", fixture.exec.callCount())
	}
}

func TestExtractIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	fixture := newFixture(t, cfg, store, nil)
	testsupport.StubProbe(t, 600, true)

	job := &queue.Job{ID: 7, EpisodeFileID: 3, Status: queue.StatusExtractingAudio}
	meta := &queue.FileMeta{EpisodeFileID: 3, Path: filepath.Join(t.TempDir(), "episode.mkv")}
	testsupport.WriteFile(t, meta.Path, 4096)
	testsupport.WriteFile(t, fixture.env.AudioPath(job), 1024)

	handler := stages.NewExtract(fixture.env)
	if err := handler.Execute(context.Background(), job, meta); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if fixture.exec.callCount() != 0 {
		t.Fatalf("expected no ffmpeg invocation for existing WAV, got %d", fixture.exec.callCount())
	}
}

func TestExtractFailsWithoutAudioStream(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	fixture := newFixture(t, cfg, store, nil)
	testsupport.StubProbe(t, 600, false)

	source := filepath.Join(t.TempDir(), "episode.mkv")
	testsupport.WriteFile(t, source, 4096)

	handler := stages.NewExtract(fixture.env)
	err := handler.Execute(context.Background(),
		&queue.Job{ID: 7, EpisodeFileID: 3, Status: queue.StatusExtractingAudio},
		&queue.FileMeta{EpisodeFileID: 3, Path: source},
	)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Execute error = %v, want validation", err)
	}
	if got := services.FailureReason(err); got != "no_audio" {
		t.Fatalf("FailureReason = %q, want no_audio", got)
	}
}

func TestExtractClassifiesSubprocessFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	fixture := newFixture(t, cfg, store, nil)
	testsupport.StubProbe(t, 600, true)
	fixture.exec.fail = errors.New("exit status 1")

	source := filepath.Join(t.TempDir(), "episode.mkv")
	testsupport.WriteFile(t, source, 4096)

	handler := stages.NewExtract(fixture.env)
	err := handler.Execute(context.Background(),
		&queue.Job{ID: 7, EpisodeFileID: 3, Status: queue.StatusExtractingAudio},
		&queue.FileMeta{EpisodeFileID: 3, Path: source},
	)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("Execute error = %v, want external tool", err)
	}
	if !services.Retryable(err) {
		t.Fatal("ffmpeg failure must be retryable")
	}
	if services.MaxAttempts(err, 5) != 2 {
		t.Fatalf("subprocess failures retry once, got budget %d", services.MaxAttempts(err, 5))
	}
}
