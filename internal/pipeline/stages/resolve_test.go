package stages_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cliparr/internal/broker"
	"cliparr/internal/pipeline/stages"
	"cliparr/internal/queue"
	"cliparr/internal/services"
	"cliparr/internal/testsupport"
)

func TestResolvePassesForExistingFile(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	fixture := newFixture(t, cfg, store, nil)

	source := filepath.Join(t.TempDir(), "episode.mkv")
	testsupport.WriteFile(t, source, 4096)

	handler := stages.NewResolve(fixture.env)
	job := &queue.Job{ID: 1, EpisodeFileID: 1, Status: queue.StatusScanning}
	meta := &queue.FileMeta{EpisodeFileID: 1, Path: source}

	if err := handler.Execute(context.Background(), job, meta); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if handler.Next() != broker.StageExtract {
		t.Fatalf("Next = %s, want extract", handler.Next())
	}
	if handler.Done() != queue.StatusExtractingAudio {
		t.Fatalf("Done = %s, want extracting_audio", handler.Done())
	}
}

func TestResolveRejectsMissingFile(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	fixture := newFixture(t, cfg, store, nil)

	handler := stages.NewResolve(fixture.env)
	job := &queue.Job{ID: 1, EpisodeFileID: 1, Status: queue.StatusScanning}
	meta := &queue.FileMeta{EpisodeFileID: 1, Path: filepath.Join(t.TempDir(), "gone.mkv")}

	err := handler.Execute(context.Background(), job, meta)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Execute error = %v, want validation", err)
	}
	if services.Retryable(err) {
		t.Fatal("missing source must not be retryable")
	}
}

func TestResolveRejectsEmptyFile(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	fixture := newFixture(t, cfg, store, nil)

	source := filepath.Join(t.TempDir(), "empty.mkv")
	if err := os.WriteFile(source, nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}

	handler := stages.NewResolve(fixture.env)
	err := handler.Execute(context.Background(),
		&queue.Job{ID: 1, EpisodeFileID: 1, Status: queue.StatusScanning},
		&queue.FileMeta{EpisodeFileID: 1, Path: source},
	)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Execute error = %v, want validation", err)
	}
}
