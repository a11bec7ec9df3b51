package testsupport

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"cliparr/internal/config"
	"cliparr/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// SeededEpisode describes a library row created by SeedEpisode.
type SeededEpisode struct {
	ShowID        int64
	SeasonID      int64
	EpisodeID     int64
	EpisodeFileID int64
	Path          string
}

// SeedEpisode inserts a show, season, episode, and file row, returning the
// created identifiers. External ids are derived from the episode
// coordinates so repeated seeds of the same coordinates collide on purpose.
func SeedEpisode(t testing.TB, store *queue.Store, showTitle string, season, episode int) SeededEpisode {
	t.Helper()
	ctx := context.Background()

	showExternal := int64(1000)
	for _, r := range showTitle {
		showExternal = showExternal*31 + int64(r)%97
	}
	showID, err := store.UpsertShow(ctx, queue.Show{
		Title:      showTitle,
		ExternalID: showExternal,
		Path:       filepath.Join("/library", showTitle),
	})
	if err != nil {
		t.Fatalf("UpsertShow: %v", err)
	}
	seasonID, err := store.UpsertSeason(ctx, showID, season)
	if err != nil {
		t.Fatalf("UpsertSeason: %v", err)
	}
	episodeID, err := store.UpsertEpisode(ctx, queue.Episode{
		SeasonID:      seasonID,
		EpisodeNumber: episode,
		Title:         fmt.Sprintf("Episode %d", episode),
		ExternalID:    showExternal*1000 + int64(season)*100 + int64(episode),
	})
	if err != nil {
		t.Fatalf("UpsertEpisode: %v", err)
	}
	path := filepath.Join("/library", showTitle, fmt.Sprintf("S%02dE%02d.mkv", season, episode))
	fileID, err := store.UpsertEpisodeFile(ctx, queue.EpisodeFile{
		EpisodeID: episodeID,
		Path:      path,
		Size:      1 << 20,
	})
	if err != nil {
		t.Fatalf("UpsertEpisodeFile: %v", err)
	}

	return SeededEpisode{
		ShowID:        showID,
		SeasonID:      seasonID,
		EpisodeID:     episodeID,
		EpisodeFileID: fileID,
		Path:          path,
	}
}

// NewJob creates a processing job for tests using the provided store.
func NewJob(t testing.TB, store *queue.Store, episodeFileID int64) *queue.Job {
	t.Helper()

	job, _, err := store.CreateJob(context.Background(), episodeFileID)
	if err != nil {
		t.Fatalf("store.CreateJob: %v", err)
	}
	return job
}
