package sonarr_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"cliparr/internal/config"
	"cliparr/internal/sonarr"
	"cliparr/internal/testsupport"
)

func stubSonarr(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/series", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]sonarr.Series{
			{ID: 10, Title: "Stub Show", Path: "/library/Stub Show"},
		})
	})
	mux.HandleFunc("/api/v3/episode", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]sonarr.Episode{
			{ID: 100, SeriesID: 10, SeasonNumber: 1, EpisodeNumber: 1, Title: "Pilot", EpisodeFileID: 500, HasFile: true},
			{ID: 101, SeriesID: 10, SeasonNumber: 1, EpisodeNumber: 2, Title: "Second", EpisodeFileID: 501, HasFile: true},
			{ID: 102, SeriesID: 10, SeasonNumber: 1, EpisodeNumber: 3, Title: "Missing", HasFile: false},
		})
	})
	mux.HandleFunc("/api/v3/episodefile", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]sonarr.EpisodeFile{
			{ID: 500, SeriesID: 10, SeasonNumber: 1, Path: "/library/Stub Show/S01E01.mkv", Size: 1 << 20},
			{ID: 501, SeriesID: 10, SeasonNumber: 1, Path: "/library/Stub Show/S01E02.mkv", Size: 1 << 20},
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

type countingSubmitter struct {
	calls atomic.Int32
}

func (c *countingSubmitter) Submit(context.Context, int64) (int64, error) {
	return int64(c.calls.Add(1)), nil
}

func TestSyncAllMirrorsLibrary(t *testing.T) {
	server := stubSonarr(t)
	cfg := testsupport.NewConfig(t)
	cfg.Sonarr.URL = server.URL
	cfg.Sonarr.APIKey = "secret"
	cfg.Sonarr.ImportMode = config.ImportModeImport
	store := testsupport.MustOpenStore(t, cfg)

	client := sonarr.NewClient(cfg.Sonarr.URL, cfg.Sonarr.APIKey)
	submit := &countingSubmitter{}
	syncer := sonarr.NewSyncer(cfg, client, store, submit, nil)

	stats, err := syncer.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if stats.Series != 1 || stats.Files != 2 {
		t.Fatalf("stats = %+v, want 1 series and 2 files", stats)
	}
	if submit.calls.Load() != 0 {
		t.Fatal("import mode must not submit jobs")
	}

	shows, err := store.Shows(context.Background())
	if err != nil {
		t.Fatalf("Shows: %v", err)
	}
	if len(shows) != 1 || shows[0].Title != "Stub Show" {
		t.Fatalf("shows = %+v", shows)
	}
	files, err := store.EpisodeFilesForShow(context.Background(), shows[0].ID)
	if err != nil {
		t.Fatalf("EpisodeFilesForShow: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %d, want 2 (episodes without files skipped)", len(files))
	}
}

func TestSyncAllAutoSubmits(t *testing.T) {
	server := stubSonarr(t)
	cfg := testsupport.NewConfig(t)
	cfg.Sonarr.URL = server.URL
	cfg.Sonarr.APIKey = "secret"
	cfg.Sonarr.ImportMode = config.ImportModeAuto
	store := testsupport.MustOpenStore(t, cfg)

	client := sonarr.NewClient(cfg.Sonarr.URL, cfg.Sonarr.APIKey)
	submit := &countingSubmitter{}
	syncer := sonarr.NewSyncer(cfg, client, store, submit, nil)

	stats, err := syncer.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if stats.Submitted != 2 {
		t.Fatalf("submitted = %d, want 2", stats.Submitted)
	}
	if submit.calls.Load() != 2 {
		t.Fatalf("submit calls = %d, want 2", submit.calls.Load())
	}
}

func TestSyncAllIsIdempotent(t *testing.T) {
	server := stubSonarr(t)
	cfg := testsupport.NewConfig(t)
	cfg.Sonarr.URL = server.URL
	cfg.Sonarr.APIKey = "secret"
	cfg.Sonarr.ImportMode = config.ImportModeImport
	store := testsupport.MustOpenStore(t, cfg)

	client := sonarr.NewClient(cfg.Sonarr.URL, cfg.Sonarr.APIKey)
	syncer := sonarr.NewSyncer(cfg, client, store, nil, nil)

	for pass := 0; pass < 2; pass++ {
		if _, err := syncer.SyncAll(context.Background()); err != nil {
			t.Fatalf("SyncAll pass %d: %v", pass, err)
		}
	}
	shows, err := store.Shows(context.Background())
	if err != nil {
		t.Fatalf("Shows: %v", err)
	}
	if len(shows) != 1 {
		t.Fatalf("shows duplicated: %d", len(shows))
	}
	files, err := store.EpisodeFilesForShow(context.Background(), shows[0].ID)
	if err != nil {
		t.Fatalf("EpisodeFilesForShow: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files duplicated: %d", len(files))
	}
}

func TestClientRejectsBadAPIKey(t *testing.T) {
	server := stubSonarr(t)
	client := sonarr.NewClient(server.URL, "wrong")

	if _, err := client.Series(context.Background()); err == nil {
		t.Fatal("expected error for rejected API key")
	}
}
