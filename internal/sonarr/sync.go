package sonarr

import (
	"context"
	"log/slog"
	"time"

	"cliparr/internal/config"
	"cliparr/internal/logging"
	"cliparr/internal/queue"
)

// Submitter enqueues processing for a library file. The pipeline manager
// satisfies this.
type Submitter interface {
	Submit(ctx context.Context, episodeFileID int64) (int64, error)
}

// SyncStats summarizes one library sync pass.
type SyncStats struct {
	Series    int
	Episodes  int
	Files     int
	Submitted int
}

// Syncer mirrors the Sonarr library into the store on an interval. With
// import mode "auto" every newly seen file is also submitted for
// processing; "import" only mirrors the library; "none" disables the
// loop entirely.
type Syncer struct {
	cfg    *config.Config
	client *Client
	store  *queue.Store
	submit Submitter
	logger *slog.Logger
}

// NewSyncer builds the sync service. submit may be nil when processing
// submission is handled elsewhere.
func NewSyncer(cfg *config.Config, client *Client, store *queue.Store, submit Submitter, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Syncer{
		cfg:    cfg,
		client: client,
		store:  store,
		submit: submit,
		logger: logging.NewComponentLogger(logger, "sonarr"),
	}
}

// Run polls Sonarr until the context ends. It performs one pass
// immediately so a fresh daemon does not wait a full interval.
func (s *Syncer) Run(ctx context.Context) {
	if s.cfg.Sonarr.ImportMode == config.ImportModeNone {
		s.logger.Info("library sync disabled")
		return
	}
	if _, err := s.SyncAll(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("initial library sync failed", logging.Error(err))
	}

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SyncAll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("library sync failed", logging.Error(err))
			}
		}
	}
}

// SyncAll mirrors every series Sonarr reports.
func (s *Syncer) SyncAll(ctx context.Context) (SyncStats, error) {
	var stats SyncStats
	series, err := s.client.Series(ctx)
	if err != nil {
		return stats, err
	}
	for _, show := range series {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		showStats, err := s.syncSeries(ctx, show)
		if err != nil {
			s.logger.Warn("series sync failed",
				logging.String("series", show.Title),
				logging.Error(err),
			)
			continue
		}
		stats.Series++
		stats.Episodes += showStats.Episodes
		stats.Files += showStats.Files
		stats.Submitted += showStats.Submitted
	}
	s.logger.Info("library sync complete",
		logging.Int("series", stats.Series),
		logging.Int("episodes", stats.Episodes),
		logging.Int("files", stats.Files),
		logging.Int("submitted", stats.Submitted),
	)
	return stats, nil
}

func (s *Syncer) syncSeries(ctx context.Context, show Series) (SyncStats, error) {
	var stats SyncStats

	showID, err := s.store.UpsertShow(ctx, queue.Show{
		Title:      show.Title,
		ExternalID: show.ID,
		Path:       show.Path,
	})
	if err != nil {
		return stats, err
	}

	episodes, err := s.client.Episodes(ctx, show.ID)
	if err != nil {
		return stats, err
	}
	files, err := s.client.EpisodeFiles(ctx, show.ID)
	if err != nil {
		return stats, err
	}
	fileByID := make(map[int64]EpisodeFile, len(files))
	for _, file := range files {
		fileByID[file.ID] = file
	}

	for _, episode := range episodes {
		if !episode.HasFile {
			continue
		}
		file, ok := fileByID[episode.EpisodeFileID]
		if !ok || file.Path == "" {
			continue
		}
		seasonID, err := s.store.UpsertSeason(ctx, showID, episode.SeasonNumber)
		if err != nil {
			return stats, err
		}
		episodeID, err := s.store.UpsertEpisode(ctx, queue.Episode{
			SeasonID:      seasonID,
			EpisodeNumber: episode.EpisodeNumber,
			Title:         episode.Title,
			ExternalID:    episode.ID,
		})
		if err != nil {
			return stats, err
		}
		fileID, err := s.store.UpsertEpisodeFile(ctx, queue.EpisodeFile{
			EpisodeID: episodeID,
			Path:      file.Path,
			Size:      file.Size,
		})
		if err != nil {
			return stats, err
		}
		stats.Episodes++
		stats.Files++

		if s.cfg.Sonarr.ImportMode == config.ImportModeAuto && s.submit != nil {
			if _, err := s.submit.Submit(ctx, fileID); err != nil {
				s.logger.Warn("auto submit failed",
					logging.Int64("episode_file_id", fileID),
					logging.Error(err),
				)
				continue
			}
			stats.Submitted++
		}
	}
	return stats, nil
}

func (s *Syncer) interval() time.Duration {
	seconds := s.cfg.Sonarr.PollingInterval
	if seconds < 60 {
		seconds = 60
	}
	if seconds > 86400 {
		seconds = 86400
	}
	return time.Duration(seconds) * time.Second
}
