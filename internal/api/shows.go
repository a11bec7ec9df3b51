package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"cliparr/internal/logging"
	"cliparr/internal/queue"
)

var errInvalidSeason = errors.New("season must be a non-negative integer")

type showSelection struct {
	ShowIDs []int64 `json:"showIds"`
}

type scanResponse struct {
	Scanned  int `json:"scanned"`
	Enqueued int `json:"enqueued"`
}

// handleShowsScan creates jobs and enqueues the first stage for every
// episode file of the named shows. Files that already have a job are
// counted as scanned but not enqueued.
func (s *Server) handleShowsScan(w http.ResponseWriter, r *http.Request) {
	shows, ok := s.decodeSelection(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	var resp scanResponse
	for _, showID := range shows {
		files, err := s.store.EpisodeFilesForShow(ctx, showID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		for _, file := range files {
			resp.Scanned++
			enqueued, err := s.submitFile(ctx, file.EpisodeFileID)
			if err != nil {
				s.writeError(w, err)
				return
			}
			if enqueued {
				resp.Enqueued++
			}
		}
	}
	s.logger.Info("scan requested",
		logging.Int("shows", len(shows)),
		logging.Int("scanned", resp.Scanned),
		logging.Int("enqueued", resp.Enqueued),
	)
	writeJSON(w, http.StatusOK, resp)
}

// handleShowsRescan invalidates stored fingerprints and detection results
// for the named shows, then runs every episode file through the pipeline
// again.
func (s *Server) handleShowsRescan(w http.ResponseWriter, r *http.Request) {
	shows, ok := s.decodeSelection(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	var resp scanResponse
	for _, showID := range shows {
		files, err := s.store.EpisodeFilesForShow(ctx, showID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		for _, file := range files {
			if err := s.store.DeleteFingerprintsForFile(ctx, file.EpisodeFileID); err != nil {
				s.writeError(w, err)
				return
			}
		}
		if err := s.store.DeleteDetectionsForShow(ctx, showID, -1); err != nil {
			s.writeError(w, err)
			return
		}
		for _, file := range files {
			resp.Scanned++
			job, err := s.store.JobByFile(ctx, file.EpisodeFileID)
			if err != nil {
				s.writeError(w, err)
				return
			}
			if job != nil {
				if _, err := s.pipeline.Requeue(ctx, job.ID); err != nil {
					s.writeError(w, err)
					return
				}
			} else if _, err := s.pipeline.Submit(ctx, file.EpisodeFileID); err != nil {
				s.writeError(w, err)
				return
			}
			resp.Enqueued++
		}
	}
	s.logger.Info("rescan requested",
		logging.Int("shows", len(shows)),
		logging.Int("enqueued", resp.Enqueued),
	)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDetectionStats(w http.ResponseWriter, r *http.Request) {
	showID, ok := pathID(r)
	if !ok {
		s.writeBadRequest(w, "show id must be a positive integer")
		return
	}
	ctx := r.Context()
	show, err := s.store.ShowByID(ctx, showID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if show == nil {
		s.writeNotFound(w, "show "+strconv.FormatInt(showID, 10))
		return
	}
	stats, err := s.store.DetectionStatsForShow(ctx, showID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	total := 0
	counts := make(map[string]int, len(stats))
	for approval, count := range stats {
		counts[string(approval)] = count
		total += count
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"show_id": showID,
		"title":   show.Title,
		"counts":  counts,
		"total":   total,
	})
}

type segmentSpan struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type episodeSegments struct {
	SeasonNumber    int                  `json:"season_number"`
	EpisodeNumber   int                  `json:"episode_number"`
	Intro           *segmentSpan         `json:"intro"`
	Credits         *segmentSpan         `json:"credits"`
	Stingers        []queue.Segment      `json:"stingers,omitempty"`
	ConfidenceScore float64              `json:"confidence_score"`
	ApprovalStatus  queue.ApprovalStatus `json:"approval_status"`
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	showID, ok := pathID(r)
	if !ok {
		s.writeBadRequest(w, "show id must be a positive integer")
		return
	}
	ctx := r.Context()
	show, err := s.store.ShowByID(ctx, showID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if show == nil {
		s.writeNotFound(w, "show "+strconv.FormatInt(showID, 10))
		return
	}

	seasons, err := s.requestedSeasons(ctx, r, showID)
	if err != nil {
		s.writeBadRequest(w, err.Error())
		return
	}
	episodes := make([]episodeSegments, 0)
	for _, season := range seasons {
		results, err := s.store.DetectionsForCohort(ctx, showID, season)
		if err != nil {
			s.writeError(w, err)
			return
		}
		for _, result := range results {
			episodes = append(episodes, episodeSegments{
				SeasonNumber:    result.SeasonNumber,
				EpisodeNumber:   result.EpisodeNumber,
				Intro:           span(result.IntroStart, result.IntroEnd),
				Credits:         span(result.CreditsStart, result.CreditsEnd),
				Stingers:        result.Stingers,
				ConfidenceScore: result.ConfidenceScore,
				ApprovalStatus:  result.ApprovalStatus,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"show_id":  showID,
		"episodes": episodes,
	})
}

func (s *Server) requestedSeasons(ctx context.Context, r *http.Request, showID int64) ([]int, error) {
	raw := r.URL.Query().Get("season")
	if raw == "" {
		return s.store.SeasonNumbers(ctx, showID)
	}
	season, err := strconv.Atoi(raw)
	if err != nil || season < 0 {
		return nil, errInvalidSeason
	}
	return []int{season}, nil
}

func (s *Server) decodeSelection(w http.ResponseWriter, r *http.Request) ([]int64, bool) {
	var body showSelection
	if err := decodeBody(r, &body); err != nil {
		s.writeBadRequest(w, "body must be {showIds:[int]}")
		return nil, false
	}
	if len(body.ShowIDs) == 0 {
		s.writeBadRequest(w, "showIds must not be empty")
		return nil, false
	}
	ctx := r.Context()
	for _, showID := range body.ShowIDs {
		show, err := s.store.ShowByID(ctx, showID)
		if err != nil {
			s.writeError(w, err)
			return nil, false
		}
		if show == nil {
			s.writeNotFound(w, "show "+strconv.FormatInt(showID, 10))
			return nil, false
		}
	}
	return body.ShowIDs, true
}

// submitFile enqueues processing for a file unless a job already exists.
func (s *Server) submitFile(ctx context.Context, episodeFileID int64) (bool, error) {
	existing, err := s.store.JobByFile(ctx, episodeFileID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if _, err := s.pipeline.Submit(ctx, episodeFileID); err != nil {
		return false, err
	}
	return true, nil
}

func span(start, end *float64) *segmentSpan {
	if start == nil || end == nil {
		return nil
	}
	return &segmentSpan{Start: *start, End: *end}
}
