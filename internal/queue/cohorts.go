package queue

import (
	"context"
	"fmt"
)

// CohortKey identifies one (show, season) detection cohort.
type CohortKey struct {
	ShowID       int64
	SeasonNumber int
}

// AwaitingCohorts lists the cohorts that have at least one job waiting for
// detection.
func (s *Store) AwaitingCohorts(ctx context.Context) ([]CohortKey, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT DISTINCT se.show_id, se.season_number
         FROM processing_jobs j
         JOIN episode_files f ON f.id = j.episode_file_id
         JOIN episodes e ON e.id = f.episode_id
         JOIN seasons se ON se.id = e.season_id
         WHERE j.status = ?
         ORDER BY se.show_id, se.season_number`,
		StatusAwaitingCohort,
	)
	if err != nil {
		return nil, fmt.Errorf("awaiting cohorts: %w", err)
	}
	defer rows.Close()

	var out []CohortKey
	for rows.Next() {
		var key CohortKey
		if err := rows.Scan(&key.ShowID, &key.SeasonNumber); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// CohortJobs returns every job in a cohort joined with its file metadata,
// ordered by episode number.
func (s *Store) CohortJobs(ctx context.Context, showID int64, seasonNumber int) ([]JobWithMeta, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT j.id, j.episode_file_id, j.status, j.confidence_score,
            j.intro_start, j.intro_end, j.credits_start, j.credits_end,
            j.manual_verified, j.failure_reason, j.processing_notes, j.attempts,
            j.created_at, j.updated_at,
            f.path, f.size, sh.id, sh.title, sh.path, se.season_number, e.episode_number, e.title
         FROM processing_jobs j
         JOIN episode_files f ON f.id = j.episode_file_id
         JOIN episodes e ON e.id = f.episode_id
         JOIN seasons se ON se.id = e.season_id
         JOIN shows sh ON sh.id = se.show_id
         WHERE sh.id = ? AND se.season_number = ?
         ORDER BY e.episode_number`,
		showID,
		seasonNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("cohort jobs: %w", err)
	}
	defer rows.Close()

	var out []JobWithMeta
	for rows.Next() {
		jm, err := scanJobWithMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cohort job: %w", err)
		}
		out = append(out, *jm)
	}
	return out, rows.Err()
}
