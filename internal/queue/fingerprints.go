package queue

import (
	"context"
	"fmt"
	"time"
)

// ReplaceFingerprints swaps the stored fingerprint set for a file in one
// transaction. Rerunning the fingerprint stage never leaves a mixed set.
func (s *Store) ReplaceFingerprints(ctx context.Context, episodeFileID int64, prints []Fingerprint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fingerprint tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fingerprints WHERE episode_file_id = ?`, episodeFileID); err != nil {
		return fmt.Errorf("clear fingerprints: %w", err)
	}
	for _, print := range prints {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO fingerprints (episode_file_id, window_start_seconds, hash) VALUES (?, ?, ?)`,
			episodeFileID,
			print.WindowStartSeconds,
			print.Hash,
		); err != nil {
			return fmt.Errorf("insert fingerprint at %.1fs: %w", print.WindowStartSeconds, err)
		}
	}
	return tx.Commit()
}

// FingerprintsForFile returns a file's fingerprints ordered by window start.
func (s *Store) FingerprintsForFile(ctx context.Context, episodeFileID int64) ([]Fingerprint, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT episode_file_id, window_start_seconds, hash
         FROM fingerprints WHERE episode_file_id = ? ORDER BY window_start_seconds`,
		episodeFileID,
	)
	if err != nil {
		return nil, fmt.Errorf("fingerprints for file: %w", err)
	}
	defer rows.Close()

	var out []Fingerprint
	for rows.Next() {
		var print Fingerprint
		if err := rows.Scan(&print.EpisodeFileID, &print.WindowStartSeconds, &print.Hash); err != nil {
			return nil, err
		}
		out = append(out, print)
	}
	return out, rows.Err()
}

// FingerprintsForCohort loads fingerprints for every file in a (show,
// season) cohort, keyed by episode file id.
func (s *Store) FingerprintsForCohort(ctx context.Context, showID int64, seasonNumber int) (map[int64][]Fingerprint, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT fp.episode_file_id, fp.window_start_seconds, fp.hash
         FROM fingerprints fp
         JOIN episode_files f ON f.id = fp.episode_file_id
         JOIN episodes e ON e.id = f.episode_id
         JOIN seasons se ON se.id = e.season_id
         WHERE se.show_id = ? AND se.season_number = ?
         ORDER BY fp.episode_file_id, fp.window_start_seconds`,
		showID,
		seasonNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("fingerprints for cohort: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]Fingerprint)
	for rows.Next() {
		var print Fingerprint
		if err := rows.Scan(&print.EpisodeFileID, &print.WindowStartSeconds, &print.Hash); err != nil {
			return nil, err
		}
		out[print.EpisodeFileID] = append(out[print.EpisodeFileID], print)
	}
	return out, rows.Err()
}

// FingerprintedFileIDs returns the cohort files that already carry
// fingerprints.
func (s *Store) FingerprintedFileIDs(ctx context.Context, showID int64, seasonNumber int) ([]int64, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT DISTINCT fp.episode_file_id
         FROM fingerprints fp
         JOIN episode_files f ON f.id = fp.episode_file_id
         JOIN episodes e ON e.id = f.episode_id
         JOIN seasons se ON se.id = e.season_id
         WHERE se.show_id = ? AND se.season_number = ?
         ORDER BY fp.episode_file_id`,
		showID,
		seasonNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("fingerprinted file ids: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CohortLastFingerprintAt returns the most recent job update among cohort
// members that have reached the waiting state. The zero time means no
// member is waiting yet.
func (s *Store) CohortLastFingerprintAt(ctx context.Context, showID int64, seasonNumber int) (time.Time, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT j.updated_at
         FROM processing_jobs j
         JOIN episode_files f ON f.id = j.episode_file_id
         JOIN episodes e ON e.id = f.episode_id
         JOIN seasons se ON se.id = e.season_id
         WHERE se.show_id = ? AND se.season_number = ? AND j.status = ?`,
		showID,
		seasonNumber,
		StatusAwaitingCohort,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("cohort last update: %w", err)
	}
	defer rows.Close()

	var latest time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return time.Time{}, err
		}
		if t, err := parseTimeString(raw); err == nil && t.After(latest) {
			latest = t
		}
	}
	return latest, rows.Err()
}

// DeleteFingerprintsForFile removes a file's fingerprint set.
func (s *Store) DeleteFingerprintsForFile(ctx context.Context, episodeFileID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE episode_file_id = ?`, episodeFileID); err != nil {
		return fmt.Errorf("delete fingerprints: %w", err)
	}
	return nil
}
