package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const detectionColumns = `id, show_id, season_number, episode_number,
    intro_start, intro_end, credits_start, credits_end,
    stingers_json, segments_json, confidence_score, detection_method,
    approval_status, processing_notes, created_at, updated_at`

// UpsertDetectionResults writes the results for a whole cohort pass in one
// transaction, keyed by (show, season, episode).
func (s *Store) UpsertDetectionResults(ctx context.Context, results []DetectionResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin detection tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := timestamp(time.Now())
	for _, result := range results {
		stingers, err := marshalSegments(result.Stingers)
		if err != nil {
			return fmt.Errorf("encode stingers: %w", err)
		}
		segments, err := marshalSegments(result.Segments)
		if err != nil {
			return fmt.Errorf("encode segments: %w", err)
		}
		approval := result.ApprovalStatus
		if approval == "" {
			approval = ApprovalPending
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO detection_results (
                show_id, season_number, episode_number,
                intro_start, intro_end, credits_start, credits_end,
                stingers_json, segments_json, confidence_score, detection_method,
                approval_status, processing_notes, created_at, updated_at
             ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
             ON CONFLICT(show_id, season_number, episode_number) DO UPDATE SET
                intro_start = excluded.intro_start,
                intro_end = excluded.intro_end,
                credits_start = excluded.credits_start,
                credits_end = excluded.credits_end,
                stingers_json = excluded.stingers_json,
                segments_json = excluded.segments_json,
                confidence_score = excluded.confidence_score,
                detection_method = excluded.detection_method,
                approval_status = excluded.approval_status,
                processing_notes = excluded.processing_notes,
                updated_at = excluded.updated_at`,
			result.ShowID, result.SeasonNumber, result.EpisodeNumber,
			nullableFloat(result.IntroStart), nullableFloat(result.IntroEnd),
			nullableFloat(result.CreditsStart), nullableFloat(result.CreditsEnd),
			stingers, segments, result.ConfidenceScore, nullableString(result.DetectionMethod),
			approval, nullableString(result.ProcessingNotes), now, now,
		); err != nil {
			return fmt.Errorf("upsert detection s%02de%02d: %w", result.SeasonNumber, result.EpisodeNumber, err)
		}
	}
	return tx.Commit()
}

// DetectionForEpisode fetches the stored result for one episode.
func (s *Store) DetectionForEpisode(ctx context.Context, showID int64, seasonNumber, episodeNumber int) (*DetectionResult, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+detectionColumns+` FROM detection_results
         WHERE show_id = ? AND season_number = ? AND episode_number = ?`,
		showID, seasonNumber, episodeNumber,
	)
	result, err := scanDetection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("detection for episode: %w", err)
	}
	return result, nil
}

// DetectionsForCohort lists results for one (show, season) ordered by
// episode number.
func (s *Store) DetectionsForCohort(ctx context.Context, showID int64, seasonNumber int) ([]DetectionResult, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+detectionColumns+` FROM detection_results
         WHERE show_id = ? AND season_number = ? ORDER BY episode_number`,
		showID, seasonNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("detections for cohort: %w", err)
	}
	defer rows.Close()

	var out []DetectionResult
	for rows.Next() {
		result, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		out = append(out, *result)
	}
	return out, rows.Err()
}

// SetApproval updates the approval status on a stored detection result.
func (s *Store) SetApproval(ctx context.Context, detectionID int64, approval ApprovalStatus) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE detection_results SET approval_status = ?, updated_at = ? WHERE id = ?`,
		approval,
		timestamp(time.Now()),
		detectionID,
	)
	if err != nil {
		return fmt.Errorf("set approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("detection %d: %w", detectionID, sql.ErrNoRows)
	}
	return nil
}

// DetectionStats counts results grouped by approval status.
func (s *Store) DetectionStats(ctx context.Context) (map[ApprovalStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT approval_status, COUNT(1) FROM detection_results GROUP BY approval_status`)
	if err != nil {
		return nil, fmt.Errorf("detection stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[ApprovalStatus]int)
	for rows.Next() {
		var approval ApprovalStatus
		var count int
		if err := rows.Scan(&approval, &count); err != nil {
			return nil, err
		}
		stats[approval] = count
	}
	return stats, rows.Err()
}

// DetectionStatsForShow counts one show's results grouped by approval
// status.
func (s *Store) DetectionStatsForShow(ctx context.Context, showID int64) (map[ApprovalStatus]int, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT approval_status, COUNT(1) FROM detection_results WHERE show_id = ? GROUP BY approval_status`,
		showID,
	)
	if err != nil {
		return nil, fmt.Errorf("detection stats for show: %w", err)
	}
	defer rows.Close()

	stats := make(map[ApprovalStatus]int)
	for rows.Next() {
		var approval ApprovalStatus
		var count int
		if err := rows.Scan(&approval, &count); err != nil {
			return nil, err
		}
		stats[approval] = count
	}
	return stats, rows.Err()
}

// DeleteDetectionsForShow clears stored results for a show, optionally
// narrowed to one season (seasonNumber < 0 means all seasons).
func (s *Store) DeleteDetectionsForShow(ctx context.Context, showID int64, seasonNumber int) error {
	query := `DELETE FROM detection_results WHERE show_id = ?`
	args := []any{showID}
	if seasonNumber >= 0 {
		query += ` AND season_number = ?`
		args = append(args, seasonNumber)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete detections: %w", err)
	}
	return nil
}

func marshalSegments(segments []Segment) (any, error) {
	if len(segments) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(segments)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalSegments(raw sql.NullString) ([]Segment, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var segments []Segment
	if err := json.Unmarshal([]byte(raw.String), &segments); err != nil {
		return nil, err
	}
	return segments, nil
}

func scanDetection(scanner interface{ Scan(dest ...any) error }) (*DetectionResult, error) {
	var (
		result       DetectionResult
		introStart   sql.NullFloat64
		introEnd     sql.NullFloat64
		creditsStart sql.NullFloat64
		creditsEnd   sql.NullFloat64
		stingersRaw  sql.NullString
		segmentsRaw  sql.NullString
		method       sql.NullString
		notes        sql.NullString
		approvalStr  string
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&result.ID, &result.ShowID, &result.SeasonNumber, &result.EpisodeNumber,
		&introStart, &introEnd, &creditsStart, &creditsEnd,
		&stingersRaw, &segmentsRaw, &result.ConfidenceScore, &method,
		&approvalStr, &notes, &createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}
	result.IntroStart = floatPtr(introStart)
	result.IntroEnd = floatPtr(introEnd)
	result.CreditsStart = floatPtr(creditsStart)
	result.CreditsEnd = floatPtr(creditsEnd)
	result.DetectionMethod = method.String
	result.ProcessingNotes = notes.String
	result.ApprovalStatus = ApprovalStatus(approvalStr)

	stingers, err := unmarshalSegments(stingersRaw)
	if err != nil {
		return nil, fmt.Errorf("decode stingers: %w", err)
	}
	result.Stingers = stingers
	segments, err := unmarshalSegments(segmentsRaw)
	if err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	result.Segments = segments

	if created, err := parseTimeString(createdRaw); err == nil {
		result.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		result.UpdatedAt = updated
	}
	return &result, nil
}
