package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status change would move a job
// backwards outside of an explicit requeue.
var ErrInvalidTransition = errors.New("invalid status transition")

const jobColumns = `id, episode_file_id, status, confidence_score,
    intro_start, intro_end, credits_start, credits_end,
    manual_verified, failure_reason, processing_notes, attempts,
    created_at, updated_at`

// CreateJob inserts a job for an episode file, or returns the existing
// active job for that file. The second return reports whether a new row
// was created.
func (s *Store) CreateJob(ctx context.Context, episodeFileID int64) (*Job, bool, error) {
	existing, err := s.JobByFile(ctx, episodeFileID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil && !existing.Status.IsTerminal() {
		return existing, false, nil
	}
	if existing != nil {
		// Terminal jobs are replaced; the unique index holds one row per file.
		if _, err := s.db.ExecContext(ctx, `DELETE FROM processing_jobs WHERE id = ?`, existing.ID); err != nil {
			return nil, false, fmt.Errorf("replace terminal job: %w", err)
		}
	}

	now := timestamp(time.Now())
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO processing_jobs (episode_file_id, status, created_at, updated_at)
         VALUES (?, ?, ?, ?)`,
		episodeFileID,
		StatusScanning,
		now,
		now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("last insert id: %w", err)
	}
	job, err := s.JobByID(ctx, id)
	return job, true, err
}

// JobByID fetches a job by identifier.
func (s *Store) JobByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// JobByFile fetches the job attached to an episode file.
func (s *Store) JobByFile(ctx context.Context, episodeFileID int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE episode_file_id = ?`, episodeFileID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job by file: %w", err)
	}
	return job, nil
}

// Transition moves a job forward through the status machine.
func (s *Store) Transition(ctx context.Context, id int64, to Status) error {
	job, err := s.JobByID(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %d: %w", id, sql.ErrNoRows)
	}
	if !CanTransition(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s (job %d)", ErrInvalidTransition, job.Status, to, id)
	}
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE processing_jobs SET status = ?, updated_at = ? WHERE id = ?`,
		to,
		timestamp(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	return nil
}

// UpdateJob persists all mutable fields of a job.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	job.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE processing_jobs
         SET status = ?, confidence_score = ?,
             intro_start = ?, intro_end = ?, credits_start = ?, credits_end = ?,
             manual_verified = ?, failure_reason = ?, processing_notes = ?,
             attempts = ?, updated_at = ?
         WHERE id = ?`,
		job.Status,
		job.ConfidenceScore,
		nullableFloat(job.IntroStart),
		nullableFloat(job.IntroEnd),
		nullableFloat(job.CreditsStart),
		nullableFloat(job.CreditsEnd),
		boolToInt(job.ManualVerified),
		nullableString(job.FailureReason),
		nullableString(job.ProcessingNotes),
		job.Attempts,
		timestamp(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// MarkFailed moves a job to failed with a short reason, bypassing the
// forward-only check (any state may fail).
func (s *Store) MarkFailed(ctx context.Context, id int64, reason, notes string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE processing_jobs
         SET status = ?, failure_reason = ?, processing_notes = ?, updated_at = ?
         WHERE id = ? AND status NOT IN (?, ?)`,
		StatusFailed,
		nullableString(reason),
		nullableString(notes),
		timestamp(time.Now()),
		id,
		StatusCompleted,
		StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// IncrementAttempts bumps the retry counter and returns the new value.
func (s *Store) IncrementAttempts(ctx context.Context, id int64) (int, error) {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE processing_jobs SET attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		timestamp(time.Now()),
		id,
	)
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	var attempts int
	row := s.db.QueryRowContext(ctx, `SELECT attempts FROM processing_jobs WHERE id = ?`, id)
	if err := row.Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return attempts, nil
}

// ListJobs returns jobs joined with file and show metadata, optionally
// filtered by status, newest first.
func (s *Store) ListJobs(ctx context.Context, status Status, limit int) ([]JobWithMeta, error) {
	query := `SELECT j.id, j.episode_file_id, j.status, j.confidence_score,
        j.intro_start, j.intro_end, j.credits_start, j.credits_end,
        j.manual_verified, j.failure_reason, j.processing_notes, j.attempts,
        j.created_at, j.updated_at,
        f.path, f.size, sh.id, sh.title, sh.path, se.season_number, e.episode_number, e.title
    FROM processing_jobs j
    JOIN episode_files f ON f.id = j.episode_file_id
    JOIN episodes e ON e.id = f.episode_id
    JOIN seasons se ON se.id = e.season_id
    JOIN shows sh ON sh.id = se.show_id`
	args := []any{}
	if status != "" {
		query += ` WHERE j.status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY j.updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []JobWithMeta
	for rows.Next() {
		jm, err := scanJobWithMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, *jm)
	}
	return out, rows.Err()
}

func scanJobWithMeta(scanner interface{ Scan(dest ...any) error }) (*JobWithMeta, error) {
	var (
		jm           JobWithMeta
		statusStr    string
		introStart   sql.NullFloat64
		introEnd     sql.NullFloat64
		creditsStart sql.NullFloat64
		creditsEnd   sql.NullFloat64
		verified     sql.NullInt64
		reason       sql.NullString
		notes        sql.NullString
		createdRaw   string
		updatedRaw   string
		epTitle      sql.NullString
	)
	if err := scanner.Scan(
		&jm.Job.ID, &jm.Job.EpisodeFileID, &statusStr, &jm.Job.ConfidenceScore,
		&introStart, &introEnd, &creditsStart, &creditsEnd,
		&verified, &reason, &notes, &jm.Job.Attempts,
		&createdRaw, &updatedRaw,
		&jm.Path, &jm.Size, &jm.ShowID, &jm.ShowTitle, &jm.ShowPath,
		&jm.SeasonNumber, &jm.EpisodeNumber, &epTitle,
	); err != nil {
		return nil, err
	}
	jm.Job.Status = Status(statusStr)
	jm.Job.IntroStart = floatPtr(introStart)
	jm.Job.IntroEnd = floatPtr(introEnd)
	jm.Job.CreditsStart = floatPtr(creditsStart)
	jm.Job.CreditsEnd = floatPtr(creditsEnd)
	jm.Job.ManualVerified = verified.Valid && verified.Int64 != 0
	jm.Job.FailureReason = reason.String
	jm.Job.ProcessingNotes = notes.String
	jm.EpisodeFileID = jm.Job.EpisodeFileID
	jm.EpisodeTitle = epTitle.String
	if created, err := parseTimeString(createdRaw); err == nil {
		jm.Job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		jm.Job.UpdatedAt = updated
	}
	return &jm, nil
}

// JobStats returns a count of jobs grouped by status.
func (s *Store) JobStats(ctx context.Context) (StatsByStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM processing_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(StatsByStatus)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// JobIDs returns every job identifier, oldest first.
func (s *Store) JobIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM processing_jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("job ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteJob removes a job row. Fingerprints and detection results for the
// file are removed in the same transaction.
func (s *Store) DeleteJob(ctx context.Context, id int64) (bool, error) {
	job, err := s.JobByID(ctx, id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	meta, err := s.FileMetaByID(ctx, job.EpisodeFileID)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fingerprints WHERE episode_file_id = ?`, job.EpisodeFileID); err != nil {
		return false, fmt.Errorf("delete fingerprints: %w", err)
	}
	if meta != nil {
		if _, err := tx.ExecContext(
			ctx,
			`DELETE FROM detection_results WHERE show_id = ? AND season_number = ? AND episode_number = ?`,
			meta.ShowID, meta.SeasonNumber, meta.EpisodeNumber,
		); err != nil {
			return false, fmt.Errorf("delete detection result: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM processing_jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return affected > 0, nil
}

// RequeueJob resets a job to scanning and invalidates its derived rows.
func (s *Store) RequeueJob(ctx context.Context, id int64) (*Job, error) {
	job, err := s.JobByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %d: %w", id, sql.ErrNoRows)
	}
	meta, err := s.FileMetaByID(ctx, job.EpisodeFileID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin requeue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fingerprints WHERE episode_file_id = ?`, job.EpisodeFileID); err != nil {
		return nil, fmt.Errorf("requeue delete fingerprints: %w", err)
	}
	if meta != nil {
		if _, err := tx.ExecContext(
			ctx,
			`DELETE FROM detection_results WHERE show_id = ? AND season_number = ? AND episode_number = ?`,
			meta.ShowID, meta.SeasonNumber, meta.EpisodeNumber,
		); err != nil {
			return nil, fmt.Errorf("requeue delete detection: %w", err)
		}
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE processing_jobs
         SET status = ?, confidence_score = 0,
             intro_start = NULL, intro_end = NULL, credits_start = NULL, credits_end = NULL,
             manual_verified = 0, failure_reason = NULL, processing_notes = NULL,
             attempts = 0, updated_at = ?
         WHERE id = ?`,
		StatusScanning,
		timestamp(time.Now()),
		id,
	); err != nil {
		return nil, fmt.Errorf("requeue reset: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit requeue: %w", err)
	}
	return s.JobByID(ctx, id)
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id           int64
		fileID       int64
		statusStr    string
		confidence   float64
		introStart   sql.NullFloat64
		introEnd     sql.NullFloat64
		creditsStart sql.NullFloat64
		creditsEnd   sql.NullFloat64
		verified     sql.NullInt64
		reason       sql.NullString
		notes        sql.NullString
		attempts     int
		createdRaw   string
		updatedRaw   string
	)

	if err := scanner.Scan(
		&id, &fileID, &statusStr, &confidence,
		&introStart, &introEnd, &creditsStart, &creditsEnd,
		&verified, &reason, &notes, &attempts,
		&createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:              id,
		EpisodeFileID:   fileID,
		Status:          Status(statusStr),
		ConfidenceScore: confidence,
		IntroStart:      floatPtr(introStart),
		IntroEnd:        floatPtr(introEnd),
		CreditsStart:    floatPtr(creditsStart),
		CreditsEnd:      floatPtr(creditsEnd),
		ManualVerified:  verified.Valid && verified.Int64 != 0,
		FailureReason:   reason.String,
		ProcessingNotes: notes.String,
		Attempts:        attempts,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	return job, nil
}
