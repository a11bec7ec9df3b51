package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertShow inserts or refreshes a show keyed by its PVR identifier and
// returns the local row id.
func (s *Store) UpsertShow(ctx context.Context, show Show) (int64, error) {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO shows (title, external_id, path) VALUES (?, ?, ?)
         ON CONFLICT(external_id) DO UPDATE SET title = excluded.title, path = excluded.path`,
		show.Title,
		show.ExternalID,
		show.Path,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert show: %w", err)
	}
	var id int64
	row := s.db.QueryRowContext(ctx, `SELECT id FROM shows WHERE external_id = ?`, show.ExternalID)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("read show id: %w", err)
	}
	return id, nil
}

// UpsertSeason ensures a season row exists for a show and returns its id.
func (s *Store) UpsertSeason(ctx context.Context, showID int64, seasonNumber int) (int64, error) {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO seasons (show_id, season_number) VALUES (?, ?)
         ON CONFLICT(show_id, season_number) DO NOTHING`,
		showID,
		seasonNumber,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert season: %w", err)
	}
	var id int64
	row := s.db.QueryRowContext(ctx, `SELECT id FROM seasons WHERE show_id = ? AND season_number = ?`, showID, seasonNumber)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("read season id: %w", err)
	}
	return id, nil
}

// UpsertEpisode inserts or refreshes an episode keyed by its PVR identifier.
func (s *Store) UpsertEpisode(ctx context.Context, episode Episode) (int64, error) {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO episodes (season_id, episode_number, title, external_id) VALUES (?, ?, ?, ?)
         ON CONFLICT(external_id) DO UPDATE SET
             season_id = excluded.season_id,
             episode_number = excluded.episode_number,
             title = excluded.title`,
		episode.SeasonID,
		episode.EpisodeNumber,
		nullableString(episode.Title),
		episode.ExternalID,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert episode: %w", err)
	}
	var id int64
	row := s.db.QueryRowContext(ctx, `SELECT id FROM episodes WHERE external_id = ?`, episode.ExternalID)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("read episode id: %w", err)
	}
	return id, nil
}

// UpsertEpisodeFile inserts or refreshes the media file for an episode.
// One file per episode path is kept; size updates in place.
func (s *Store) UpsertEpisodeFile(ctx context.Context, file EpisodeFile) (int64, error) {
	var id int64
	row := s.db.QueryRowContext(ctx, `SELECT id FROM episode_files WHERE episode_id = ? AND path = ?`, file.EpisodeID, file.Path)
	err := row.Scan(&id)
	switch {
	case err == nil:
		if _, updateErr := s.db.ExecContext(ctx, `UPDATE episode_files SET size = ? WHERE id = ?`, file.Size, id); updateErr != nil {
			return 0, fmt.Errorf("update episode file: %w", updateErr)
		}
		return id, nil
	case errors.Is(err, sql.ErrNoRows):
		res, insertErr := s.db.ExecContext(
			ctx,
			`INSERT INTO episode_files (episode_id, path, size) VALUES (?, ?, ?)`,
			file.EpisodeID,
			file.Path,
			file.Size,
		)
		if insertErr != nil {
			return 0, fmt.Errorf("insert episode file: %w", insertErr)
		}
		return res.LastInsertId()
	default:
		return 0, fmt.Errorf("lookup episode file: %w", err)
	}
}

// Shows lists all known shows ordered by title.
func (s *Store) Shows(ctx context.Context) ([]Show, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, external_id, path FROM shows ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("list shows: %w", err)
	}
	defer rows.Close()

	var out []Show
	for rows.Next() {
		var show Show
		if err := rows.Scan(&show.ID, &show.Title, &show.ExternalID, &show.Path); err != nil {
			return nil, err
		}
		out = append(out, show)
	}
	return out, rows.Err()
}

// ShowByID fetches a show by its local row id.
func (s *Store) ShowByID(ctx context.Context, id int64) (*Show, error) {
	var show Show
	row := s.db.QueryRowContext(ctx, `SELECT id, title, external_id, path FROM shows WHERE id = ?`, id)
	err := row.Scan(&show.ID, &show.Title, &show.ExternalID, &show.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get show: %w", err)
	}
	return &show, nil
}

// SeasonNumbers lists the season numbers present for a show.
func (s *Store) SeasonNumbers(ctx context.Context, showID int64) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT season_number FROM seasons WHERE show_id = ? ORDER BY season_number`, showID)
	if err != nil {
		return nil, fmt.Errorf("list seasons: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var number int
		if err := rows.Scan(&number); err != nil {
			return nil, err
		}
		out = append(out, number)
	}
	return out, rows.Err()
}

const fileMetaQuery = `SELECT f.id, f.path, f.size,
    sh.id, sh.title, sh.path, se.season_number, e.episode_number, e.title
FROM episode_files f
JOIN episodes e ON e.id = f.episode_id
JOIN seasons se ON se.id = e.season_id
JOIN shows sh ON sh.id = se.show_id`

// FileMetaByID resolves an episode file to its joined library context.
func (s *Store) FileMetaByID(ctx context.Context, episodeFileID int64) (*FileMeta, error) {
	row := s.db.QueryRowContext(ctx, fileMetaQuery+` WHERE f.id = ?`, episodeFileID)
	meta, err := scanFileMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file meta: %w", err)
	}
	return meta, nil
}

// CohortFiles returns the files in one (show, season) cohort ordered by
// episode number.
func (s *Store) CohortFiles(ctx context.Context, showID int64, seasonNumber int) ([]FileMeta, error) {
	rows, err := s.db.QueryContext(
		ctx,
		fileMetaQuery+` WHERE sh.id = ? AND se.season_number = ? ORDER BY e.episode_number`,
		showID,
		seasonNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("cohort files: %w", err)
	}
	defer rows.Close()

	var out []FileMeta
	for rows.Next() {
		meta, err := scanFileMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cohort file: %w", err)
		}
		out = append(out, *meta)
	}
	return out, rows.Err()
}

// EpisodeFilesForShow lists every file under a show across seasons.
func (s *Store) EpisodeFilesForShow(ctx context.Context, showID int64) ([]FileMeta, error) {
	rows, err := s.db.QueryContext(
		ctx,
		fileMetaQuery+` WHERE sh.id = ? ORDER BY se.season_number, e.episode_number`,
		showID,
	)
	if err != nil {
		return nil, fmt.Errorf("files for show: %w", err)
	}
	defer rows.Close()

	var out []FileMeta
	for rows.Next() {
		meta, err := scanFileMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan show file: %w", err)
		}
		out = append(out, *meta)
	}
	return out, rows.Err()
}

// DeleteShow removes a show and everything hanging off it via cascade.
func (s *Store) DeleteShow(ctx context.Context, showID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shows WHERE id = ?`, showID)
	if err != nil {
		return false, fmt.Errorf("delete show: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanFileMeta(scanner interface{ Scan(dest ...any) error }) (*FileMeta, error) {
	var (
		meta    FileMeta
		epTitle sql.NullString
	)
	if err := scanner.Scan(
		&meta.EpisodeFileID, &meta.Path, &meta.Size,
		&meta.ShowID, &meta.ShowTitle, &meta.ShowPath,
		&meta.SeasonNumber, &meta.EpisodeNumber, &epTitle,
	); err != nil {
		return nil, err
	}
	meta.EpisodeTitle = epTitle.String
	return &meta, nil
}
