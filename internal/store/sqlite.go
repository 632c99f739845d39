package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/amura2406/songshake/internal/model"
)

// SQLiteStore implements [Store] on an embedded SQLite database.
//
// The single-active-job rule is backed by a partial unique index over
// (playlist_id, owner) for pending and running rows, so it holds across
// every process sharing the database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database. Migrations must already be applied.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenSQLiteStore opens path, applies pending migrations and returns the store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := NewDatabase(path)
	if err != nil {
		return nil, err
	}
	if _, err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return NewSQLiteStore(db), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const jobColumns = `id, type, playlist_id, playlist_name, owner, status, total, current, message, errors,
	input_tokens, output_tokens, cost, full_rescan, video_ids, created_at, updated_at`

func (s *SQLiteStore) CheckAndCreateJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE playlist_id = ? AND owner = ? AND status IN ('pending', 'running')
		LIMIT 1
	`, job.PlaylistID, job.Owner).Scan(&existing)
	if err == nil {
		return nil, ErrActiveJobExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check active jobs: %w", err)
	}

	errorsJSON, videoIDsJSON, err := encodeJobLists(job)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PlaylistID, job.PlaylistName, job.Owner, job.Status,
		job.Total, job.Current, job.Message, errorsJSON,
		job.AIUsage.InputTokens, job.AIUsage.OutputTokens, job.AIUsage.Cost,
		job.FullRescan, videoIDsJSON, job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveJobExists
		}
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job: %w", err)
	}

	return job.Clone(), nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// UpdateJob overwrites the mutable fields of a non-terminal job.
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.Job) error {
	errorsJSON, _, err := encodeJobLists(job)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, total = ?, current = ?, message = ?, errors = ?,
			input_tokens = ?, output_tokens = ?, cost = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`,
		job.Status, job.Total, job.Current, job.Message, errorsJSON,
		job.AIUsage.InputTokens, job.AIUsage.OutputTokens, job.AIUsage.Cost, job.UpdatedAt.UTC(),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows > 0 {
		return nil
	}

	if _, err := s.GetJob(ctx, job.ID); err != nil {
		return err
	}
	return ErrJobFinished
}

func (s *SQLiteStore) ListActiveJobs(ctx context.Context, owner string) ([]*model.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE owner = ? AND status IN ('pending', 'running')
		ORDER BY created_at DESC`, owner)
}

func (s *SQLiteStore) ListJobHistory(ctx context.Context, owner string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE owner = ? AND status IN ('completed', 'error', 'cancelled')
		ORDER BY updated_at DESC
		LIMIT ?`, owner, limit)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*model.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return jobs, nil
}

// rowScanner is satisfied by both [sql.Row] and [sql.Rows].
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job        model.Job
		errorsJSON string
		videoIDs   string
	)
	err := row.Scan(
		&job.ID, &job.Type, &job.PlaylistID, &job.PlaylistName, &job.Owner, &job.Status,
		&job.Total, &job.Current, &job.Message, &errorsJSON,
		&job.AIUsage.InputTokens, &job.AIUsage.OutputTokens, &job.AIUsage.Cost,
		&job.FullRescan, &videoIDs, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	if err := json.Unmarshal([]byte(errorsJSON), &job.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode job errors: %w", err)
	}
	if err := json.Unmarshal([]byte(videoIDs), &job.VideoIDs); err != nil {
		return nil, fmt.Errorf("failed to decode job video ids: %w", err)
	}
	if job.Errors == nil {
		job.Errors = []model.JobError{}
	}
	return &job, nil
}

func encodeJobLists(job *model.Job) (string, string, error) {
	jobErrors := job.Errors
	if jobErrors == nil {
		jobErrors = []model.JobError{}
	}
	errorsJSON, err := json.Marshal(jobErrors)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode job errors: %w", err)
	}
	videoIDs := job.VideoIDs
	if videoIDs == nil {
		videoIDs = []string{}
	}
	videoIDsJSON, err := json.Marshal(videoIDs)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode job video ids: %w", err)
	}
	return string(errorsJSON), string(videoIDsJSON), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// IncrementUsage adds delta with a single UPSERT, which SQLite applies atomically.
func (s *SQLiteStore) IncrementUsage(ctx context.Context, owner string, delta model.Usage) (*model.AIUsage, error) {
	now := time.Now().UTC()
	usage := &model.AIUsage{Owner: owner, UpdatedAt: now}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ai_usage (owner, input_tokens, output_tokens, cost, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner) DO UPDATE SET
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			cost = cost + excluded.cost,
			updated_at = excluded.updated_at
		RETURNING input_tokens, output_tokens, cost
	`, owner, delta.InputTokens, delta.OutputTokens, delta.Cost, now).Scan(
		&usage.InputTokens, &usage.OutputTokens, &usage.Cost,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}

	return usage, nil
}

func (s *SQLiteStore) GetUsage(ctx context.Context, owner string) (*model.AIUsage, error) {
	usage := &model.AIUsage{Owner: owner}
	err := s.db.QueryRowContext(ctx, `
		SELECT input_tokens, output_tokens, cost, updated_at FROM ai_usage WHERE owner = ?
	`, owner).Scan(&usage.InputTokens, &usage.OutputTokens, &usage.Cost, &usage.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return usage, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return usage, nil
}

const trackColumns = `t.video_id, t.title, t.artists, t.album, t.year, t.thumbnails, t.genres, t.moods,
	t.instruments, t.bpm, t.status, t.is_music, t.error_message, t.playable_video_id, t.url,
	t.created_at, t.updated_at`

func (s *SQLiteStore) GetTrack(ctx context.Context, videoID string) (*model.Track, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+trackColumns+` FROM tracks t WHERE t.video_id = ?`, videoID)
	return scanTrack(row)
}

func (s *SQLiteStore) SaveTrack(ctx context.Context, track *model.Track, owner string) error {
	enc, err := encodeTrackLists(track)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if track.CreatedAt.IsZero() {
		track.CreatedAt = now
	}
	track.UpdatedAt = now

	var bpm sql.NullInt64
	if track.BPM != nil {
		bpm = sql.NullInt64{Int64: int64(*track.BPM), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tracks (video_id, title, artists, album, year, thumbnails, genres, moods,
			instruments, bpm, status, is_music, error_message, playable_video_id, url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(video_id) DO UPDATE SET
			title = excluded.title,
			artists = excluded.artists,
			album = excluded.album,
			year = excluded.year,
			thumbnails = excluded.thumbnails,
			genres = excluded.genres,
			moods = excluded.moods,
			instruments = excluded.instruments,
			bpm = excluded.bpm,
			status = excluded.status,
			is_music = excluded.is_music,
			error_message = excluded.error_message,
			playable_video_id = excluded.playable_video_id,
			url = excluded.url,
			updated_at = excluded.updated_at
	`,
		track.VideoID, track.Title, track.Artists, track.Album, track.Year,
		enc.thumbnails, enc.genres, enc.moods, enc.instruments, bpm,
		track.Status, track.IsMusic, track.ErrorMessage, track.PlayableVideoID, track.URL,
		track.CreatedAt, track.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save track: %w", err)
	}

	if owner != "" {
		if err := linkOwner(ctx, tx, track.VideoID, owner); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) LinkOwner(ctx context.Context, videoID, owner string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tracks WHERE video_id = ?)`, videoID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check track: %w", err)
	}
	if !exists {
		return ErrTrackNotFound
	}

	if err := linkOwner(ctx, tx, videoID, owner); err != nil {
		return err
	}
	return tx.Commit()
}

func linkOwner(ctx context.Context, tx *sql.Tx, videoID, owner string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_tracks (owner, video_id, linked_at) VALUES (?, ?, ?)
		ON CONFLICT(owner, video_id) DO NOTHING
	`, owner, videoID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to link track owner: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTracks(ctx context.Context, owner string, status model.TrackStatus) ([]*model.Track, error) {
	query := `SELECT ` + trackColumns + ` FROM tracks t
		JOIN user_tracks ut ON ut.video_id = t.video_id
		WHERE ut.owner = ?`
	args := []any{owner}
	if status != "" {
		query += " AND t.status = ?"
		args = append(args, status)
	}
	query += " ORDER BY ut.linked_at ASC, t.video_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks: %w", err)
	}
	defer rows.Close()

	tracks := []*model.Track{}
	for rows.Next() {
		track, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return tracks, nil
}

type trackLists struct {
	thumbnails, genres, moods, instruments string
}

func encodeTrackLists(track *model.Track) (trackLists, error) {
	var out trackLists
	fields := []struct {
		dst *string
		src any
	}{
		{&out.thumbnails, nonNilThumbnails(track.Thumbnails)},
		{&out.genres, nonNil(track.Genres)},
		{&out.moods, nonNil(track.Moods)},
		{&out.instruments, nonNil(track.Instruments)},
	}
	for _, f := range fields {
		b, err := json.Marshal(f.src)
		if err != nil {
			return out, fmt.Errorf("failed to encode track: %w", err)
		}
		*f.dst = string(b)
	}
	return out, nil
}

func scanTrack(row rowScanner) (*model.Track, error) {
	var (
		track                              model.Track
		thumbnails, genres, moods, instrum string
		bpm                                sql.NullInt64
	)
	err := row.Scan(
		&track.VideoID, &track.Title, &track.Artists, &track.Album, &track.Year,
		&thumbnails, &genres, &moods, &instrum, &bpm,
		&track.Status, &track.IsMusic, &track.ErrorMessage, &track.PlayableVideoID, &track.URL,
		&track.CreatedAt, &track.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTrackNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan track: %w", err)
	}

	for _, f := range []struct {
		src string
		dst any
	}{
		{thumbnails, &track.Thumbnails},
		{genres, &track.Genres},
		{moods, &track.Moods},
		{instrum, &track.Instruments},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode track: %w", err)
		}
	}
	if bpm.Valid {
		v := int(bpm.Int64)
		track.BPM = &v
	}
	return &track, nil
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, entry *model.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrichment_history (id, job_id, playlist_id, owner, timestamp, item_count, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.JobID, entry.PlaylistID, entry.Owner, entry.Timestamp.UTC(), entry.ItemCount, entry.Status, entry.Error)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListHistory(ctx context.Context, owner string) ([]*model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, playlist_id, owner, timestamp, item_count, status, error
		FROM enrichment_history
		WHERE owner = ?
		ORDER BY timestamp DESC
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := []*model.HistoryEntry{}
	for rows.Next() {
		var e model.HistoryEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.PlaylistID, &e.Owner, &e.Timestamp, &e.ItemCount, &e.Status, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return entries, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilThumbnails(t []model.Thumbnail) []model.Thumbnail {
	if t == nil {
		return []model.Thumbnail{}
	}
	return t
}
