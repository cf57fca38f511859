// Package sqlite implements the embedded, single-process job store
// backend on top of modernc.org/sqlite (pure Go, no cgo). It satisfies
// job.Repository. Because SQLite has no SELECT ... FOR UPDATE SKIP
// LOCKED, ClaimNext is serialized with an in-process mutex, per §5 and
// §9: concurrent processes are unsafe against this backend and a
// deployment must not run more than one process against the same
// database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/maauso/asr-gateway/internal/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	status TEXT NOT NULL,
	priority TEXT NOT NULL,
	engine_name TEXT NOT NULL,
	task_type TEXT NOT NULL,
	local_path TEXT NOT NULL DEFAULT '',
	remote_url TEXT NOT NULL DEFAULT '',
	file_url TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	file_size_bytes INTEGER NOT NULL DEFAULT 0,
	file_duration_seconds REAL NOT NULL DEFAULT 0,
	platform TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	decode_options TEXT NOT NULL DEFAULT '{}',
	result TEXT,
	error_message TEXT NOT NULL DEFAULT '',
	task_processing_time_seconds REAL NOT NULL DEFAULT 0,
	callback_url TEXT NOT NULL DEFAULT '',
	callback_status_code INTEGER,
	callback_message TEXT NOT NULL DEFAULT '',
	callback_time DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_engine_status ON jobs(engine_name, status);
-- workflows is a reserved extension point; not exercised by the core (§6).
CREATE TABLE IF NOT EXISTS workflows (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	definition TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store is the embedded sqlite-backed Repository adapter.
type Store struct {
	db *sql.DB
	// claimMu serializes ClaimNext across goroutines in this process.
	// SQLite gives us no row-level lock to lean on instead.
	claimMu sync.Mutex
}

// Open creates (if needed) and opens the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// A single connection keeps us honest about sqlite's lack of true
	// concurrent writers; claimMu above covers the scheduling-specific
	// race, this covers everything else.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

var _ job.Repository = (*Store)(nil)

func marshalDecodeOptions(o job.DecodeOptions) string {
	b, _ := json.Marshal(o)
	return string(b)
}

func unmarshalDecodeOptions(s string) job.DecodeOptions {
	var o job.DecodeOptions
	_ = json.Unmarshal([]byte(s), &o)
	return o
}

func (s *Store) Create(ctx context.Context, spec job.Spec) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (status, priority, engine_name, task_type, local_path, remote_url,
			file_url, platform, decode_options, callback_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.StatusQueued, spec.Priority, spec.EngineName, spec.TaskType,
		spec.Source.LocalPath, spec.Source.RemoteURL, spec.Source.FileURL,
		spec.Platform, marshalDecodeOptions(spec.DecodeOptions), spec.CallbackURL,
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: create: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: last insert id: %w", err)
	}
	return id, nil
}

func scanJob(row interface {
	Scan(dest ...any) error
}) (*job.Job, error) {
	var j job.Job
	var decodeOpts, result, errMsg sql.NullString
	var callbackStatus sql.NullInt64
	var callbackTime sql.NullTime

	err := row.Scan(
		&j.ID, &j.Status, &j.Priority, &j.EngineName, &j.TaskType,
		&j.Source.LocalPath, &j.Source.RemoteURL, &j.Source.FileURL,
		&j.FileName, &j.FileSizeBytes, &j.FileDurationSeconds,
		&j.Platform, &j.Language, &decodeOpts, &result, &errMsg,
		&j.TaskProcessingTimeSeconds, &j.CallbackURL, &callbackStatus,
		&j.CallbackMessage, &callbackTime, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if decodeOpts.Valid {
		j.DecodeOptions = unmarshalDecodeOptions(decodeOpts.String)
	}
	if result.Valid && result.String != "" {
		var r job.Result
		if jsonErr := json.Unmarshal([]byte(result.String), &r); jsonErr == nil {
			j.Result = &r
		}
	}
	if errMsg.Valid {
		j.ErrorMessage = errMsg.String
	}
	if callbackStatus.Valid {
		v := int(callbackStatus.Int64)
		j.CallbackStatusCode = &v
	}
	if callbackTime.Valid {
		t := callbackTime.Time
		j.CallbackTime = &t
	}
	return &j, nil
}

const selectColumns = `id, status, priority, engine_name, task_type, local_path, remote_url, file_url,
	file_name, file_size_bytes, file_duration_seconds, platform, language, decode_options, result,
	error_message, task_processing_time_seconds, callback_url, callback_status_code, callback_message,
	callback_time, created_at, updated_at`

func (s *Store) Get(ctx context.Context, id int64) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, job.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get: %w", err)
	}
	return j, nil
}

func (s *Store) Query(ctx context.Context, filter job.QueryFilter) ([]*job.Job, error) {
	q := `SELECT ` + selectColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Priority != "" {
		q += ` AND priority = ?`
		args = append(args, filter.Priority)
	}
	if filter.EngineName != "" {
		q += ` AND engine_name = ?`
		args = append(args, filter.EngineName)
	}
	if filter.Language != "" {
		q += ` AND language = ?`
		args = append(args, filter.Language)
	}
	if !filter.CreatedAfter.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		q += ` AND created_at <= ?`
		args = append(args, filter.CreatedBefore)
	}

	q += ` ORDER BY created_at DESC, id DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id int64, patch job.Patch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if patch.Status != nil {
		var current job.Status
		if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return job.ErrJobNotFound
			}
			return fmt.Errorf("sqlite: read current status: %w", err)
		}
		if !job.CanTransition(current, *patch.Status) {
			return job.ErrInvalidTransition
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, *patch.Status, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("sqlite: update status: %w", err)
		}
	}
	if patch.Language != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET language = ?, updated_at = ? WHERE id = ?`, *patch.Language, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("sqlite: update language: %w", err)
		}
	}
	if patch.FileName != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET file_name = ?, updated_at = ? WHERE id = ?`, *patch.FileName, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("sqlite: update file_name: %w", err)
		}
	}
	if patch.FileSizeBytes != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET file_size_bytes = ?, updated_at = ? WHERE id = ?`, *patch.FileSizeBytes, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("sqlite: update file_size_bytes: %w", err)
		}
	}
	if patch.FileDurationSeconds != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET file_duration_seconds = ?, updated_at = ? WHERE id = ?`, *patch.FileDurationSeconds, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("sqlite: update file_duration_seconds: %w", err)
		}
	}
	return tx.Commit()
}

// ClaimNext implements the scheduling primitive under claimMu, since
// SQLite cannot express SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Store) ClaimNext(ctx context.Context, engineName string) (*job.Job, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+` FROM jobs
		WHERE status = ? AND engine_name = ?
		ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END ASC,
			created_at ASC, id ASC
		LIMIT 1`, job.StatusQueued, engineName)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim select: %w", err)
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, job.StatusProcessing, now, j.ID); err != nil {
		return nil, fmt.Errorf("sqlite: claim update: %w", err)
	}
	j.Status = job.StatusProcessing
	j.UpdatedAt = now
	return j, nil
}

func (s *Store) MarkCompleted(ctx context.Context, id int64, result job.Result, language string, durationSeconds float64) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("sqlite: marshal result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current job.Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return job.ErrJobNotFound
		}
		return fmt.Errorf("sqlite: read current status: %w", err)
	}
	if !job.CanTransition(current, job.StatusCompleted) {
		return job.ErrInvalidTransition
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result = ?, language = ?, task_processing_time_seconds = ?, updated_at = ?
		WHERE id = ?`,
		job.StatusCompleted, string(resultJSON), language, durationSeconds, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("sqlite: mark completed: %w", err)
	}
	return tx.Commit()
}

func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string, durationSeconds float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current job.Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return job.ErrJobNotFound
		}
		return fmt.Errorf("sqlite: read current status: %w", err)
	}
	if !job.CanTransition(current, job.StatusFailed) {
		return job.ErrInvalidTransition
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_message = ?, task_processing_time_seconds = ?, updated_at = ?
		WHERE id = ?`,
		job.StatusFailed, errMsg, durationSeconds, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("sqlite: mark failed: %w", err)
	}
	return tx.Commit()
}

func (s *Store) RecordCallback(ctx context.Context, id int64, statusCode int, message string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET callback_status_code = ?, callback_message = ?, callback_time = ?
		WHERE id = ?`, statusCode, message, at, id)
	if err != nil {
		return fmt.Errorf("sqlite: record callback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

func (s *Store) RecoverOrphans(ctx context.Context, threshold time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		job.StatusQueued, time.Now().UTC(), job.StatusProcessing, threshold)
	if err != nil {
		return 0, fmt.Errorf("sqlite: recover orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) PendingCallbacks(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM jobs
		WHERE status IN (?, ?) AND callback_url != '' AND callback_status_code IS NULL`,
		job.StatusCompleted, job.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("sqlite: pending callbacks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) PurgeOlderThan(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?`,
		job.StatusCompleted, job.StatusFailed, before)
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
