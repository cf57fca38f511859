// Package postgres implements the transactional, multi-process job store
// backend on top of jackc/pgx/v5. ClaimNext uses
// SELECT ... FOR UPDATE SKIP LOCKED so that several processes can run
// the task processor against the same database safely, per §9's
// pluggability requirement.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maauso/asr-gateway/internal/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id BIGSERIAL PRIMARY KEY,
	status TEXT NOT NULL,
	priority TEXT NOT NULL,
	engine_name TEXT NOT NULL,
	task_type TEXT NOT NULL,
	local_path TEXT NOT NULL DEFAULT '',
	remote_url TEXT NOT NULL DEFAULT '',
	file_url TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	file_size_bytes BIGINT NOT NULL DEFAULT 0,
	file_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	platform TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	decode_options JSONB NOT NULL DEFAULT '{}',
	result JSONB,
	error_message TEXT NOT NULL DEFAULT '',
	task_processing_time_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	callback_url TEXT NOT NULL DEFAULT '',
	callback_status_code INTEGER,
	callback_message TEXT NOT NULL DEFAULT '',
	callback_time TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_engine_status ON jobs(engine_name, status);
-- workflows is a reserved extension point; not exercised by the core (§6).
CREATE TABLE IF NOT EXISTS workflows (
	id BIGSERIAL PRIMARY KEY,
	definition JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store is the pgx-backed transactional Repository adapter.
type Store struct {
	pool *pgxpool.Pool
}

var _ job.Repository = (*Store)(nil)

// Open connects to Postgres using dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: create schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Create(ctx context.Context, spec job.Spec) (int64, error) {
	now := time.Now().UTC()
	optsJSON, err := json.Marshal(spec.DecodeOptions)
	if err != nil {
		return 0, fmt.Errorf("postgres: marshal decode options: %w", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO jobs (status, priority, engine_name, task_type, local_path, remote_url,
			file_url, platform, decode_options, callback_url, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id`,
		job.StatusQueued, spec.Priority, spec.EngineName, spec.TaskType,
		spec.Source.LocalPath, spec.Source.RemoteURL, spec.Source.FileURL,
		spec.Platform, optsJSON, spec.CallbackURL, now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create: %w", err)
	}
	return id, nil
}

const selectColumns = `id, status, priority, engine_name, task_type, local_path, remote_url, file_url,
	file_name, file_size_bytes, file_duration_seconds, platform, language, decode_options, result,
	error_message, task_processing_time_seconds, callback_url, callback_status_code, callback_message,
	callback_time, created_at, updated_at`

func scanJob(row pgx.Row) (*job.Job, error) {
	var j job.Job
	var decodeOpts, result []byte
	var callbackStatus *int
	var callbackTime *time.Time

	err := row.Scan(
		&j.ID, &j.Status, &j.Priority, &j.EngineName, &j.TaskType,
		&j.Source.LocalPath, &j.Source.RemoteURL, &j.Source.FileURL,
		&j.FileName, &j.FileSizeBytes, &j.FileDurationSeconds,
		&j.Platform, &j.Language, &decodeOpts, &result, &j.ErrorMessage,
		&j.TaskProcessingTimeSeconds, &j.CallbackURL, &callbackStatus,
		&j.CallbackMessage, &callbackTime, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(decodeOpts) > 0 {
		_ = json.Unmarshal(decodeOpts, &j.DecodeOptions)
	}
	if len(result) > 0 {
		var r job.Result
		if jsonErr := json.Unmarshal(result, &r); jsonErr == nil {
			j.Result = &r
		}
	}
	j.CallbackStatusCode = callbackStatus
	j.CallbackTime = callbackTime
	return &j, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get: %w", err)
	}
	return j, nil
}

func (s *Store) Query(ctx context.Context, filter job.QueryFilter) ([]*job.Job, error) {
	q := `SELECT ` + selectColumns + ` FROM jobs WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		q += ` AND status = ` + arg(filter.Status)
	}
	if filter.Priority != "" {
		q += ` AND priority = ` + arg(filter.Priority)
	}
	if filter.EngineName != "" {
		q += ` AND engine_name = ` + arg(filter.EngineName)
	}
	if filter.Language != "" {
		q += ` AND language = ` + arg(filter.Language)
	}
	if !filter.CreatedAfter.IsZero() {
		q += ` AND created_at >= ` + arg(filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		q += ` AND created_at <= ` + arg(filter.CreatedBefore)
	}

	q += ` ORDER BY created_at DESC, id DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ` + arg(limit) + ` OFFSET ` + arg(filter.Offset)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id int64, patch job.Patch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if patch.Status != nil {
		var current job.Status
		if err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return job.ErrJobNotFound
			}
			return fmt.Errorf("postgres: read current status: %w", err)
		}
		if !job.CanTransition(current, *patch.Status) {
			return job.ErrInvalidTransition
		}
		if _, err := tx.Exec(ctx, `UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`, *patch.Status, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("postgres: update status: %w", err)
		}
	}
	if patch.Language != nil {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET language = $1, updated_at = $2 WHERE id = $3`, *patch.Language, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("postgres: update language: %w", err)
		}
	}
	if patch.FileName != nil {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET file_name = $1, updated_at = $2 WHERE id = $3`, *patch.FileName, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("postgres: update file_name: %w", err)
		}
	}
	if patch.FileSizeBytes != nil {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET file_size_bytes = $1, updated_at = $2 WHERE id = $3`, *patch.FileSizeBytes, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("postgres: update file_size_bytes: %w", err)
		}
	}
	if patch.FileDurationSeconds != nil {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET file_duration_seconds = $1, updated_at = $2 WHERE id = $3`, *patch.FileDurationSeconds, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("postgres: update file_duration_seconds: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ClaimNext uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// processors racing this query never claim the same row twice and never
// block behind one another on rows they don't end up claiming.
func (s *Store) ClaimNext(ctx context.Context, engineName string) (*job.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT `+selectColumns+` FROM jobs
		WHERE status = $1 AND engine_name = $2
		ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END ASC,
			created_at ASC, id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, job.StatusQueued, engineName)

	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: claim select: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`, job.StatusProcessing, now, j.ID); err != nil {
		return nil, fmt.Errorf("postgres: claim update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: claim commit: %w", err)
	}

	j.Status = job.StatusProcessing
	j.UpdatedAt = now
	return j, nil
}

func (s *Store) MarkCompleted(ctx context.Context, id int64, result job.Result, language string, durationSeconds float64) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("postgres: marshal result: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current job.Status
	if err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.ErrJobNotFound
		}
		return fmt.Errorf("postgres: read current status: %w", err)
	}
	if !job.CanTransition(current, job.StatusCompleted) {
		return job.ErrInvalidTransition
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $1, result = $2, language = $3, task_processing_time_seconds = $4, updated_at = $5
		WHERE id = $6`,
		job.StatusCompleted, resultJSON, language, durationSeconds, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("postgres: mark completed: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string, durationSeconds float64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current job.Status
	if err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.ErrJobNotFound
		}
		return fmt.Errorf("postgres: read current status: %w", err)
	}
	if !job.CanTransition(current, job.StatusFailed) {
		return job.ErrInvalidTransition
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $1, error_message = $2, task_processing_time_seconds = $3, updated_at = $4
		WHERE id = $5`,
		job.StatusFailed, errMsg, durationSeconds, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("postgres: mark failed: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) RecordCallback(ctx context.Context, id int64, statusCode int, message string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET callback_status_code = $1, callback_message = $2, callback_time = $3
		WHERE id = $4`, statusCode, message, at, id)
	if err != nil {
		return fmt.Errorf("postgres: record callback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

func (s *Store) RecoverOrphans(ctx context.Context, threshold time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, updated_at = $2 WHERE status = $3 AND updated_at < $4`,
		job.StatusQueued, time.Now().UTC(), job.StatusProcessing, threshold)
	if err != nil {
		return 0, fmt.Errorf("postgres: recover orphans: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) PendingCallbacks(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+` FROM jobs
		WHERE status IN ($1, $2) AND callback_url != '' AND callback_status_code IS NULL`,
		job.StatusCompleted, job.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("postgres: pending callbacks: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) PurgeOlderThan(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE status IN ($1, $2) AND updated_at < $3`,
		job.StatusCompleted, job.StatusFailed, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
