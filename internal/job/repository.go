package job

import (
	"context"
	"time"
)

// QueryFilter narrows a List/query call. Zero values mean "no filter" on
// that field.
type QueryFilter struct {
	Status        Status
	Priority      Priority
	EngineName    string
	Language      string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// Patch is a partial update applied by Update. Nil/zero fields are left
// untouched; Status, when non-empty, is checked against CanTransition by
// the store inside its transaction.
type Patch struct {
	Status              *Status
	Language            *string
	FileName            *string
	FileSizeBytes       *int64
	FileDurationSeconds *float64
}

// Repository is the C1 job store port: a durable, queryable record of
// every job and its lifecycle fields. Two adapters are required by §9:
// an embedded single-process backend and a transactional backend
// supporting SELECT ... FOR UPDATE SKIP LOCKED for multi-process
// operation.
type Repository interface {
	// Create inserts a new row in status queued and returns its id.
	Create(ctx context.Context, spec Spec) (int64, error)

	// Get retrieves a job by id. Returns ErrJobNotFound if absent.
	Get(ctx context.Context, id int64) (*Job, error)

	// Query returns a page of jobs matching filter, ordered by
	// created_at descending by default, with stable tie-breaking by id
	// for pagination.
	Query(ctx context.Context, filter QueryFilter) ([]*Job, error)

	// Delete permanently removes a row. Returns ErrJobNotFound if the
	// row does not exist, including on a repeated delete of the same id.
	Delete(ctx context.Context, id int64) error

	// Update applies a partial patch. Illegal status transitions are
	// rejected with ErrInvalidTransition inside the store's transaction.
	Update(ctx context.Context, id int64, patch Patch) error

	// ClaimNext is the scheduling primitive: atomically selects the
	// oldest queued row of the highest priority whose engine_name
	// matches, transitions it to processing, and returns it. When no
	// queued row matches it returns (nil, nil), not ErrJobNotFound, so
	// callers can distinguish "no work" from a store error.
	ClaimNext(ctx context.Context, engineName string) (*Job, error)

	// MarkCompleted performs the terminal processing->completed update,
	// stamping updated_at and task_processing_time_seconds.
	MarkCompleted(ctx context.Context, id int64, result Result, language string, durationSeconds float64) error

	// MarkFailed performs the terminal ->failed update (from queued or
	// processing), stamping updated_at and task_processing_time_seconds.
	MarkFailed(ctx context.Context, id int64, errMsg string, durationSeconds float64) error

	// RecordCallback writes the outcome of a callback attempt.
	RecordCallback(ctx context.Context, id int64, statusCode int, message string, at time.Time) error

	// RecoverOrphans transitions every processing row whose updated_at
	// is older than threshold back to queued, for crash recovery on
	// startup (§5). Returns the number of rows recovered.
	RecoverOrphans(ctx context.Context, threshold time.Time) (int, error)

	// PendingCallbacks re-derives the callback dispatcher's queue at
	// startup: terminal jobs with a non-empty callback_url and a null
	// callback_status_code.
	PendingCallbacks(ctx context.Context) ([]*Job, error)

	// PurgeOlderThan deletes terminal rows older than before and returns
	// the count removed. Supplemental purge tooling (SPEC_FULL.md).
	PurgeOlderThan(ctx context.Context, before time.Time) (int, error)

	// Close releases any resources held by the backend.
	Close() error
}
