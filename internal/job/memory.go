package job

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-process implementation of Repository backed
// by a map guarded by a single mutex. It is not a production store
// backend (see store/sqlite and store/postgres for those); it exists as
// a fast, dependency-free Repository for unit tests of the processor,
// callback dispatcher, and HTTP handlers, grounded on the same
// map+mutex+clone-on-access shape the teacher used for its development
// repository.
type MemoryRepository struct {
	mu     sync.Mutex
	jobs   map[int64]*Job
	nextID int64
}

// NewMemoryRepository creates a new in-memory job repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[int64]*Job)}
}

func clone(j *Job) *Job {
	cp := *j
	if j.Result != nil {
		r := *j.Result
		r.Segments = append([]Segment(nil), j.Result.Segments...)
		cp.Result = &r
	}
	if j.CallbackStatusCode != nil {
		v := *j.CallbackStatusCode
		cp.CallbackStatusCode = &v
	}
	if j.CallbackTime != nil {
		v := *j.CallbackTime
		cp.CallbackTime = &v
	}
	return &cp
}

// Create inserts a new row in status queued and returns its id.
func (r *MemoryRepository) Create(_ context.Context, spec Spec) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	now := time.Now()
	r.jobs[id] = &Job{
		ID:            id,
		Status:        StatusQueued,
		Priority:      spec.Priority,
		EngineName:    spec.EngineName,
		TaskType:      spec.TaskType,
		Source:        spec.Source,
		Platform:      spec.Platform,
		DecodeOptions: spec.DecodeOptions,
		CallbackURL:   spec.CallbackURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return id, nil
}

// Get retrieves a job by id.
func (r *MemoryRepository) Get(_ context.Context, id int64) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return clone(j), nil
}

// Query returns a page of jobs matching filter.
func (r *MemoryRepository) Query(_ context.Context, filter QueryFilter) ([]*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && j.Priority != filter.Priority {
			continue
		}
		if filter.EngineName != "" && j.EngineName != filter.EngineName {
			continue
		}
		if filter.Language != "" && j.Language != filter.Language {
			continue
		}
		if !filter.CreatedAfter.IsZero() && j.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		if !filter.CreatedBefore.IsZero() && j.CreatedAt.After(filter.CreatedBefore) {
			continue
		}
		matched = append(matched, clone(j))
	}

	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID > matched[b].ID
	})

	offset := filter.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Delete permanently removes a row.
func (r *MemoryRepository) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(r.jobs, id)
	return nil
}

// Update applies a partial patch, rejecting illegal status transitions.
func (r *MemoryRepository) Update(_ context.Context, id int64, patch Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if patch.Status != nil {
		if !CanTransition(j.Status, *patch.Status) {
			return ErrInvalidTransition
		}
		j.Status = *patch.Status
	}
	if patch.Language != nil {
		j.Language = *patch.Language
	}
	if patch.FileName != nil {
		j.FileName = *patch.FileName
	}
	if patch.FileSizeBytes != nil {
		j.FileSizeBytes = *patch.FileSizeBytes
	}
	if patch.FileDurationSeconds != nil {
		j.FileDurationSeconds = *patch.FileDurationSeconds
	}
	j.UpdatedAt = time.Now()
	return nil
}

// ClaimNext atomically selects the oldest queued row of the highest
// priority whose engine_name matches and transitions it to processing.
// The repository's single mutex serializes this the way an embedded
// backend without row-level locking must (§5).
func (r *MemoryRepository) ClaimNext(_ context.Context, engineName string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Job
	for _, j := range r.jobs {
		if j.Status != StatusQueued {
			continue
		}
		if engineName != "" && j.EngineName != engineName {
			continue
		}
		if best == nil {
			best = j
			continue
		}
		if j.Priority.Rank() != best.Priority.Rank() {
			if j.Priority.Rank() > best.Priority.Rank() {
				best = j
			}
			continue
		}
		if j.CreatedAt.Before(best.CreatedAt) {
			best = j
			continue
		}
		if j.CreatedAt.Equal(best.CreatedAt) && j.ID < best.ID {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = StatusProcessing
	best.UpdatedAt = time.Now()
	return clone(best), nil
}

// MarkCompleted performs the terminal processing->completed update.
func (r *MemoryRepository) MarkCompleted(_ context.Context, id int64, result Result, language string, durationSeconds float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !CanTransition(j.Status, StatusCompleted) {
		return ErrInvalidTransition
	}
	res := result
	j.Result = &res
	j.Language = language
	j.TaskProcessingTimeSeconds = durationSeconds
	j.Status = StatusCompleted
	j.UpdatedAt = time.Now()
	return nil
}

// MarkFailed performs the terminal ->failed update.
func (r *MemoryRepository) MarkFailed(_ context.Context, id int64, errMsg string, durationSeconds float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !CanTransition(j.Status, StatusFailed) {
		return ErrInvalidTransition
	}
	j.ErrorMessage = errMsg
	j.TaskProcessingTimeSeconds = durationSeconds
	j.Status = StatusFailed
	j.UpdatedAt = time.Now()
	return nil
}

// RecordCallback writes the outcome of a callback attempt.
func (r *MemoryRepository) RecordCallback(_ context.Context, id int64, statusCode int, message string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	code := statusCode
	j.CallbackStatusCode = &code
	j.CallbackMessage = message
	t := at
	j.CallbackTime = &t
	return nil
}

// RecoverOrphans transitions stale processing rows back to queued.
func (r *MemoryRepository) RecoverOrphans(_ context.Context, threshold time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if j.Status == StatusProcessing && j.UpdatedAt.Before(threshold) {
			j.Status = StatusQueued
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// PendingCallbacks returns terminal jobs with a callback owed.
func (r *MemoryRepository) PendingCallbacks(_ context.Context) ([]*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Job
	for _, j := range r.jobs {
		if j.Status.IsTerminal() && j.CallbackURL != "" && j.CallbackStatusCode == nil {
			out = append(out, clone(j))
		}
	}
	return out, nil
}

// PurgeOlderThan deletes terminal rows older than before.
func (r *MemoryRepository) PurgeOlderThan(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, j := range r.jobs {
		if j.Status.IsTerminal() && j.UpdatedAt.Before(before) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory backend.
func (r *MemoryRepository) Close() error { return nil }
