// Package callback implements C5: a bounded in-memory queue of
// (job_id, callback_url) pairs drained by a configurable pool of
// outbound workers, each with its own HTTP client, retrying transport
// failures and 5xx responses with exponential backoff and stopping on
// 4xx. The per-host semaphore and retry shape is grounded on the
// teacher's RunPod client (internal/runpod/client.go's
// doRequestWithRetry), generalized from a request/response round trip
// into a fire-and-record notifier.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/maauso/asr-gateway/internal/job"
	"github.com/maauso/asr-gateway/internal/metrics"
)

// task is one queued callback intent.
type task struct {
	JobID       int64
	CallbackURL string
}

// Config parameterizes the dispatcher (§4.5 defaults).
type Config struct {
	Workers              int
	MaxAttempts          int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	QueueSize            int
	MaxPerHostConcurrent int
	RequestTimeout       time.Duration
}

// payload is the job's terminal representation (§3 fields) delivered to
// the caller's callback_url.
type payload struct {
	ID                        int64          `json:"id"`
	Status                    job.Status     `json:"status"`
	TaskType                  job.TaskType   `json:"task_type"`
	EngineName                string         `json:"engine_name"`
	Language                  string         `json:"language,omitempty"`
	Result                    *job.Result    `json:"result,omitempty"`
	ErrorMessage              string         `json:"error_message,omitempty"`
	TaskProcessingTimeSeconds float64        `json:"task_processing_time_seconds"`
	CreatedAt                 time.Time      `json:"created_at"`
	UpdatedAt                 time.Time      `json:"updated_at"`
}

func toPayload(j *job.Job) payload {
	return payload{
		ID:                        j.ID,
		Status:                    j.Status,
		TaskType:                  j.TaskType,
		EngineName:                j.EngineName,
		Language:                  j.Language,
		Result:                    j.Result,
		ErrorMessage:              j.ErrorMessage,
		TaskProcessingTimeSeconds: j.TaskProcessingTimeSeconds,
		CreatedAt:                 j.CreatedAt,
		UpdatedAt:                 j.UpdatedAt,
	}
}

// Dispatcher drains its queue with a fixed pool of workers.
type Dispatcher struct {
	repo   job.Repository
	cfg    Config
	logger *slog.Logger

	mets *metrics.Metrics

	ch chan task

	hostMu  sync.Mutex
	hostSem map[string]chan struct{}

	wg sync.WaitGroup
}

// Option configures a Dispatcher beyond its required collaborators.
type Option func(*Dispatcher)

// WithMetrics records delivery attempts and final outcomes against m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.mets = m }
}

// New constructs a Dispatcher. Call Start to launch its workers and
// Enqueue to feed it.
func New(repo job.Repository, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxPerHostConcurrent <= 0 {
		cfg.MaxPerHostConcurrent = 2
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		repo:    repo,
		cfg:     cfg,
		logger:  logger,
		ch:      make(chan task, cfg.QueueSize),
		hostSem: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue feeds a completed/failed job into the dispatcher's queue. A job
// with an empty callbackURL should never be passed here; callers are
// expected to check callback_url != "" first (§6).
func (d *Dispatcher) Enqueue(jobID int64, callbackURL string) {
	d.ch <- task{JobID: jobID, CallbackURL: callbackURL}
}

// Start launches the worker pool and returns. Workers drain the queue
// until ctx is cancelled; use Wait to block on their exit.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Wait blocks until every worker goroutine has returned, i.e. after ctx
// passed to Start is cancelled and in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Seed re-derives the dispatcher's queue at startup by scanning terminal
// jobs with a callback owed, per §4.5's restart-survival clause.
func (d *Dispatcher) Seed(ctx context.Context) (int, error) {
	pending, err := d.repo.PendingCallbacks(ctx)
	if err != nil {
		return 0, fmt.Errorf("callback: seed: %w", err)
	}
	for _, j := range pending {
		d.Enqueue(j.ID, j.CallbackURL)
	}
	return len(pending), nil
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	client := &http.Client{Timeout: d.cfg.RequestTimeout}

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-d.ch:
			if !ok {
				return
			}
			d.deliver(ctx, client, t)
		}
	}
}

func (d *Dispatcher) hostSemaphore(rawURL string) chan struct{} {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}

	d.hostMu.Lock()
	defer d.hostMu.Unlock()
	sem, ok := d.hostSem[host]
	if !ok {
		sem = make(chan struct{}, d.cfg.MaxPerHostConcurrent)
		d.hostSem[host] = sem
	}
	return sem
}

func (d *Dispatcher) deliver(ctx context.Context, client *http.Client, t task) {
	sem := d.hostSemaphore(t.CallbackURL)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return
	}

	j, err := d.repo.Get(ctx, t.JobID)
	if err != nil {
		d.logger.Error("callback: load job failed", slog.Int64("job_id", t.JobID), slog.String("error", err.Error()))
		return
	}

	body, err := json.Marshal(toPayload(j))
	if err != nil {
		d.logger.Error("callback: marshal payload failed", slog.Int64("job_id", t.JobID), slog.String("error", err.Error()))
		return
	}

	statusCode, message := d.attemptWithRetry(ctx, client, t.CallbackURL, body)
	if d.mets != nil {
		d.mets.CallbackOutcome.WithLabelValues(metrics.StatusClass(statusCode)).Inc()
	}

	if err := d.repo.RecordCallback(ctx, t.JobID, statusCode, message, time.Now().UTC()); err != nil {
		d.logger.Error("callback: record outcome failed", slog.Int64("job_id", t.JobID), slog.String("error", err.Error()))
	}
}

// attemptWithRetry posts body to callbackURL, retrying transport errors
// and 5xx responses with exponential backoff up to MaxAttempts. 4xx
// responses stop immediately. The returned status is -1 for a transport
// failure on the final attempt.
func (d *Dispatcher) attemptWithRetry(ctx context.Context, client *http.Client, callbackURL string, body []byte) (int, string) {
	backoff := d.cfg.BaseBackoff
	var lastStatus = -1
	var lastMessage string

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		status, message, retryable, err := d.post(ctx, client, callbackURL, body)
		if d.mets != nil {
			result := "delivered"
			if err != nil {
				result = "failed"
			}
			d.mets.CallbackAttempts.WithLabelValues(result).Inc()
		}
		if err == nil {
			return status, message
		}
		lastStatus = status
		lastMessage = message
		if !retryable {
			return lastStatus, lastMessage
		}
		if attempt == d.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return lastStatus, lastMessage
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > d.cfg.MaxBackoff {
			backoff = d.cfg.MaxBackoff
		}
	}
	return lastStatus, lastMessage
}

// post performs one delivery attempt. err is non-nil whenever the
// attempt did not succeed (non-2xx or transport failure); retryable
// distinguishes a 5xx/transport failure from a 4xx.
func (d *Dispatcher) post(ctx context.Context, client *http.Client, callbackURL string, body []byte) (statusCode int, message string, retryable bool, err error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if reqErr != nil {
		return -1, reqErr.Error(), false, reqErr
	}
	req.Header.Set("Content-Type", "application/json")

	resp, doErr := client.Do(req)
	if doErr != nil {
		return -1, doErr.Error(), true, doErr
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, "delivered", false, nil
	}
	msg := fmt.Sprintf("callback endpoint returned status %d", resp.StatusCode)
	if resp.StatusCode >= 500 {
		return resp.StatusCode, msg, true, fmt.Errorf("%s", msg)
	}
	return resp.StatusCode, msg, false, fmt.Errorf("%s", msg)
}
