// Package processor implements C4: the claim loop that turns queued jobs
// into completed or failed ones. It checks out a pool worker, runs
// inference through it, and retries once against a fresh worker on a
// transient engine error, mirroring the teacher's
// ProcessVideoService.processChunksParallel shape of "bounded concurrency
// over a work queue, one retry on a fresh resource before giving up."
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/maauso/asr-gateway/internal/engine"
	"github.com/maauso/asr-gateway/internal/job"
	"github.com/maauso/asr-gateway/internal/media"
	"github.com/maauso/asr-gateway/internal/metrics"
	"github.com/maauso/asr-gateway/internal/pool"
	"github.com/maauso/asr-gateway/internal/staging"
)

// CallbackEnqueuer is the narrow collaborator contract the processor
// needs from the callback dispatcher (C5): hand off a terminal job for
// delivery, never block the claim loop on network I/O.
type CallbackEnqueuer interface {
	Enqueue(jobID int64, callbackURL string)
}

// Config parameterizes a Processor (§4.4).
type Config struct {
	EngineName              string
	MaxConcurrentTasks      int
	StatusCheckInterval     time.Duration
	OrphanRecoveryThreshold time.Duration
	StagingTTL              time.Duration
}

// Processor owns the claim loop.
type Processor struct {
	repo      job.Repository
	pool      *pool.Pool
	stager    *staging.Stager
	media     media.Processor
	callbacks CallbackEnqueuer
	cfg       Config
	logger    *slog.Logger

	mets *metrics.Metrics

	sem  chan struct{}
	wake chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Processor beyond its required collaborators.
type Option func(*Processor)

// WithMetrics records task outcomes and pool utilization against m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.mets = m }
}

// New constructs a Processor. stager and media may be nil if the
// deployment never stages to local disk (e.g. every job arrives with
// file_duration_seconds already known) -- both are optional here so
// tests can exercise the claim loop without a filesystem.
func New(repo job.Repository, p *pool.Pool, stager *staging.Stager, mediaProc media.Processor, callbacks CallbackEnqueuer, cfg Config, logger *slog.Logger, opts ...Option) *Processor {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 2
	}
	if cfg.StatusCheckInterval <= 0 {
		cfg.StatusCheckInterval = 2 * time.Second
	}
	if cfg.OrphanRecoveryThreshold <= 0 {
		cfg.OrphanRecoveryThreshold = 5 * time.Minute
	}
	if cfg.StagingTTL <= 0 {
		cfg.StagingTTL = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	proc := &Processor{
		repo:      repo,
		pool:      p,
		stager:    stager,
		media:     mediaProc,
		callbacks: callbacks,
		cfg:       cfg,
		logger:    logger,
		sem:       make(chan struct{}, cfg.MaxConcurrentTasks),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(proc)
	}
	return proc
}

// Notify wakes the claim loop early, e.g. right after a new job is
// created, instead of waiting out the full poll interval.
func (p *Processor) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run recovers orphaned jobs left processing by a prior crash (§5), then
// claims and processes jobs until ctx is cancelled, draining in-flight
// work before returning.
func (p *Processor) Run(ctx context.Context) error {
	if n, err := p.repo.RecoverOrphans(ctx, time.Now().Add(-p.cfg.OrphanRecoveryThreshold)); err != nil {
		p.logger.Error("processor: recover orphans failed", slog.String("error", err.Error()))
	} else if n > 0 {
		p.logger.Info("processor: recovered orphaned jobs", slog.Int("count", n))
	}

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return ctx.Err()
		case p.sem <- struct{}{}:
		}

		j, err := p.repo.ClaimNext(ctx, p.cfg.EngineName)
		if err != nil {
			<-p.sem
			p.logger.Error("processor: claim failed", slog.String("error", err.Error()))
			if !p.wait(ctx, p.cfg.StatusCheckInterval) {
				p.wg.Wait()
				return ctx.Err()
			}
			continue
		}
		if j == nil {
			<-p.sem
			if !p.wait(ctx, p.cfg.StatusCheckInterval) {
				p.wg.Wait()
				return ctx.Err()
			}
			continue
		}

		p.wg.Add(1)
		go func(j *job.Job) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.processOne(ctx, j)
		}(j)
	}
}

// wait blocks for roughly d, jittered by up to 20%, or until ctx is
// cancelled or Notify fires. Returns false if ctx was the reason it
// returned.
func (p *Processor) wait(ctx context.Context, d time.Duration) bool {
	jitter := time.Duration(rand.Int63n(int64(d) / 5))
	timer := time.NewTimer(d + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.wake:
		return true
	case <-timer.C:
		return true
	}
}

func (p *Processor) processOne(ctx context.Context, j *job.Job) {
	start := time.Now()

	if err := p.ensureDuration(ctx, j); err != nil {
		p.fail(ctx, j, err, time.Since(start).Seconds())
		return
	}

	result, err := p.infer(ctx, j)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		p.fail(ctx, j, err, elapsed)
		return
	}

	language := j.DecodeOptions.Language
	if language == "" {
		if v, ok := result.Info["language"].(string); ok {
			language = v
		}
	}

	if err := p.repo.MarkCompleted(ctx, j.ID, result, language, elapsed); err != nil {
		p.logger.Error("processor: mark completed failed",
			slog.Int64("job_id", j.ID), slog.String("error", err.Error()))
		return
	}
	p.logger.Info("processor: task completed", slog.Int64("job_id", j.ID), slog.Float64("elapsed_seconds", elapsed))
	p.observe("completed", elapsed)
	p.cleanup(j)
	p.enqueueCallback(j)
}

// observe records a terminal outcome plus the pool's utilization at
// that moment, when metrics are wired.
func (p *Processor) observe(outcome string, elapsed float64) {
	if p.mets == nil {
		return
	}
	p.mets.ObserveTask(outcome, elapsed)
	total, busy := p.pool.Size()
	p.mets.ObservePool(total, busy)
}

func (p *Processor) ensureDuration(ctx context.Context, j *job.Job) error {
	if j.FileDurationSeconds > 0 || p.media == nil || j.Source.LocalPath == "" {
		return nil
	}
	d, err := p.media.ProbeDuration(ctx, j.Source.LocalPath)
	if err != nil {
		return fmt.Errorf("processor: probe duration: %w", err)
	}
	j.FileDurationSeconds = d
	return p.repo.Update(ctx, j.ID, job.Patch{FileDurationSeconds: &d})
}

// infer checks out a pool worker and runs inference, retrying once
// against a fresh worker if the first attempt failed with a transient
// engine error (§4.4's "transient failure gets one retry on a fresh
// worker before the task is marked failed").
func (p *Processor) infer(ctx context.Context, j *job.Job) (job.Result, error) {
	worker, err := p.pool.Checkout(ctx)
	if err != nil {
		return job.Result{}, fmt.Errorf("processor: checkout: %w", err)
	}

	result, err := p.runInference(ctx, worker, j)
	if err == nil {
		p.pool.Checkin(worker)
		return result, nil
	}
	if !isTransient(err) {
		p.pool.Checkin(worker)
		return job.Result{}, err
	}

	p.pool.Discard(ctx, worker)
	worker2, err2 := p.pool.Checkout(ctx)
	if err2 != nil {
		return job.Result{}, fmt.Errorf("processor: retry checkout: %w", err2)
	}
	result2, err3 := p.runInference(ctx, worker2, j)
	p.pool.Checkin(worker2)
	if err3 != nil {
		return job.Result{}, err3
	}
	return result2, nil
}

func (p *Processor) runInference(ctx context.Context, w *pool.Worker, j *job.Job) (job.Result, error) {
	eng, ok := w.Instance().(engine.Engine)
	if !ok {
		return job.Result{}, errors.New("processor: worker instance does not implement engine.Engine")
	}
	return eng.Infer(ctx, j.Source.LocalPath, j.DecodeOptions)
}

func isTransient(err error) bool {
	return errors.Is(err, engine.ErrServerError) ||
		errors.Is(err, engine.ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (p *Processor) fail(ctx context.Context, j *job.Job, cause error, elapsed float64) {
	p.logger.Error("processor: task failed",
		slog.Int64("job_id", j.ID), slog.String("error", cause.Error()))
	if err := p.repo.MarkFailed(ctx, j.ID, cause.Error(), elapsed); err != nil {
		p.logger.Error("processor: mark failed error",
			slog.Int64("job_id", j.ID), slog.String("error", err.Error()))
	}
	p.observe("failed", elapsed)
	p.cleanup(j)
	p.enqueueCallback(j)
}

func (p *Processor) cleanup(j *job.Job) {
	if p.stager == nil || j.Source.LocalPath == "" {
		return
	}
	p.stager.ScheduleDelete(j.Source.LocalPath, time.Now().Add(p.cfg.StagingTTL))
}

func (p *Processor) enqueueCallback(j *job.Job) {
	if p.callbacks == nil || j.CallbackURL == "" {
		return
	}
	p.callbacks.Enqueue(j.ID, j.CallbackURL)
}
