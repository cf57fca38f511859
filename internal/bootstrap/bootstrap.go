// Package bootstrap initializes every component of the ASR gateway and
// wires them together: store backend, staging, crawlers, model pool,
// task processor, callback dispatcher, metrics, and HTTP handlers.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/maauso/asr-gateway/internal/callback"
	"github.com/maauso/asr-gateway/internal/config"
	"github.com/maauso/asr-gateway/internal/crawler"
	"github.com/maauso/asr-gateway/internal/engine"
	"github.com/maauso/asr-gateway/internal/job"
	"github.com/maauso/asr-gateway/internal/media"
	"github.com/maauso/asr-gateway/internal/metrics"
	"github.com/maauso/asr-gateway/internal/pool"
	"github.com/maauso/asr-gateway/internal/processor"
	"github.com/maauso/asr-gateway/internal/server"
	"github.com/maauso/asr-gateway/internal/staging"
	postgresstore "github.com/maauso/asr-gateway/internal/store/postgres"
	sqlitestore "github.com/maauso/asr-gateway/internal/store/sqlite"
)

// Dependencies holds every initialized component. The caller starts the
// long-running ones (Processor.Run, Dispatcher.Start); Close releases
// resources in reverse dependency order.
type Dependencies struct {
	Repo       job.Repository
	Stager     *staging.Stager
	Artifacts  *staging.ArtifactStore
	Crawlers   *crawler.Registry
	Media      media.Processor
	Pool       *pool.Pool
	Processor  *processor.Processor
	Dispatcher *callback.Dispatcher
	Metrics    *metrics.Metrics
	Router     http.Handler
}

// NewDependencies creates and wires all components from cfg. The pool is
// initialized eagerly here so a misconfigured engine endpoint fails at
// startup instead of on the first claimed job.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	repo, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	crawlers := newCrawlerRegistry(cfg, logger)

	stager, err := staging.New(staging.Config{
		Dir:                 cfg.StagingDir,
		MaxFileSizeBytes:    cfg.MaxFileSizeBytes,
		AllowedExtensions:   cfg.AllowedExtensionSet(),
		MaxConcurrentStages: cfg.MaxConcurrentStages,
		GracePeriod:         time.Duration(cfg.StagingTTLSeconds) * time.Second,
	}, crawlers, logger)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("create stager: %w", err)
	}

	if n, err := reconcileStaging(ctx, repo, stager); err != nil {
		logger.Warn("staging reconciliation failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("removed orphaned staged files", slog.Int("count", n))
	}

	var artifacts *staging.ArtifactStore
	if cfg.S3Enabled() {
		artifacts, err = staging.NewArtifactStore(ctx, staging.ArtifactConfig{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("create artifact store: %w", err)
		}
		logger.Info("S3 artifact store configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
	} else {
		logger.Info("S3 artifact store disabled")
	}

	mediaProc := media.NewFFmpegProcessor("", "")
	if ffPath, ffErr := exec.LookPath("ffmpeg"); ffErr != nil {
		logger.Warn("ffmpeg not found in PATH; media operations may fail")
	} else {
		logger.Info("media processor initialized", slog.String("ffmpeg_path", ffPath))
	}

	mets := metrics.New(prometheus.DefaultRegisterer)

	workerPool := pool.New(pool.Config{
		MinSize:             cfg.PoolMinSize,
		MaxSize:             cfg.PoolMaxSize,
		MaxInstancesPerGPU:  cfg.MaxInstancesPerGPU,
		EngineName:          cfg.EngineName,
		InitWithMaxPoolSize: cfg.InitWithMaxPoolSize,
		GPUDeviceIDs:        cfg.GPUDeviceIDList(),
	}, &engine.Factory{EndpointForDevice: cfg.EngineEndpointMap()})
	if err := workerPool.Initialize(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("initialize model pool: %w", err)
	}
	total, busy := workerPool.Size()
	mets.ObservePool(total, busy)
	logger.Info("model pool initialized",
		slog.String("engine_name", cfg.EngineName),
		slog.Int("workers", total),
	)

	dispatcher := callback.New(repo, callback.Config{
		Workers:     cfg.CallbackWorkers,
		MaxAttempts: cfg.CallbackMaxAttempts,
		BaseBackoff: time.Duration(cfg.CallbackBaseBackoffMs) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.CallbackMaxBackoffSec) * time.Second,
	}, logger, callback.WithMetrics(mets))

	proc := processor.New(repo, workerPool, stager, mediaProc, dispatcher, processor.Config{
		EngineName:              cfg.EngineName,
		MaxConcurrentTasks:      cfg.MaxConcurrentTasks,
		StatusCheckInterval:     time.Duration(cfg.TaskStatusCheckIntervalMs) * time.Millisecond,
		OrphanRecoveryThreshold: time.Duration(cfg.OrphanRecoveryThresholdSec) * time.Second,
		StagingTTL:              time.Duration(cfg.StagingTTLSeconds) * time.Second,
	}, logger, processor.WithMetrics(mets))

	handlerOpts := []server.HandlerOption{server.WithDefaultEngineName(cfg.EngineName)}
	if artifacts != nil {
		handlerOpts = append(handlerOpts, server.WithArtifactStore(artifacts))
	}
	handlers := server.NewHandlers(repo, stager, crawlers, mediaProc, proc, logger, handlerOpts...)
	router := server.NewRouter(handlers, logger, server.DefaultConfig())

	return &Dependencies{
		Repo:       repo,
		Stager:     stager,
		Artifacts:  artifacts,
		Crawlers:   crawlers,
		Media:      mediaProc,
		Pool:       workerPool,
		Processor:  proc,
		Dispatcher: dispatcher,
		Metrics:    mets,
		Router:     router,
	}, nil
}

// Close releases the pool and store. Callers are expected to have
// cancelled the processor and dispatcher contexts and drained them
// first.
func (d *Dependencies) Close() error {
	var firstErr error
	if err := d.Pool.Close(); err != nil {
		firstErr = err
	}
	if err := d.Repo.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// openStore selects the job store backend from configuration.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (job.Repository, error) {
	switch cfg.StoreBackend {
	case "postgres":
		store, err := postgresstore.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		logger.Info("postgres job store configured")
		return store, nil
	default:
		store, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("sqlite job store configured", slog.String("path", cfg.SQLitePath))
		return store, nil
	}
}

// newCrawlerRegistry registers one resolver per supported platform with
// its configured proxy/cookie.
func newCrawlerRegistry(cfg *config.Config, logger *slog.Logger) *crawler.Registry {
	reg := crawler.NewRegistry()

	var douyinOpts []crawler.DouyinOption
	if cfg.DouyinProxy != "" {
		douyinOpts = append(douyinOpts, crawler.WithDouyinProxy(cfg.DouyinProxy))
	}
	if cfg.DouyinCookie != "" {
		douyinOpts = append(douyinOpts, crawler.WithDouyinCookie(cfg.DouyinCookie))
	}
	if r, err := crawler.NewDouyinResolver(douyinOpts...); err != nil {
		logger.Warn("douyin resolver disabled", slog.String("error", err.Error()))
	} else {
		reg.Register(crawler.PlatformDouyin, r)
	}

	var tiktokOpts []crawler.TikTokOption
	if cfg.TikTokProxy != "" {
		tiktokOpts = append(tiktokOpts, crawler.WithTikTokProxy(cfg.TikTokProxy))
	}
	if cfg.TikTokCookie != "" {
		tiktokOpts = append(tiktokOpts, crawler.WithTikTokCookie(cfg.TikTokCookie))
	}
	if r, err := crawler.NewTikTokResolver(tiktokOpts...); err != nil {
		logger.Warn("tiktok resolver disabled", slog.String("error", err.Error()))
	} else {
		reg.Register(crawler.PlatformTikTok, r)
	}

	return reg
}

// reconcileStaging deletes staged files that no longer belong to an
// active job, per §5's crash-recovery clause. Active means queued or
// processing; anything else left in the staging directory past the
// grace period is garbage from a previous run.
func reconcileStaging(ctx context.Context, repo job.Repository, stager *staging.Stager) (int, error) {
	active := make(map[string]bool)
	for _, status := range []job.Status{job.StatusQueued, job.StatusProcessing} {
		jobs, err := repo.Query(ctx, job.QueryFilter{Status: status, Limit: 1000})
		if err != nil {
			return 0, err
		}
		for _, j := range jobs {
			if j.Source.LocalPath != "" {
				active[j.Source.LocalPath] = true
			}
		}
	}
	return stager.Reconcile(active)
}
