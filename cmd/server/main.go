// Package main provides the entry point for the ASR gateway server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maauso/asr-gateway/internal/bootstrap"
	"github.com/maauso/asr-gateway/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting ASR gateway",
		slog.Int("port", cfg.Port),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("engine_name", cfg.EngineName),
		slog.Int("pool_max_size", cfg.PoolMaxSize),
		slog.Int("max_concurrent_tasks", cfg.MaxConcurrentTasks),
		slog.String("staging_dir", cfg.StagingDir),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}

	// Callback dispatcher first: the processor enqueues onto it, and the
	// seed pass re-derives deliveries owed from before the last restart.
	deps.Dispatcher.Start(ctx)
	if n, err := deps.Dispatcher.Seed(ctx); err != nil {
		logger.Warn("callback seed failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("re-enqueued pending callbacks", slog.Int("count", n))
	}

	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		if err := deps.Processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("task processor stopped", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      deps.Router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Allow for large uploads and audio extraction
		IdleTimeout:  60 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		cancel()
		return err
	}

	// Stop accepting traffic first, then drain pipelines and callbacks
	// up to the grace period. Rows still processing afterwards are left
	// for orphan recovery at next startup.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", slog.String("error", err.Error()))
	}

	cancel()
	select {
	case <-procDone:
	case <-shutdownCtx.Done():
		logger.Warn("task processor drain timed out; processing rows left for orphan recovery")
	}
	deps.Dispatcher.Wait()

	if err := deps.Close(); err != nil {
		return fmt.Errorf("close dependencies: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
