// Package main provides the purge CLI: it deletes terminal job rows
// (completed or failed) older than a cutoff age from the configured
// store backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/maauso/asr-gateway/internal/config"
	"github.com/maauso/asr-gateway/internal/job"
	postgresstore "github.com/maauso/asr-gateway/internal/store/postgres"
	sqlitestore "github.com/maauso/asr-gateway/internal/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	olderThan := flag.Duration("older-than", 30*24*time.Hour, "delete terminal jobs older than this age")
	dryRun := flag.Bool("dry-run", false, "report what would be deleted without deleting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx := context.Background()

	var repo job.Repository
	switch cfg.StoreBackend {
	case "postgres":
		repo, err = postgresstore.Open(ctx, cfg.PostgresDSN)
	default:
		repo, err = sqlitestore.Open(cfg.SQLitePath)
	}
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = repo.Close() }()

	cutoff := time.Now().Add(-*olderThan)

	if *dryRun {
		// Count what a real run would remove: terminal rows last updated
		// before the cutoff. Such rows were also created before it, so the
		// query narrows by created_at and the loop checks updated_at.
		total := 0
		for _, status := range []job.Status{job.StatusCompleted, job.StatusFailed} {
			jobs, err := repo.Query(ctx, job.QueryFilter{Status: status, CreatedBefore: cutoff, Limit: 10000})
			if err != nil {
				return fmt.Errorf("query %s jobs: %w", status, err)
			}
			for _, j := range jobs {
				if j.UpdatedAt.Before(cutoff) {
					total++
				}
			}
		}
		logger.Info("dry run: terminal jobs eligible for purge",
			slog.Int("count", total),
			slog.Time("cutoff", cutoff),
		)
		return nil
	}

	n, err := repo.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	logger.Info("purged terminal jobs",
		slog.Int("count", n),
		slog.Time("cutoff", cutoff),
	)
	return nil
}
