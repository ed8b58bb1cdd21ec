// cmd/crawler/main.go
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

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/saimqureshi656/github-crawler-assessment/internal/api"
	"github.com/saimqureshi656/github-crawler-assessment/internal/config"
	"github.com/saimqureshi656/github-crawler-assessment/internal/crawler"
	"github.com/saimqureshi656/github-crawler-assessment/internal/github"
	"github.com/saimqureshi656/github-crawler-assessment/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := runMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize application components
	ghClient := github.NewClient(cfg.GithubToken, logger)
	appStore := store.New(dbpool, logger)
	appCrawler := crawler.New(ghClient, appStore, logger, cfg.CrawlTarget, cfg.PageSize)

	initialCount, err := appStore.CountRepositories(ctx)
	if err != nil {
		return fmt.Errorf("failed to read initial repository count: %w", err)
	}
	logger.Info("Repositories already in database", "count", initialCount)

	if remaining, limit, resetAt, err := ghClient.StartupRateLimit(ctx); err != nil {
		logger.Warn("Rate limit probe failed, continuing anyway", "error", err)
	} else {
		logger.Info("GraphQL rate limit status", "remaining", remaining, "limit", limit, "reset_at", resetAt)
	}

	// 6. Run the crawl and the stats server under one group
	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if cfg.APIAddr != "" {
		srv = &http.Server{
			Addr:    cfg.APIAddr,
			Handler: api.NewRouter(appStore, appCrawler, ghClient, logger),
		}
		g.Go(func() error {
			logger.Info("Stats server listening", "addr", cfg.APIAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	var progress crawler.Progress
	g.Go(func() error {
		var crawlErr error
		progress, crawlErr = appCrawler.Run(gctx)

		// The crawl finishing (however it finished) also stops the server.
		if srv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}

		// Only a bad credential makes the whole process fail; interrupted or
		// degraded runs still produce a summary and an export.
		if errors.Is(crawlErr, github.ErrAuth) {
			return crawlErr
		}
		if crawlErr != nil {
			logger.Warn("Crawl ended in a degraded state", "outcome", progress.Outcome, "error", crawlErr)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// 7. Final summary and export. Use a fresh context: the signal context is
	// likely already cancelled when the run was interrupted.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer finishCancel()

	finalCount, err := appStore.CountRepositories(finishCtx)
	if err != nil {
		return fmt.Errorf("failed to read final repository count: %w", err)
	}

	elapsed := time.Since(progress.StartedAt)
	logger.Info("Crawl finished",
		"outcome", string(progress.Outcome),
		"fetched", progress.Fetched,
		"repositories_total", finalCount,
		"repositories_new", finalCount-initialCount,
		"elapsed", elapsed.Round(time.Second).String(),
	)

	if err := exportCSV(finishCtx, appStore, cfg.ExportPath); err != nil {
		return fmt.Errorf("failed to export results: %w", err)
	}
	logger.Info("Export complete", "path", cfg.ExportPath)

	return nil
}

func exportCSV(ctx context.Context, s *store.Store, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.ExportCSV(ctx, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
