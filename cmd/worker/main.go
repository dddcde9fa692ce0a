package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"curation-engine/internal/config"
	"curation-engine/internal/curate"
	"curation-engine/internal/planarchive"
	"curation-engine/internal/store"
	"curation-engine/internal/telemetry"
	"curation-engine/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	archive, err := planarchive.New(ctx, cfg.PlanArchiveBucket, cfg.PlanArchivePrefix)
	if err != nil {
		logger.Error("init plan archive", "error", err)
		os.Exit(1)
	}

	var judge curate.Judge = curate.DisabledJudge{}
	if cfg.JudgeURL != "" {
		judge = curate.NewHTTPClient(cfg.JudgeURL)
	}
	var applier curate.Applier = curate.DisabledApplier{}
	if cfg.ApplierURL != "" {
		applier = curate.NewHTTPClient(cfg.ApplierURL)
	}
	var scorer curate.Scorer = curate.DisabledScorer{}
	if cfg.ScorerURL != "" {
		scorer = curate.NewHTTPClient(cfg.ScorerURL)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	handlers := worker.NewHandlers(st).Table()
	exec := worker.NewExecutor(st, handlers, judge, applier, scorer, archive, cfg.ApplyEnabled, logger)
	processor := worker.NewProcessor(cfg, st, exec, workerID, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"worker_id", workerID,
		"lease", cfg.LeaseDuration.String(),
		"apply_enabled", cfg.ApplyEnabled,
	)
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.StoreBackend == "memory" {
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
