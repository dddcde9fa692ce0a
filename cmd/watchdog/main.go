package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"curation-engine/internal/config"
	"curation-engine/internal/store"
	"curation-engine/internal/watchdog"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "watchdog")

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

	wd := watchdog.New(st, cfg.WatchdogInterval, cfg.WatchdogReportOnly, logger)
	logger.Info("watchdog started",
		"interval", cfg.WatchdogInterval.String(),
		"report_only", cfg.WatchdogReportOnly,
	)
	if err := wd.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("watchdog stopped", "error", err)
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
