// Package watchdog reconciles state that crashed or stalled workers left
// behind. It runs as its own process, on its own cadence, and is the only
// mechanism that rescues work orphaned by a dead worker.
package watchdog

import (
	"context"
	"log/slog"
	"time"

	"curation-engine/internal/store"
	"curation-engine/internal/telemetry"
)

// Watchdog sweeps expired leases, stale family locks, and aged idempotency
// records. In report-only mode every sweep counts affected records without
// mutating anything, for safe verification before enabling cleanup.
type Watchdog struct {
	store      store.Store
	interval   time.Duration
	reportOnly bool
	logger     *slog.Logger
}

// New builds a watchdog over the given store.
func New(st store.Store, interval time.Duration, reportOnly bool, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		store:      st,
		interval:   interval,
		reportOnly: reportOnly,
		logger:     logger,
	}
}

// Counts reports one sweep's findings.
type Counts struct {
	RecoveredJobs      int64
	ExpiredLocks       int64
	IdempotencyRecords int64
}

// Run sweeps on the configured cadence until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Sweep(ctx); err != nil {
			w.logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep runs the three reconciliation passes once.
func (w *Watchdog) Sweep(ctx context.Context) (Counts, error) {
	var counts Counts

	recovered, err := w.store.RecoverStuckJobs(ctx, w.reportOnly)
	if err != nil {
		return counts, err
	}
	counts.RecoveredJobs = recovered
	if recovered > 0 && !w.reportOnly {
		telemetry.WatchdogRecovered.Add(float64(recovered))
	}

	locks, err := w.store.CleanupExpiredLocks(ctx, w.reportOnly)
	if err != nil {
		return counts, err
	}
	counts.ExpiredLocks = locks

	idem, err := w.store.CleanupIdempotencyRecords(ctx, w.reportOnly)
	if err != nil {
		return counts, err
	}
	counts.IdempotencyRecords = idem

	if counts.RecoveredJobs > 0 || counts.ExpiredLocks > 0 || counts.IdempotencyRecords > 0 {
		w.logger.Info("sweep complete",
			"report_only", w.reportOnly,
			"recovered_jobs", counts.RecoveredJobs,
			"expired_locks", counts.ExpiredLocks,
			"idempotency_records", counts.IdempotencyRecords,
		)
	}
	return counts, nil
}
