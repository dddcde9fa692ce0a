package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"curation-engine/internal/config"
	"curation-engine/internal/jobctx"
	"curation-engine/internal/models"
	"curation-engine/internal/store"
	"curation-engine/internal/telemetry"
)

// Processor drives one worker's poll → lease → lock → execute → finalize
// loop. A processor handles one job at a time; parallelism comes from
// running more worker processes, and the store's conditional writes keep
// them from colliding.
type Processor struct {
	cfg      config.Config
	store    store.Store
	exec     *Executor
	workerID string
	logger   *slog.Logger
}

// NewProcessor creates a processor identified by workerID.
func NewProcessor(cfg config.Config, st store.Store, exec *Executor, workerID string, logger *slog.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		store:    st,
		exec:     exec,
		workerID: workerID,
		logger:   logger,
	}
}

// Run loops until the context is cancelled, the iteration budget is spent,
// or (when configured) the queue drains. Individual job failures never
// abort the loop; only the context does.
func (p *Processor) Run(ctx context.Context) error {
	iterations := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.cfg.WorkerMaxIterations > 0 && iterations >= p.cfg.WorkerMaxIterations {
			p.logger.Info("iteration budget spent", "iterations", iterations)
			return nil
		}

		job, ok, err := p.store.PollNext(ctx)
		if err != nil {
			// Store connectivity is the only failure allowed to abort
			// a poll cycle; back off and try again.
			p.logger.Error("poll failed", "error", err)
			if !sleepCtx(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}
		if !ok {
			if p.cfg.WorkerExitWhenIdle {
				p.logger.Info("queue drained, exiting")
				return nil
			}
			if !sleepCtx(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}
		iterations++

		token, err := p.store.AcquireLease(ctx, job.ID, p.workerID, p.cfg.LeaseDuration)
		if errors.Is(err, store.ErrConflict) {
			// Another worker won the race. Expected, not an error.
			telemetry.LeaseConflicts.Inc()
			continue
		}
		if err != nil {
			p.logger.Error("lease failed", "job_id", job.ID, "error", err)
			continue
		}
		telemetry.JobsLeased.Inc()
		telemetry.InFlightGauge.Inc()
		p.process(ctx, job, token)
		telemetry.InFlightGauge.Dec()
	}
}

// process carries one leased job to a terminal state or hands it back.
func (p *Processor) process(ctx context.Context, job models.Job, leaseToken string) {
	var lockToken string
	slug := job.Payload.FamilySlug
	if slug != "" {
		var err error
		lockToken, err = p.store.AcquireFamilyLock(ctx, slug, p.workerID, p.cfg.FamilyLockDuration)
		if errors.Is(err, store.ErrBusy) {
			// Retryable contention: hand the lease back so the job
			// runs once the family is free. Never a failure.
			telemetry.LockContention.Inc()
			if rqErr := p.store.ReturnToQueue(ctx, job.ID, leaseToken); rqErr != nil {
				p.logger.Warn("requeue after lock contention failed", "job_id", job.ID, "error", rqErr)
			}
			return
		}
		if err != nil {
			p.logger.Error("family lock failed", "job_id", job.ID, "family", slug, "error", err)
			if rqErr := p.store.ReturnToQueue(ctx, job.ID, leaseToken); rqErr != nil {
				p.logger.Warn("requeue after lock error failed", "job_id", job.ID, "error", rqErr)
			}
			return
		}
		defer func() {
			if err := p.store.ReleaseFamilyLock(ctx, slug, lockToken); err != nil {
				p.logger.Warn("family lock release failed", "family", slug, "error", err)
			}
		}()
	}

	if err := p.store.MarkRunning(ctx, job.ID, leaseToken); err != nil {
		p.logger.Warn("lease lost before running", "job_id", job.ID, "error", err)
		return
	}

	// Renew the lease (and family lock) on a ticker while the handler
	// runs. Losing the lease cancels execution: any work after that
	// point is void and must not reach the catalog.
	execCtx, cancelExec := context.WithCancel(ctx)
	var leaseLost atomic.Bool
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(p.cfg.LeaseRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-execCtx.Done():
				return
			case <-ticker.C:
				if err := p.store.RenewLease(ctx, job.ID, leaseToken, p.cfg.LeaseDuration); err != nil {
					p.logger.Warn("lease renewal failed, abandoning job", "job_id", job.ID, "error", err)
					leaseLost.Store(true)
					cancelExec()
					return
				}
				if slug != "" {
					if err := p.store.RefreshFamilyLock(ctx, slug, lockToken, p.cfg.FamilyLockDuration); err != nil {
						p.logger.Warn("family lock refresh failed", "family", slug, "error", err)
					}
				}
			}
		}
	}()

	info := jobctx.New(job.ID, p.workerID, job.Mode())
	var outcome Outcome
	_ = jobctx.WithJobContext(execCtx, info, func(ctx context.Context) error {
		outcome = p.exec.Execute(ctx, job, leaseToken)
		return nil
	})
	cancelExec()
	<-heartbeatDone

	if leaseLost.Load() {
		// The watchdog or another worker owns the job now; our result
		// is void by convention.
		p.logger.Warn("discarding result after lost lease", "job_id", job.ID, "correlation_id", info.CorrelationID)
		return
	}

	p.finalize(ctx, job, leaseToken, outcome, info.CorrelationID)
}

// finalize performs the token-guarded terminal write. An ambiguous write
// error triggers a re-read so no job is left in an unknown state.
func (p *Processor) finalize(ctx context.Context, job models.Job, leaseToken string, outcome Outcome, correlationID string) {
	var lastError *string
	if outcome.Err != nil {
		s := outcome.ErrorKind + ": " + outcome.Err.Error()
		lastError = &s
	}

	err := p.store.ReleaseLease(ctx, job.ID, leaseToken, outcome.Status, lastError)
	if errors.Is(err, store.ErrLeaseLost) {
		p.logger.Warn("lease lost at terminal write, result discarded", "job_id", job.ID, "correlation_id", correlationID)
		return
	}
	if err != nil {
		// Success of the write is unknown; re-read and reconcile
		// rather than guessing.
		p.logger.Error("terminal write failed, reconciling", "job_id", job.ID, "error", err)
		current, gerr := p.store.GetJob(ctx, job.ID)
		if gerr != nil {
			p.logger.Error("reconcile read failed", "job_id", job.ID, "error", gerr)
			return
		}
		if current.LeaseToken != nil && *current.LeaseToken == leaseToken {
			if rerr := p.store.ReleaseLease(ctx, job.ID, leaseToken, outcome.Status, lastError); rerr != nil {
				p.logger.Error("terminal write retry failed", "job_id", job.ID, "error", rerr)
			}
			return
		}
		// Someone else finalized or reclaimed it; nothing to do.
		return
	}

	switch outcome.Status {
	case models.StatusSucceeded:
		telemetry.JobsSucceeded.Inc()
	case models.StatusNeedsReview:
		telemetry.JobsNeedsReview.Inc()
	default:
		telemetry.JobsFailed.Inc()
	}
	p.logger.Info("job finalized",
		"job_id", job.ID,
		"type", string(job.Type),
		"status", outcome.Status,
		"error_kind", outcome.ErrorKind,
		"correlation_id", correlationID,
	)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
