package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"curation-engine/internal/curate"
	"curation-engine/internal/jobctx"
	"curation-engine/internal/models"
	"curation-engine/internal/planarchive"
	"curation-engine/internal/store"
	"curation-engine/internal/telemetry"
)

// Outcome is the terminal result of executing one job.
type Outcome struct {
	Status    string // succeeded, failed, or needs_review
	ErrorKind string
	Err       error
}

// Executor routes a leased job to its handler and wraps execution in the
// repair loop. Every attempt, successful or not, lands in the run history;
// all failures are converted to outcomes here and never crash the worker.
type Executor struct {
	store        store.Store
	handlers     map[models.JobType]Handler
	judge        curate.Judge
	applier      curate.Applier
	scorer       curate.Scorer
	archive      *planarchive.Archive
	applyEnabled bool
	logger       *slog.Logger
}

// NewExecutor wires the dispatch table and external collaborators.
func NewExecutor(st store.Store, handlers map[models.JobType]Handler, judge curate.Judge, applier curate.Applier, scorer curate.Scorer, archive *planarchive.Archive, applyEnabled bool, logger *slog.Logger) *Executor {
	return &Executor{
		store:        st,
		handlers:     handlers,
		judge:        judge,
		applier:      applier,
		scorer:       scorer,
		archive:      archive,
		applyEnabled: applyEnabled,
		logger:       logger,
	}
}

// scoredTypes mutate derived/generated content; the quality heuristic runs
// for them after a successful apply.
var scoredTypes = map[models.JobType]bool{
	models.TypeFieldEnrichmentShard: true,
	models.TypeTargetedFix:          true,
	models.TypeAliasRepair:          true,
}

// Execute runs job to a terminal outcome. All run-history writes carry the
// lease token so a worker that lost its lease leaves no trace.
func (e *Executor) Execute(ctx context.Context, job models.Job, leaseToken string) Outcome {
	workerID := ""
	if info, ok := jobctx.From(ctx); ok {
		workerID = info.WorkerID
	}

	handler, ok := e.handlers[job.Type]
	if !ok {
		// Unregistered type is a deployment mistake, not a transient
		// fault; never retried.
		err := &curate.ConfigError{Detail: "no handler registered for type " + string(job.Type)}
		e.recordAttempt(ctx, job, leaseToken, job.AttemptCount+1, time.Now().UTC(), models.OutcomeFailed, err, workerID)
		return Outcome{Status: models.StatusFailed, ErrorKind: curate.KindConfig, Err: err}
	}

	// The safety gate is checked before any handler logic runs.
	if job.Mode() == models.ModeApply && !e.applyEnabled {
		telemetry.GateBlocked.Inc()
		e.recordAttempt(ctx, job, leaseToken, job.AttemptCount+1, time.Now().UTC(), models.OutcomeGateBlocked, curate.ErrApplyGateBlocked, workerID)
		return Outcome{Status: models.StatusFailed, ErrorKind: curate.KindGateBlocked, Err: curate.ErrApplyGateBlocked}
	}

	input := job.Payload
	attempt := job.AttemptCount

	for {
		attempt++
		started := time.Now().UTC()
		plan, err := handler(ctx, job, input)

		if plan != nil {
			if archErr := e.archive.Put(ctx, job.ID, attempt, *plan); archErr != nil {
				e.logger.Warn("plan archive failed", "job_id", job.ID, "error", archErr)
			}
		}

		if err == nil {
			return e.finishAttempt(ctx, job, leaseToken, attempt, started, plan, workerID)
		}

		var verr *curate.ValidationError
		if errors.As(err, &verr) {
			e.recordAttempt(ctx, job, leaseToken, attempt, started, models.OutcomeNeedsRepair, err, workerID)

			if attempt > job.MaxRepairs {
				e.logger.Info("repairs exhausted", "job_id", job.ID, "attempts", attempt, "rule", verr.Rule)
				return Outcome{Status: models.StatusNeedsReview, ErrorKind: curate.KindExhausted, Err: err}
			}

			corrected, jerr := e.judge.SuggestFix(ctx, verr, plan, input)
			if jerr != nil {
				// A failed judgment consumes the repair attempt; the
				// loop retries with the unchanged input.
				e.logger.Warn("judgment failed", "job_id", job.ID, "attempt", attempt, "error", jerr)
			} else {
				input = corrected
			}
			telemetry.RepairAttempts.Inc()
			continue
		}

		var cerr *curate.ConfigError
		if errors.As(err, &cerr) {
			e.recordAttempt(ctx, job, leaseToken, attempt, started, models.OutcomeFailed, err, workerID)
			return Outcome{Status: models.StatusFailed, ErrorKind: curate.KindConfig, Err: err}
		}

		var aerr *curate.ApplyError
		if errors.As(err, &aerr) {
			e.recordAttempt(ctx, job, leaseToken, attempt, started, models.OutcomeFailed, err, workerID)
			return Outcome{Status: models.StatusFailed, ErrorKind: curate.KindApply, Err: err}
		}

		// Anything else means the system could not safely decide;
		// route to a human instead of a retry storm.
		e.recordAttempt(ctx, job, leaseToken, attempt, started, models.OutcomeNeedsReview, err, workerID)
		return Outcome{Status: models.StatusNeedsReview, ErrorKind: curate.KindHandler, Err: err}
	}
}

// finishAttempt handles the apply/dry-run split and the post-apply quality
// check for a handler that returned a plan without error.
func (e *Executor) finishAttempt(ctx context.Context, job models.Job, leaseToken string, attempt int, started time.Time, plan *curate.ChangePlan, workerID string) Outcome {
	if job.Mode() == models.ModeApply && plan != nil && len(plan.Operations) > 0 {
		if err := e.applier.Apply(ctx, *plan); err != nil {
			// Blindly retrying a partially-applied mutation risks
			// double-application; apply failures never feed the
			// repair loop.
			e.recordAttempt(ctx, job, leaseToken, attempt, started, models.OutcomeFailed, err, workerID)
			return Outcome{Status: models.StatusFailed, ErrorKind: curate.KindApply, Err: err}
		}
		if scoredTypes[job.Type] {
			passes, serr := e.scorer.Score(ctx, *plan)
			if serr != nil {
				e.logger.Warn("quality score unavailable", "job_id", job.ID, "error", serr)
			} else if !passes {
				telemetry.QualityWarnings.Inc()
				e.logger.Warn("quality heuristic still failing after apply", "job_id", job.ID, "family", plan.FamilySlug)
			}
		}
	} else if plan != nil {
		e.logger.Info("dry-run plan computed", "job_id", job.ID, "operations", len(plan.Operations), "family", plan.FamilySlug)
	}

	e.recordAttempt(ctx, job, leaseToken, attempt, started, models.OutcomeSucceeded, nil, workerID)
	return Outcome{Status: models.StatusSucceeded}
}

func (e *Executor) recordAttempt(ctx context.Context, job models.Job, leaseToken string, attempt int, started time.Time, outcome string, attemptErr error, workerID string) {
	var summary *string
	if attemptErr != nil {
		s := attemptErr.Error()
		summary = &s
	}
	a := models.Attempt{
		JobID:         job.ID,
		AttemptNumber: attempt,
		StartedAt:     started,
		FinishedAt:    time.Now().UTC(),
		Outcome:       outcome,
		ErrorSummary:  summary,
		WorkerID:      workerID,
	}
	err := e.store.RecordAttempt(ctx, leaseToken, a)
	if errors.Is(err, store.ErrLeaseLost) {
		// The job belongs to another worker now; this execution is void
		// and must not pollute its history.
		e.logger.Warn("attempt discarded after lost lease", "job_id", job.ID, "attempt", attempt)
		return
	}
	if err != nil {
		e.logger.Error("record attempt failed", "job_id", job.ID, "attempt", attempt, "error", err)
	}
}
