package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"curation-engine/internal/curate"
	"curation-engine/internal/models"
	"curation-engine/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeJudge struct {
	mu        sync.Mutex
	calls     int
	corrected models.Payload
	err       error
}

func (f *fakeJudge) SuggestFix(_ context.Context, _ *curate.ValidationError, _ *curate.ChangePlan, input models.Payload) (models.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return models.Payload{}, f.err
	}
	if f.corrected.FamilySlug != "" || f.corrected.Fields != nil {
		return f.corrected, nil
	}
	return input, nil
}

type fakeApplier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeApplier) Apply(context.Context, curate.ChangePlan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type fakeScorer struct {
	passes bool
	err    error
	calls  int
}

func (f *fakeScorer) Score(context.Context, curate.ChangePlan) (bool, error) {
	f.calls++
	return f.passes, f.err
}

func newTestExecutor(st store.Store, handlers map[models.JobType]Handler, judge curate.Judge, applier curate.Applier, scorer curate.Scorer, applyEnabled bool) *Executor {
	return NewExecutor(st, handlers, judge, applier, scorer, nil, applyEnabled, testLogger())
}

func mustCreate(t *testing.T, st store.Store, p store.CreateJobParams) models.Job {
	t.Helper()
	job, _, err := st.CreateJob(context.Background(), p)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func mustLease(t *testing.T, st store.Store, jobID string) string {
	t.Helper()
	token, err := st.AcquireLease(context.Background(), jobID, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	return token
}

func TestExecute_RepairBound(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := mustCreate(t, st, store.CreateJobParams{Type: models.TypeAddRecord, MaxRepairs: 3})
	token := mustLease(t, st, job.ID)

	invocations := 0
	handlers := map[models.JobType]Handler{
		models.TypeAddRecord: func(context.Context, models.Job, models.Payload) (*curate.ChangePlan, error) {
			invocations++
			return nil, &curate.ValidationError{Rule: "always-fails", Detail: "test"}
		},
	}
	judge := &fakeJudge{}
	exec := newTestExecutor(st, handlers, judge, &fakeApplier{}, &fakeScorer{passes: true}, false)

	outcome := exec.Execute(ctx, job, token)

	if outcome.Status != models.StatusNeedsReview {
		t.Fatalf("expected needs_review, got %s", outcome.Status)
	}
	if outcome.ErrorKind != curate.KindExhausted {
		t.Fatalf("expected exhausted kind, got %s", outcome.ErrorKind)
	}
	// Initial attempt plus max_repairs retries, never an infinite loop.
	if invocations != 4 {
		t.Fatalf("expected 4 handler invocations, got %d", invocations)
	}
	if judge.calls != 3 {
		t.Fatalf("expected 3 judgment calls, got %d", judge.calls)
	}

	attempts, err := st.ListAttempts(ctx, job.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 4 {
		t.Fatalf("expected 4 attempt rows, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.AttemptNumber != i+1 {
			t.Fatalf("attempt %d numbered %d", i, a.AttemptNumber)
		}
		if a.Outcome != models.OutcomeNeedsRepair {
			t.Fatalf("attempt %d outcome %s", i, a.Outcome)
		}
	}
}

func TestExecute_RepairAppliesCorrectedInput(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := mustCreate(t, st, store.CreateJobParams{
		Type:       models.TypeFamilyRename,
		Payload:    models.Payload{FamilySlug: "larkspur", NewSlug: "Bad Slug!"},
		MaxRepairs: 3,
	})
	token := mustLease(t, st, job.ID)

	handlers := NewHandlers(st).Table()
	judge := &fakeJudge{corrected: models.Payload{FamilySlug: "larkspur", NewSlug: "good-slug"}}
	exec := newTestExecutor(st, handlers, judge, &fakeApplier{}, &fakeScorer{passes: true}, false)

	outcome := exec.Execute(ctx, job, token)
	if outcome.Status != models.StatusSucceeded {
		t.Fatalf("expected success after one repair, got %s (%v)", outcome.Status, outcome.Err)
	}

	attempts, _ := st.ListAttempts(ctx, job.ID)
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Outcome != models.OutcomeNeedsRepair || attempts[1].Outcome != models.OutcomeSucceeded {
		t.Fatalf("unexpected outcomes %s, %s", attempts[0].Outcome, attempts[1].Outcome)
	}
}

func TestExecute_JudgeFailureConsumesAttempt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := mustCreate(t, st, store.CreateJobParams{Type: models.TypeAddRecord, MaxRepairs: 3})
	token := mustLease(t, st, job.ID)

	invocations := 0
	handlers := map[models.JobType]Handler{
		models.TypeAddRecord: func(context.Context, models.Job, models.Payload) (*curate.ChangePlan, error) {
			invocations++
			if invocations < 3 {
				return nil, &curate.ValidationError{Rule: "flaky", Detail: "test"}
			}
			return &curate.ChangePlan{JobID: "x"}, nil
		},
	}
	judge := &fakeJudge{err: errors.New("judgment unavailable")}
	exec := newTestExecutor(st, handlers, judge, &fakeApplier{}, &fakeScorer{passes: true}, false)

	outcome := exec.Execute(ctx, job, token)
	if outcome.Status != models.StatusSucceeded {
		t.Fatalf("a failing judge must consume the attempt, not the job: got %s", outcome.Status)
	}
	if invocations != 3 {
		t.Fatalf("expected 3 handler invocations, got %d", invocations)
	}
}

func TestExecute_DryRunNeverApplies(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := mustCreate(t, st, store.CreateJobParams{
		Type: models.TypeAddRecord,
		Payload: models.Payload{
			FamilySlug: "larkspur",
			Mode:       models.ModeDryRun,
			Fields:     map[string]any{"name": "Larkspur Deluxe"},
		},
	})
	token := mustLease(t, st, job.ID)

	applier := &fakeApplier{}
	exec := newTestExecutor(st, NewHandlers(st).Table(), &fakeJudge{}, applier, &fakeScorer{passes: true}, true)

	outcome := exec.Execute(ctx, job, token)
	if outcome.Status != models.StatusSucceeded {
		t.Fatalf("expected success, got %s (%v)", outcome.Status, outcome.Err)
	}
	if applier.calls != 0 {
		t.Fatalf("dry-run must never reach the applier, got %d calls", applier.calls)
	}
}

func TestExecute_GateBlocksApplyBeforeHandler(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := mustCreate(t, st, store.CreateJobParams{
		Type:    models.TypeAddRecord,
		Payload: models.Payload{FamilySlug: "larkspur", Mode: models.ModeApply, Fields: map[string]any{"name": "x"}},
	})
	token := mustLease(t, st, job.ID)

	handlerRan := false
	handlers := map[models.JobType]Handler{
		models.TypeAddRecord: func(context.Context, models.Job, models.Payload) (*curate.ChangePlan, error) {
			handlerRan = true
			return &curate.ChangePlan{}, nil
		},
	}
	exec := newTestExecutor(st, handlers, &fakeJudge{}, &fakeApplier{}, &fakeScorer{passes: true}, false)

	outcome := exec.Execute(ctx, job, token)
	if handlerRan {
		t.Fatalf("handler must not run when the gate is disabled")
	}
	if outcome.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", outcome.Status)
	}
	if outcome.ErrorKind != curate.KindGateBlocked {
		t.Fatalf("expected gate kind, got %s", outcome.ErrorKind)
	}
	if !errors.Is(outcome.Err, curate.ErrApplyGateBlocked) {
		t.Fatalf("expected ErrApplyGateBlocked, got %v", outcome.Err)
	}

	attempts, _ := st.ListAttempts(ctx, job.ID)
	if len(attempts) != 1 || attempts[0].Outcome != models.OutcomeGateBlocked {
		t.Fatalf("expected one gate_blocked attempt, got %+v", attempts)
	}
}

func TestExecute_UnregisteredTypeIsFatal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := mustCreate(t, st, store.CreateJobParams{Type: models.TypeAddRecord})
	token := mustLease(t, st, job.ID)

	exec := newTestExecutor(st, map[models.JobType]Handler{}, &fakeJudge{}, &fakeApplier{}, &fakeScorer{passes: true}, false)

	outcome := exec.Execute(ctx, job, token)
	if outcome.Status != models.StatusFailed || outcome.ErrorKind != curate.KindConfig {
		t.Fatalf("expected failed/configuration, got %s/%s", outcome.Status, outcome.ErrorKind)
	}
}

func TestExecute_ApplyFailureIsFatalNotRepaired(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := mustCreate(t, st, store.CreateJobParams{
		Type:    models.TypeAddRecord,
		Payload: models.Payload{FamilySlug: "larkspur", Mode: models.ModeApply, Fields: map[string]any{"name": "x"}},
	})
	token := mustLease(t, st, job.ID)

	applier := &fakeApplier{err: &curate.ApplyError{Err: errors.New("write rejected")}}
	judge := &fakeJudge{}
	exec := newTestExecutor(st, NewHandlers(st).Table(), judge, applier, &fakeScorer{passes: true}, true)

	outcome := exec.Execute(ctx, job, token)
	if outcome.Status != models.StatusFailed || outcome.ErrorKind != curate.KindApply {
		t.Fatalf("expected failed/apply_failure, got %s/%s", outcome.Status, outcome.ErrorKind)
	}
	if applier.calls != 1 {
		t.Fatalf("apply must not be retried, got %d calls", applier.calls)
	}
	if judge.calls != 0 {
		t.Fatalf("apply failures must not feed the repair loop")
	}
}

func TestExecute_QualityWarningDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := mustCreate(t, st, store.CreateJobParams{
		Type: models.TypeFieldEnrichmentShard,
		Payload: models.Payload{
			FamilySlug: "larkspur",
			Mode:       models.ModeApply,
			RecordIDs:  []string{"r1"},
			Enrichment: map[string]any{"summary": "ok"},
		},
	})
	token := mustLease(t, st, job.ID)

	scorer := &fakeScorer{passes: false}
	exec := newTestExecutor(st, NewHandlers(st).Table(), &fakeJudge{}, &fakeApplier{}, scorer, true)

	outcome := exec.Execute(ctx, job, token)
	if outcome.Status != models.StatusSucceeded {
		t.Fatalf("a failing quality score must not block the job, got %s", outcome.Status)
	}
	if scorer.calls != 1 {
		t.Fatalf("expected one score call, got %d", scorer.calls)
	}
}

func TestExecute_UnknownErrorRoutesToReview(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := mustCreate(t, st, store.CreateJobParams{Type: models.TypeAddRecord})
	token := mustLease(t, st, job.ID)

	handlers := map[models.JobType]Handler{
		models.TypeAddRecord: func(context.Context, models.Job, models.Payload) (*curate.ChangePlan, error) {
			return nil, errors.New("something undecidable")
		},
	}
	exec := newTestExecutor(st, handlers, &fakeJudge{}, &fakeApplier{}, &fakeScorer{passes: true}, false)

	outcome := exec.Execute(ctx, job, token)
	if outcome.Status != models.StatusNeedsReview || outcome.ErrorKind != curate.KindHandler {
		t.Fatalf("expected needs_review/handler_error, got %s/%s", outcome.Status, outcome.ErrorKind)
	}
}

func TestExecute_StaleWorkerWritesNoHistory(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	job := mustCreate(t, st, store.CreateJobParams{
		Type:    models.TypeAddRecord,
		Payload: models.Payload{FamilySlug: "larkspur", Fields: map[string]any{"name": "x"}},
	})

	// Worker A stalls past its lease; the watchdog hands the job to B.
	staleToken, err := st.AcquireLease(ctx, job.ID, "worker-a", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("first lease: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := st.RecoverStuckJobs(ctx, false); err != nil {
		t.Fatalf("recover: %v", err)
	}
	freshToken, err := st.AcquireLease(ctx, job.ID, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}

	exec := newTestExecutor(st, NewHandlers(st).Table(), &fakeJudge{}, &fakeApplier{}, &fakeScorer{passes: true}, false)

	// A finishes late: its attempt writes are void, not a history row that
	// would collide with B's on the same attempt number.
	_ = exec.Execute(ctx, job, staleToken)
	attempts, _ := st.ListAttempts(ctx, job.ID)
	if len(attempts) != 0 {
		t.Fatalf("stale worker must not write history, got %d rows", len(attempts))
	}

	outcome := exec.Execute(ctx, job, freshToken)
	if outcome.Status != models.StatusSucceeded {
		t.Fatalf("expected success from the live worker, got %s (%v)", outcome.Status, outcome.Err)
	}
	attempts, _ = st.ListAttempts(ctx, job.ID)
	if len(attempts) != 1 || attempts[0].AttemptNumber != 1 {
		t.Fatalf("expected exactly one attempt row numbered 1, got %+v", attempts)
	}

	got, _ := st.GetJob(ctx, job.ID)
	if got.AttemptCount != 1 {
		t.Fatalf("expected attempt count 1, got %d", got.AttemptCount)
	}
}
