package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"curation-engine/internal/models"
)

func TestAcquireLease_ExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	job, _, err := st.CreateJob(ctx, CreateJobParams{Type: models.TypeAddRecord})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, conflicts int

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.AcquireLease(ctx, job.ID, "worker", time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one lease winner, got %d", wins)
	}
	if conflicts != workers-1 {
		t.Fatalf("expected %d conflicts, got %d", workers-1, conflicts)
	}
}

func TestAcquireFamilyLock_ExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, busy int

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.AcquireFamilyLock(ctx, "larkspur", "owner", time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || busy != callers-1 {
		t.Fatalf("expected 1 winner and %d busy, got %d/%d", callers-1, wins, busy)
	}
}

func TestFamilyLock_ExpiredLockIsStealable(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	if _, err := st.AcquireFamilyLock(ctx, "larkspur", "a", 10*time.Millisecond); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := st.AcquireFamilyLock(ctx, "larkspur", "b", time.Minute); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy while held, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := st.AcquireFamilyLock(ctx, "larkspur", "b", time.Minute); err != nil {
		t.Fatalf("expected takeover after expiry, got %v", err)
	}
}

func TestFamilyLock_ReleaseRequiresToken(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	token, err := st.AcquireFamilyLock(ctx, "larkspur", "a", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := st.ReleaseFamilyLock(ctx, "larkspur", "wrong-token"); err != nil {
		t.Fatalf("release with wrong token should be a no-op, got %v", err)
	}
	if _, err := st.AcquireFamilyLock(ctx, "larkspur", "b", time.Minute); !errors.Is(err, ErrBusy) {
		t.Fatalf("lock should survive a mismatched release, got %v", err)
	}
	if err := st.ReleaseFamilyLock(ctx, "larkspur", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := st.AcquireFamilyLock(ctx, "larkspur", "b", time.Minute); err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
}

func TestCreateJob_IdempotentUnderRetry(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	first, reused, err := st.CreateJob(ctx, CreateJobParams{
		Type:           models.TypeAddRecord,
		IdempotencyKey: "req-42",
		IdempotencyTTL: time.Hour,
	})
	if err != nil || reused {
		t.Fatalf("first create: reused=%v err=%v", reused, err)
	}

	second, reused, err := st.CreateJob(ctx, CreateJobParams{
		Type:           models.TypeAddRecord,
		IdempotencyKey: "req-42",
		IdempotencyTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !reused {
		t.Fatalf("expected idempotent reuse")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same job id, got %s and %s", first.ID, second.ID)
	}

	queued, err := st.ListJobs(ctx, models.StatusQueued, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("expected exactly one job record, got %d", len(queued))
	}
}

func TestPollNext_PriorityBeforeMaintenance(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	// Maintenance job is older; priority class must still win.
	maint, _, err := st.CreateJob(ctx, CreateJobParams{Type: models.TypeCatalogSweep})
	if err != nil {
		t.Fatalf("create maintenance: %v", err)
	}
	prio, _, err := st.CreateJob(ctx, CreateJobParams{Type: models.TypeAddRecord})
	if err != nil {
		t.Fatalf("create priority: %v", err)
	}

	job, ok, err := st.PollNext(ctx)
	if err != nil || !ok {
		t.Fatalf("poll: ok=%v err=%v", ok, err)
	}
	if job.ID != prio.ID {
		t.Fatalf("expected priority job %s, got %s", prio.ID, job.ID)
	}

	token, err := st.AcquireLease(ctx, prio.ID, "w", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := st.ReleaseLease(ctx, prio.ID, token, models.StatusSucceeded, nil); err != nil {
		t.Fatalf("release: %v", err)
	}

	job, ok, err = st.PollNext(ctx)
	if err != nil || !ok {
		t.Fatalf("second poll: ok=%v err=%v", ok, err)
	}
	if job.ID != maint.ID {
		t.Fatalf("expected maintenance job %s, got %s", maint.ID, job.ID)
	}
}

func TestPollNext_OldestFirstWithinClass(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	base := time.Now().UTC()
	tick := 0
	st.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	first, _, _ := st.CreateJob(ctx, CreateJobParams{Type: models.TypeAddRecord})
	_, _, _ = st.CreateJob(ctx, CreateJobParams{Type: models.TypeTargetedFix, Payload: models.Payload{RecordIDs: []string{"r1"}}})

	job, ok, err := st.PollNext(ctx)
	if err != nil || !ok {
		t.Fatalf("poll: ok=%v err=%v", ok, err)
	}
	if job.ID != first.ID {
		t.Fatalf("expected oldest job first")
	}
}

func TestRenewLease_LostAfterExpiry(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	job, _, _ := st.CreateJob(ctx, CreateJobParams{Type: models.TypeAddRecord})

	token, err := st.AcquireLease(ctx, job.ID, "w", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := st.RenewLease(ctx, job.ID, token, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected lease lost, got %v", err)
	}
	if err := st.ReleaseLease(ctx, job.ID, token, models.StatusSucceeded, nil); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("terminal write after expiry must be void, got %v", err)
	}
}

func TestRecoverStuckJobs_RequeuesExpiredLease(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	job, _, _ := st.CreateJob(ctx, CreateJobParams{Type: models.TypeAddRecord})

	token, err := st.AcquireLease(ctx, job.ID, "w", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := st.MarkRunning(ctx, job.ID, token); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	n, err := st.RecoverStuckJobs(ctx, false)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered job, got %d", n)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusQueued {
		t.Fatalf("expected queued, got %s", got.Status)
	}
	if got.LeaseOwner != nil || got.LeaseExpiresAt != nil {
		t.Fatalf("expected owner fields cleared")
	}

	// The job must be pollable again.
	polled, ok, err := st.PollNext(ctx)
	if err != nil || !ok || polled.ID != job.ID {
		t.Fatalf("expected job pollable after recovery, ok=%v err=%v", ok, err)
	}
}

func TestRecordAttempt_VoidAfterLeaseLoss(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	job, _, _ := st.CreateJob(ctx, CreateJobParams{Type: models.TypeAddRecord})

	token, err := st.AcquireLease(ctx, job.ID, "w", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	a := models.Attempt{JobID: job.ID, AttemptNumber: 1, StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC(), Outcome: models.OutcomeSucceeded, WorkerID: "w"}
	if err := st.RecordAttempt(ctx, token, a); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected lease lost, got %v", err)
	}

	attempts, _ := st.ListAttempts(ctx, job.ID)
	if len(attempts) != 0 {
		t.Fatalf("void attempt must not be recorded, got %d rows", len(attempts))
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.AttemptCount != 0 {
		t.Fatalf("void attempt must not advance the counter, got %d", got.AttemptCount)
	}
}

func TestUpdateStatus_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	job, _, _ := st.CreateJob(ctx, CreateJobParams{Type: models.TypeAddRecord})

	if err := st.UpdateStatus(ctx, job.ID, models.StatusFailed, models.StatusQueued); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on mismatched guard, got %v", err)
	}
	if err := st.UpdateStatus(ctx, job.ID, models.StatusQueued, models.StatusFailed); err != nil {
		t.Fatalf("expected CAS success, got %v", err)
	}
}

func TestReturnToQueue_ClearsLease(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	job, _, _ := st.CreateJob(ctx, CreateJobParams{Type: models.TypeAddRecord})

	token, err := st.AcquireLease(ctx, job.ID, "w", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := st.ReturnToQueue(ctx, job.ID, token); err != nil {
		t.Fatalf("return: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != models.StatusQueued || got.LeaseOwner != nil {
		t.Fatalf("expected clean queued job, got status=%s owner=%v", got.Status, got.LeaseOwner)
	}
	// Attempt count is untouched: contention never consumes an attempt.
	if got.AttemptCount != 0 {
		t.Fatalf("expected attempt count 0, got %d", got.AttemptCount)
	}
}
