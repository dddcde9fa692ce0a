// Package store persists jobs, family locks, idempotency records, and the
// run history. The document store is the only coordination substrate: every
// operation that establishes exclusivity (lease acquisition, family lock
// acquisition, terminal status write) is a single conditional write, and no
// transaction ever spans a lease and a lock.
package store

import (
	"context"
	"errors"
	"time"

	"curation-engine/internal/models"
)

var (
	// ErrNotFound is returned when a job id has no record.
	ErrNotFound = errors.New("store: job not found")

	// ErrConflict is returned by compare-and-set writes whose status
	// guard no longer matches; exactly one of two racing writers sees it.
	ErrConflict = errors.New("store: status conflict")

	// ErrBusy is returned when a family lock is held and unexpired.
	ErrBusy = errors.New("store: family lock busy")

	// ErrLeaseLost is returned when a lease token no longer names the
	// current unexpired lease. Work done after this point is void.
	ErrLeaseLost = errors.New("store: lease lost")
)

// CreateJobParams collects the inputs for job creation.
type CreateJobParams struct {
	Type           models.JobType
	Class          string
	Payload        models.Payload
	IdempotencyKey string
	MaxRepairs     int
	IdempotencyTTL time.Duration
}

// Store is the persistence contract shared by the Postgres and memory
// backends. All time comparisons use the store's clock (NOW() in Postgres)
// so workers with skewed clocks cannot resurrect expired claims.
type Store interface {
	// CreateJob inserts a job in queued state. When an unexpired
	// idempotency record already exists for the key, the existing job is
	// returned with reused=true and no new record is created.
	CreateJob(ctx context.Context, p CreateJobParams) (job models.Job, reused bool, err error)

	// GetJob fetches a job by id, or ErrNotFound.
	GetJob(ctx context.Context, id string) (models.Job, error)

	// ListJobs returns jobs with the given status, newest first.
	ListJobs(ctx context.Context, status string, limit int) ([]models.Job, error)

	// UpdateStatus is the generic compare-and-set on the status field.
	UpdateStatus(ctx context.Context, id, expected, next string) error

	// PollNext returns the oldest queued job, draining the priority
	// class before maintenance. ok=false (not an error) when the queue
	// is empty, an expected and frequent outcome.
	PollNext(ctx context.Context) (job models.Job, ok bool, err error)

	// AcquireLease claims a queued job for a worker. Succeeds only while
	// status == queued; returns ErrConflict otherwise.
	AcquireLease(ctx context.Context, jobID, workerID string, d time.Duration) (token string, err error)

	// RenewLease extends an unexpired lease identified by token, or
	// returns ErrLeaseLost.
	RenewLease(ctx context.Context, jobID, token string, extension time.Duration) error

	// MarkRunning moves a leased job to running under the same lease.
	MarkRunning(ctx context.Context, jobID, token string) error

	// ReleaseLease performs the terminal write (succeeded, failed, or
	// needs_review), clearing owner fields. Token-guarded: a worker that
	// lost its lease gets ErrLeaseLost and must discard its work.
	ReleaseLease(ctx context.Context, jobID, token, finalStatus string, lastError *string) error

	// ReturnToQueue puts a leased job back to queued without consuming
	// an attempt, for the lock-contention path.
	ReturnToQueue(ctx context.Context, jobID, token string) error

	// AcquireFamilyLock creates the lock if absent or expired; ErrBusy
	// otherwise.
	AcquireFamilyLock(ctx context.Context, familySlug, owner string, d time.Duration) (token string, err error)

	// RefreshFamilyLock extends a held lock, or returns ErrLeaseLost.
	RefreshFamilyLock(ctx context.Context, familySlug, token string, extension time.Duration) error

	// ReleaseFamilyLock deletes the lock if token matches the owner.
	ReleaseFamilyLock(ctx context.Context, familySlug, token string) error

	// RecordAttempt appends one immutable run-history row and advances
	// the job's attempt counter in the same write. Token-guarded like
	// the terminal write: a worker that lost its lease gets ErrLeaseLost
	// and the row is never written, so a recovered job's next worker
	// cannot collide with a stale one on the same attempt number.
	RecordAttempt(ctx context.Context, token string, a models.Attempt) error

	// ListAttempts returns the run history for one job in attempt order.
	ListAttempts(ctx context.Context, jobID string) ([]models.Attempt, error)

	// ListHistory returns attempts whose start time falls in [since, until).
	ListHistory(ctx context.Context, since, until time.Time, limit int) ([]models.Attempt, error)

	// RecoverStuckJobs requeues jobs whose lease expired without a
	// terminal write. Report-only mode counts without mutating.
	RecoverStuckJobs(ctx context.Context, reportOnly bool) (int64, error)

	// CleanupExpiredLocks reaps family locks past expiry.
	CleanupExpiredLocks(ctx context.Context, reportOnly bool) (int64, error)

	// CleanupIdempotencyRecords reaps idempotency records past retention.
	CleanupIdempotencyRecords(ctx context.Context, reportOnly bool) (int64, error)

	// PurgeTerminalJobs deletes terminal jobs older than the window.
	// Never called by the engine itself; only the operator-triggered
	// maintenance job reaches it.
	PurgeTerminalJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}
