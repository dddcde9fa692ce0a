package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"curation-engine/internal/models"
)

// Postgres implements Store on a pgx connection pool. Single-row
// conditional writes stand in for the lease/lock primitives the platform
// does not provide natively.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, type, class, payload, status, lease_owner, lease_token, lease_expires_at,
	attempt_count, max_repairs, last_error, idempotency_key, created_at, updated_at`

// CreateJob inserts a queued job, honoring idempotency if a key is given.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MaxRepairs == 0 {
		p.MaxRepairs = 3
	}
	if p.Class == "" {
		p.Class = p.Type.DefaultClass()
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	// Short-circuit before creating anything if the key is already claimed.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, type, class, payload, status, attempt_count, max_repairs, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8)
	`, id, string(p.Type), p.Class, payloadJSON, models.StatusQueued, p.MaxRepairs, emptyToNil(p.IdempotencyKey), now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:             id,
		Type:           p.Type,
		Class:          p.Class,
		Payload:        p.Payload,
		Status:         models.StatusQueued,
		MaxRepairs:     p.MaxRepairs,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

func (s *Postgres) findByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// ListJobs returns jobs with the given status, newest first.
func (s *Postgres) ListJobs(ctx context.Context, status string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// UpdateStatus performs the generic status compare-and-set.
func (s *Postgres) UpdateStatus(ctx context.Context, id, expected, next string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2
	`, id, expected, next)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// PollNext selects the oldest queued job, priority class first. It is a
// plain read: two pollers may see the same job, and the lease CAS decides
// the winner.
func (s *Postgres) PollNext(ctx context.Context) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		ORDER BY (class = $2) DESC, created_at ASC
		LIMIT 1
	`, models.StatusQueued, models.ClassPriority)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// AcquireLease claims a queued job. The status guard makes exactly one of
// any number of racing claims succeed.
func (s *Postgres) AcquireLease(ctx context.Context, jobID, workerID string, d time.Duration) (string, error) {
	token := uuid.New().String()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, lease_owner = $3, lease_token = $4,
		    lease_expires_at = NOW() + make_interval(secs => $5), updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, jobID, models.StatusLeased, workerID, token, d.Seconds(), models.StatusQueued)
	if err != nil {
		return "", fmt.Errorf("acquire lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrConflict
	}
	return token, nil
}

// RenewLease extends a live lease. An expired or reclaimed lease cannot be
// renewed; the worker must abandon the job.
func (s *Postgres) RenewLease(ctx context.Context, jobID, token string, extension time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET lease_expires_at = NOW() + make_interval(secs => $3), updated_at = NOW()
		WHERE id = $1 AND lease_token = $2 AND lease_expires_at > NOW()
	`, jobID, token, extension.Seconds())
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkRunning transitions leased → running under the same lease.
func (s *Postgres) MarkRunning(ctx context.Context, jobID, token string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, updated_at = NOW()
		WHERE id = $1 AND lease_token = $2 AND status = $4 AND lease_expires_at > NOW()
	`, jobID, token, models.StatusRunning, models.StatusLeased)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseLease writes the terminal status, clearing owner fields. The token
// guard voids work completed after the lease was lost.
func (s *Postgres) ReleaseLease(ctx context.Context, jobID, token, finalStatus string, lastError *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL,
		    last_error = $4, updated_at = NOW()
		WHERE id = $1 AND lease_token = $2 AND lease_expires_at > NOW()
	`, jobID, token, finalStatus, lastError)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReturnToQueue hands a leased job back for the lock-contention path.
func (s *Postgres) ReturnToQueue(ctx context.Context, jobID, token string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND lease_token = $2
	`, jobID, token, models.StatusQueued)
	if err != nil {
		return fmt.Errorf("return to queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// AcquireFamilyLock creates the lock if absent, or steals it if expired.
// The upsert's WHERE clause is the whole mutual-exclusion argument: a live
// lock makes the update match zero rows.
func (s *Postgres) AcquireFamilyLock(ctx context.Context, familySlug, owner string, d time.Duration) (string, error) {
	token := uuid.New().String()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO family_locks (family_slug, owner, token, expires_at)
		VALUES ($1, $2, $3, NOW() + make_interval(secs => $4))
		ON CONFLICT (family_slug) DO UPDATE
		SET owner = EXCLUDED.owner, token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		WHERE family_locks.expires_at <= NOW()
	`, familySlug, owner, token, d.Seconds())
	if err != nil {
		return "", fmt.Errorf("acquire family lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrBusy
	}
	return token, nil
}

// RefreshFamilyLock extends a held lock for long executions.
func (s *Postgres) RefreshFamilyLock(ctx context.Context, familySlug, token string, extension time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE family_locks SET expires_at = NOW() + make_interval(secs => $3)
		WHERE family_slug = $1 AND token = $2 AND expires_at > NOW()
	`, familySlug, token, extension.Seconds())
	if err != nil {
		return fmt.Errorf("refresh family lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseFamilyLock deletes the lock if the token still owns it.
func (s *Postgres) ReleaseFamilyLock(ctx context.Context, familySlug, token string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM family_locks WHERE family_slug = $1 AND token = $2
	`, familySlug, token)
	return err
}

// RecordAttempt adds one run-history row and bumps the attempt counter
// under the lease guard. Both writes land or neither does: a stale worker
// sees ErrLeaseLost and its row never reaches the history.
func (s *Postgres) RecordAttempt(ctx context.Context, token string, a models.Attempt) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET attempt_count = $3, updated_at = NOW()
		WHERE id = $1 AND lease_token = $2 AND lease_expires_at > NOW()
	`, a.JobID, token, a.AttemptNumber)
	if err != nil {
		return fmt.Errorf("advance attempt count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO attempts (job_id, attempt_number, started_at, finished_at, outcome, error_summary, worker_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.JobID, a.AttemptNumber, a.StartedAt, a.FinishedAt, a.Outcome, a.ErrorSummary, a.WorkerID)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return tx.Commit(ctx)
}

// ListAttempts returns the run history for one job.
func (s *Postgres) ListAttempts(ctx context.Context, jobID string) ([]models.Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, attempt_number, started_at, finished_at, outcome, error_summary, worker_id
		FROM attempts WHERE job_id = $1 ORDER BY attempt_number ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

// ListHistory returns attempts started within [since, until).
func (s *Postgres) ListHistory(ctx context.Context, since, until time.Time, limit int) ([]models.Attempt, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, attempt_number, started_at, finished_at, outcome, error_summary, worker_id
		FROM attempts WHERE started_at >= $1 AND started_at < $2
		ORDER BY started_at ASC LIMIT $3
	`, since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

// RecoverStuckJobs requeues jobs whose lease expired without completion.
func (s *Postgres) RecoverStuckJobs(ctx context.Context, reportOnly bool) (int64, error) {
	if reportOnly {
		var n int64
		err := s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM jobs
			WHERE status IN ($1, $2) AND lease_expires_at < NOW()
		`, models.StatusLeased, models.StatusRunning).Scan(&n)
		return n, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE status IN ($1, $2) AND lease_expires_at < NOW()
	`, models.StatusLeased, models.StatusRunning, models.StatusQueued)
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupExpiredLocks reaps family locks past expiry. Acquisition already
// self-heals on expired locks, so this is hygiene, not correctness.
func (s *Postgres) CleanupExpiredLocks(ctx context.Context, reportOnly bool) (int64, error) {
	if reportOnly {
		var n int64
		err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM family_locks WHERE expires_at <= NOW()`).Scan(&n)
		return n, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM family_locks WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupIdempotencyRecords reaps keys past their retention window.
func (s *Postgres) CleanupIdempotencyRecords(ctx context.Context, reportOnly bool) (int64, error) {
	if reportOnly {
		var n int64
		err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM idempotency_keys WHERE expires_at IS NOT NULL AND expires_at <= NOW()`).Scan(&n)
		return n, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeTerminalJobs deletes terminal jobs older than the retention window.
func (s *Postgres) PurgeTerminalJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ($1, $2, $3) AND updated_at < NOW() - make_interval(secs => $4)
	`, models.StatusSucceeded, models.StatusFailed, models.StatusNeedsReview, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var jobType string
	var payloadJSON []byte
	var leaseOwner, leaseToken, lastErr, idem pgtype.Text
	var leaseExpires pgtype.Timestamptz

	err := row.Scan(&job.ID, &jobType, &job.Class, &payloadJSON, &job.Status,
		&leaseOwner, &leaseToken, &leaseExpires,
		&job.AttemptCount, &job.MaxRepairs, &lastErr, &idem,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}

	job.Type = models.JobType(jobType)
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.LeaseOwner = textPtr(leaseOwner)
	job.LeaseToken = textPtr(leaseToken)
	if leaseExpires.Valid {
		t := leaseExpires.Time
		job.LeaseExpiresAt = &t
	}
	job.LastError = textPtr(lastErr)
	job.IdempotencyKey = textPtr(idem)
	return job, nil
}

func collectAttempts(rows pgx.Rows) ([]models.Attempt, error) {
	var out []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var errSummary pgtype.Text
		if err := rows.Scan(&a.JobID, &a.AttemptNumber, &a.StartedAt, &a.FinishedAt, &a.Outcome, &errSummary, &a.WorkerID); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.ErrorSummary = textPtr(errSummary)
		out = append(out, a)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
