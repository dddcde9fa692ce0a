package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"curation-engine/internal/models"
)

// Memory is an in-process Store with the same conditional-write semantics
// as the Postgres backend. It backs the engine tests and STORE_BACKEND=memory
// local runs; it is not durable and not shared across processes.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	locks       map[string]*models.FamilyLock
	idempotency map[string]idemRecord
	attempts    []models.Attempt

	// now is swappable so tests can drive expiry without sleeping.
	now func() time.Time
}

type idemRecord struct {
	jobID     string
	expiresAt time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]*models.Job),
		locks:       make(map[string]*models.FamilyLock),
		idempotency: make(map[string]idemRecord),
		now:         time.Now,
	}
}

// SetClock overrides the store clock. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.MaxRepairs == 0 {
		p.MaxRepairs = 3
	}
	if p.Class == "" {
		p.Class = p.Type.DefaultClass()
	}
	now := m.now().UTC()

	if p.IdempotencyKey != "" {
		if rec, ok := m.idempotency[p.IdempotencyKey]; ok && rec.expiresAt.After(now) {
			if existing, ok := m.jobs[rec.jobID]; ok {
				return *existing, true, nil
			}
		}
	}

	job := models.Job{
		ID:             uuid.New().String(),
		Type:           p.Type,
		Class:          p.Class,
		Payload:        p.Payload,
		Status:         models.StatusQueued,
		MaxRepairs:     p.MaxRepairs,
		IdempotencyKey: keyPtr(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.jobs[job.ID] = &job
	if p.IdempotencyKey != "" {
		m.idempotency[p.IdempotencyKey] = idemRecord{jobID: job.ID, expiresAt: now.Add(p.IdempotencyTTL)}
	}
	return job, false, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *job, nil
}

func (m *Memory) ListJobs(_ context.Context, status string, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []models.Job
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id, expected, next string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != expected {
		return ErrConflict
	}
	job.Status = next
	job.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) PollNext(_ context.Context) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *models.Job
	for _, j := range m.jobs {
		if j.Status != models.StatusQueued {
			continue
		}
		if best == nil || pollBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return models.Job{}, false, nil
	}
	return *best, true, nil
}

// pollBefore orders priority class before maintenance, oldest first within
// a class. Mirrors the Postgres ORDER BY.
func pollBefore(a, b *models.Job) bool {
	ap, bp := a.Class == models.ClassPriority, b.Class == models.ClassPriority
	if ap != bp {
		return ap
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (m *Memory) AcquireLease(_ context.Context, jobID, workerID string, d time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != models.StatusQueued {
		return "", ErrConflict
	}
	token := uuid.New().String()
	expires := m.now().UTC().Add(d)
	job.Status = models.StatusLeased
	job.LeaseOwner = &workerID
	job.LeaseToken = &token
	job.LeaseExpiresAt = &expires
	job.UpdatedAt = m.now().UTC()
	return token, nil
}

func (m *Memory) RenewLease(_ context.Context, jobID, token string, extension time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || !leaseLive(job, token, m.now()) {
		return ErrLeaseLost
	}
	expires := m.now().UTC().Add(extension)
	job.LeaseExpiresAt = &expires
	job.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) MarkRunning(_ context.Context, jobID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != models.StatusLeased || !leaseLive(job, token, m.now()) {
		return ErrLeaseLost
	}
	job.Status = models.StatusRunning
	job.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) ReleaseLease(_ context.Context, jobID, token, finalStatus string, lastError *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || !leaseLive(job, token, m.now()) {
		return ErrLeaseLost
	}
	job.Status = finalStatus
	job.LeaseOwner = nil
	job.LeaseToken = nil
	job.LeaseExpiresAt = nil
	job.LastError = lastError
	job.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) ReturnToQueue(_ context.Context, jobID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.LeaseToken == nil || *job.LeaseToken != token {
		return ErrLeaseLost
	}
	job.Status = models.StatusQueued
	job.LeaseOwner = nil
	job.LeaseToken = nil
	job.LeaseExpiresAt = nil
	job.UpdatedAt = m.now().UTC()
	return nil
}

func leaseLive(job *models.Job, token string, now time.Time) bool {
	return job.LeaseToken != nil && *job.LeaseToken == token &&
		job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now)
}

func (m *Memory) AcquireFamilyLock(_ context.Context, familySlug, owner string, d time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if lock, ok := m.locks[familySlug]; ok && lock.ExpiresAt.After(now) {
		return "", ErrBusy
	}
	token := uuid.New().String()
	m.locks[familySlug] = &models.FamilyLock{
		FamilySlug: familySlug,
		Owner:      owner,
		Token:      token,
		ExpiresAt:  now.Add(d),
	}
	return token, nil
}

func (m *Memory) RefreshFamilyLock(_ context.Context, familySlug, token string, extension time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	lock, ok := m.locks[familySlug]
	if !ok || lock.Token != token || !lock.ExpiresAt.After(now) {
		return ErrLeaseLost
	}
	lock.ExpiresAt = now.Add(extension)
	return nil
}

func (m *Memory) ReleaseFamilyLock(_ context.Context, familySlug, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lock, ok := m.locks[familySlug]; ok && lock.Token == token {
		delete(m.locks, familySlug)
	}
	return nil
}

func (m *Memory) RecordAttempt(_ context.Context, token string, a models.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[a.JobID]
	if !ok || !leaseLive(job, token, m.now()) {
		return ErrLeaseLost
	}
	job.AttemptCount = a.AttemptNumber
	job.UpdatedAt = m.now().UTC()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *Memory) ListAttempts(_ context.Context, jobID string) ([]models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Attempt
	for _, a := range m.attempts {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].AttemptNumber < out[k].AttemptNumber })
	return out, nil
}

func (m *Memory) ListHistory(_ context.Context, since, until time.Time, limit int) ([]models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 500
	}
	var out []models.Attempt
	for _, a := range m.attempts {
		if !a.StartedAt.Before(since) && a.StartedAt.Before(until) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecoverStuckJobs(_ context.Context, reportOnly bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	var n int64
	for _, j := range m.jobs {
		if (j.Status == models.StatusLeased || j.Status == models.StatusRunning) &&
			j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			n++
			if reportOnly {
				continue
			}
			j.Status = models.StatusQueued
			j.LeaseOwner = nil
			j.LeaseToken = nil
			j.LeaseExpiresAt = nil
			j.UpdatedAt = now
		}
	}
	return n, nil
}

func (m *Memory) CleanupExpiredLocks(_ context.Context, reportOnly bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	var n int64
	for slug, lock := range m.locks {
		if !lock.ExpiresAt.After(now) {
			n++
			if !reportOnly {
				delete(m.locks, slug)
			}
		}
	}
	return n, nil
}

func (m *Memory) CleanupIdempotencyRecords(_ context.Context, reportOnly bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	var n int64
	for key, rec := range m.idempotency {
		if !rec.expiresAt.After(now) {
			n++
			if !reportOnly {
				delete(m.idempotency, key)
			}
		}
	}
	return n, nil
}

func (m *Memory) PurgeTerminalJobs(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().UTC().Add(-olderThan)
	var n int64
	for id, j := range m.jobs {
		switch j.Status {
		case models.StatusSucceeded, models.StatusFailed, models.StatusNeedsReview:
			if j.UpdatedAt.Before(cutoff) {
				delete(m.jobs, id)
				n++
			}
		}
	}
	return n, nil
}

func keyPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
