package models

import (
	"time"
)

// Job statuses persisted in the store. A job with an expired lease is
// logically queued even while the stored status still reads leased or
// running; readers must tolerate that lag until the watchdog reconciles it.
const (
	StatusQueued      = "queued"
	StatusLeased      = "leased"
	StatusRunning     = "running"
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusNeedsReview = "needs_review"
)

// Priority classes. The poller drains the priority class before it
// considers maintenance work.
const (
	ClassPriority    = "priority"
	ClassMaintenance = "maintenance"
)

// JobType enumerates the closed set of curation work kinds. Dispatch is a
// static lookup over this set; an unknown type is a configuration error,
// never a retry.
type JobType string

const (
	TypeAddRecord            JobType = "add_record"
	TypeTargetedFix          JobType = "targeted_fix"
	TypeFieldEnrichmentShard JobType = "field_enrichment_shard"
	TypeFamilySplit          JobType = "family_split"
	TypeFamilyRename         JobType = "family_rename"
	TypeAliasRepair          JobType = "alias_repair"
	TypeMergeCandidate       JobType = "merge_candidate"
	TypePurgeTerminalJobs    JobType = "purge_terminal_jobs"
	TypeFamilyReindex        JobType = "family_reindex"
	TypeCatalogSweep         JobType = "catalog_sweep"
)

// JobTypes lists every known type. Keep in sync with the constants above;
// handler registration iterates this to catch unregistered types early.
var JobTypes = []JobType{
	TypeAddRecord,
	TypeTargetedFix,
	TypeFieldEnrichmentShard,
	TypeFamilySplit,
	TypeFamilyRename,
	TypeAliasRepair,
	TypeMergeCandidate,
	TypePurgeTerminalJobs,
	TypeFamilyReindex,
	TypeCatalogSweep,
}

// Valid reports whether t is a member of the closed type set.
func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// DefaultClass returns the priority class a type belongs to unless the
// producer overrides it.
func (t JobType) DefaultClass() string {
	switch t {
	case TypePurgeTerminalJobs, TypeFamilyReindex, TypeCatalogSweep:
		return ClassMaintenance
	default:
		return ClassPriority
	}
}

// Execution modes.
const (
	ModeDryRun = "dry-run"
	ModeApply  = "apply"
)

// Payload carries the type-specific arguments of a job. Fields not used by
// a given type are left zero; handlers validate what they need.
type Payload struct {
	FamilySlug string         `json:"family_slug,omitempty"`
	RecordIDs  []string       `json:"record_ids,omitempty"`
	Mode       string         `json:"mode,omitempty"`
	Enrichment map[string]any `json:"enrichment,omitempty"`
	NewSlug    string         `json:"new_slug,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	// RetainFor bounds purge_terminal_jobs: terminal jobs younger than
	// this window are kept.
	RetainFor string `json:"retain_for,omitempty"`
}

// Job is the unit of work persisted in the store.
type Job struct {
	ID             string     `json:"id"`
	Type           JobType    `json:"type"`
	Class          string     `json:"class"`
	Payload        Payload    `json:"payload"`
	Status         string     `json:"status"`
	LeaseOwner     *string    `json:"lease_owner,omitempty"`
	LeaseToken     *string    `json:"-"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
	MaxRepairs     int        `json:"max_repairs"`
	LastError      *string    `json:"last_error,omitempty"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Mode returns the job's execution mode, defaulting to dry-run so an
// unset payload can never mutate the catalog.
func (j Job) Mode() string {
	if j.Payload.Mode == ModeApply {
		return ModeApply
	}
	return ModeDryRun
}

// FamilyLock is the mutual-exclusion record for one family slug. At most
// one unexpired lock per slug exists at any time.
type FamilyLock struct {
	FamilySlug string    `json:"family_slug"`
	Owner      string    `json:"owner"`
	Token      string    `json:"-"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Attempt outcomes recorded in the run history.
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeFailed      = "failed"
	OutcomeNeedsRepair = "needs_repair"
	OutcomeNeedsReview = "needs_review"
	OutcomeGateBlocked = "gate_blocked"
)

// Attempt is one immutable run-history row. Rows are appended once per
// execution attempt and never mutated, independent of the job's status.
type Attempt struct {
	JobID         string    `json:"job_id"`
	AttemptNumber int       `json:"attempt_number"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Outcome       string    `json:"outcome"`
	ErrorSummary  *string   `json:"error_summary,omitempty"`
	WorkerID      string    `json:"worker_id"`
}
