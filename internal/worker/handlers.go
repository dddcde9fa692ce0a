package worker

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"curation-engine/internal/curate"
	"curation-engine/internal/models"
	"curation-engine/internal/store"
)

// Handler computes a change plan for one job. The input payload is passed
// separately from the job because the repair loop feeds corrected inputs
// back through the same handler.
type Handler func(ctx context.Context, job models.Job, input models.Payload) (*curate.ChangePlan, error)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Handlers is the closed dispatch table, one entry per job type. Adding a
// type means adding a constant in models and a case here; dispatch never
// falls back to a default.
type Handlers struct {
	store store.Store
}

// NewHandlers builds the dispatch table over the given store. The store is
// only touched by maintenance types; catalog mutations always go through
// the apply layer.
func NewHandlers(st store.Store) *Handlers {
	return &Handlers{store: st}
}

// Table returns the type→handler map. Every member of models.JobTypes has
// an entry; TestHandlerTableComplete enforces that.
func (h *Handlers) Table() map[models.JobType]Handler {
	return map[models.JobType]Handler{
		models.TypeAddRecord:            h.addRecord,
		models.TypeTargetedFix:          h.targetedFix,
		models.TypeFieldEnrichmentShard: h.fieldEnrichmentShard,
		models.TypeFamilySplit:          h.familySplit,
		models.TypeFamilyRename:         h.familyRename,
		models.TypeAliasRepair:          h.aliasRepair,
		models.TypeMergeCandidate:       h.mergeCandidate,
		models.TypePurgeTerminalJobs:    h.purgeTerminalJobs,
		models.TypeFamilyReindex:        h.familyReindex,
		models.TypeCatalogSweep:         h.catalogSweep,
	}
}

func (h *Handlers) addRecord(_ context.Context, job models.Job, input models.Payload) (*curate.ChangePlan, error) {
	if input.FamilySlug == "" {
		return nil, &curate.ConfigError{Detail: "add_record requires family_slug"}
	}
	if len(input.Fields) == 0 {
		return nil, &curate.ConfigError{Detail: "add_record requires fields"}
	}
	if name, _ := input.Fields["name"].(string); name == "" {
		return nil, &curate.ValidationError{Rule: "record-name-required", Field: "name", Detail: "new records must carry a non-empty name"}
	}
	return &curate.ChangePlan{
		JobID:      job.ID,
		FamilySlug: input.FamilySlug,
		Operations: []curate.Operation{{Op: "create", Fields: input.Fields}},
	}, nil
}

func (h *Handlers) targetedFix(_ context.Context, job models.Job, input models.Payload) (*curate.ChangePlan, error) {
	if len(input.RecordIDs) == 0 {
		return nil, &curate.ConfigError{Detail: "targeted_fix requires record_ids"}
	}
	if len(input.Fields) == 0 {
		return nil, &curate.ConfigError{Detail: "targeted_fix requires fields"}
	}
	for field, value := range input.Fields {
		if s, ok := value.(string); ok && s == "" {
			return nil, &curate.ValidationError{Rule: "no-blank-overwrite", Field: field, Detail: "a fix must not blank out a field"}
		}
	}
	ops := make([]curate.Operation, 0, len(input.RecordIDs))
	for _, id := range input.RecordIDs {
		ops = append(ops, curate.Operation{Op: "set_field", RecordID: id, Fields: input.Fields})
	}
	return &curate.ChangePlan{JobID: job.ID, FamilySlug: input.FamilySlug, Operations: ops}, nil
}

func (h *Handlers) fieldEnrichmentShard(_ context.Context, job models.Job, input models.Payload) (*curate.ChangePlan, error) {
	if input.FamilySlug == "" {
		return nil, &curate.ConfigError{Detail: "field_enrichment_shard requires family_slug"}
	}
	if len(input.RecordIDs) == 0 {
		return nil, &curate.ConfigError{Detail: "field_enrichment_shard requires record_ids (the shard)"}
	}
	if len(input.Enrichment) == 0 {
		return nil, &curate.ConfigError{Detail: "field_enrichment_shard requires an enrichment spec"}
	}
	for field, value := range input.Enrichment {
		if s, ok := value.(string); ok && s == "" {
			return nil, &curate.ValidationError{Rule: "enrichment-non-empty", Field: field, Detail: "enrichment values must be non-empty"}
		}
	}
	ops := make([]curate.Operation, 0, len(input.RecordIDs))
	for _, id := range input.RecordIDs {
		ops = append(ops, curate.Operation{Op: "set_field", RecordID: id, Fields: input.Enrichment})
	}
	return &curate.ChangePlan{JobID: job.ID, FamilySlug: input.FamilySlug, Operations: ops}, nil
}

func (h *Handlers) familySplit(_ context.Context, job models.Job, input models.Payload) (*curate.ChangePlan, error) {
	if input.FamilySlug == "" || input.NewSlug == "" {
		return nil, &curate.ConfigError{Detail: "family_split requires family_slug and new_slug"}
	}
	if len(input.RecordIDs) == 0 {
		return nil, &curate.ConfigError{Detail: "family_split requires the record_ids to move"}
	}
	if err := validSlug(input.NewSlug); err != nil {
		return nil, err
	}
	if input.NewSlug == input.FamilySlug {
		return nil, &curate.ValidationError{Rule: "split-distinct-slug", Field: "new_slug", Detail: "split target must differ from the source family"}
	}
	ops := []curate.Operation{{Op: "split", Fields: map[string]any{"new_slug": input.NewSlug}}}
	for _, id := range input.RecordIDs {
		ops = append(ops, curate.Operation{Op: "set_field", RecordID: id, Fields: map[string]any{"family_slug": input.NewSlug}})
	}
	return &curate.ChangePlan{JobID: job.ID, FamilySlug: input.FamilySlug, Operations: ops}, nil
}

func (h *Handlers) familyRename(_ context.Context, job models.Job, input models.Payload) (*curate.ChangePlan, error) {
	if input.FamilySlug == "" || input.NewSlug == "" {
		return nil, &curate.ConfigError{Detail: "family_rename requires family_slug and new_slug"}
	}
	if err := validSlug(input.NewSlug); err != nil {
		return nil, err
	}
	return &curate.ChangePlan{
		JobID:      job.ID,
		FamilySlug: input.FamilySlug,
		Operations: []curate.Operation{{Op: "rename", Fields: map[string]any{"new_slug": input.NewSlug}}},
	}, nil
}

func (h *Handlers) aliasRepair(_ context.Context, job models.Job, input models.Payload) (*curate.ChangePlan, error) {
	if input.FamilySlug == "" {
		return nil, &curate.ConfigError{Detail: "alias_repair requires family_slug"}
	}
	aliases, ok := input.Fields["aliases"].([]any)
	if !ok || len(aliases) == 0 {
		return nil, &curate.ConfigError{Detail: "alias_repair requires fields.aliases"}
	}
	for _, a := range aliases {
		s, ok := a.(string)
		if !ok || s == "" {
			return nil, &curate.ValidationError{Rule: "alias-non-empty", Field: "aliases", Detail: "aliases must be non-empty strings"}
		}
	}
	return &curate.ChangePlan{
		JobID:      job.ID,
		FamilySlug: input.FamilySlug,
		Operations: []curate.Operation{{Op: "set_field", Fields: map[string]any{"aliases": aliases}}},
	}, nil
}

func (h *Handlers) mergeCandidate(_ context.Context, job models.Job, input models.Payload) (*curate.ChangePlan, error) {
	if input.FamilySlug == "" || input.NewSlug == "" {
		return nil, &curate.ConfigError{Detail: "merge_candidate requires family_slug (target) and new_slug (source)"}
	}
	if input.NewSlug == input.FamilySlug {
		return nil, &curate.ValidationError{Rule: "merge-distinct-families", Field: "new_slug", Detail: "a family cannot be merged into itself"}
	}
	return &curate.ChangePlan{
		JobID:      job.ID,
		FamilySlug: input.FamilySlug,
		Operations: []curate.Operation{{Op: "merge", Fields: map[string]any{"source_slug": input.NewSlug}}},
	}, nil
}

// purgeTerminalJobs is the operator-triggered cleanup of terminal job
// records. It acts on the job store itself, so it runs directly here
// rather than through the apply layer; the executor has already enforced
// the safety gate before this point.
func (h *Handlers) purgeTerminalJobs(ctx context.Context, job models.Job, input models.Payload) (*curate.ChangePlan, error) {
	retain := 30 * 24 * time.Hour
	if input.RetainFor != "" {
		d, err := time.ParseDuration(input.RetainFor)
		if err != nil {
			return nil, &curate.ConfigError{Detail: fmt.Sprintf("purge_terminal_jobs: bad retain_for %q", input.RetainFor)}
		}
		retain = d
	}
	plan := &curate.ChangePlan{JobID: job.ID, Notes: map[string]any{"retain_for": retain.String()}}
	if job.Mode() != models.ModeApply {
		plan.Notes["dry_run"] = true
		return plan, nil
	}
	purged, err := h.store.PurgeTerminalJobs(ctx, retain)
	if err != nil {
		return nil, fmt.Errorf("purge terminal jobs: %w", err)
	}
	plan.Notes["purged"] = purged
	return plan, nil
}

func (h *Handlers) familyReindex(_ context.Context, job models.Job, input models.Payload) (*curate.ChangePlan, error) {
	if input.FamilySlug == "" {
		return nil, &curate.ConfigError{Detail: "family_reindex requires family_slug"}
	}
	return &curate.ChangePlan{
		JobID:      job.ID,
		FamilySlug: input.FamilySlug,
		Operations: []curate.Operation{{Op: "reindex"}},
	}, nil
}

// catalogSweep produces a report-only plan; it never carries operations,
// so the apply layer is never invoked for it.
func (h *Handlers) catalogSweep(_ context.Context, job models.Job, _ models.Payload) (*curate.ChangePlan, error) {
	return &curate.ChangePlan{JobID: job.ID, Notes: map[string]any{"sweep": "catalog"}}, nil
}

func validSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return &curate.ValidationError{Rule: "slug-format", Field: "new_slug", Detail: fmt.Sprintf("%q is not a valid slug", slug)}
	}
	return nil
}
