// Package curate defines the engine's contract with the external curation
// collaborators: the judgment function that suggests repairs, the apply
// layer that writes change plans to the catalog, and the quality heuristic
// consulted after enrichment applies. The engine treats all three as black
// boxes.
package curate

import (
	"context"

	"curation-engine/internal/models"
)

// ChangePlan is a declarative description of intended catalog mutations,
// produced by a handler and executed (or not) by the apply layer.
type ChangePlan struct {
	JobID      string         `json:"job_id"`
	FamilySlug string         `json:"family_slug,omitempty"`
	Operations []Operation    `json:"operations"`
	Notes      map[string]any `json:"notes,omitempty"`
}

// Operation is one intended mutation within a plan.
type Operation struct {
	Op       string         `json:"op"` // create, set_field, rename, split, merge, delete
	RecordID string         `json:"record_id,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Judge suggests a corrected handler input after a validation failure. A
// SuggestFix error consumes the repair attempt rather than failing the job.
type Judge interface {
	SuggestFix(ctx context.Context, verr *ValidationError, partial *ChangePlan, input models.Payload) (models.Payload, error)
}

// Applier writes a change plan to the catalog. Only reached in apply mode
// with the safety gate enabled.
type Applier interface {
	Apply(ctx context.Context, plan ChangePlan) error
}

// Scorer is the post-apply quality heuristic. Observability only: a
// failing score is logged, never retried or blocked on.
type Scorer interface {
	Score(ctx context.Context, plan ChangePlan) (bool, error)
}
