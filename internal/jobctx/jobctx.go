// Package jobctx scopes per-execution identity (job id, correlation id,
// worker id, mode) to the call tree of one job's processing. A worker
// process may interleave logically distinct executions, so this state rides
// on context.Context values and never on a package-level variable.
package jobctx

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// Info identifies one execution of one job on one worker.
type Info struct {
	JobID         string
	CorrelationID string
	WorkerID      string
	Mode          string
}

// New builds an Info with a fresh correlation id.
func New(jobID, workerID, mode string) Info {
	return Info{
		JobID:         jobID,
		CorrelationID: uuid.New().String(),
		WorkerID:      workerID,
		Mode:          mode,
	}
}

// WithJobContext runs fn with info attached to the context. The value is
// visible only to fn's call tree and vanishes on every exit path; nothing
// is torn down because nothing process-wide is set up.
func WithJobContext(ctx context.Context, info Info, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, ctxKey{}, info))
}

// From returns the execution info attached to ctx, if any.
func From(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(ctxKey{}).(Info)
	return info, ok
}
