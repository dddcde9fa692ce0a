package curate

import (
	"errors"
	"fmt"
)

// Error kinds recorded with terminal statuses. Contention never reaches a
// terminal write, and validation failures drive the repair loop until they
// surface as repairs_exhausted, so neither has a kind here.
const (
	KindConfig      = "configuration"
	KindApply       = "apply_failure"
	KindGateBlocked = "apply_gate_blocked"
	KindExhausted   = "repairs_exhausted"
	KindHandler     = "handler_error"
)

// ErrApplyGateBlocked marks an apply-mode execution refused because the
// safety gate is disabled. Surfaced distinctly so operators read it as a
// configuration issue, not a logic bug.
var ErrApplyGateBlocked = errors.New("curate: apply gate disabled")

// ValidationError is a structured, recoverable handler failure: the output
// violated a known schema or policy rule. It drives the repair loop.
type ValidationError struct {
	Rule   string // the schema/policy rule that was violated
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: rule %s on field %s: %s", e.Rule, e.Field, e.Detail)
	}
	return fmt.Sprintf("validation: rule %s: %s", e.Rule, e.Detail)
}

// ConfigError is a fatal misconfiguration (missing handler, missing
// required payload field). Never retried automatically.
type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string {
	return "configuration: " + e.Detail
}

// ApplyError wraps a failure of the external apply step. Fatal for the
// attempt: blindly retrying a partially-applied mutation risks
// double-application, so it never feeds the repair loop.
type ApplyError struct {
	Err error
}

func (e *ApplyError) Error() string {
	return "apply: " + e.Err.Error()
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}
