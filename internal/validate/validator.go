// Package validate implements the Static Validator Pipeline (spec §4.F):
// an ordered set of validators that must all pass before an artifact may
// reach the Sandboxed Runner's test execution, with a bounded auto-fix
// loop for validators that declare support for it.
package validate

import "context"

// Message is one diagnostic a validator reports.
type Message struct {
	Line int    `json:"line,omitempty"`
	Code string `json:"code"`
	Text string `json:"text"`
}

// Result is what a single Validator.Validate call returns (spec §4.F).
type Result struct {
	Passed       bool      `json:"passed"`
	Messages     []Message `json:"messages,omitempty"`
	AutofixPatch string    `json:"autofix_patch,omitempty"` // unified diff, only when Passed is false and SupportsAutofix
}

// Validator is one stage of the pipeline (spec §4.F: "{name, priority,
// category, supports_autofix, timeout_ms}"). Validators must not block on
// network.
type Validator interface {
	Name() string
	Priority() int // lower runs first
	Category() string
	SupportsAutofix() bool
	Validate(ctx context.Context, source string) Result

	// Autofix applies this validator's correction for a failing Result and
	// returns the corrected source plus a unified diff describing the
	// change, for audit and for the Auto-Fix Cache (spec §4.G) to learn
	// from. Only called when SupportsAutofix() is true.
	Autofix(ctx context.Context, source string, failing Result) (fixed string, patch string, err error)
}
