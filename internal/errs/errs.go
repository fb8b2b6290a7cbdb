// Package errs defines the sealed error taxonomy shared across every
// component boundary (spec §7). Components wrap these sentinels with
// %w so callers can errors.Is against a stable taxonomy instead of
// string-matching messages.
package errs

import "errors"

var (
	// ErrBackendUnavailable is the taxonomy entry for model and embedding
	// backend outages. The Model Gateway and the Embedding Gateway return
	// their own errors and do not wrap it.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrPlannerFailed surfaces after the Overseer Planner's retry-with-
	// smaller-context attempt also fails.
	ErrPlannerFailed = errors.New("planner failed")

	// ErrAllGeneratorsFailed surfaces when every generator in a pool call
	// returned an error.
	ErrAllGeneratorsFailed = errors.New("all generators failed")

	// ErrValidatorFailed surfaces when the static validator pipeline could
	// not reach an all-pass state within the auto-fix attempt budget.
	ErrValidatorFailed = errors.New("validator failed")

	// ErrTestFailure covers runtime errors, wrong output, timeouts, and
	// memory overruns observed by the sandboxed runner.
	ErrTestFailure = errors.New("test failure")

	// ErrTestsUnfixable surfaces when the auto-fix cache and repair cycle
	// both exhaust their budgets without a passing artifact.
	ErrTestsUnfixable = errors.New("tests unfixable after repair budget")

	// ErrStorageUnavailable surfaces a persistent-store outage; callers
	// degrade to in-memory-only for the current request.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrStorageIncompatible surfaces a persisted-state version mismatch.
	ErrStorageIncompatible = errors.New("storage format incompatible")

	// ErrCancelRequested propagates a caller-initiated or deadline-driven
	// cancellation.
	ErrCancelRequested = errors.New("cancel requested")

	// ErrConstraintViolation is the taxonomy entry for a spec that exceeds
	// a safety cap. The Overseer Planner clamps such a cap to its
	// configured limit and does not return it.
	ErrConstraintViolation = errors.New("constraint violation")
)

// Kind is the stable, user-facing name for an error class (spec §7).
type Kind string

const (
	KindBackendUnavailable  Kind = "BackendUnavailable"
	KindPlannerFailed       Kind = "PlannerFailed"
	KindAllGeneratorsFailed Kind = "AllGeneratorsFailed"
	KindValidatorFailed     Kind = "ValidatorFailed"
	KindTestFailure         Kind = "TestFailure"
	KindTestsUnfixable      Kind = "TestsUnfixable"
	KindStorageUnavailable  Kind = "StorageUnavailable"
	KindStorageIncompatible Kind = "StorageIncompatible"
	KindCancelRequested     Kind = "CancelRequested"
	KindConstraintViolation Kind = "ConstraintViolation"
)

// kindBySentinel maps a sentinel error to its taxonomy Kind.
var kindBySentinel = map[error]Kind{
	ErrBackendUnavailable:  KindBackendUnavailable,
	ErrPlannerFailed:       KindPlannerFailed,
	ErrAllGeneratorsFailed: KindAllGeneratorsFailed,
	ErrValidatorFailed:     KindValidatorFailed,
	ErrTestFailure:         KindTestFailure,
	ErrTestsUnfixable:      KindTestsUnfixable,
	ErrStorageUnavailable:  KindStorageUnavailable,
	ErrStorageIncompatible: KindStorageIncompatible,
	ErrCancelRequested:     KindCancelRequested,
	ErrConstraintViolation: KindConstraintViolation,
}

// retryable marks which Kinds are transient/retryable per spec §7's
// recovery policy: structural errors (schema, validation, cancellation)
// are never retried.
var retryable = map[Kind]bool{
	KindBackendUnavailable: true,
	KindTestFailure:        true,
	KindStorageUnavailable: true,
}

// Response is the user-visible failure payload spec §7 requires: every
// failure class reports error_kind, summary, suggested_action, retryable.
type Response struct {
	ErrorKind      Kind   `json:"error_kind"`
	Summary        string `json:"summary"`
	SuggestedAction string `json:"suggested_action"`
	Retryable      bool   `json:"retryable"`
}

// ToResponse classifies err against the taxonomy and builds the
// user-visible Response. Unrecognized errors are reported as a generic,
// non-retryable internal failure; stack traces never leave this boundary.
func ToResponse(err error) Response {
	if err == nil {
		return Response{}
	}
	for sentinel, kind := range kindBySentinel {
		if errors.Is(err, sentinel) {
			return Response{
				ErrorKind:       kind,
				Summary:         err.Error(),
				SuggestedAction: suggestedAction(kind),
				Retryable:       retryable[kind],
			}
		}
	}
	return Response{
		ErrorKind:       "InternalError",
		Summary:         "an internal error occurred",
		SuggestedAction: "contact the operator",
		Retryable:       false,
	}
}

func suggestedAction(kind Kind) string {
	switch kind {
	case KindBackendUnavailable:
		return "retry after backoff or check backend credentials"
	case KindPlannerFailed:
		return "retry with a smaller task description"
	case KindAllGeneratorsFailed:
		return "check generator/model gateway configuration"
	case KindValidatorFailed:
		return "inspect validator messages and fix the reported issues"
	case KindTestFailure:
		return "inspect the sandboxed run's stdout/stderr for the failure cause"
	case KindTestsUnfixable:
		return "manual repair required; the automatic repair budget was exhausted"
	case KindStorageUnavailable:
		return "check persisted-state directory availability"
	case KindStorageIncompatible:
		return "run the store migration for the new persisted-state version"
	case KindCancelRequested:
		return "resubmit the request if still needed"
	case KindConstraintViolation:
		return "lower the requested scope to fit configured safety caps"
	default:
		return "contact the operator"
	}
}
