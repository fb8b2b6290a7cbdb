// Package evaluator implements the Evaluator (spec §4.K): a pure,
// deterministic scoring function over a test outcome and measured metrics.
// Grounded on internal/regression/battery.go's Result (pass/fail + duration
// as the only inputs to a score) and internal/core/rule_court.go's style of
// bounded, input-only judging with no model call anywhere in the path.
package evaluator

import (
	"strings"

	"codeforge/internal/artifact"
	"codeforge/internal/planner"
)

// Metrics holds the measured values the Decision rule compares against a
// spec's resource caps (spec §4.K: "latency <= cap, memory <= cap,
// output_size <= cap").
type Metrics struct {
	LatencyMS   int64
	MemoryMB    float64
	OutputBytes int64
}

// satisfiedDelta and violatedDelta are the per-metric quality adjustments
// spec §4.K fixes ("adds up to 0.05" / "subtracts up to 0.10").
const (
	satisfiedDelta = 0.05
	violatedDelta  = 0.10
)

// Score implements spec §4.K's `score(test_result, metrics, spec) ->
// {quality, rationale_tag}` contract. existingQuality is the artifact's
// current quality_score, used only in the test-failure branch's min().
//
// Score never calls a model; every input is already-measured data, per
// spec's "MUST NOT use LLM self-assessment as a score input".
func Score(testResult artifact.TestResults, metrics Metrics, spec planner.Spec, existingQuality float64) (quality float64, rationaleTag string) {
	if !testResult.Pass {
		quality = existingQuality
		if 0.4 < quality {
			quality = 0.4
		}
		return artifact.ClampQuality(quality), "test_failed"
	}

	base := testResult.Coverage
	var tags []string
	tags = append(tags, "tests_passed")

	caps := spec.ResourceCaps
	base = adjustForCap(base, &tags, "latency", int64Cap(caps.WallSeconds*1000), metrics.LatencyMS)
	base = adjustForCap(base, &tags, "memory", int64Cap(caps.MemMB), int64(metrics.MemoryMB))
	base = adjustForCap(base, &tags, "output_size", int64Cap(caps.OutputBytes), metrics.OutputBytes)

	return artifact.ClampQuality(base), strings.Join(tags, ",")
}

// int64Cap treats a non-positive config value as "no cap configured": such
// a metric is skipped rather than scored against a meaningless zero bound.
func int64Cap(v int64) int64 {
	if v <= 0 {
		return 0
	}
	return v
}

// adjustForCap applies the satisfied/violated delta for one metric against
// its cap and appends the corresponding rationale tag. A zero cap means the
// spec never set one; the metric is left out of scoring entirely.
func adjustForCap(base float64, tags *[]string, name string, limit, observed int64) float64 {
	if limit == 0 {
		return base
	}
	if observed <= limit {
		*tags = append(*tags, name+"_ok")
		return base + satisfiedDelta
	}
	*tags = append(*tags, name+"_over_cap")
	return base - violatedDelta
}
