package store

import (
	"context"
	"fmt"

	"codeforge/internal/artifact"
)

// Evidence is the required basis for UpdateQuality (spec §4.A: "requires
// evidence").
type Evidence struct {
	TestPass bool
	Coverage float64 // only meaningful when TestPass is true
	Latency  float64 // unused by the delta table directly; carried for callers
	Failure  *artifact.FailureEntry
}

// UpdateQuality applies the bounded delta spec §4.A's table defines and
// persists the clamped result (spec §8 property 3: quality_score stays
// in [0.01, 1.0] and only increases from passing evidence).
func (s *Store) UpdateQuality(ctx context.Context, id string, evidence Evidence) (float64, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if a == nil {
		return 0, fmt.Errorf("store: update quality: artifact %s not found", id)
	}

	delta := 0.0
	if evidence.TestPass {
		storedCoverage := a.TestResults.Coverage
		if evidence.Coverage >= storedCoverage {
			delta = min(0.05, 0.5*(evidence.Coverage-storedCoverage))
			if delta < 0 {
				delta = 0
			}
		}
		a.TestResults = artifact.TestResults{Pass: true, Coverage: evidence.Coverage}
	} else {
		switch {
		case evidence.Failure == nil:
			// no severity given: treat as low
			delta = -0.01
		case evidence.Failure.Severity == artifact.SeverityHigh:
			delta = -0.10
		case evidence.Failure.Severity == artifact.SeverityMedium:
			delta = -0.05
		default:
			delta = -0.01
		}
		a.TestResults = artifact.TestResults{Pass: false, Coverage: a.TestResults.Coverage}
		if evidence.Failure != nil {
			a.AppendFailure(*evidence.Failure)
		}
	}

	recent := countRecentFailures(a.FailureLog)
	if recent > 10 {
		delta -= 0.10
	} else if recent > 5 {
		delta -= 0.05
	}

	a.QualityScore = artifact.ClampQuality(a.QualityScore + delta)
	if _, err := s.Put(ctx, *a); err != nil {
		return 0, err
	}
	return a.QualityScore, nil
}

// countRecentFailures counts failure_log entries; the ring buffer is
// already capped at artifact.MaxFailureLog, so "recent" is simply its
// current length.
func countRecentFailures(log []artifact.FailureEntry) int {
	return len(log)
}
