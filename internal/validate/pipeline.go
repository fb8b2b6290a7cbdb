package validate

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"codeforge/internal/logging"
)

// NamedResult pairs a validator's name with the Result it produced in one
// pipeline pass, for the report the Orchestrator ultimately logs.
type NamedResult struct {
	Validator string `json:"validator"`
	Result    Result `json:"result"`
}

// Report is the pipeline's output (spec §4.F: "report.ok is true only if
// every enabled validator passes").
type Report struct {
	OK          bool          `json:"ok"`
	Results     []NamedResult `json:"results"`
	Attempts    int           `json:"attempts"`
	FinalSource string        `json:"final_source"`
}

// Pipeline runs validators in priority order (lower first) and applies a
// bounded auto-fix loop (spec §4.F).
type Pipeline struct {
	log        *zap.Logger
	validators []Validator
}

// New builds a pipeline from validators, sorted by Priority ascending
// (mirrors the teacher's ValidatorRegistry.Register insertion sort).
func New(validators []Validator, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = logging.Noop()
	}
	sorted := append([]Validator(nil), validators...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })
	return &Pipeline{log: logging.For(logger, logging.CategoryValidate), validators: sorted}
}

// Run validates source, applying auto-fix and re-running from the top on
// each fixable failure, bounded by maxAttempts total fixes (spec §4.F
// default 3, config autofix.max_attempts).
func (p *Pipeline) Run(ctx context.Context, source string, maxAttempts int) Report {
	current := source
	attempts := 0

	for {
		var results []NamedResult
		failedAt := -1

		for idx, v := range p.validators {
			res := v.Validate(ctx, current)
			results = append(results, NamedResult{Validator: v.Name(), Result: res})
			if !res.Passed {
				failedAt = idx
				break
			}
		}

		if failedAt == -1 {
			return Report{OK: true, Results: results, Attempts: attempts, FinalSource: current}
		}

		v := p.validators[failedAt]
		if !v.SupportsAutofix() || attempts >= maxAttempts {
			return Report{OK: false, Results: results, Attempts: attempts, FinalSource: current}
		}

		failing := results[len(results)-1].Result
		fixed, patch, err := v.Autofix(ctx, current, failing)
		if err != nil {
			p.log.Warn("autofix failed", zap.String("validator", v.Name()), zap.Error(err))
			return Report{OK: false, Results: results, Attempts: attempts, FinalSource: current}
		}
		results[len(results)-1].Result.AutofixPatch = patch
		current = fixed
		attempts++
		p.log.Debug("autofix applied, re-running pipeline", zap.String("validator", v.Name()), zap.Int("attempt", attempts))
	}
}
