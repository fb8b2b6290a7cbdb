// Package planner implements the Overseer Planner (spec §4.I): turns a
// task description plus the Task Classifier's decision into a structured
// spec the Generator Pool can build from. Grounded on the teacher's
// internal/core/dream_plan.go/dream_plan_extractor.go (structured
// plan-from-consultation extraction), generalized from parsing numbered
// steps out of shard perspectives to parsing a JSON spec out of a single
// Model Gateway completion.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"codeforge/internal/artifact"
	"codeforge/internal/config"
	"codeforge/internal/errs"
	"codeforge/internal/logging"
	"codeforge/internal/modelgateway"
	"codeforge/internal/rules"
)

// InputSpec/OutputSpec are one entry of Spec.Inputs/Outputs.
type InputSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Constraints string `json:"constraints,omitempty"`
}

type OutputSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ResourceCaps mirrors spec §4.I rule (c)'s default cap set.
type ResourceCaps struct {
	CPUSeconds  int64 `json:"cpu_seconds"`
	MemMB       int64 `json:"mem_mb"`
	WallSeconds int64 `json:"wall_seconds"`
	OutputBytes int64 `json:"output_bytes"`
}

// Spec is the Overseer Planner's contract output (spec §4.I).
type Spec struct {
	Problem         string            `json:"problem"`
	Inputs          []InputSpec       `json:"inputs"`
	Outputs         []OutputSpec      `json:"outputs"`
	AlgorithmSketch string            `json:"algorithm_sketch"`
	ToolsNeeded     []string          `json:"tools_needed"`
	ResourceCaps    ResourceCaps      `json:"resource_caps"`
	SafetyCaps      map[string]int64  `json:"safety_caps"`
	SuccessCriteria []string          `json:"success_criteria"`
}

// Planner produces a Spec from a task description by calling the Model
// Gateway at the base tier and clamping the result to configured resource
// and safety caps.
type Planner struct {
	gateway  *modelgateway.Gateway
	checker  *rules.Checker
	defaults config.GenerationConfig
	log      *zap.Logger
}

// New wires the Model Gateway and the safety-cap Checker together with the
// configured defaults (spec §4.I rule (c): "from config").
func New(gw *modelgateway.Gateway, checker *rules.Checker, defaults config.GenerationConfig, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Planner{gateway: gw, checker: checker, defaults: defaults, log: logging.For(logger, logging.CategoryPlanner)}
}

// Plan implements spec §4.I's `plan(task, decision, reference?) -> spec`
// contract. On any failed attempt (model error, including a timeout, or an
// unparseable reply) it retries once with a smaller context (half the user
// prompt, per rule (e)'s truncation); a second failure surfaces
// errs.ErrPlannerFailed to the Orchestrator.
func (p *Planner) Plan(ctx context.Context, task string, decision artifact.ClassifierDecision, reference *artifact.Artifact) (Spec, error) {
	contextWindow := 100_000 // chars; conservative fallback when no tier metadata is wired in
	system, user := buildPrompt(task, decision, reference)

	spec, err := p.attempt(ctx, system, user, contextWindow)
	if err == nil {
		return p.applyCaps(spec), nil
	}
	p.log.Warn("planner call failed, retrying with smaller context", zap.Error(err))

	smallerUser := Truncate(user, len(user)/2)
	spec, err = p.attempt(ctx, system, smallerUser, contextWindow/2)
	if err != nil {
		p.log.Error("planner call failed twice, surfacing PlannerFailed", zap.Error(err))
		return Spec{}, fmt.Errorf("planner: %w: %w", errs.ErrPlannerFailed, err)
	}
	return p.applyCaps(spec), nil
}

func (p *Planner) attempt(ctx context.Context, system, user string, contextWindow int) (Spec, error) {
	user = Truncate(user, contextWindow*2)
	resp, err := p.gateway.Complete(ctx, modelgateway.CompletionRequest{
		Role:        modelgateway.RoleBase,
		System:      system,
		User:        user,
		MaxTokens:   4096,
		Temperature: 0.2,
	})
	if err != nil {
		return Spec{}, err
	}
	return parseSpec(resp.Text)
}

// applyCaps enforces rule (c) (resource caps default from config,
// overridable downward only) and rule (d) (safety caps bound iterative
// work), clamping anything the model proposed above the configured
// ceiling rather than rejecting the whole spec.
func (p *Planner) applyCaps(spec Spec) Spec {
	d := p.defaults.ResourceCaps
	spec.ResourceCaps = ResourceCaps{
		CPUSeconds:  clampDown(spec.ResourceCaps.CPUSeconds, d.CPUSeconds),
		MemMB:       clampDown(spec.ResourceCaps.MemMB, d.MemMB),
		WallSeconds: clampDown(spec.ResourceCaps.WallSeconds, d.WallSeconds),
		OutputBytes: clampDown(spec.ResourceCaps.OutputBytes, d.OutputBytes),
	}

	if spec.SafetyCaps == nil {
		spec.SafetyCaps = map[string]int64{}
	}
	for capName, limit := range p.defaults.SafetyCaps {
		if _, ok := spec.SafetyCaps[capName]; !ok {
			spec.SafetyCaps[capName] = limit
		}
	}
	if p.checker != nil {
		if violations, err := p.checker.Evaluate(spec.SafetyCaps, p.defaults.SafetyCaps); err == nil {
			for _, v := range violations {
				spec.SafetyCaps[v.Cap] = v.Limit
			}
		} else {
			p.log.Warn("safety-cap evaluation failed, falling back to configured defaults", zap.Error(err))
			for capName, limit := range p.defaults.SafetyCaps {
				if spec.SafetyCaps[capName] > limit {
					spec.SafetyCaps[capName] = limit
				}
			}
		}
	}
	return spec
}

// clampDown returns requested if it is positive and at or below max (or
// max is unset); otherwise it returns max. A non-positive requested value
// means the model omitted the field, so the configured default applies.
func clampDown(requested, max int64) int64 {
	if requested <= 0 {
		return max
	}
	if max > 0 && requested > max {
		return max
	}
	return requested
}

// parseSpec decodes a model completion into a Spec, tolerating the
// markdown code-fence wrapping models commonly add around JSON output.
func parseSpec(text string) (Spec, error) {
	var spec Spec
	if err := json.Unmarshal([]byte(cleanJSONResponse(text)), &spec); err != nil {
		return Spec{}, fmt.Errorf("planner: parse spec json: %w", err)
	}
	if spec.Problem == "" {
		return Spec{}, fmt.Errorf("planner: spec missing required field \"problem\"")
	}
	return spec, nil
}

func cleanJSONResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}
