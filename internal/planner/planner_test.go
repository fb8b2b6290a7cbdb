package planner

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"codeforge/internal/artifact"
	"codeforge/internal/config"
	"codeforge/internal/modelgateway"
	"codeforge/internal/rules"
)

type fakeBackend struct {
	calls   atomic.Int32
	respond func(n int32) modelgateway.CompletionResponse
}

func (f *fakeBackend) Name() string { return "anthropic" }

func (f *fakeBackend) Complete(ctx context.Context, modelID string, req modelgateway.CompletionRequest) (modelgateway.CompletionResponse, error) {
	n := f.calls.Add(1)
	return f.respond(n), nil
}

func testGateway(t *testing.T, fb *fakeBackend) *modelgateway.Gateway {
	t.Helper()
	cfg := config.LLMConfig{
		Backend:    "anthropic",
		ModelRoles: map[string]string{"base": "claude-sonnet"},
		Backends:   map[string]config.BackendConfig{"anthropic": {Enabled: true, MaxConcurrent: 2}},
	}
	gw, err := modelgateway.NewGateway(cfg, map[string]modelgateway.Backend{"anthropic": fb}, nil)
	require.NoError(t, err)
	return gw
}

const validSpecJSON = `{
  "problem": "add two integers",
  "inputs": [{"name": "a", "type": "int"}, {"name": "b", "type": "int"}],
  "outputs": [{"name": "sum", "type": "int"}],
  "algorithm_sketch": "return a + b",
  "tools_needed": [],
  "resource_caps": {"cpu_seconds": 1, "mem_mb": 64, "wall_seconds": 5, "output_bytes": 1024},
  "safety_caps": {"iterations": 1},
  "success_criteria": ["matches reference sum for all sampled inputs"]
}`

func TestPlanSucceedsOnFirstAttempt(t *testing.T) {
	fb := &fakeBackend{respond: func(n int32) modelgateway.CompletionResponse {
		return modelgateway.CompletionResponse{Text: validSpecJSON}
	}}
	p := New(testGateway(t, fb), nil, config.Default().Generation, nil)

	spec, err := p.Plan(context.Background(), "add two integers", artifact.DecisionDifferent, nil)
	require.NoError(t, err)
	require.Equal(t, "add two integers", spec.Problem)
	require.Equal(t, int32(1), fb.calls.Load())
}

func TestPlanToleratesMarkdownFence(t *testing.T) {
	fb := &fakeBackend{respond: func(n int32) modelgateway.CompletionResponse {
		return modelgateway.CompletionResponse{Text: "```json\n" + validSpecJSON + "\n```"}
	}}
	p := New(testGateway(t, fb), nil, config.Default().Generation, nil)

	spec, err := p.Plan(context.Background(), "add two integers", artifact.DecisionDifferent, nil)
	require.NoError(t, err)
	require.Equal(t, "add two integers", spec.Problem)
}

func TestPlanRetriesOnceThenSucceeds(t *testing.T) {
	fb := &fakeBackend{respond: func(n int32) modelgateway.CompletionResponse {
		if n == 1 {
			return modelgateway.CompletionResponse{Text: "not json"}
		}
		return modelgateway.CompletionResponse{Text: validSpecJSON}
	}}
	p := New(testGateway(t, fb), nil, config.Default().Generation, nil)

	spec, err := p.Plan(context.Background(), "add two integers", artifact.DecisionDifferent, nil)
	require.NoError(t, err)
	require.Equal(t, "add two integers", spec.Problem)
	require.Equal(t, int32(2), fb.calls.Load())
}

func TestPlanFailsAfterSecondAttempt(t *testing.T) {
	fb := &fakeBackend{respond: func(n int32) modelgateway.CompletionResponse {
		return modelgateway.CompletionResponse{Text: "not json"}
	}}
	p := New(testGateway(t, fb), nil, config.Default().Generation, nil)

	_, err := p.Plan(context.Background(), "add two integers", artifact.DecisionDifferent, nil)
	require.Error(t, err)
	require.Equal(t, int32(2), fb.calls.Load())
}

func TestBuildPromptRelatedIncludesReferenceAndDiffInstruction(t *testing.T) {
	reference := &artifact.Artifact{Namespace: "add_integers", Source: "func Add(a, b int) int { return a + b }", QualityScore: 0.9}
	_, user := buildPrompt("add three integers", artifact.DecisionRelated, reference)
	require.Contains(t, user, reference.Source)
	require.Contains(t, user, "diff")
}

func TestPlanRelatedCallsThroughSuccessfully(t *testing.T) {
	fb := &fakeBackend{respond: func(n int32) modelgateway.CompletionResponse {
		return modelgateway.CompletionResponse{Text: validSpecJSON}
	}}
	reference := &artifact.Artifact{Namespace: "add_integers", Source: "func Add(a, b int) int { return a + b }", QualityScore: 0.9}

	p := New(testGateway(t, fb), nil, config.Default().Generation, nil)
	spec, err := p.Plan(context.Background(), "add three integers", artifact.DecisionRelated, reference)
	require.NoError(t, err)
	require.Equal(t, "add two integers", spec.Problem)
}

func TestApplyCapsClampsAboveConfiguredDefaults(t *testing.T) {
	checker, err := rules.NewChecker()
	require.NoError(t, err)

	gen := config.GenerationConfig{
		ResourceCaps: config.ResourceCapsConfig{CPUSeconds: 10, MemMB: 256, WallSeconds: 60, OutputBytes: 4096},
		SafetyCaps:   map[string]int64{"iterations": 100},
	}
	p := New(nil, checker, gen, nil)

	spec := p.applyCaps(Spec{
		ResourceCaps: ResourceCaps{CPUSeconds: 999, MemMB: 10, WallSeconds: 0, OutputBytes: 8192},
		SafetyCaps:   map[string]int64{"iterations": 5000},
	})

	require.Equal(t, int64(10), spec.ResourceCaps.CPUSeconds, "above-default cpu_seconds must be clamped down")
	require.Equal(t, int64(10), spec.ResourceCaps.MemMB, "below-default mem_mb is a valid downward override")
	require.Equal(t, int64(60), spec.ResourceCaps.WallSeconds, "unset (zero) wall_seconds falls back to the default")
	require.Equal(t, int64(4096), spec.ResourceCaps.OutputBytes, "above-default output_bytes must be clamped down")
	require.Equal(t, int64(100), spec.SafetyCaps["iterations"], "requested iterations exceeds the configured limit")
}

func TestApplyCapsFillsMissingSafetyCapFromDefault(t *testing.T) {
	checker, err := rules.NewChecker()
	require.NoError(t, err)
	gen := config.GenerationConfig{SafetyCaps: map[string]int64{"list_length": 1000}}
	p := New(nil, checker, gen, nil)

	spec := p.applyCaps(Spec{SafetyCaps: map[string]int64{}})
	require.Equal(t, int64(1000), spec.SafetyCaps["list_length"])
}

func TestTruncatePreservesHeadAndTail(t *testing.T) {
	text := strings.Repeat("a", 50) + strings.Repeat("b", 50)
	out := Truncate(text, 40)
	require.LessOrEqual(t, len(out), 40)
	require.True(t, strings.HasPrefix(out, "a"))
	require.True(t, strings.HasSuffix(out, "b"))
	require.Contains(t, out, truncationMarker)
}

func TestTruncateIsIdempotent(t *testing.T) {
	text := strings.Repeat("x", 1000)
	once := Truncate(text, 100)
	twice := Truncate(once, 100)
	require.Equal(t, once, twice)
}

func TestTruncateNoopUnderLimit(t *testing.T) {
	require.Equal(t, "short", Truncate("short", 100))
}
