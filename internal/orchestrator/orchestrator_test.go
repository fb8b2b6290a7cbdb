package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"codeforge/internal/artifact"
	"codeforge/internal/autofix"
	"codeforge/internal/classifier"
	"codeforge/internal/config"
	"codeforge/internal/embedding"
	"codeforge/internal/generator"
	"codeforge/internal/modelgateway"
	"codeforge/internal/planner"
	"codeforge/internal/rules"
	"codeforge/internal/sandbox"
	"codeforge/internal/store"
	"codeforge/internal/validate"
)

const addTwoIntsSource = `package main

import "encoding/json"

type addInput struct {
	A int ` + "`json:\"a\"`" + `
	B int ` + "`json:\"b\"`" + `
}

func Run(input []byte) ([]byte, error) {
	var in addInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int{"sum": in.A + in.B})
}
`

// fakeBackend routes a completion call to a canned response based on which
// pipeline stage's system prompt it matches (planner, generator, or
// repair), letting one fake stand in for the whole Model Gateway.
type fakeBackend struct {
	planSpec   string
	genSource  string
	repairText string
}

func (f *fakeBackend) Name() string { return "anthropic" }

func (f *fakeBackend) Complete(_ context.Context, _ string, req modelgateway.CompletionRequest) (modelgateway.CompletionResponse, error) {
	switch {
	case strings.Contains(req.System, "planning stage"):
		return modelgateway.CompletionResponse{Text: f.planSpec}, nil
	case strings.Contains(req.System, "candidate generator"):
		return modelgateway.CompletionResponse{Text: f.genSource}, nil
	case strings.Contains(req.System, "repair step"):
		return modelgateway.CompletionResponse{Text: f.repairText}, nil
	}
	return modelgateway.CompletionResponse{}, nil
}

type fakeEmbedder struct{ vec []float32 }

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) { return f.vec, nil }
func (f *fakeEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, nil
}
func (f *fakeEmbedder) Dimensions() int { return len(f.vec) }
func (f *fakeEmbedder) Name() string    { return "fake" }

const addIntsPlanJSON = `{
  "problem": "add two integers",
  "inputs": [{"name": "a", "type": "int"}, {"name": "b", "type": "int"}],
  "outputs": [{"name": "sum", "type": "int"}],
  "algorithm_sketch": "parse both integers and return their sum",
  "success_criteria": ["sum equals a + b"]
}`

func newTestOrchestrator(t *testing.T, fb *fakeBackend, embedder embedding.EmbeddingEngine) *Orchestrator {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	llmCfg := config.LLMConfig{
		Backend:    "anthropic",
		ModelRoles: map[string]string{"fast": "m-fast", "base": "m-base", "powerful": "m-power", "god": "m-god"},
		Backends:   map[string]config.BackendConfig{"anthropic": {Enabled: true, MaxConcurrent: 8}},
	}
	gw, err := modelgateway.NewGateway(llmCfg, map[string]modelgateway.Backend{"anthropic": fb}, nil)
	require.NoError(t, err)

	checker, err := rules.NewChecker()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Generation.Parallel.MaxVariants = 1
	cfg.Autofix.MaxAttempts = 1
	cfg.Repair.MaxTotalRetries = 3
	cfg.Repair.TopKFixes = 2

	pl := planner.New(gw, checker, cfg.Generation, nil)
	gen := generator.New(gw, cfg.Generation.Parallel.MaxVariants, nil)
	sb := sandbox.New(nil, nil, nil)
	af, err := autofix.Open(ctx, st.DB(), nil)
	require.NoError(t, err)
	cls := classifier.New(st, embedder, classifier.DefaultThresholds(), nil)

	o, err := New(st, cls, pl, gen, sb, af, embedder, gw, checker, cfg, filepath.Join(t.TempDir(), "execution.log"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestHandleDifferentFullPipelinePromotes(t *testing.T) {
	fb := &fakeBackend{planSpec: addIntsPlanJSON, genSource: addTwoIntsSource}
	o := newTestOrchestrator(t, fb, &fakeEmbedder{vec: []float32{1, 0, 0}})

	resp := o.Handle(context.Background(), Request{
		Namespace:   "add_integers",
		Description: "add 1 plus 1",
	})

	require.Nil(t, resp.Error)
	require.Equal(t, artifact.DecisionDifferent, resp.Decision)
	require.True(t, resp.Promoted)
	require.NotEmpty(t, resp.ArtifactID)
	require.Contains(t, resp.RationaleTag, "tests_passed")
}

func TestHandleSameReusesExistingArtifact(t *testing.T) {
	fb := &fakeBackend{planSpec: addIntsPlanJSON, genSource: addTwoIntsSource}
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}
	o := newTestOrchestrator(t, fb, embedder)

	ctx := context.Background()
	id, err := o.store.Put(ctx, artifact.Artifact{
		Kind:         artifact.KindFunction,
		Namespace:    "add_integers",
		Source:       addTwoIntsSource,
		Embedding:    embedder.vec,
		QualityScore: 0.8,
		TestResults:  artifact.TestResults{Pass: true, Coverage: 1.0},
	})
	require.NoError(t, err)

	resp := o.Handle(ctx, Request{Namespace: "add_integers", Description: "add 1 plus 1"})

	require.Nil(t, resp.Error)
	require.Equal(t, artifact.DecisionSame, resp.Decision)
	require.Equal(t, id, resp.ArtifactID)
	require.True(t, resp.Promoted)

	got, err := o.store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.UsageCount)
}

func TestHandleDifferentGeneratorFailureSurfacesError(t *testing.T) {
	fb := &fakeBackend{planSpec: addIntsPlanJSON, genSource: ""}
	o := newTestOrchestrator(t, fb, &fakeEmbedder{vec: []float32{1, 0, 0}})

	resp := o.Handle(context.Background(), Request{Namespace: "add_integers", Description: "add 1 plus 1"})

	require.NotNil(t, resp.Error)
}

func TestSmokeInputDefaultsToEmptyObject(t *testing.T) {
	require.Equal(t, []byte("{}"), smokeInput(nil))
	require.Equal(t, []byte(`{"a":1}`), smokeInput([]TestCase{{Input: []byte(`{"a":1}`)}}))
}

func TestTaskHashIsDeterministicAndCaseInsensitive(t *testing.T) {
	a := taskHash("Add 1 Plus 1")
	b := taskHash("  add 1 plus 1  ")
	require.Equal(t, a, b)
	require.Len(t, a, 16)
}

func TestTaskHashDiffersForDifferentTasks(t *testing.T) {
	require.NotEqual(t, taskHash("add 1 plus 1"), taskHash("multiply 2 by 3"))
}

func TestSpeedScoreNoCapIsNeutral(t *testing.T) {
	spec := planner.Spec{}
	require.Equal(t, 1.0, speedScore(5000, spec))
}

func TestSpeedScoreWithinCapIsPositive(t *testing.T) {
	spec := planner.Spec{ResourceCaps: planner.ResourceCaps{WallSeconds: 10}}
	got := speedScore(5000, spec)
	require.InDelta(t, 0.5, got, 1e-9)
}

func TestSpeedScoreOverCapClampsToZero(t *testing.T) {
	spec := planner.Spec{ResourceCaps: planner.ResourceCaps{WallSeconds: 1}}
	require.Equal(t, 0.0, speedScore(5000, spec))
}

func TestBestAttemptPicksHighestCombinedAmongPassing(t *testing.T) {
	passing := func(combined float64) attempt {
		return attempt{
			report:     validate.Report{OK: true},
			testResult: artifact.TestResults{Pass: true},
			combined:   combined,
		}
	}
	attempts := []attempt{passing(0.66), passing(0.77), passing(0.70)}
	best, ok := bestAttempt(attempts)
	require.True(t, ok)
	require.Equal(t, 0.77, best.combined)
}

func TestBestAttemptFalseWhenNonePass(t *testing.T) {
	attempts := []attempt{
		{report: validate.Report{OK: false}},
		{report: validate.Report{OK: false}},
	}
	_, ok := bestAttempt(attempts)
	require.False(t, ok)
}

func TestToSemanticTypeMapsKnownAliases(t *testing.T) {
	require.Equal(t, artifact.TypeInt, toSemanticType("Integer"))
	require.Equal(t, artifact.TypeFloat, toSemanticType("number"))
	require.Equal(t, artifact.TypeBool, toSemanticType("BOOL"))
	require.Equal(t, artifact.TypeMapping, toSemanticType("object"))
	require.Equal(t, artifact.TypeString, toSemanticType("whatever"))
}

func TestInterfaceFromSpecProjectsFields(t *testing.T) {
	spec := planner.Spec{
		Inputs:  []planner.InputSpec{{Name: "a", Type: "int"}},
		Outputs: []planner.OutputSpec{{Name: "sum", Type: "int"}},
	}
	iface := interfaceFromSpec(spec)
	require.Equal(t, []artifact.Field{{Name: "a", Type: artifact.TypeInt}}, iface.Inputs)
	require.Equal(t, []artifact.Field{{Name: "sum", Type: artifact.TypeInt}}, iface.Outputs)
}

func TestEscalateRoleOrder(t *testing.T) {
	require.Equal(t, modelgateway.RoleBase, escalateRole(modelgateway.RoleFast))
	require.Equal(t, modelgateway.RolePowerful, escalateRole(modelgateway.RoleBase))
	require.Equal(t, modelgateway.RoleGod, escalateRole(modelgateway.RolePowerful))
	require.Equal(t, modelgateway.RoleGod, escalateRole(modelgateway.RoleGod))
}

func TestDiffToTransformFindsContiguousChange(t *testing.T) {
	before := "return a + b, nil"
	after := "return a - b, nil"
	find, replace, ok := diffToTransform(before, after)
	require.True(t, ok)
	require.Equal(t, "\\+", find)
	require.Equal(t, "-", replace)
}

func TestDiffToTransformRejectsIdenticalSource(t *testing.T) {
	_, _, ok := diffToTransform("same", "same")
	require.False(t, ok)
}

func TestExecutionLogAppendsOneLinePerRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "execution.log")
	el, err := openExecutionLog(path)
	require.NoError(t, err)
	require.NoError(t, el.Append(artifact.ExecutionRecord{RequestID: "req_1"}))
	require.NoError(t, el.Append(artifact.ExecutionRecord{RequestID: "req_2"}))
	require.NoError(t, el.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "req_1")
	require.Contains(t, lines[1], "req_2")
}
