package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"codeforge/internal/artifact"
	"codeforge/internal/errs"
	"codeforge/internal/evaluator"
	"codeforge/internal/generator"
	"codeforge/internal/modelgateway"
	"codeforge/internal/planner"
	"codeforge/internal/sandbox"
	"codeforge/internal/store"
	"codeforge/internal/validate"
)

// attempt is one generated variant's full evaluation, carried through
// validation, sandboxed testing, and scoring.
type attempt struct {
	generatorName string
	source        string
	genWallMS     int64
	report        validate.Report
	testResult    artifact.TestResults
	metrics       evaluator.Metrics
	quality       float64
	rationale     string
	combined      float64
	runErr        error
}

// ok reports whether this attempt reached a promotable state: validation
// passed and the sandboxed run exited cleanly (spec §4.F/§4.E).
func (a attempt) ok() bool {
	return a.report.OK && a.runErr == nil && a.testResult.Pass
}

// generateAndPromote drives spec §4.L steps 3-6: plan (with or without a
// RELATED reference), fan out the generator pool, validate+test+score
// every variant, repair the first evaluated one if none pass outright, then
// store and conditionally promote.
func (o *Orchestrator) generateAndPromote(ctx context.Context, requestID string, req Request, decision artifact.ClassifierDecision, reference *artifact.Artifact, rec *artifact.ExecutionRecord) Response {
	spec, err := o.planner.Plan(ctx, req.Description, decision, reference)
	if err != nil {
		return errResponse(requestID, decision, err)
	}

	iface := interfaceFromSpec(spec)
	variants, err := o.generators.Generate(ctx, spec, o.genConfigs(), generator.Budget{MaxWall: o.budgetFor(spec)})
	if err != nil {
		return errResponse(requestID, decision, err)
	}

	cases := testCaseInputs(req.TestCases)
	attempts := make([]attempt, 0, len(variants))
	for _, v := range variants {
		if v.Err != nil || v.Source == "" {
			continue
		}
		a := o.evaluate(ctx, iface, v, spec, 0, cases)
		attempts = append(attempts, a)
		rec.Attempts = append(rec.Attempts, attemptRecord(a))
	}

	best, ok := bestAttempt(attempts)
	if !ok {
		if len(attempts) == 0 {
			return errResponse(requestID, decision, errs.ErrAllGeneratorsFailed)
		}
		repaired, repairErr := o.repair(ctx, spec, iface, attempts[0], cases)
		if repairErr != nil {
			return errResponse(requestID, decision, repairErr)
		}
		rec.Attempts = append(rec.Attempts, attemptRecord(repaired))
		best = repaired
	}

	return o.finalize(ctx, requestID, req, decision, spec, iface, best)
}

// evaluate runs one variant through validation and sandboxed testing and
// scores it with the Evaluator; existingQuality feeds the test-failure
// branch of spec §4.K's decision rule (0 for a brand-new artifact).
func (o *Orchestrator) evaluate(ctx context.Context, iface artifact.Interface, v generator.Variant, spec planner.Spec, existingQuality float64, cases [][]byte) attempt {
	a := attempt{generatorName: v.GeneratorName, source: v.Source, genWallMS: v.GenWallMS}

	validators := []validate.Validator{
		validate.NewSyntaxValidator(),
		validate.NewImportAllowlistValidator(),
		validate.NewSchemaValidator(iface),
	}
	pipeline := validate.New(validators, o.log)
	a.report = pipeline.Run(ctx, v.Source, o.cfg.Autofix.MaxAttempts)
	if !a.report.OK {
		a.quality, a.rationale = evaluator.Score(artifact.TestResults{Pass: false}, evaluator.Metrics{}, spec, existingQuality)
		return a
	}

	testResult, metrics, err := o.runTests(ctx, iface, a.report.FinalSource, cases)
	a.testResult, a.metrics, a.runErr = testResult, metrics, err
	a.quality, a.rationale = evaluator.Score(testResult, metrics, spec, existingQuality)
	a.combined = o.cfg.Generation.Parallel.QualityWeight*a.quality + o.cfg.Generation.Parallel.SpeedWeight*speedScore(metrics.LatencyMS, spec)
	return a
}

// testCaseInputs projects the request's caller-supplied test cases onto the
// raw input documents runTests sandboxes against, falling back to one
// implicit smoke call against an empty JSON object when the caller supplied
// none (spec §8 scenario 1: "run with input {}").
func testCaseInputs(cases []TestCase) [][]byte {
	if len(cases) == 0 {
		return [][]byte{[]byte("{}")}
	}
	out := make([][]byte, len(cases))
	for i, c := range cases {
		out[i] = c.Input
	}
	return out
}

// runTests sandboxes source against each of cases and aggregates the
// pass/coverage/metrics triple spec §4.K's Score consumes. Coverage is the
// fraction of cases that exited cleanly with well-formed output — the only
// coverage signal available without a user-supplied oracle (no
// expected-output field exists in spec §4.L's request contract).
func (o *Orchestrator) runTests(ctx context.Context, iface artifact.Interface, source string, cases [][]byte) (artifact.TestResults, evaluator.Metrics, error) {
	probe := &artifact.Artifact{Kind: artifact.KindFunction, Source: source, Interface: iface}

	passCount := 0
	var maxWallMS, maxOutputBytes int64
	var maxRSS float64
	var lastErr error

	for _, input := range cases {
		res, err := o.sandbox.Run(ctx, probe, input, sandbox.DefaultLimits())
		if err != nil {
			lastErr = err
			continue
		}
		if res.ExitCode == 0 && !res.TimedOut && json.Valid(res.StdoutBytes) {
			passCount++
		} else if lastErr == nil {
			lastErr = errs.ErrTestFailure
		}
		if res.WallMS > maxWallMS {
			maxWallMS = res.WallMS
		}
		if res.PeakRSSMB > maxRSS {
			maxRSS = res.PeakRSSMB
		}
		if n := int64(len(res.StdoutBytes)); n > maxOutputBytes {
			maxOutputBytes = n
		}
	}

	coverage := float64(passCount) / float64(len(cases))
	tr := artifact.TestResults{Pass: passCount == len(cases), Coverage: coverage}
	metrics := evaluator.Metrics{LatencyMS: maxWallMS, MemoryMB: maxRSS, OutputBytes: maxOutputBytes}
	if tr.Pass {
		lastErr = nil
	}
	return tr, metrics, lastErr
}

// speedScore normalizes observed latency against the spec's wall_seconds
// cap into [0,1], matching the shape spec §8 scenario 5's example speed
// scores take (a bounded fraction, not a raw duration). A spec without a
// wall_seconds cap can't be judged on speed, so it scores a neutral 1.0
// rather than penalizing every candidate equally.
func speedScore(latencyMS int64, spec planner.Spec) float64 {
	capMS := spec.ResourceCaps.WallSeconds * 1000
	if capMS <= 0 {
		return 1.0
	}
	s := 1.0 - float64(latencyMS)/float64(capMS)
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// bestAttempt returns the highest-combined-score attempt among those that
// fully passed (spec §8 scenario 5: selection happens among completed,
// scored variants), or the zero value and false if none passed.
func bestAttempt(attempts []attempt) (attempt, bool) {
	var best attempt
	found := false
	for _, a := range attempts {
		if !a.ok() {
			continue
		}
		if !found || a.combined > best.combined {
			best = a
			found = true
		}
	}
	return best, found
}

func attemptRecord(a attempt) artifact.AttemptRecord {
	validators := make([]string, 0, len(a.report.Results))
	for _, r := range a.report.Results {
		validators = append(validators, r.Validator)
	}
	return artifact.AttemptRecord{
		Generator:      a.generatorName,
		Validators:     validators,
		TestPass:       a.testResult.Pass,
		EvaluatorScore: a.quality,
		LatencyMS:      a.genWallMS,
	}
}

// genConfigs builds one GenConfig per configured pool slot, alternating
// fast/base roles and a spread of temperatures so variants meaningfully
// differ (spec §4.J: "generators... vary by role/tier, temperature").
func (o *Orchestrator) genConfigs() []generator.GenConfig {
	n := o.cfg.Generation.Parallel.MaxVariants
	if n <= 0 {
		n = 1
	}
	out := make([]generator.GenConfig, n)
	for i := range out {
		role := modelgateway.RoleFast
		if i%2 == 1 {
			role = modelgateway.RoleBase
		}
		out[i] = generator.GenConfig{
			Name:        "gen" + string(rune('a'+i)),
			Role:        role,
			Temperature: 0.2 + 0.15*float64(i%4),
			MaxOutput:   4096,
		}
	}
	return out
}

// budgetFor derives the generator pool's wall-clock budget from the
// planned spec's own wall_seconds cap, falling back to a fixed ceiling
// when the spec left it unset.
func (o *Orchestrator) budgetFor(spec planner.Spec) time.Duration {
	if spec.ResourceCaps.WallSeconds > 0 {
		return time.Duration(spec.ResourceCaps.WallSeconds) * time.Second
	}
	return 2 * time.Minute
}

// finalize stores the selected attempt as a new artifact, records its
// measured quality as evidence, and promotes it over the namespace's
// current head when it is fitter (spec §4.L step 6 / §4.A "promote if
// fitter"). Storage failures surface as errs.ErrStorageUnavailable
// rather than losing the successful generation silently.
func (o *Orchestrator) finalize(ctx context.Context, requestID string, req Request, decision artifact.ClassifierDecision, spec planner.Spec, iface artifact.Interface, best attempt) Response {
	emb, err := o.embedder.Embed(ctx, req.Description)
	if err != nil {
		o.log.Warn("embedding failed, storing without a vector", zap.Error(err))
	}

	art := artifact.Artifact{
		Kind:        artifact.KindFunction,
		Namespace:   req.Namespace,
		Source:      best.report.FinalSource,
		Interface:   iface,
		Embedding:   emb,
		TestResults: best.testResult,
	}

	id, err := o.store.Put(ctx, art)
	if err != nil {
		return errResponse(requestID, decision, err)
	}

	quality, err := o.store.UpdateQuality(ctx, id, store.Evidence{
		TestPass: best.testResult.Pass,
		Coverage: best.testResult.Coverage,
		Latency:  float64(best.metrics.LatencyMS),
	})
	if err != nil {
		o.log.Warn("update_quality failed", zap.Error(err))
		quality = best.quality
	}

	promoted := o.tryPromote(ctx, req.Namespace, id, quality)

	return Response{
		RequestID:    requestID,
		Decision:     decision,
		ArtifactID:   id,
		Promoted:     promoted,
		Quality:      quality,
		RationaleTag: best.rationale,
	}
}

// tryPromote promotes id over the current namespace head when id's
// quality is at least as good, or when the namespace has no head yet
// (spec §8 scenario 1: the first artifact in an empty namespace always
// promotes).
func (o *Orchestrator) tryPromote(ctx context.Context, namespace, id string, quality float64) bool {
	headID, err := o.store.Head(ctx, namespace)
	if err != nil {
		o.log.Warn("head lookup failed", zap.Error(err))
		return false
	}
	if headID != "" {
		head, err := o.store.Get(ctx, headID)
		if err == nil && head != nil && head.QualityScore > quality {
			return false
		}
	}
	if err := o.store.Promote(ctx, namespace, id); err != nil {
		o.log.Warn("promote failed", zap.Error(err))
		return false
	}
	return true
}

func errResponse(requestID string, decision artifact.ClassifierDecision, err error) Response {
	r := errs.ToResponse(err)
	return Response{RequestID: requestID, Decision: decision, Error: &r}
}

// interfaceFromSpec projects a planner.Spec's inputs/outputs onto the
// artifact.Interface shape the Static Validator Pipeline and Task
// Classifier compare against (spec §4.H/§4.F both key off Interface).
func interfaceFromSpec(spec planner.Spec) artifact.Interface {
	iface := artifact.Interface{}
	for _, in := range spec.Inputs {
		iface.Inputs = append(iface.Inputs, artifact.Field{Name: in.Name, Type: toSemanticType(in.Type)})
	}
	for _, out := range spec.Outputs {
		iface.Outputs = append(iface.Outputs, artifact.Field{Name: out.Name, Type: toSemanticType(out.Type)})
	}
	return iface
}

func toSemanticType(t string) artifact.SemanticType {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "int", "integer":
		return artifact.TypeInt
	case "float", "number", "double":
		return artifact.TypeFloat
	case "bool", "boolean":
		return artifact.TypeBool
	case "bytes":
		return artifact.TypeBytes
	case "list", "sequence", "lazy_sequence":
		return artifact.TypeLazySeq
	case "map", "mapping", "object":
		return artifact.TypeMapping
	case "set":
		return artifact.TypeSet
	default:
		return artifact.TypeString
	}
}
