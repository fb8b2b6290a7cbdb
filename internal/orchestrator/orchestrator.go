// Package orchestrator implements the Orchestrator (spec §4.L): it owns
// the request lifecycle, driving classify -> plan -> generate -> validate
// -> test -> evaluate -> repair -> promote, and emitting one Execution
// Record per request. Grounded on the teacher's internal/core/shard_manager
// family for "one component drives a multi-stage pipeline end to end" and
// on cmd/nerd/main.go's single-injected-*zap.Logger wiring (no
// package-level logging singleton anywhere in this package).
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codeforge/internal/artifact"
	"codeforge/internal/autofix"
	"codeforge/internal/classifier"
	"codeforge/internal/config"
	"codeforge/internal/embedding"
	"codeforge/internal/errs"
	"codeforge/internal/generator"
	"codeforge/internal/logging"
	"codeforge/internal/modelgateway"
	"codeforge/internal/planner"
	"codeforge/internal/rules"
	"codeforge/internal/sandbox"
	"codeforge/internal/store"
	"codeforge/internal/tools"
)

// TestCase is one sandboxed smoke run an incoming request may supply to
// exercise the candidate artifact before it is scored (spec §4.E's input
// protocol). A request with no test cases gets one implicit run against
// an empty JSON object, matching spec §8 scenario 1 ("run with input {}").
type TestCase struct {
	Input []byte
}

// Request is the Orchestrator's `handle(request)` input (spec §4.L).
type Request struct {
	Namespace   string
	Title       string
	Description string
	TestCases   []TestCase
	Deadline    time.Duration // 0 means no additional deadline beyond ctx
}

// Response is `handle(request)`'s output.
type Response struct {
	RequestID    string
	Decision     artifact.ClassifierDecision
	ArtifactID   string
	Promoted     bool
	Output       []byte
	Quality      float64
	RationaleTag string
	Error        *errs.Response
}

// Orchestrator wires every built component behind the single Handle
// entrypoint. All exported methods are safe for concurrent use across
// independent requests; per-request state lives entirely on the stack of
// one Handle call (spec §5: "the Orchestrator is single-request-scoped").
type Orchestrator struct {
	store      *store.Store
	classifier *classifier.Classifier
	planner    *planner.Planner
	generators *generator.Pool
	sandbox    *sandbox.Runner
	autofix    *autofix.Cache
	embedder   embedding.EmbeddingEngine
	gateway    *modelgateway.Gateway
	checker    *rules.Checker
	cfg        *config.Config
	execLog    *executionLog
	log        *zap.Logger
	registry   *tools.Registry
}

// New wires every already-built component into one Orchestrator. execLogPath
// is spec §6.5's records/execution.log, opened append-only for the life of
// the process. registry may be nil (an Orchestrator built without one simply
// never starts an evolution job — see OnEvolutionRequested); when non-nil,
// callers are expected to call registry.SetEvolutionSink(orch.OnEvolutionRequested)
// once the Orchestrator itself is constructed, since the Registry is built
// first in cmd/forge's boot order.
func New(
	st *store.Store,
	cls *classifier.Classifier,
	pl *planner.Planner,
	gen *generator.Pool,
	sb *sandbox.Runner,
	af *autofix.Cache,
	embedder embedding.EmbeddingEngine,
	gw *modelgateway.Gateway,
	checker *rules.Checker,
	cfg *config.Config,
	execLogPath string,
	logger *zap.Logger,
	registry *tools.Registry,
) (*Orchestrator, error) {
	if logger == nil {
		logger = logging.Noop()
	}
	el, err := openExecutionLog(execLogPath)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		store: st, classifier: cls, planner: pl, generators: gen, sandbox: sb,
		autofix: af, embedder: embedder, gateway: gw, checker: checker, cfg: cfg,
		execLog: el, log: logging.For(logger, logging.CategoryOrchestrator),
		registry: registry,
	}, nil
}

// Close releases the execution log file handle.
func (o *Orchestrator) Close() error { return o.execLog.Close() }

// Handle implements spec §4.L's `handle(request) -> response` contract
// and pipeline: classify, then SAME reuses, RELATED/DIFFERENT generate,
// and every path emits exactly one Execution Record before returning.
func (o *Orchestrator) Handle(ctx context.Context, req Request) Response {
	if req.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}

	requestID := "req_" + uuid.New().String()
	start := time.Now()
	rec := artifact.ExecutionRecord{RequestID: requestID, TaskHash: taskHash(req.Description)}

	resp := o.handle(ctx, req, requestID, &rec)

	rec.ClassifierDecision = resp.Decision
	rec.FinalArtifactID = resp.ArtifactID
	rec.WallTimeMS = time.Since(start).Milliseconds()
	if err := o.execLog.Append(rec); err != nil {
		o.log.Warn("failed to append execution record", zap.Error(err), zap.String("request_id", requestID))
	}
	return resp
}

func (o *Orchestrator) handle(ctx context.Context, req Request, requestID string, rec *artifact.ExecutionRecord) Response {
	result := o.classifier.Classify(ctx, req.Description)
	decision := artifact.ClassifierDecision(result.Decision)

	if decision == artifact.DecisionSame {
		return o.handleSame(ctx, requestID, result.ReferenceID, req)
	}

	var reference *artifact.Artifact
	if decision == artifact.DecisionRelated {
		ref, err := o.store.Get(ctx, result.ReferenceID)
		if err == nil {
			reference = ref
		} else {
			o.log.Warn("storage unavailable fetching RELATED reference, continuing without it", zap.Error(err))
		}
	}

	return o.generateAndPromote(ctx, requestID, req, decision, reference, rec)
}

// handleSame implements spec §4.L step 2: fetch, update_usage, optionally
// run once to populate metrics, return — no generation, no store mutation
// beyond usage bookkeeping.
func (o *Orchestrator) handleSame(ctx context.Context, requestID, artifactID string, req Request) Response {
	art, err := o.store.Get(ctx, artifactID)
	if err != nil || art == nil {
		o.log.Warn("SAME reference missing from store, degrading to DIFFERENT", zap.String("artifact_id", artifactID))
		return o.generateAndPromote(ctx, requestID, req, artifact.DecisionDifferent, nil, &artifact.ExecutionRecord{RequestID: requestID})
	}
	if err := o.store.UpdateUsage(ctx, artifactID); err != nil {
		o.log.Warn("update_usage failed", zap.Error(err))
	}

	var output []byte
	input := smokeInput(req.TestCases)
	res, err := o.sandbox.Run(ctx, art, input, sandbox.DefaultLimits())
	if err == nil {
		output = res.StdoutBytes
	}

	return Response{
		RequestID:  requestID,
		Decision:   artifact.DecisionSame,
		ArtifactID: artifactID,
		Promoted:   true,
		Output:     output,
		Quality:    art.QualityScore,
	}
}

func smokeInput(cases []TestCase) []byte {
	if len(cases) == 0 {
		return []byte("{}")
	}
	return cases[0].Input
}

// taskHash derives a stable, case/whitespace-insensitive digest of the
// request's task text for the Execution Record (spec §3.5).
func taskHash(description string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(description))))
	return hex.EncodeToString(sum[:])[:16]
}
