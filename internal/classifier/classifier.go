// Package classifier implements the Task Routing & Reuse Classifier
// (spec §4.H): decides whether an incoming request is the same as,
// related to, or unrelated to artifacts already in the Artifact Store,
// so the Orchestrator knows whether to reuse, adapt, or generate from
// scratch.
package classifier

import (
	"context"

	"go.uber.org/zap"

	"codeforge/internal/artifact"
	"codeforge/internal/embedding"
	"codeforge/internal/logging"
	"codeforge/internal/store"
)

// Decision is the three-way routing outcome spec §4.H defines.
type Decision string

const (
	DecisionSame      Decision = "SAME"
	DecisionRelated   Decision = "RELATED"
	DecisionDifferent Decision = "DIFFERENT"
)

// Thresholds configures the SAME/RELATED boundary (spec §6:
// `classifier.thresholds.{same,related}`).
type Thresholds struct {
	Same         float64 // similarity at/above this, with quality gate, is SAME
	Related      float64 // similarity at/above this (below Same) is RELATED
	QualityFloor float64 // minimum quality of the best candidate for SAME
	TopK         int
}

// DefaultThresholds mirrors spec §4.H's literal defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Same: 0.92, Related: 0.75, QualityFloor: 0.70, TopK: 5}
}

// Result is classify()'s return value.
type Result struct {
	Decision    Decision
	ReferenceID string // set for SAME and RELATED
	Similarity  float64
}

// Classifier ties the Embedding Gateway to the Artifact Store's
// similarity search; it holds no artifact state of its own.
type Classifier struct {
	store      *store.Store
	embedder   embedding.EmbeddingEngine
	thresholds Thresholds
	log        *zap.Logger
}

func New(st *store.Store, embedder embedding.EmbeddingEngine, thresholds Thresholds, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Classifier{store: st, embedder: embedder, thresholds: thresholds, log: logging.For(logger, logging.CategoryClassifier)}
}

// Classify implements spec §4.H's classify(task_text) -> {decision,
// reference_id?, similarity} contract. An embedding backend failure
// degrades to DIFFERENT with similarity 0 rather than surfacing an
// error, per spec's explicit failure model — the Orchestrator always has
// a valid decision to act on.
func (c *Classifier) Classify(ctx context.Context, taskText string) Result {
	vec, err := c.embedder.Embed(ctx, taskText)
	if err != nil {
		c.log.Warn("embedding backend unavailable, defaulting to DIFFERENT", zap.Error(err))
		return Result{Decision: DecisionDifferent, Similarity: 0}
	}

	candidates, err := c.store.FindSimilar(ctx, vec, store.FindSimilarOpts{
		Kinds: reusableKinds,
		TopK:  c.thresholds.TopK,
	})
	if err != nil {
		c.log.Warn("artifact store unavailable, defaulting to DIFFERENT", zap.Error(err))
		return Result{Decision: DecisionDifferent, Similarity: 0}
	}
	if len(candidates) == 0 {
		return Result{Decision: DecisionDifferent, Similarity: 0}
	}

	best := bestCandidate(candidates)
	s, q := best.Similarity, best.Artifact.QualityScore

	switch {
	case s >= c.thresholds.Same && q >= c.thresholds.QualityFloor:
		return Result{Decision: DecisionSame, ReferenceID: best.Artifact.ID, Similarity: s}
	case s >= c.thresholds.Related:
		return Result{Decision: DecisionRelated, ReferenceID: best.Artifact.ID, Similarity: s}
	default:
		return Result{Decision: DecisionDifferent, Similarity: s}
	}
}

// reusableKinds is spec §4.H's candidate restriction: "top-k (default 5)
// with kind ∈ {function, workflow}". Passed into FindSimilar itself so the
// store computes top-k among matching artifacts, not top-k overall with
// non-matching ones discarded afterward.
var reusableKinds = []artifact.Kind{artifact.KindFunction, artifact.KindWorkflow}

// bestCandidate picks the top candidate by similarity, tie-broken by
// higher quality then more recent last_used_at (spec §4.H: "Tie-break by
// higher quality, then more recent last_used_at"). store.FindSimilar
// already returns candidates ranked by similarity*quality_score, but
// that combined ordering can promote a lower-similarity, higher-quality
// item ahead of the item spec §4.H calls "best" by similarity — so the
// classifier re-picks explicitly on (similarity, quality, last_used_at)
// rather than trusting the store's ranking verbatim.
func bestCandidate(candidates []store.Similar) store.Similar {
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.Similarity > best.Similarity:
			best = c
		case c.Similarity == best.Similarity && c.Artifact.QualityScore > best.Artifact.QualityScore:
			best = c
		case c.Similarity == best.Similarity && c.Artifact.QualityScore == best.Artifact.QualityScore && c.Artifact.LastUsedAt.After(best.Artifact.LastUsedAt):
			best = c
		}
	}
	return best
}
