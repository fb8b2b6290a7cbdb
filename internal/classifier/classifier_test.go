package classifier

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codeforge/internal/artifact"
	"codeforge/internal/store"
)

var errBackendDown = errors.New("embedding backend down")

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error)            { return f.vec, f.err }
func (f *fakeEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error)   { return nil, f.err }
func (f *fakeEmbedder) Dimensions() int                                             { return len(f.vec) }
func (f *fakeEmbedder) Name() string                                                { return "fake" }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func putArtifact(t *testing.T, st *store.Store, embedding []float32, quality float64, lastUsed time.Time) string {
	t.Helper()
	id, err := st.Put(context.Background(), artifact.Artifact{
		Kind:         artifact.KindFunction,
		Namespace:    "add_integers",
		Source:       "func Run(input []byte) ([]byte, error) { return input, nil }",
		Embedding:    embedding,
		QualityScore: quality,
		LastUsedAt:   lastUsed,
	})
	require.NoError(t, err)
	return id
}

func TestClassifySame(t *testing.T) {
	st := openTestStore(t)
	id := putArtifact(t, st, []float32{1, 0, 0}, 0.8, time.Now())

	c := New(st, &fakeEmbedder{vec: []float32{1, 0, 0}}, DefaultThresholds(), nil)
	res := c.Classify(context.Background(), "add 1 plus 1")
	require.Equal(t, DecisionSame, res.Decision)
	require.Equal(t, id, res.ReferenceID)
	require.InDelta(t, 1.0, res.Similarity, 1e-9)
}

func TestClassifySameRequiresQualityFloor(t *testing.T) {
	st := openTestStore(t)
	putArtifact(t, st, []float32{1, 0, 0}, 0.5, time.Now())

	c := New(st, &fakeEmbedder{vec: []float32{1, 0, 0}}, DefaultThresholds(), nil)
	res := c.Classify(context.Background(), "add 1 plus 1")
	require.Equal(t, DecisionRelated, res.Decision)
}

func TestClassifyRelated(t *testing.T) {
	st := openTestStore(t)
	putArtifact(t, st, []float32{1, 0.6, 0}, 0.8, time.Now())

	c := New(st, &fakeEmbedder{vec: []float32{1, 0, 0}}, DefaultThresholds(), nil)
	res := c.Classify(context.Background(), "fibonacci backwards")
	require.Equal(t, DecisionRelated, res.Decision)
}

func TestClassifyDifferentNoCandidates(t *testing.T) {
	st := openTestStore(t)
	c := New(st, &fakeEmbedder{vec: []float32{1, 0, 0}}, DefaultThresholds(), nil)
	res := c.Classify(context.Background(), "anything")
	require.Equal(t, DecisionDifferent, res.Decision)
	require.Zero(t, res.Similarity)
}

func TestClassifyEmbeddingBackendUnavailable(t *testing.T) {
	st := openTestStore(t)
	putArtifact(t, st, []float32{1, 0, 0}, 0.9, time.Now())

	c := New(st, &fakeEmbedder{err: errBackendDown}, DefaultThresholds(), nil)
	res := c.Classify(context.Background(), "anything")
	require.Equal(t, DecisionDifferent, res.Decision)
	require.Zero(t, res.Similarity)
}

func TestClassifyFiltersNonFunctionWorkflowKinds(t *testing.T) {
	st := openTestStore(t)
	_, err := st.Put(context.Background(), artifact.Artifact{
		Kind:         artifact.KindPlan,
		Namespace:    "ns",
		Source:       "plan text",
		Embedding:    []float32{1, 0, 0},
		QualityScore: 0.9,
	})
	require.NoError(t, err)

	c := New(st, &fakeEmbedder{vec: []float32{1, 0, 0}}, DefaultThresholds(), nil)
	res := c.Classify(context.Background(), "anything")
	require.Equal(t, DecisionDifferent, res.Decision)
}

func TestClassifyKindFilterAppliesBeforeTopK(t *testing.T) {
	st := openTestStore(t)
	thresholds := DefaultThresholds()
	thresholds.TopK = 1

	// A higher-similarity, non-reusable-kind artifact would win the TopK=1
	// window if filtering happened after the store truncated to top-k;
	// filtering at query time must let the lower-similarity function
	// artifact through instead.
	_, err := st.Put(context.Background(), artifact.Artifact{
		Kind:         artifact.KindPlan,
		Namespace:    "ns",
		Source:       "plan text",
		Embedding:    []float32{1, 0, 0},
		QualityScore: 0.9,
	})
	require.NoError(t, err)
	id := putArtifact(t, st, []float32{1, 0.6, 0}, 0.8, time.Now())

	c := New(st, &fakeEmbedder{vec: []float32{1, 0, 0}}, thresholds, nil)
	res := c.Classify(context.Background(), "fibonacci backwards")
	require.Equal(t, DecisionRelated, res.Decision)
	require.Equal(t, id, res.ReferenceID)
}

func TestBestCandidateTieBreaksByQualityThenRecency(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	candidates := []store.Similar{
		{Artifact: artifact.Artifact{ID: "a", QualityScore: 0.7, LastUsedAt: older}, Similarity: 0.9},
		{Artifact: artifact.Artifact{ID: "b", QualityScore: 0.9, LastUsedAt: older}, Similarity: 0.9},
		{Artifact: artifact.Artifact{ID: "c", QualityScore: 0.9, LastUsedAt: newer}, Similarity: 0.9},
	}
	best := bestCandidate(candidates)
	require.Equal(t, "c", best.Artifact.ID)
}
