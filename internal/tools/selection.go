package tools

import (
	"context"

	"codeforge/internal/artifact"
	"codeforge/internal/embedding"
)

// maxDemotionEntries bounds how many recent failure_log entries the
// demotion pass inspects (spec §4.D step 4: "bounded by 10 entries").
const maxDemotionEntries = 10

// semanticSimilarityThreshold is the minimum similarity a tool not already
// in the namespace needs to be considered a semantic-match candidate.
// Spec §4.D does not name this constant explicitly; it reuses the
// classifier's RELATED threshold (§4.H) so "semantically similar" means
// the same thing everywhere embeddings drive a decision.
const semanticSimilarityThreshold = 0.75

// failureDemotionThreshold is the similarity a failure_log entry's
// scenario_embedding needs to count against a candidate (spec §4.D step 4).
const failureDemotionThreshold = 0.7

// minUsableThreshold is the floor a selection's winning score must clear
// (spec §4.D "Evolution triggers": "no candidate scores above a min_usable
// threshold (default 0.40)"). Falling short doesn't fail the selection —
// the winning candidate is still returned — it only triggers evolution.
const minUsableThreshold = 0.40

// selectBest implements spec §4.D's get(namespace, scenario_text?)
// algorithm against a single immutable snapshot. The returned score is the
// winning candidate's final (post-demotion) score, 1.0 for a head returned
// without semantic filtering, or 0 alongside ErrNotFound.
func selectBest(ctx context.Context, snap *snapshot, embedder embedding.EmbeddingEngine, namespace, scenarioText string) (*artifact.ToolDescriptor, float64, error) {
	if scenarioText == "" {
		headID, ok := snap.heads[namespace]
		if !ok {
			return nil, 0, ErrNotFound
		}
		return snap.byID[headID], 1.0, nil
	}

	var scenarioVec []float32
	if embedder != nil {
		v, err := embedder.Embed(ctx, scenarioText)
		if err == nil {
			scenarioVec = v
		}
		// An embedding-backend failure does not fail selection; it just
		// narrows the candidate set to promoted/same-namespace tools,
		// mirroring the classifier's embedding-unavailable fallback (§4.H).
	}

	headID := snap.heads[namespace]
	type candidate struct {
		d     *artifact.ToolDescriptor
		score float64
	}
	seen := make(map[string]bool)
	var candidates []candidate

	for _, d := range snap.byNS[namespace] {
		base := 0.9
		if d.ToolID == headID {
			base = 1.0
		}
		candidates = append(candidates, candidate{d, base})
		seen[d.ToolID] = true
	}

	if scenarioVec != nil {
		for _, d := range snap.byID {
			if seen[d.ToolID] || len(d.Embedding) == 0 {
				continue
			}
			sim, err := embedding.CosineSimilarity(scenarioVec, d.Embedding)
			if err != nil || sim < semanticSimilarityThreshold {
				continue
			}
			candidates = append(candidates, candidate{d, 0.8 * sim})
			seen[d.ToolID] = true
		}
	}

	if len(candidates) == 0 {
		return nil, 0, ErrNotFound
	}

	var best *artifact.ToolDescriptor
	bestScore := -1.0
	for _, c := range candidates {
		score := c.score * c.d.QualityScore
		score *= demotionFactor(c.d.FailureLog, scenarioVec)
		if score > bestScore {
			bestScore = score
			best = c.d
		}
	}
	return best, bestScore, nil
}

// demotionFactor applies the compounding 0.7 penalty per similar recent
// failure (spec §4.D step 4). With no scenario vector to compare against
// (embedder unavailable), no demotion applies.
func demotionFactor(log []artifact.FailureEntry, scenarioVec []float32) float64 {
	if scenarioVec == nil || len(log) == 0 {
		return 1.0
	}
	recent := log
	if len(recent) > maxDemotionEntries {
		recent = recent[len(recent)-maxDemotionEntries:]
	}
	factor := 1.0
	for _, f := range recent {
		if len(f.ScenarioEmbedding) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(scenarioVec, f.ScenarioEmbedding)
		if err != nil || sim < failureDemotionThreshold {
			continue
		}
		factor *= 0.7
	}
	return factor
}
