package autofix

import (
	"sort"
	"strings"
	"time"

	"codeforge/internal/artifact"
)

// jaccard returns the token-overlap similarity of two comma-joined
// Fingerprint strings, in [0, 1].
func jaccard(a, b string) float64 {
	as, bs := splitSet(a), splitSet(b)
	if len(as) == 0 && len(bs) == 0 {
		return 1
	}
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	inter := 0
	for t := range as {
		if _, ok := bs[t]; ok {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func splitSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	if s == "" {
		return out
	}
	for _, t := range strings.Split(s, ",") {
		out[t] = struct{}{}
	}
	return out
}

// score implements spec §4.G's ranking formula: usage_count is weighted
// heavily so a fix with a proven track record outranks one that is only
// marginally more similar to the current broken source. ageDecayEnabled
// applies time.Since(fix.LastUsedAt) decay on a 30-day half-life-ish
// curve.
func score(fix artifact.FixPattern, similarity float64, ageDecayEnabled bool) float64 {
	s := float64(fix.UsageCount)*10 + similarity + fix.SuccessRate
	if ageDecayEnabled {
		ageDays := time.Since(fix.LastUsedAt).Hours() / 24
		s *= 1 / (1 + ageDays/30)
	}
	return s
}

// rankCandidates sorts fixes by score against brokenFingerprint, highest
// first, ties broken by UsageCount then ID for determinism.
func rankCandidates(fixes []artifact.FixPattern, brokenFingerprint string, ageDecayEnabled bool) []artifact.FixPattern {
	type scored struct {
		fix   artifact.FixPattern
		score float64
	}
	ranked := make([]scored, len(fixes))
	for i, f := range fixes {
		sim := jaccard(f.BrokenFingerprint, brokenFingerprint)
		ranked[i] = scored{fix: f, score: score(f, sim, ageDecayEnabled)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].fix.UsageCount != ranked[j].fix.UsageCount {
			return ranked[i].fix.UsageCount > ranked[j].fix.UsageCount
		}
		return ranked[i].fix.ID < ranked[j].fix.ID
	})
	out := make([]artifact.FixPattern, len(ranked))
	for i, r := range ranked {
		out[i] = r.fix
	}
	return out
}
