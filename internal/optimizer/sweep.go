package optimizer

import (
	"context"

	"go.uber.org/zap"

	"codeforge/internal/artifact"
)

// SweepResult summarizes one pass. The optimizer tests inspect it; the
// cmd/forge subcommands that run a sweep discard it.
type SweepResult struct {
	NamespacesScanned int
	Promoted          []string // namespace:artifact_id pairs that changed head
	Retired           []string // artifact ids marked superseded
}

// Sweep runs one offline pass over every namespace in the Artifact Store:
// for each, it finds the highest-quality non-retired, test-passing variant
// and, if it differs from (and is fitter than) the current head, promotes
// it and retires the outgoing head (spec §4.M, §8 property 2: a retired
// artifact's superseded_by always points at a promoted one). When a Tool
// Registry is wired, a promotion is mirrored into the registry's head map
// for any namespace that also has a matching tool descriptor, feeding the
// Tool Registry from the Artifact Store as spec.md's data-flow line
// ("M ... feeds D") describes.
func (o *Optimizer) Sweep(ctx context.Context) SweepResult {
	var result SweepResult

	namespaces, err := o.store.ListNamespaces(ctx)
	if err != nil {
		o.log.Warn("list namespaces failed", zap.Error(err))
		return result
	}
	result.NamespacesScanned = len(namespaces)

	for _, ns := range namespaces {
		o.sweepNamespace(ctx, ns, &result)
	}
	return result
}

func (o *Optimizer) sweepNamespace(ctx context.Context, namespace string, result *SweepResult) {
	variants, err := o.store.ListByNamespace(ctx, namespace)
	if err != nil {
		o.log.Warn("list by namespace failed", zap.String("namespace", namespace), zap.Error(err))
		return
	}

	headID, err := o.store.Head(ctx, namespace)
	if err != nil {
		o.log.Warn("head lookup failed", zap.String("namespace", namespace), zap.Error(err))
		return
	}

	fittest, ok := fittestVariant(variants)
	if !ok || fittest.ID == headID {
		return
	}

	var headQuality float64 = -1
	for _, v := range variants {
		if v.ID == headID {
			headQuality = v.QualityScore
			break
		}
	}
	if headID != "" && fittest.QualityScore <= headQuality {
		return
	}

	if err := o.store.Promote(ctx, namespace, fittest.ID); err != nil {
		o.log.Warn("promote failed", zap.String("namespace", namespace), zap.String("artifact_id", fittest.ID), zap.Error(err))
		return
	}
	result.Promoted = append(result.Promoted, namespace+":"+fittest.ID)

	if headID != "" {
		if err := o.store.Retire(ctx, headID, fittest.ID); err != nil {
			o.log.Warn("retire failed", zap.String("artifact_id", headID), zap.Error(err))
		} else {
			result.Retired = append(result.Retired, headID)
		}
	}

	o.syncToolRegistry(namespace, fittest.ID)
}

// fittestVariant picks the highest quality_score artifact among those
// that have passed their tests and have not already been retired
// (spec §3.1: "an artifact with test_results.pass = false ... must not
// be promoted").
func fittestVariant(variants []artifact.Artifact) (artifact.Artifact, bool) {
	var best artifact.Artifact
	found := false
	for _, v := range variants {
		if !v.TestResults.Pass || v.SupersededBy != "" {
			continue
		}
		if !found || v.QualityScore > best.QualityScore {
			best = v
			found = true
		}
	}
	return best, found
}

// syncToolRegistry mirrors a fresh Artifact Store promotion into the Tool
// Registry's head map when that namespace already carries a descriptor for
// the newly promoted artifact id. A namespace with no matching descriptor
// has nothing to sync (tool descriptors and function artifacts are
// registered independently) and is silently skipped.
func (o *Optimizer) syncToolRegistry(namespace, artifactID string) {
	if o.registry == nil {
		return
	}
	if err := o.registry.Promote(namespace, artifactID); err != nil {
		o.log.Debug("tool registry promote skipped", zap.String("namespace", namespace), zap.Error(err))
	}
}
