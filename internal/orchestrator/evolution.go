package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"codeforge/internal/artifact"
	"codeforge/internal/generator"
	"codeforge/internal/planner"
	"codeforge/internal/store"
)

// evolutionJobTimeout bounds the background generation run spec §4.D's
// Evolution triggers may start; it never shares the live request's
// context or deadline.
const evolutionJobTimeout = 2 * time.Minute

// OnEvolutionRequested is registered with the Tool Registry as its
// tools.EvolutionSink (cmd/forge wires it via registry.SetEvolutionSink
// once both are built). It implements spec §4.D's "the Orchestrator may
// start a background evolution job": a single bounded generation run
// constrained by the reference tool's declared interface, run entirely
// off the request path per §5. It never blocks the caller.
func (o *Orchestrator) OnEvolutionRequested(ev artifact.EvolutionRequested) {
	if o.registry == nil {
		return
	}
	go o.runEvolutionJob(ev)
}

// runEvolutionJob generates one bounded batch of candidates constrained to
// the reference tool's interface (when one is known), validates and
// sandbox-tests each, and stores the fittest passing candidate as a new
// Artifact for operator review. It deliberately stops short of rewriting
// the live Tool Registry entry: a ToolDescriptor's Invocation is
// kind-specific (llm/executable/openapi/workflow, spec §3.4) and has no
// slot for "freshly generated Go source run by the Sandboxed Runner", so
// auto-replacing a registry entry the request path depends on would mean
// inventing a tool kind the spec never defines. The evolved artifact lands
// in the Store under the same namespace, available the same way any other
// RELATED candidate is on the next real request.
func (o *Orchestrator) runEvolutionJob(ev artifact.EvolutionRequested) {
	ctx, cancel := context.WithTimeout(context.Background(), evolutionJobTimeout)
	defer cancel()

	iface := artifact.Interface{}
	if ev.ToolID != "" {
		if existing, err := o.registry.Describe(ev.ToolID); err == nil && existing != nil {
			iface = existing.Interface
		}
	}

	spec := planner.Spec{
		Problem:      "evolve tool " + ev.ToolID + " in namespace " + ev.Namespace + " (" + ev.Reason + ")",
		Inputs:       fromInterfaceInputs(iface),
		Outputs:      fromInterfaceOutputs(iface),
		ResourceCaps: planner.ResourceCaps(o.cfg.Generation.ResourceCaps),
	}

	variants, err := o.generators.Generate(ctx, spec, o.genConfigs(), generator.Budget{MaxWall: evolutionJobTimeout})
	if err != nil {
		o.log.Warn("evolution job: generation failed", zap.Error(err), zap.String("tool_id", ev.ToolID))
		return
	}

	cases := [][]byte{[]byte("{}")}
	var best attempt
	found := false
	for _, v := range variants {
		if v.Err != nil || v.Source == "" {
			continue
		}
		a := o.evaluate(ctx, iface, v, spec, 0, cases)
		if a.ok() && (!found || a.combined > best.combined) {
			best, found = a, true
		}
	}
	if !found {
		o.log.Info("evolution job: no candidate passed", zap.String("tool_id", ev.ToolID), zap.String("namespace", ev.Namespace))
		return
	}

	art := artifact.Artifact{
		Kind:        artifact.KindFunction,
		Namespace:   ev.Namespace,
		Source:      best.report.FinalSource,
		Interface:   iface,
		TestResults: best.testResult,
		Lineage:     artifact.Lineage{MutationHint: "evolution:" + ev.Reason},
	}
	id, err := o.store.Put(ctx, art)
	if err != nil {
		o.log.Warn("evolution job: store failed", zap.Error(err))
		return
	}
	if _, err := o.store.UpdateQuality(ctx, id, store.Evidence{
		TestPass: best.testResult.Pass,
		Coverage: best.testResult.Coverage,
		Latency:  float64(best.metrics.LatencyMS),
	}); err != nil {
		o.log.Warn("evolution job: update_quality failed", zap.Error(err))
	}
	o.log.Info("evolution job: stored new candidate", zap.String("artifact_id", id), zap.String("namespace", ev.Namespace))
}

func fromInterfaceInputs(iface artifact.Interface) []planner.InputSpec {
	out := make([]planner.InputSpec, 0, len(iface.Inputs))
	for _, f := range iface.Inputs {
		out = append(out, planner.InputSpec{Name: f.Name, Type: string(f.Type)})
	}
	return out
}

func fromInterfaceOutputs(iface artifact.Interface) []planner.OutputSpec {
	out := make([]planner.OutputSpec, 0, len(iface.Outputs))
	for _, f := range iface.Outputs {
		out = append(out, planner.OutputSpec{Name: f.Name, Type: string(f.Type)})
	}
	return out
}
