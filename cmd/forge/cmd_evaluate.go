package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"codeforge/internal/artifact"
	"codeforge/internal/evaluator"
	"codeforge/internal/planner"
	"codeforge/internal/sandbox"
	"codeforge/internal/store"
)

// evaluateCmd forces a re-score of a stored artifact (spec §6.3): it
// re-runs the artifact once against an empty input and feeds the fresh
// outcome through the Evaluator and store.UpdateQuality.
var evaluateCmd = &cobra.Command{
	Use:   "evaluate <artifact_id>",
	Short: "Force re-score of a stored artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvaluate,
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	ctx, cancel := contextWithTimeout()
	defer cancel()

	a, err := boot(ctx)
	if err != nil {
		return fail(exitStorageError, err)
	}
	defer a.Close()

	id := args[0]
	target, err := a.store.Get(ctx, id)
	if err != nil {
		return fail(exitStorageError, err)
	}
	if target == nil {
		return fail(exitUserError, fmt.Errorf("evaluate: artifact %s not found", id))
	}

	limits := sandbox.DefaultLimits()
	result, runErr := a.sandbox.Run(ctx, target, []byte("{}"), limits)

	caps := a.cfg.Generation.ResourceCaps
	spec := planner.Spec{ResourceCaps: planner.ResourceCaps{
		CPUSeconds: caps.CPUSeconds, MemMB: caps.MemMB, WallSeconds: caps.WallSeconds, OutputBytes: caps.OutputBytes,
	}}

	testPass := runErr == nil && result.ExitCode == 0 && !result.TimedOut
	quality, rationale := evaluator.Score(
		artifact.TestResults{Pass: testPass, Coverage: target.TestResults.Coverage},
		evaluator.Metrics{LatencyMS: result.WallMS, MemoryMB: result.PeakRSSMB, OutputBytes: int64(len(result.StdoutBytes))},
		spec, target.QualityScore)

	updated, err := a.store.UpdateQuality(ctx, id, store.Evidence{TestPass: testPass, Coverage: target.TestResults.Coverage})
	if err != nil {
		return fail(exitStorageError, err)
	}

	out, _ := json.Marshal(map[string]any{
		"artifact_id":    id,
		"pass":           testPass,
		"scored_quality": quality,
		"rationale_tag":  rationale,
		"quality_score":  updated,
	})
	fmt.Println(string(out))
	a.optimizer.Sweep(ctx)
	if !testPass {
		return fail(exitTestFailure, fmt.Errorf("evaluate: artifact %s failed re-run", id))
	}
	return nil
}
