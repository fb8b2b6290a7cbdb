package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"codeforge/internal/errs"
	"codeforge/internal/orchestrator"
)

var generateTestInputs []string

// generateCmd runs the full pipeline for a task (spec §6.3): exit 0 on
// promotion, non-zero otherwise.
var generateCmd = &cobra.Command{
	Use:   "generate <namespace> <title> <description>",
	Short: "Plan, generate, validate, test, and promote a new artifact",
	Args:  cobra.ExactArgs(3),
	RunE:  runGenerate,
}

func init() {
	generateCmd.Flags().StringArrayVar(&generateTestInputs, "test-input", nil,
		"JSON input document the generated variant must pass (repeatable; default one implicit {} smoke call)")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := contextWithTimeout()
	defer cancel()

	a, err := boot(ctx)
	if err != nil {
		return fail(exitStorageError, err)
	}
	defer a.Close()

	var cases []orchestrator.TestCase
	for _, raw := range generateTestInputs {
		if !json.Valid([]byte(raw)) {
			return fail(exitUserError, fmt.Errorf("generate: --test-input is not valid JSON: %s", raw))
		}
		cases = append(cases, orchestrator.TestCase{Input: []byte(raw)})
	}

	resp := a.orch.Handle(ctx, orchestrator.Request{
		Namespace:   args[0],
		Title:       args[1],
		Description: args[2],
		TestCases:   cases,
	})

	out, _ := json.Marshal(map[string]any{
		"request_id":  resp.RequestID,
		"decision":    resp.Decision,
		"artifact_id": resp.ArtifactID,
		"promoted":    resp.Promoted,
		"quality":     resp.Quality,
		"output":      json.RawMessage(orRaw(resp.Output)),
	})
	fmt.Println(string(out))

	// forge is a one-shot CLI, not a daemon, so the Background Optimizer's
	// own scheduler (internal/optimizer's Start/Stop) never gets a chance
	// to tick here; run one pass inline instead of leaving promotions
	// unreconciled until some future invocation happens to sweep them.
	if resp.Promoted {
		a.optimizer.Sweep(ctx)
	}

	if resp.Error != nil {
		return fail(codeForTaxonomy(resp.Error.ErrorKind), errors.New(resp.Error.Summary))
	}
	if !resp.Promoted {
		return fail(exitTestFailure, fmt.Errorf("generate: %s did not reach promotion", args[0]))
	}
	return nil
}

func orRaw(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

func codeForTaxonomy(kind errs.Kind) int {
	switch kind {
	case errs.KindBackendUnavailable:
		return exitBackendUnreachable
	case errs.KindTestFailure, errs.KindTestsUnfixable:
		return exitTestFailure
	case errs.KindStorageUnavailable, errs.KindStorageIncompatible:
		return exitStorageError
	default:
		return exitUserError
	}
}
