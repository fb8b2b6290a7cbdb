package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"codeforge/internal/sandbox"
)

var runInput string

// runCmd invokes the promoted artifact for a namespace (spec §6.3).
var runCmd = &cobra.Command{
	Use:   "run <namespace>",
	Short: "Invoke the promoted artifact for a namespace",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "{}", "JSON input document")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := contextWithTimeout()
	defer cancel()

	a, err := boot(ctx)
	if err != nil {
		return fail(exitStorageError, err)
	}
	defer a.Close()

	namespace := args[0]
	id, err := a.store.Head(ctx, namespace)
	if err != nil {
		return fail(exitStorageError, err)
	}
	if id == "" {
		return fail(exitUserError, fmt.Errorf("run: namespace %q has no promoted artifact", namespace))
	}

	target, err := a.store.Get(ctx, id)
	if err != nil {
		return fail(exitStorageError, err)
	}
	if target == nil {
		return fail(exitStorageError, fmt.Errorf("run: artifact %s vanished from the store", id))
	}

	if !json.Valid([]byte(runInput)) {
		return fail(exitUserError, fmt.Errorf("run: --input is not valid JSON"))
	}

	result, err := a.sandbox.Run(ctx, target, []byte(runInput), sandbox.DefaultLimits())
	if err != nil {
		return fail(exitTestFailure, err)
	}

	_ = a.store.UpdateUsage(ctx, id)

	out, _ := json.Marshal(map[string]any{
		"artifact_id": id,
		"exit_code":   result.ExitCode,
		"timed_out":   result.TimedOut,
		"wall_ms":     result.WallMS,
		"stdout":      string(result.StdoutBytes),
		"stderr":      string(result.StderrBytes),
	})
	fmt.Println(string(out))

	if result.TimedOut || result.ExitCode != 0 {
		return fail(exitTestFailure, fmt.Errorf("run: artifact %s exited %d", id, result.ExitCode))
	}
	return nil
}
