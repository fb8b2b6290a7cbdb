package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"codeforge/internal/embedding"
	"codeforge/internal/modelgateway"
)

// checkCmd verifies backend reachability and required models (spec §6.3).
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify backend reachability and required models",
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := contextWithTimeout()
	defer cancel()

	a, err := boot(ctx)
	if err != nil {
		return fail(exitStorageError, err)
	}
	defer a.Close()

	resp, err := a.gateway.Complete(ctx, modelgateway.CompletionRequest{
		Role:      modelgateway.RoleFast,
		System:    "respond with the single word ok",
		User:      "ping",
		MaxTokens: 8,
	})
	if err != nil {
		fmt.Printf("✗ model gateway unreachable: %v\n", err)
		return fail(exitBackendUnreachable, err)
	}

	fmt.Printf("✓ model gateway reachable (response %d bytes)\n", len(resp.Text))

	if hc, ok := a.embedder.(embedding.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			fmt.Printf("✗ embedding backend %q unreachable: %v\n", a.embedder.Name(), err)
			return fail(exitBackendUnreachable, err)
		}
	}
	fmt.Printf("✓ embedding backend %q reachable\n", a.embedder.Name())
	fmt.Println("✓ store opened")
	return nil
}
