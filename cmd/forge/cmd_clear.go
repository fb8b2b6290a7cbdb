package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var clearYes bool

// clearCmd wipes the Artifact Store (spec §6.3: confirmation required).
var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Wipe the artifact store",
	RunE:  runClear,
}

func init() {
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "Skip the confirmation prompt")
}

func runClear(cmd *cobra.Command, args []string) error {
	if !clearYes {
		fmt.Print("This permanently deletes every artifact, tag, and namespace head. Type \"yes\" to continue: ")
		reader := bufio.NewReader(os.Stdin)
		reply, _ := reader.ReadString('\n')
		if strings.TrimSpace(reply) != "yes" {
			fmt.Println("Aborted.")
			return fail(exitUserError, fmt.Errorf("clear: not confirmed"))
		}
	}

	ctx, cancel := contextWithTimeout()
	defer cancel()

	a, err := boot(ctx)
	if err != nil {
		return fail(exitStorageError, err)
	}
	defer a.Close()

	if err := a.store.Clear(ctx); err != nil {
		return fail(exitStorageError, err)
	}
	fmt.Println("✓ store cleared")
	return nil
}
