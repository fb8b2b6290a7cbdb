package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// listCmd enumerates namespaces and their promoted heads (spec §6.3).
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Enumerate namespaces and their promoted heads",
	RunE:  runList,
}

type namespaceEntry struct {
	Namespace string  `json:"namespace"`
	Head      string  `json:"head"`
	Quality   float64 `json:"quality,omitempty"`
	Variants  int     `json:"variants"`
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := contextWithTimeout()
	defer cancel()

	a, err := boot(ctx)
	if err != nil {
		return fail(exitStorageError, err)
	}
	defer a.Close()

	namespaces, err := a.store.ListNamespaces(ctx)
	if err != nil {
		return fail(exitStorageError, err)
	}

	entries := make([]namespaceEntry, 0, len(namespaces))
	for _, ns := range namespaces {
		variants, err := a.store.ListByNamespace(ctx, ns)
		if err != nil {
			return fail(exitStorageError, err)
		}
		head, err := a.store.Head(ctx, ns)
		if err != nil {
			return fail(exitStorageError, err)
		}
		entry := namespaceEntry{Namespace: ns, Head: head, Variants: len(variants)}
		for _, v := range variants {
			if v.ID == head {
				entry.Quality = v.QualityScore
				break
			}
		}
		entries = append(entries, entry)
	}

	out, _ := json.MarshalIndent(entries, "", "  ")
	fmt.Println(string(out))
	return nil
}
