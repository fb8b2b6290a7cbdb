package generator

import (
	"fmt"
	"strings"

	"codeforge/internal/planner"
)

const generatorSystemPrompt = `You are one candidate generator in a parallel code-generation pool.
Given a structured spec, write a single Go source file implementing it.

Requirements:
  - package main
  - exactly one exported entrypoint: func Run(input []byte) ([]byte, error)
  - Run reads its arguments from the input JSON document and writes its
    result as a JSON document in the returned bytes
  - no network access, no ambient environment reads
  - output ONLY the Go source, no prose, no markdown fences`

// buildGeneratorPrompt renders the prompt pair for one generator call from
// a planner.Spec.
func buildGeneratorPrompt(spec planner.Spec) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Problem:\n%s\n\n", spec.Problem)

	b.WriteString("Inputs:\n")
	for _, in := range spec.Inputs {
		fmt.Fprintf(&b, "  - %s (%s) %s\n", in.Name, in.Type, in.Constraints)
	}
	b.WriteString("Outputs:\n")
	for _, out := range spec.Outputs {
		fmt.Fprintf(&b, "  - %s (%s)\n", out.Name, out.Type)
	}

	fmt.Fprintf(&b, "\nAlgorithm sketch:\n%s\n", spec.AlgorithmSketch)

	if len(spec.ToolsNeeded) > 0 {
		fmt.Fprintf(&b, "\nAssume access to these tool roles (call by name, do not hardcode a model): %s\n",
			strings.Join(spec.ToolsNeeded, ", "))
	}
	if len(spec.SuccessCriteria) > 0 {
		b.WriteString("\nSuccess criteria:\n")
		for _, c := range spec.SuccessCriteria {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
	}

	return generatorSystemPrompt, b.String()
}

// extractSource strips markdown code fences a model commonly wraps
// generated source in (same texture as planner.cleanJSONResponse).
func extractSource(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```go")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
