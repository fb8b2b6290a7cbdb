package planner

import (
	"fmt"
	"strings"

	"codeforge/internal/artifact"
)

const systemPrompt = `You are the planning stage of a code-generation pipeline. Given a task
description, produce a single JSON object describing what to build. Output
JSON only, no prose, no markdown fences.

The JSON object has exactly these fields:
  problem: string, one paragraph restating the task precisely
  inputs: array of {name, type, constraints}
  outputs: array of {name, type}
  algorithm_sketch: string, a short prose description of the approach
  tools_needed: array of abstract tool roles (e.g. "translator", "summarizer"),
    never concrete model names
  resource_caps: {cpu_seconds, mem_mb, wall_seconds, output_bytes}
  safety_caps: object mapping cap name (e.g. "iterations", "sequence_length",
    "list_length") to an explicit numeric limit
  success_criteria: array of strings describing how a correct solution is
    recognized`

// buildPrompt renders the system/user prompt pair for one Plan call. When
// decision is RELATED, reference MUST be non-nil and the user prompt
// instructs the model to express algorithm_sketch as a diff from it
// (spec §4.I rule (a)).
func buildPrompt(task string, decision artifact.ClassifierDecision, reference *artifact.Artifact) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n", task)

	if decision == artifact.DecisionRelated && reference != nil {
		fmt.Fprintf(&b, "\nA related existing implementation was found (namespace %q, quality %.2f):\n```\n%s\n```\n",
			reference.Namespace, reference.QualityScore, reference.Source)
		b.WriteString("\nDo not restate the reference implementation. Instead, write algorithm_sketch " +
			"as a diff from it: what stays the same, what changes, and why.\n")
	}

	return systemPrompt, b.String()
}
