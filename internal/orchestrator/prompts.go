package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"codeforge/internal/artifact"
	"codeforge/internal/autofix"
	"codeforge/internal/planner"
	"codeforge/internal/validate"
)

const repairSystemPrompt = `You are the repair step in a code-generation pipeline. A candidate Go
source file failed validation or its sandboxed test run. Given the broken
source and what failed, output a corrected version of the same file.

Requirements:
  - package main, exactly one exported entrypoint: func Run(input []byte) ([]byte, error)
  - fix only what is necessary to pass; keep the rest of the approach intact
  - output ONLY the corrected Go source, no prose, no markdown fences`

// repairPrompt renders the prompt pair for one repair-generation call from
// the failing attempt's validator/test output (spec §4.L step 5's
// "repair-generate" sub-step).
func repairPrompt(spec planner.Spec, failing attempt) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Problem:\n%s\n\n", spec.Problem)
	fmt.Fprintf(&b, "Broken source:\n%s\n\n", failing.source)
	b.WriteString("Failure:\n")
	if !failing.report.OK {
		for _, r := range failing.report.Results {
			if !r.Result.Passed {
				fmt.Fprintf(&b, "  - validator %s: %s\n", r.Validator, firstMessageText(r.Result))
			}
		}
	} else {
		b.WriteString("  - sandboxed run did not pass (non-zero exit, timeout, or malformed output)\n")
	}
	return repairSystemPrompt, b.String()
}

// extractRepairSource reuses the same markdown-fence stripping the
// generator pool applies to a model's raw completion text.
func extractRepairSource(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```go")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// failureSignature derives the Auto-Fix Cache lookup key from a failing
// attempt: the first failing validator's message, or a synthetic
// "test_failure" kind when validation passed but the sandboxed run did
// not (spec §4.G's error_signature is built from "a raw error message").
func failureSignature(failing attempt) (artifact.ErrorSignature, autofix.Context) {
	if !failing.report.OK {
		for _, r := range failing.report.Results {
			if !r.Result.Passed {
				return autofix.ComputeSignature(r.Validator, firstMessageText(r.Result)), autofix.Context{}
			}
		}
	}
	msg := "sandboxed run failed"
	if failing.runErr != nil {
		msg = failing.runErr.Error()
	}
	return autofix.ComputeSignature("test_failure", msg), autofix.Context{}
}

// diffToTransform derives a single find/replace pair from a before/after
// source pair when the change is a contiguous substring substitution, the
// only shape autofix.EncodeTransform's regexp transform can generalize.
// Repairs that rewrite unrelated parts of the file return ok=false and are
// not cached.
func diffToTransform(before, after string) (find, replace string, ok bool) {
	if before == after {
		return "", "", false
	}
	prefix := commonPrefixLen(before, after)
	suffix := commonSuffixLen(before[prefix:], after[prefix:])

	beforeMid := before[prefix : len(before)-suffix]
	afterMid := after[prefix : len(after)-suffix]
	if beforeMid == "" {
		return "", "", false
	}
	return regexp.QuoteMeta(beforeMid), afterMid, true
}

// firstMessageText returns the text of a failing Result's first
// diagnostic, or a generic fallback when a validator failed without
// attaching one.
func firstMessageText(res validate.Result) string {
	if len(res.Messages) == 0 {
		return "validation failed"
	}
	return res.Messages[0].Text
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func commonSuffixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[len(a)-1-n] == b[len(b)-1-n] {
		n++
	}
	return n
}
