package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/aymanbagabas/go-udiff"

	"codeforge/internal/sandbox"
)

// ImportAllowlistValidator rejects any import not in the Sandboxed
// Runner's stdlib allow-list (spec §4.F: "an import/dependency-allowlist
// validator", SPEC_FULL.md: "reuses the Sandboxed Runner's allow-list").
// It supports autofix by dropping the offending import line outright —
// correct when the artifact doesn't actually reference the package (the
// common case for a generator hallucinating an unused import), and a
// no-op improvement otherwise since the next syntax/build failure will
// surface the real problem.
type ImportAllowlistValidator struct{}

func NewImportAllowlistValidator() *ImportAllowlistValidator { return &ImportAllowlistValidator{} }

func (v *ImportAllowlistValidator) Name() string       { return "import_allowlist" }
func (v *ImportAllowlistValidator) Priority() int      { return 20 }
func (v *ImportAllowlistValidator) Category() string   { return "dependency" }
func (v *ImportAllowlistValidator) SupportsAutofix() bool { return true }

func (v *ImportAllowlistValidator) Validate(_ context.Context, source string) Result {
	forbidden := sandbox.ForbiddenImports(source)
	if len(forbidden) == 0 {
		return Result{Passed: true}
	}
	messages := make([]Message, len(forbidden))
	for i, pkg := range forbidden {
		messages[i] = Message{Code: "forbidden_import", Text: fmt.Sprintf("import %q is not in the sandbox allow-list", pkg)}
	}
	return Result{Passed: false, Messages: messages}
}

func (v *ImportAllowlistValidator) Autofix(_ context.Context, source string, failing Result) (string, string, error) {
	forbidden := make(map[string]bool, len(failing.Messages))
	for _, m := range failing.Messages {
		if pkg := strings.TrimSuffix(strings.TrimPrefix(m.Text, `import "`), `" is not in the sandbox allow-list`); pkg != "" {
			forbidden[pkg] = true
		}
	}
	lines := strings.Split(source, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		drop := false
		for pkg := range forbidden {
			if strings.Contains(trimmed, `"`+pkg+`"`) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, line)
		}
	}
	fixed := strings.Join(out, "\n")

	edits := udiff.Strings(source, fixed)
	patch := udiff.ToUnified("before", "after", source, edits, 3)
	return fixed, patch, nil
}
