package validate

import (
	"context"
	"fmt"
	"strings"

	"codeforge/internal/artifact"
)

// SchemaValidator checks that source declares the stdio entrypoint the
// Sandboxed Runner requires (spec §4.E's `func Run([]byte) ([]byte,
// error)` contract) and that the artifact's declared Interface isn't
// empty — a function-kind artifact with no declared inputs/outputs can
// never be matched by the Task Classifier's interface comparison (spec
// §4.H). This is a structural approximation, not a full type-checker:
// go/types would need a complete, compilable package to run, which a
// freshly generated artifact often isn't until later validators pass.
type SchemaValidator struct {
	iface artifact.Interface
}

func NewSchemaValidator(iface artifact.Interface) *SchemaValidator {
	return &SchemaValidator{iface: iface}
}

func (v *SchemaValidator) Name() string       { return "schema" }
func (v *SchemaValidator) Priority() int      { return 15 }
func (v *SchemaValidator) Category() string   { return "schema" }
func (v *SchemaValidator) SupportsAutofix() bool { return false }

func (v *SchemaValidator) Validate(_ context.Context, source string) Result {
	var messages []Message
	if !strings.Contains(source, "func Run(") {
		messages = append(messages, Message{Code: "missing_entrypoint", Text: "source does not declare func Run([]byte) ([]byte, error)"})
	}
	if len(v.iface.Inputs) == 0 && len(v.iface.Outputs) == 0 {
		messages = append(messages, Message{Code: "empty_interface", Text: "artifact declares no inputs or outputs"})
	}
	if len(messages) > 0 {
		return Result{Passed: false, Messages: messages}
	}
	return Result{Passed: true}
}

func (v *SchemaValidator) Autofix(context.Context, string, Result) (string, string, error) {
	return "", "", fmt.Errorf("validate: schema validator does not support autofix")
}
