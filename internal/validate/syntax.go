package validate

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"strings"
)

// SyntaxValidator parses the artifact source as Go (grounded on the
// teacher's validator_syntax.go, narrowed from its multi-extension
// table to the one source language this system generates). It never
// offers autofix: a syntax error has no mechanical correction worth
// guessing at.
type SyntaxValidator struct{}

func NewSyntaxValidator() *SyntaxValidator { return &SyntaxValidator{} }

func (v *SyntaxValidator) Name() string       { return "syntax" }
func (v *SyntaxValidator) Priority() int      { return 10 }
func (v *SyntaxValidator) Category() string   { return "syntax" }
func (v *SyntaxValidator) SupportsAutofix() bool { return false }

func (v *SyntaxValidator) Validate(_ context.Context, source string) Result {
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, "artifact.go", wrapForParse(source), parser.AllErrors); err != nil {
		return Result{Passed: false, Messages: []Message{{Code: "syntax_error", Text: err.Error()}}}
	}
	return Result{Passed: true}
}

func (v *SyntaxValidator) Autofix(context.Context, string, Result) (string, string, error) {
	return "", "", fmt.Errorf("validate: syntax validator does not support autofix")
}

// wrapForParse mirrors sandbox.wrapPackageMain: generated function bodies
// often omit the package clause since the sandbox supplies it.
func wrapForParse(source string) string {
	if strings.Contains(source, "package main") {
		return source
	}
	return "package main\n\n" + source
}
