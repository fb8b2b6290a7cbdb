package validate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"codeforge/internal/artifact"
)

func validIface() artifact.Interface {
	return artifact.Interface{
		Inputs:  []artifact.Field{{Name: "in", Type: artifact.TypeString}},
		Outputs: []artifact.Field{{Name: "out", Type: artifact.TypeString}},
	}
}

func TestPipelinePassesCleanSource(t *testing.T) {
	p := New([]Validator{NewSyntaxValidator(), NewSchemaValidator(validIface()), NewImportAllowlistValidator()}, nil)
	src := `package main

import "strings"

func Run(input []byte) ([]byte, error) {
	return []byte(strings.ToUpper(string(input))), nil
}
`
	report := p.Run(context.Background(), src, 3)
	require.True(t, report.OK)
	require.Equal(t, 0, report.Attempts)
}

func TestPipelineRejectsSyntaxError(t *testing.T) {
	p := New([]Validator{NewSyntaxValidator(), NewSchemaValidator(validIface())}, nil)
	report := p.Run(context.Background(), "func Run( {", 3)
	require.False(t, report.OK)
	require.False(t, report.Results[0].Result.Passed)
}

func TestPipelineAutofixesForbiddenImport(t *testing.T) {
	p := New([]Validator{NewSyntaxValidator(), NewImportAllowlistValidator()}, nil)
	src := `package main

import (
	"fmt"
	"os/exec"
)

func Run(input []byte) ([]byte, error) {
	fmt.Println("hi")
	return input, nil
}
`
	report := p.Run(context.Background(), src, 3)
	require.True(t, report.OK)
	require.Equal(t, 1, report.Attempts)
	require.NotContains(t, report.FinalSource, "os/exec")
}

func TestPipelineStopsWhenValidatorHasNoAutofix(t *testing.T) {
	p := New([]Validator{NewSchemaValidator(artifact.Interface{})}, nil) // always fails, no autofix
	report := p.Run(context.Background(), "anything", 3)
	require.False(t, report.OK)
	require.Equal(t, 0, report.Attempts)
}

func TestPipelineSortsByPriority(t *testing.T) {
	p := New([]Validator{NewImportAllowlistValidator(), NewSyntaxValidator(), NewSchemaValidator(validIface())}, nil)
	require.Equal(t, "syntax", p.validators[0].Name())
	require.Equal(t, "schema", p.validators[1].Name())
	require.Equal(t, "import_allowlist", p.validators[2].Name())
}
