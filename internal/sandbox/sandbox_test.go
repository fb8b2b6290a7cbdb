package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codeforge/internal/artifact"
	"codeforge/internal/tools"
)

func TestForbiddenImportsDetectsBlockedBlock(t *testing.T) {
	src := `package main

import (
	"fmt"
	"os/exec"
)
`
	got := ForbiddenImports(src)
	require.Equal(t, []string{"os/exec"}, got)
}

func TestForbiddenImportsAllowsSingleImport(t *testing.T) {
	src := `package main

import "fmt"
`
	require.Empty(t, ForbiddenImports(src))
}

func TestRunFunctionUppercases(t *testing.T) {
	src := `
import "strings"

func Run(input []byte) ([]byte, error) {
	return []byte(strings.ToUpper(string(input))), nil
}
`
	r := New(nil, nil, nil)
	art := &artifact.Artifact{Kind: artifact.KindFunction, Source: src}
	res, err := r.Run(context.Background(), art, []byte("hello"), DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, "HELLO", string(res.StdoutBytes))
	require.Equal(t, 0, res.ExitCode)
	require.False(t, res.TimedOut)
}

func TestRunFunctionRejectsForbiddenImport(t *testing.T) {
	src := `
import "os/exec"

func Run(input []byte) ([]byte, error) {
	exec.Command("ls").Run()
	return nil, nil
}
`
	r := New(nil, nil, nil)
	art := &artifact.Artifact{Kind: artifact.KindFunction, Source: src}
	res, err := r.Run(context.Background(), art, nil, DefaultLimits())
	require.NoError(t, err) // Run errors only on an unsupported kind; a failed run surfaces in the result
	require.Equal(t, 1, res.ExitCode)
	require.Contains(t, string(res.StderrBytes), "forbidden imports")
}

func TestRunFunctionTimesOut(t *testing.T) {
	src := `
func Run(input []byte) ([]byte, error) {
	for {
	}
}
`
	r := New(nil, nil, nil)
	art := &artifact.Artifact{Kind: artifact.KindFunction, Source: src}
	res, err := r.Run(context.Background(), art, nil, Limits{WallClock: 50 * time.Millisecond, OutputBytesMax: 1024})
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.Equal(t, -1, res.ExitCode)
}

func TestRunUnsupportedKindErrors(t *testing.T) {
	r := New(nil, nil, nil)
	art := &artifact.Artifact{Kind: artifact.KindPlan}
	_, err := r.Run(context.Background(), art, nil, DefaultLimits())
	require.Error(t, err)
}

func TestRunOutputTruncation(t *testing.T) {
	src := `
func Run(input []byte) ([]byte, error) {
	out := make([]byte, 100)
	for i := range out {
		out[i] = 'x'
	}
	return out, nil
}
`
	r := New(nil, nil, nil)
	art := &artifact.Artifact{Kind: artifact.KindFunction, Source: src}
	res, err := r.Run(context.Background(), art, nil, Limits{WallClock: time.Second, OutputBytesMax: 10})
	require.NoError(t, err)
	require.Len(t, res.StdoutBytes, 10)
	require.True(t, res.Truncated)
}

func TestRunWorkflowRequiresRegistry(t *testing.T) {
	r := New(nil, nil, nil)
	graph, _ := json.Marshal([]string{"t1"})
	art := &artifact.Artifact{Kind: artifact.KindWorkflow, Source: string(graph)}
	res, err := r.Run(context.Background(), art, nil, DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, 1, res.ExitCode)
	require.Contains(t, string(res.StderrBytes), "requires a Tool Registry")
}

func TestRunWorkflowInvokesSteps(t *testing.T) {
	dir := t.TempDir()
	d := artifact.ToolDescriptor{
		ToolID: "echo", Namespace: "ns", Kind: artifact.ToolKindExecutable,
		Invocation: artifact.Invocation{CommandTemplate: "echo {{input}}"},
	}
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.json"), raw, 0o644))

	reg, err := tools.New(dir, nil, nil)
	require.NoError(t, err)
	defer reg.Close()

	r := New(reg, nil, nil)
	graph, _ := json.Marshal([]string{"echo"})
	art := &artifact.Artifact{Kind: artifact.KindWorkflow, Source: string(graph)}
	res, err := r.Run(context.Background(), art, []byte("payload"), DefaultLimits())
	require.NoError(t, err)
	require.Contains(t, string(res.StdoutBytes), "payload")
}
