// Package sandbox implements the Sandboxed Runner (spec §4.E): executes
// generated artifacts with resource limits and collects stdout/stderr and
// metrics, without ever exposing ambient host credentials to the artifact.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"codeforge/internal/artifact"
	"codeforge/internal/logging"
	"codeforge/internal/tools"
)

// Limits bounds a single run (spec §4.E guarantees).
type Limits struct {
	WallClock      time.Duration
	OutputBytesMax int
}

// DefaultLimits returns the same values as config.Default()'s execution
// defaults: a 10-minute wall clock and 1 MiB of output.
func DefaultLimits() Limits {
	return Limits{WallClock: 10 * time.Minute, OutputBytesMax: 1 << 20}
}

// RunResult is the contract's return value (spec §4.E).
type RunResult struct {
	StdoutBytes []byte
	StderrBytes []byte
	ExitCode    int
	WallMS      int64
	PeakRSSMB   float64
	CPUMS       int64
	TimedOut    bool
	Truncated   bool
}

// Runner executes function-kind artifacts in a yaegi interpreter restricted
// to AllowedPackages, and workflow-kind artifacts as a sequence of Tool
// Registry invocations.
type Runner struct {
	log      *zap.Logger
	registry *tools.Registry
	caller   tools.ModelCaller
}

// New builds a Runner. registry and caller may be nil if the caller never
// runs workflow-kind artifacts.
func New(registry *tools.Registry, caller tools.ModelCaller, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Runner{log: logging.For(logger, logging.CategorySandbox), registry: registry, caller: caller}
}

// Run executes art against inputBytes under limits (spec §4.E contract).
func (r *Runner) Run(ctx context.Context, art *artifact.Artifact, inputBytes []byte, limits Limits) (RunResult, error) {
	if limits.WallClock <= 0 {
		limits = DefaultLimits()
	}
	ctx, cancel := context.WithTimeout(ctx, limits.WallClock)
	defer cancel()

	start := time.Now()
	var res RunResult
	var err error

	switch art.Kind {
	case artifact.KindFunction:
		res, err = r.runFunction(ctx, art.Source, inputBytes)
	case artifact.KindWorkflow:
		res, err = r.runWorkflow(ctx, art.Source, inputBytes)
	default:
		return RunResult{}, fmt.Errorf("sandbox: unsupported artifact kind %q", art.Kind)
	}
	res.WallMS = time.Since(start).Milliseconds()
	// The interpreter runs in one goroutine on the calling process; there
	// is no separate child process to attribute CPU time to, so elapsed
	// wall time is reported as cpu_ms too (spec §4.E: "otherwise observed
	// and reported" for anything the host can't directly enforce/measure).
	res.CPUMS = res.WallMS

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		res.ExitCode = 1
		res.StderrBytes = truncate([]byte(err.Error()), limits.OutputBytesMax, &res.Truncated)
		return res, nil
	}
	res.StdoutBytes = truncate(res.StdoutBytes, limits.OutputBytesMax, &res.Truncated)
	return res, nil
}

func (r *Runner) runFunction(ctx context.Context, source string, input []byte) (RunResult, error) {
	if forbidden := ForbiddenImports(source); len(forbidden) > 0 {
		return RunResult{}, fmt.Errorf("sandbox: forbidden imports: %v", forbidden)
	}

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return RunResult{}, fmt.Errorf("sandbox: load stdlib symbols: %w", err)
	}
	if _, err := i.Eval(wrapPackageMain(source)); err != nil {
		return RunResult{}, fmt.Errorf("sandbox: evaluate artifact source: %w", err)
	}
	v, err := i.Eval("main.Run")
	if err != nil {
		return RunResult{}, fmt.Errorf("sandbox: artifact does not define Run(input []byte) ([]byte, error): %w", err)
	}
	runFn, ok := v.Interface().(func([]byte) ([]byte, error))
	if !ok {
		return RunResult{}, fmt.Errorf("sandbox: Run has the wrong signature (want func([]byte) ([]byte, error))")
	}

	type callResult struct {
		out []byte
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		out, err := runFn(input)
		done <- callResult{out, err}
	}()

	select {
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	case cr := <-done:
		runtime.ReadMemStats(&after)
		peakMB := float64(after.TotalAlloc-before.TotalAlloc) / (1 << 20)
		if peakMB < 0 {
			peakMB = 0
		}
		if cr.err != nil {
			return RunResult{PeakRSSMB: peakMB}, cr.err
		}
		return RunResult{StdoutBytes: cr.out, PeakRSSMB: peakMB}, nil
	}
}

// runWorkflow treats source as a JSON array of tool_ids (spec §3.4
// workflow_graph) and runs them in sequence through the Tool Registry,
// threading each step's output into the next step's "input" argument.
func (r *Runner) runWorkflow(ctx context.Context, source string, input []byte) (RunResult, error) {
	if r.registry == nil {
		return RunResult{}, fmt.Errorf("sandbox: workflow execution requires a Tool Registry")
	}
	var graph []string
	if err := json.Unmarshal([]byte(source), &graph); err != nil {
		return RunResult{}, fmt.Errorf("sandbox: decode workflow graph: %w", err)
	}

	args := map[string]string{"input": string(input)}
	var last tools.Result
	for _, toolID := range graph {
		res, err := r.registry.Invoke(ctx, r.caller, toolID, args)
		if err != nil {
			return RunResult{}, fmt.Errorf("sandbox: workflow step %s: %w", toolID, err)
		}
		last = res
		args["input"] = res.Output
	}
	return RunResult{StdoutBytes: []byte(last.Output)}, nil
}

func wrapPackageMain(source string) string {
	if strings.Contains(source, "package main") {
		return source
	}
	return "package main\n\n" + source
}

func truncate(b []byte, max int, truncated *bool) []byte {
	if max <= 0 || len(b) <= max {
		return b
	}
	*truncated = true
	return b[:max]
}
