package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"

	"codeforge/internal/modelgateway"
)

// Result is what Invoke returns regardless of the tool's kind.
type Result struct {
	Output string
	Usage  modelgateway.TokenUsage // zero value for non-llm kinds
}

// ModelCaller is the slice of modelgateway.Gateway an llm-kind tool needs.
// Declared locally so tests can fake it without constructing a real Gateway.
type ModelCaller interface {
	Complete(ctx context.Context, req modelgateway.CompletionRequest) (modelgateway.CompletionResponse, error)
}

// Invoke dispatches to the tool's kind-specific invocation (spec §3.4):
// llm routes through caller, executable runs a local command, openapi
// issues an HTTP call, workflow runs its graph of tool_ids in sequence
// through this same registry.
func (r *Registry) Invoke(ctx context.Context, caller ModelCaller, toolID string, args map[string]string) (Result, error) {
	snap := r.current.Load()
	d, ok := snap.byID[toolID]
	if !ok {
		return Result{}, ErrNoDescriptor
	}

	switch d.Kind {
	case "llm":
		if caller == nil {
			return Result{}, fmt.Errorf("tools: invoke %s: no model caller configured", toolID)
		}
		resp, err := caller.Complete(ctx, modelgateway.CompletionRequest{
			Role: modelgateway.Role(d.Invocation.RoleKey),
			User: args["input"],
		})
		if err != nil {
			return Result{}, fmt.Errorf("tools: invoke %s: %w", toolID, err)
		}
		return Result{Output: resp.Text, Usage: resp.Usage}, nil

	case "executable":
		cmd := renderCommand(d.Invocation.CommandTemplate, args)
		out, err := exec.CommandContext(ctx, "sh", "-c", cmd).CombinedOutput()
		if err != nil {
			return Result{}, fmt.Errorf("tools: invoke %s: %w: %s", toolID, err, out)
		}
		return Result{Output: string(out)}, nil

	case "openapi":
		return invokeOpenAPI(ctx, d.Invocation.Endpoint, d.Invocation.Method, args)

	case "workflow":
		return r.invokeWorkflow(ctx, caller, d.Invocation.WorkflowGraph, args)

	default:
		return Result{}, fmt.Errorf("tools: invoke %s: unknown kind %q", toolID, d.Kind)
	}
}

func (r *Registry) invokeWorkflow(ctx context.Context, caller ModelCaller, graph []string, args map[string]string) (Result, error) {
	var last Result
	step := make(map[string]string, len(args)+1)
	for k, v := range args {
		step[k] = v
	}
	for _, stepToolID := range graph {
		res, err := r.Invoke(ctx, caller, stepToolID, step)
		if err != nil {
			return Result{}, fmt.Errorf("tools: workflow step %s: %w", stepToolID, err)
		}
		last = res
		step["input"] = res.Output
	}
	return last, nil
}

func invokeOpenAPI(ctx context.Context, endpoint, method string, args map[string]string) (Result, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return Result{}, fmt.Errorf("tools: marshal openapi request body: %w", err)
	}
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("tools: build openapi request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("tools: openapi request failed: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return Result{}, fmt.Errorf("tools: read openapi response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("tools: openapi returned status %d: %s", resp.StatusCode, buf.String())
	}
	return Result{Output: buf.String()}, nil
}

// renderCommand substitutes {{key}} placeholders in template with args[key].
func renderCommand(template string, args map[string]string) string {
	out := template
	for k, v := range args {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}
