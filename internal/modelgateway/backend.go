// Package modelgateway implements the Model Gateway (spec §4.C): role/tier
// based routing to pluggable LLM backends, each guarded by a circuit
// breaker and a bounded-concurrency semaphore.
package modelgateway

import (
	"context"
	"fmt"
)

// Role names a logical calling role (planner, generator, repair, ...);
// spec §6.1's llm.model_roles maps a Role to a concrete model id per
// backend.
type Role string

const (
	RoleFast     Role = "fast"
	RoleBase     Role = "base"
	RolePowerful Role = "powerful"
	RoleGod      Role = "god"
)

// CompletionRequest is one Model Gateway call.
type CompletionRequest struct {
	Role         Role
	System       string
	User         string
	MaxTokens    int
	Temperature  float64
}

// TokenUsage mirrors what every backend can report.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// CompletionResponse is what every backend returns after translation.
type CompletionResponse struct {
	Text  string
	Usage TokenUsage
}

// Backend is the minimal contract every concrete LLM client satisfies
// (mirrors the teacher's core.LLMClient, widened to return usage).
type Backend interface {
	Complete(ctx context.Context, modelID string, req CompletionRequest) (CompletionResponse, error)
	Name() string
}

// ErrBackendDisabled is returned when a request targets a backend the
// configuration has not enabled.
var ErrBackendDisabled = fmt.Errorf("modelgateway: backend disabled")
