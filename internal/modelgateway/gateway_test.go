package modelgateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"codeforge/internal/config"
)

type fakeBackend struct {
	name     string
	failN    int32 // number of calls to fail before succeeding
	calls    atomic.Int32
	response CompletionResponse
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Complete(ctx context.Context, modelID string, req CompletionRequest) (CompletionResponse, error) {
	n := f.calls.Add(1)
	if n <= f.failN {
		return CompletionResponse{}, errors.New("transient backend failure")
	}
	return f.response, nil
}

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		Backend: "anthropic",
		ModelRoles: map[string]string{
			"fast": "claude-haiku",
			"base": "claude-sonnet",
		},
		Backends: map[string]config.BackendConfig{
			"anthropic": {Enabled: true, MaxConcurrent: 2},
		},
	}
}

func TestGatewayRoutesByRole(t *testing.T) {
	fb := &fakeBackend{name: "anthropic", response: CompletionResponse{Text: "hello"}}
	gw, err := NewGateway(testLLMConfig(), map[string]Backend{"anthropic": fb}, nil)
	require.NoError(t, err)

	resp, err := gw.Complete(context.Background(), CompletionRequest{Role: RoleFast, User: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Text)
	require.Equal(t, int32(1), fb.calls.Load())
}

func TestGatewayUnknownRoleErrors(t *testing.T) {
	fb := &fakeBackend{name: "anthropic"}
	gw, err := NewGateway(testLLMConfig(), map[string]Backend{"anthropic": fb}, nil)
	require.NoError(t, err)

	_, err = gw.Complete(context.Background(), CompletionRequest{Role: "nonexistent", User: "hi"})
	require.Error(t, err)
}

func TestGatewayRetriesTransientFailures(t *testing.T) {
	fb := &fakeBackend{name: "anthropic", failN: 2, response: CompletionResponse{Text: "ok"}}
	gw, err := NewGateway(testLLMConfig(), map[string]Backend{"anthropic": fb}, nil)
	require.NoError(t, err)

	resp, err := gw.Complete(context.Background(), CompletionRequest{Role: RoleFast, User: "hi"})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)
	require.Equal(t, int32(3), fb.calls.Load())
}

func TestNewGatewayRejectsMissingActiveBackend(t *testing.T) {
	cfg := testLLMConfig()
	cfg.Backend = "openai"
	_, err := NewGateway(cfg, map[string]Backend{"anthropic": &fakeBackend{name: "anthropic"}}, nil)
	require.Error(t, err)
}

func TestCompleteOnBackendBypassesRoleRouting(t *testing.T) {
	fb := &fakeBackend{name: "anthropic", response: CompletionResponse{Text: "direct"}}
	gw, err := NewGateway(testLLMConfig(), map[string]Backend{"anthropic": fb}, nil)
	require.NoError(t, err)

	resp, err := gw.CompleteOnBackend(context.Background(), "anthropic", "claude-opus", CompletionRequest{User: "hi"})
	require.NoError(t, err)
	require.Equal(t, "direct", resp.Text)
}
