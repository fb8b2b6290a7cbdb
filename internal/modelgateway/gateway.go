package modelgateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"codeforge/internal/config"
	"codeforge/internal/logging"
)

// guardedBackend pairs a Backend with the resilience primitives the
// teacher's ZAIClient hand-rolls per-client (semaphore, retry/backoff with
// jitter) plus a circuit breaker adopted from jordigilh-kubernaut's
// delivery-channel guard, generalized from "per-channel isolation" to
// "per-LLM-backend isolation".
type guardedBackend struct {
	backend Backend
	sem     *semaphore.Weighted
	cb      *gobreaker.CircuitBreaker[CompletionResponse]
	limiter *rate.Limiter
	retries int
}

// Gateway routes CompletionRequests to the configured backend by role,
// resolving the role to a concrete model id and guarding the call with
// that backend's circuit breaker and concurrency cap (spec §4.C).
type Gateway struct {
	log       *zap.Logger
	mu        sync.RWMutex
	backends  map[string]*guardedBackend
	active    string
	modelRoles map[string]string
}

// NewGateway wires backends named in cfg.LLM.Backends that are enabled,
// keyed by backend name ("anthropic", "openai", "ollama").
func NewGateway(cfg config.LLMConfig, backends map[string]Backend, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = logging.Noop()
	}
	log := logging.For(logger, logging.CategoryModelGateway)

	gw := &Gateway{
		log:        log,
		backends:   make(map[string]*guardedBackend),
		active:     cfg.Backend,
		modelRoles: cfg.ModelRoles,
	}

	for name, bc := range cfg.Backends {
		if !bc.Enabled {
			continue
		}
		b, ok := backends[name]
		if !ok {
			continue
		}
		maxConcurrent := bc.MaxConcurrent
		if maxConcurrent <= 0 {
			maxConcurrent = 4
		}
		gw.backends[name] = &guardedBackend{
			backend: b,
			sem:     semaphore.NewWeighted(int64(maxConcurrent)),
			cb: gobreaker.NewCircuitBreaker[CompletionResponse](gobreaker.Settings{
				Name:        name,
				MaxRequests: 2,
				Interval:    30 * time.Second,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 3
				},
				OnStateChange: func(cbName string, from, to gobreaker.State) {
					log.Warn("backend circuit breaker state change", zap.String("backend", cbName), zap.String("from", from.String()), zap.String("to", to.String()))
				},
			}),
			limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
			retries: 3,
		}
	}

	if gw.active == "" {
		return nil, fmt.Errorf("modelgateway: no active backend configured")
	}
	if _, ok := gw.backends[gw.active]; !ok {
		return nil, fmt.Errorf("modelgateway: active backend %q is not enabled/registered", gw.active)
	}
	return gw, nil
}

// Complete resolves req.Role to a model id on the active backend and
// issues the call with circuit-breaking, bounded concurrency, and
// exponential jittered backoff on retryable errors.
func (g *Gateway) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	g.mu.RLock()
	gb, ok := g.backends[g.active]
	modelID := g.modelRoles[string(req.Role)]
	g.mu.RUnlock()

	if !ok {
		return CompletionResponse{}, ErrBackendDisabled
	}
	if modelID == "" {
		return CompletionResponse{}, fmt.Errorf("modelgateway: no model configured for role %q", req.Role)
	}

	return g.completeOn(ctx, gb, modelID, req)
}

// CompleteOnBackend bypasses role routing and calls a specific backend by
// name with an explicit model id.
func (g *Gateway) CompleteOnBackend(ctx context.Context, name string, modelID string, req CompletionRequest) (CompletionResponse, error) {
	g.mu.RLock()
	gb, ok := g.backends[name]
	g.mu.RUnlock()
	if !ok {
		return CompletionResponse{}, ErrBackendDisabled
	}
	return g.completeOn(ctx, gb, modelID, req)
}

func (g *Gateway) completeOn(ctx context.Context, gb *guardedBackend, modelID string, req CompletionRequest) (CompletionResponse, error) {
	if err := gb.sem.Acquire(ctx, 1); err != nil {
		return CompletionResponse{}, fmt.Errorf("modelgateway: acquire concurrency slot: %w", err)
	}
	defer gb.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt <= gb.retries; attempt++ {
		if attempt > 0 {
			if err := sleepWithJitter(ctx, backoffDelay(attempt)); err != nil {
				return CompletionResponse{}, err
			}
		}
		if err := gb.limiter.Wait(ctx); err != nil {
			return CompletionResponse{}, err
		}

		resp, err := gb.cb.Execute(func() (CompletionResponse, error) {
			return gb.backend.Complete(ctx, modelID, req)
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return CompletionResponse{}, err
		}
		g.log.Warn("backend call failed, retrying", zap.String("backend", gb.backend.Name()), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return CompletionResponse{}, fmt.Errorf("modelgateway: exhausted retries: %w", lastErr)
}

// backoffDelay mirrors the teacher's exponential-with-cap schedule
// (internal/perception/client_zai.go: base=1s, cap=30s, doubling per attempt).
func backoffDelay(attempt int) time.Duration {
	const base = 1 * time.Second
	const max = 30 * time.Second
	d := base * time.Duration(1<<uint(attempt-1))
	if d > max {
		d = max
	}
	return d
}

func sleepWithJitter(ctx context.Context, d time.Duration) error {
	jittered := time.Duration(float64(d) * (0.5 + rand.Float64()))
	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isRetryable decides which gobreaker/backend errors are worth a retry.
// A cancelled or deadline-exceeded context is never retryable; every
// other error (including gobreaker.ErrOpenState/ErrTooManyRequests, which
// mean the breaker itself is protecting the backend) is, since the
// breaker transitions to half-open after its own Timeout and a permanent
// backend rejection still surfaces once retries are exhausted.
func isRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
