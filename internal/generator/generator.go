// Package generator implements the Parallel Generator Pool (spec §4.J):
// fans a planned spec out to several Model Gateway calls concurrently,
// each producing one candidate implementation. Grounded on
// internal/campaign/intelligence_gatherer.go's `errgroup.WithContext` +
// mutex-guarded result-collection fan-out pattern, bounded by a
// `golang.org/x/sync/semaphore.Weighted` the way
// internal/modelgateway/gateway.go caps per-backend concurrency.
package generator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"codeforge/internal/errs"
	"codeforge/internal/logging"
	"codeforge/internal/modelgateway"
	"codeforge/internal/planner"
)

// GenConfig fixes one generator call's parameters (spec §4.J contract).
type GenConfig struct {
	Name        string
	Role        modelgateway.Role
	Temperature float64
	Seed        *int64
	MaxOutput   int
}

// Budget bounds the overall Generate call; zero means no additional
// deadline beyond ctx's own.
type Budget struct {
	MaxWall time.Duration
}

// Variant is one generator's result (spec §4.J). A failed generator is
// captured as a Variant with an empty Source and a non-empty Err rather
// than aborting the whole call.
type Variant struct {
	GeneratorName string
	Source        string
	GenWallMS     int64
	Err           error
}

// Pool runs up to maxVariants GenConfigs concurrently through the Model
// Gateway.
type Pool struct {
	gateway     *modelgateway.Gateway
	maxVariants int
	log         *zap.Logger
}

// New wires the Model Gateway and the configured concurrency cap
// (spec §6.1 generation.parallel.max_variants, default 5).
func New(gw *modelgateway.Gateway, maxVariants int, logger *zap.Logger) *Pool {
	if maxVariants <= 0 {
		maxVariants = 5
	}
	if logger == nil {
		logger = logging.Noop()
	}
	return &Pool{gateway: gw, maxVariants: maxVariants, log: logging.For(logger, logging.CategoryGenerator)}
}

// Generate implements spec §4.J's `generate(spec, generators, budget) ->
// [variant]` contract. The pool runs min(len(generators), maxVariants)
// calls concurrently; the rest queue FIFO behind the semaphore. On
// cancellation (ctx or budget deadline), pending calls that never reached
// the Model Gateway are dropped silently; calls already in flight release
// promptly and surface as a failed Variant (empty Source, non-nil Err) —
// no cancelled call's partial output ever reaches the result set.
// At least one successful variant is required; otherwise Generate
// returns errs.ErrAllGeneratorsFailed.
func (p *Pool) Generate(ctx context.Context, spec planner.Spec, generators []GenConfig, budget Budget) ([]Variant, error) {
	if budget.MaxWall > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget.MaxWall)
		defer cancel()
	}

	sem := semaphore.NewWeighted(int64(p.maxVariants))
	eg, egCtx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	variants := make([]Variant, 0, len(generators))

	for _, gc := range generators {
		gc := gc
		eg.Go(func() error {
			if err := sem.Acquire(egCtx, 1); err != nil {
				// Cancelled before a slot was available; discard silently,
				// per spec's "partial output is discarded" rule.
				return nil
			}
			defer sem.Release(1)

			v := p.runOne(egCtx, spec, gc)
			if v == nil {
				return nil
			}
			mu.Lock()
			variants = append(variants, *v)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait() // goroutines never return a non-nil error; failures become Variant.Err

	successes := 0
	for _, v := range variants {
		if v.Err == nil {
			successes++
		}
	}
	if successes == 0 {
		return variants, fmt.Errorf("generator: %w", errs.ErrAllGeneratorsFailed)
	}
	return variants, nil
}

// runOne issues one generator's completion call. It returns nil (not a
// Variant) when the context was already cancelled by the time the call
// would start, so a cancelled call leaves no trace in the result set.
func (p *Pool) runOne(ctx context.Context, spec planner.Spec, gc GenConfig) *Variant {
	if err := ctx.Err(); err != nil {
		return nil
	}

	start := time.Now()
	system, user := buildGeneratorPrompt(spec)
	resp, err := p.gateway.Complete(ctx, modelgateway.CompletionRequest{
		Role:        gc.Role,
		System:      system,
		User:        user,
		MaxTokens:   gc.MaxOutput,
		Temperature: gc.Temperature,
	})
	wallMS := time.Since(start).Milliseconds()

	if err != nil {
		p.log.Warn("generator failed", zap.String("generator", gc.Name), zap.Error(err))
		return &Variant{GeneratorName: gc.Name, GenWallMS: wallMS, Err: err}
	}
	return &Variant{GeneratorName: gc.Name, Source: extractSource(resp.Text), GenWallMS: wallMS}
}
