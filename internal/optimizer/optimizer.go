// Package optimizer implements the Background Optimizer (spec §4.M): an
// offline pass over the Artifact Store that promotes fitter variants,
// retires the ones they supersede, and syncs the Tool Registry's head map
// to match. Grounded on the teacher's reflection worker
// (internal/store/reflection_worker.go's stop/done channel + ticker
// pattern), generalized from "re-embed stale traces" to "re-score and
// promote stale namespaces". It never shares a lock with the request path
// (spec §5): every mutation goes through the Store's and Tool Registry's
// own public, already-synchronized APIs.
package optimizer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"codeforge/internal/logging"
	"codeforge/internal/store"
	"codeforge/internal/tools"
)

// Optimizer runs the periodic offline pass described in spec §4.M.
type Optimizer struct {
	store    *store.Store
	registry *tools.Registry
	interval time.Duration
	log      *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// New builds an Optimizer. interval <= 0 falls back to 5 minutes, matching
// config.Default()'s background.interval.
func New(st *store.Store, registry *tools.Registry, interval time.Duration, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = logging.Noop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Optimizer{
		store:    st,
		registry: registry,
		interval: interval,
		log:      logging.For(logger, logging.CategoryOptimizer),
	}
}

// Start launches the background sweep loop. It is idempotent: calling
// Start on an already-running Optimizer is a no-op.
func (o *Optimizer) Start() {
	if o.stop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	o.stop = stop
	o.done = done
	go o.run(stop, done)
}

// Stop signals the sweep loop to exit and waits (bounded) for it to finish.
func (o *Optimizer) Stop() {
	if o.stop == nil {
		return
	}
	close(o.stop)
	select {
	case <-o.done:
	case <-time.After(2 * time.Second):
	}
	o.stop = nil
	o.done = nil
}

func (o *Optimizer) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.Sweep(context.Background())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.Sweep(context.Background())
		}
	}
}
