// Package tools implements the Tool Registry (spec §4.D): an in-memory,
// namespaced catalog of LLM/executable/workflow/openapi tool variants,
// selected per call by a fitness-based scoring algorithm and hot-reloaded
// from a descriptor directory via fsnotify.
package tools

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"codeforge/internal/artifact"
	"codeforge/internal/embedding"
	"codeforge/internal/logging"
)

// Registry loads tool descriptors once at startup and exposes them behind
// an atomic.Pointer snapshot (spec §4.D): readers never observe a
// half-reloaded set, and writers (RecordFailure/RecordSuccess/Promote)
// serialize through mu and publish a freshly cloned snapshot.
type Registry struct {
	log      *zap.Logger
	embedder embedding.EmbeddingEngine
	dir      string

	mu      sync.Mutex // serializes writers; readers only touch current
	current atomic.Pointer[snapshot]

	evolutionMu   sync.RWMutex
	evolutionSink EvolutionSink

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// EvolutionSink receives an EvolutionRequested event (spec §4.D "Evolution
// triggers"). It must not block or re-enter the Registry: the Orchestrator's
// implementation launches its own bounded background job and returns
// immediately.
type EvolutionSink func(artifact.EvolutionRequested)

// Option configures New.
type Option func(*Registry)

// WithEmbedder wires an Embedding Gateway for semantic candidate matching
// and failure-log demotion (spec §4.D steps 1 and 4). Without one,
// selection falls back to promoted/same-namespace candidates only.
func WithEmbedder(e embedding.EmbeddingEngine) Option {
	return func(r *Registry) { r.embedder = e }
}

// WithEvolutionSink wires the callback spec §4.D's Evolution triggers fire
// into (see EvolutionSink). Equivalent to calling SetEvolutionSink after
// New; provided as an Option for callers that build their sink alongside
// the Registry itself.
func WithEvolutionSink(sink EvolutionSink) Option {
	return func(r *Registry) { r.SetEvolutionSink(sink) }
}

// SetEvolutionSink installs (or clears, with nil) the Registry's
// EvolutionSink. Safe to call after New, since the Orchestrator that
// consumes these events is typically constructed after the Registry it
// wraps (cmd/forge's boot order).
func (r *Registry) SetEvolutionSink(sink EvolutionSink) {
	r.evolutionMu.Lock()
	r.evolutionSink = sink
	r.evolutionMu.Unlock()
}

// emitEvolution fires ev through the installed sink, if any. Always called
// outside mu so a sink that calls back into the Registry (Describe, List)
// cannot deadlock.
func (r *Registry) emitEvolution(ev artifact.EvolutionRequested) {
	r.evolutionMu.RLock()
	sink := r.evolutionSink
	r.evolutionMu.RUnlock()
	if sink != nil {
		sink(ev)
	}
}

// New loads every descriptor under dir, starts an fsnotify watch on dir
// (if it exists) that triggers an atomic reload on change, and returns the
// ready registry. heads seeds the namespace->promoted-tool map (normally
// empty on first run; callers restoring from a prior run pass it in).
func New(dir string, heads map[string]string, logger *zap.Logger, opts ...Option) (*Registry, error) {
	if logger == nil {
		logger = logging.Noop()
	}
	r := &Registry{log: logging.For(logger, logging.CategoryTools), dir: dir}
	for _, opt := range opts {
		opt(r)
	}

	descriptors, err := loadDescriptors(dir)
	if err != nil {
		return nil, err
	}
	r.current.Store(newSnapshot(descriptors, heads))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		// Descriptor directory not created yet; reload will simply never
		// fire until an operator creates it and restarts.
		r.log.Debug("descriptor directory not watched", zap.String("dir", dir), zap.Error(err))
		_ = watcher.Close()
		return r, nil
	}
	r.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.watch(ctx)

	return r, nil
}

func (r *Registry) watch(ctx context.Context) {
	defer close(r.done)
	// Multiple fsnotify events usually arrive for one logical write
	// (CREATE then WRITE then CHMOD); debounce before reloading.
	var debounce *time.Timer
	reload := func() {
		if err := r.reload(); err != nil {
			r.log.Warn("descriptor reload failed", zap.Error(err))
		} else {
			r.log.Info("descriptor snapshot reloaded")
		}
	}
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case _, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("descriptor watch error", zap.Error(err))
		}
	}
}

func (r *Registry) reload() error {
	descriptors, err := loadDescriptors(r.dir)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	heads := r.current.Load().heads
	r.current.Store(newSnapshot(descriptors, heads))
	return nil
}

// Close stops the descriptor watch. Safe to call on a registry whose
// directory did not exist at New time (no watcher was started).
func (r *Registry) Close() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	<-r.done
	return r.watcher.Close()
}

// Get resolves namespace (and, if scenarioText is non-empty, the fitness
// algorithm of spec §4.D) to a single tool descriptor. When scenarioText is
// supplied and the winning candidate's score doesn't clear min_usable (or
// no candidate exists at all), it fires an EvolutionRequested event (spec
// §4.D "Evolution triggers") before returning.
func (r *Registry) Get(ctx context.Context, namespace, scenarioText string) (*artifact.ToolDescriptor, error) {
	best, score, err := selectBest(ctx, r.current.Load(), r.embedder, namespace, scenarioText)
	if scenarioText == "" {
		return best, err
	}

	switch {
	case err == ErrNotFound:
		r.emitEvolution(artifact.EvolutionRequested{
			Namespace: namespace, ScenarioText: scenarioText,
			Reason: "no_usable_candidate", At: time.Now().UTC(),
		})
	case err == nil && score < minUsableThreshold:
		r.emitEvolution(artifact.EvolutionRequested{
			ToolID: best.ToolID, Namespace: namespace, ScenarioText: scenarioText,
			QualityScore: score, Reason: "below_min_usable", At: time.Now().UTC(),
		})
	}
	return best, err
}

// Describe looks up a single descriptor by id, for the Orchestrator's
// evolution job to read the reference tool's Interface (spec §4.D
// "constrained by the reference tool's interface").
func (r *Registry) Describe(toolID string) (*artifact.ToolDescriptor, error) {
	snap := r.current.Load()
	d, ok := snap.byID[toolID]
	if !ok {
		return nil, ErrNoDescriptor
	}
	return d, nil
}

// Promote marks toolID as the namespace's head, the base score 1.0
// candidate in future selections.
func (r *Registry) Promote(namespace, toolID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.current.Load()
	if _, ok := snap.byID[toolID]; !ok {
		return ErrNoDescriptor
	}
	next := snap.clone()
	next.heads[namespace] = toolID
	r.current.Store(next)
	return nil
}

// RecordSuccess nudges a tool's quality_score up slightly after a
// successful invocation. Unlike the Artifact Store's bounded delta table
// (spec §4.A), tool fitness has no test-coverage signal to size the
// increase from, so a small fixed reward is used and clamped the same way.
func (r *Registry) RecordSuccess(toolID string) error {
	return r.mutate(toolID, func(d *artifact.ToolDescriptor) {
		d.QualityScore = artifact.ClampQuality(d.QualityScore + 0.02)
	})
}

// evolutionQualityFloor is the quality_score a failure can drive a tool
// below that triggers evolution (spec §4.D "Evolution triggers": "drives
// quality_score below 0.50").
const evolutionQualityFloor = 0.50

// RecordFailure appends a failure entry (with its scenario embedding, so
// future selections can demote this tool for similar scenarios) and
// applies the same severity-scaled penalty the Artifact Store uses. If the
// resulting quality_score falls below evolutionQualityFloor, it fires an
// EvolutionRequested event (spec §4.D).
func (r *Registry) RecordFailure(ctx context.Context, toolID, scenarioText, errorKind string, severity artifact.Severity) error {
	var scenarioVec []float32
	if r.embedder != nil && scenarioText != "" {
		if v, err := r.embedder.Embed(ctx, scenarioText); err == nil {
			scenarioVec = v
		}
	}
	delta := -0.01
	switch severity {
	case artifact.SeverityHigh:
		delta = -0.10
	case artifact.SeverityMedium:
		delta = -0.05
	}

	var newQuality float64
	var namespace string
	if err := r.mutate(toolID, func(d *artifact.ToolDescriptor) {
		d.QualityScore = artifact.ClampQuality(d.QualityScore + delta)
		d.FailureLog = append(d.FailureLog, artifact.FailureEntry{
			ScenarioEmbedding: scenarioVec,
			ErrorKind:         errorKind,
			Severity:          severity,
			At:                time.Now().UTC(),
		})
		if len(d.FailureLog) > artifact.MaxFailureLog {
			d.FailureLog = d.FailureLog[len(d.FailureLog)-artifact.MaxFailureLog:]
		}
		newQuality = d.QualityScore
		namespace = d.Namespace
	}); err != nil {
		return err
	}

	if newQuality < evolutionQualityFloor {
		r.emitEvolution(artifact.EvolutionRequested{
			ToolID: toolID, Namespace: namespace, ScenarioText: scenarioText,
			ErrorKind: errorKind, QualityScore: newQuality,
			Reason: "quality_below_floor", At: time.Now().UTC(),
		})
	}
	return nil
}

func (r *Registry) mutate(toolID string, fn func(*artifact.ToolDescriptor)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.current.Load()
	if _, ok := snap.byID[toolID]; !ok {
		return ErrNoDescriptor
	}
	next := snap.clone()
	d := next.byID[toolID]
	fn(d)
	r.current.Store(next)
	return writeDescriptor(r.dir, d)
}

// Register adds or replaces a descriptor outside the filesystem-backed
// flow.
func (r *Registry) Register(d *artifact.ToolDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.current.Load()
	cp := *d
	descriptors := make([]*artifact.ToolDescriptor, 0, len(snap.byID)+1)
	for id, existing := range snap.byID {
		if id == cp.ToolID {
			continue
		}
		descriptors = append(descriptors, existing)
	}
	descriptors = append(descriptors, &cp)
	r.current.Store(newSnapshot(descriptors, snap.heads))
	return writeDescriptor(r.dir, &cp)
}

// List returns every descriptor currently in the snapshot, for diagnostics
// and the cmd/forge "list" subcommand.
func (r *Registry) List() []*artifact.ToolDescriptor {
	snap := r.current.Load()
	out := make([]*artifact.ToolDescriptor, 0, len(snap.byID))
	for _, d := range snap.byID {
		out = append(out, d)
	}
	return out
}
