// Package config loads the single declarative YAML configuration file
// (spec §6.1), rejecting undefined options, and watches the tool
// descriptor directory via fsnotify.
package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LLMConfig is the llm.* section of spec §6.1's table.
type LLMConfig struct {
	Backend     string                     `yaml:"backend"`
	ModelRoles  map[string]string          `yaml:"model_roles"`
	Backends    map[string]BackendConfig   `yaml:"backends"`
}

// BackendConfig is one llm.backends.<name>.* entry.
type BackendConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BaseURL       string `yaml:"base_url"`
	APIKeyEnv     string `yaml:"api_key_env"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// ModelTierGroup maps tier name (e.g. "tier_1") to its ModelTier.
type ModelTierGroup map[string]ModelTier

// ModelTier is one model_tiers.<group>.tier_N entry.
type ModelTier struct {
	Model          string `yaml:"model"`
	ContextWindow  int    `yaml:"context_window"`
	TimeoutMS      int    `yaml:"timeout"`
	EscalatesTo    string `yaml:"escalates_to"`
}

// ExecutionConfig is the execution.* section.
type ExecutionConfig struct {
	DefaultTimeoutMS int `yaml:"default_timeout_ms"`
	MemoryLimitMB    int `yaml:"memory_limit_mb"`
	OutputBytesMax   int `yaml:"output_bytes_max"`
}

// ClassifierConfig is the classifier.* section.
type ClassifierConfig struct {
	Thresholds ClassifierThresholds `yaml:"thresholds"`
}

// ClassifierThresholds are the SAME/RELATED similarity thresholds (spec §4.H).
type ClassifierThresholds struct {
	Same    float64 `yaml:"same"`
	Related float64 `yaml:"related"`
}

// ValidatorConfig is one entry of static_analysis.validators[].
type ValidatorConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Priority int    `yaml:"priority"`
	Autofix  bool   `yaml:"autofix"`
}

// StaticAnalysisConfig is the static_analysis.* section.
type StaticAnalysisConfig struct {
	Validators []ValidatorConfig `yaml:"validators"`
}

// AutofixConfig is the autofix.* section.
type AutofixConfig struct {
	MaxAttempts     int  `yaml:"max_attempts"`
	AgeDecayEnabled bool `yaml:"age_decay_enabled"`
}

// GenerationParallelConfig is the generation.parallel.* section.
type GenerationParallelConfig struct {
	MaxVariants  int     `yaml:"max_variants"`
	QualityWeight float64 `yaml:"quality_weight"`
	SpeedWeight   float64 `yaml:"speed_weight"`
}

// GenerationConfig is the generation.* section.
type GenerationConfig struct {
	Parallel     GenerationParallelConfig `yaml:"parallel"`
	ResourceCaps ResourceCapsConfig       `yaml:"resource_caps"`
	SafetyCaps   map[string]int64         `yaml:"safety_caps"`
}

// ResourceCapsConfig is generation.resource_caps.* (spec §4.I rule (c)):
// the Overseer Planner's default resource_caps, overridable downward only.
type ResourceCapsConfig struct {
	CPUSeconds  int64 `yaml:"cpu_seconds"`
	MemMB       int64 `yaml:"mem_mb"`
	WallSeconds int64 `yaml:"wall_seconds"`
	OutputBytes int64 `yaml:"output_bytes"`
}

// RepairConfig is the repair.* section: bounds on the Repair Cycle spec
// §4.L step 5 describes ("bounded total retry budget (default 6)") and
// the Auto-Fix Cache lookup width ("try top-K (default 3)").
type RepairConfig struct {
	MaxTotalRetries int `yaml:"max_total_retries"`
	TopKFixes       int `yaml:"top_k_fixes"`
}

// StoreConfig is the store.* section.
type StoreConfig struct {
	EmbeddingDim int    `yaml:"embedding_dim"`
	ANNKind      string `yaml:"ann_kind"`
	Path         string `yaml:"path"`
}

// BackgroundConfig is the background.* section.
type BackgroundConfig struct {
	IntervalSeconds int `yaml:"interval"`
}

// Config is the full declarative configuration (spec §6.1). Every field
// the table names has a home here; unknown keys are rejected by
// strict parsing (see strict.go).
type Config struct {
	LLM            LLMConfig                       `yaml:"llm"`
	ModelTiers     map[string]ModelTierGroup        `yaml:"model_tiers"`
	Execution      ExecutionConfig                  `yaml:"execution"`
	Classifier     ClassifierConfig                 `yaml:"classifier"`
	StaticAnalysis StaticAnalysisConfig              `yaml:"static_analysis"`
	Autofix        AutofixConfig                    `yaml:"autofix"`
	Generation     GenerationConfig                 `yaml:"generation"`
	Repair         RepairConfig                     `yaml:"repair"`
	Store          StoreConfig                       `yaml:"store"`
	Background     BackgroundConfig                  `yaml:"background"`
}

// Default returns sensible defaults matching every spec-given default
// value (§4.H thresholds, §4.F autofix attempts, §4.J pool size, §4.E
// timeout, §6.1 background interval).
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Backend: "anthropic",
			ModelRoles: map[string]string{
				"fast":      "claude-haiku",
				"base":      "claude-sonnet",
				"powerful":  "claude-opus",
				"god":       "claude-opus",
				"embedding": "text-embedding",
			},
			Backends: map[string]BackendConfig{
				"anthropic": {Enabled: true, APIKeyEnv: "ANTHROPIC_API_KEY", TimeoutMS: 60_000, MaxConcurrent: 4},
				"openai":    {Enabled: false, APIKeyEnv: "OPENAI_API_KEY", TimeoutMS: 60_000, MaxConcurrent: 4},
				"ollama":    {Enabled: false, BaseURL: "http://localhost:11434", TimeoutMS: 60_000, MaxConcurrent: 2},
			},
		},
		Execution: ExecutionConfig{
			DefaultTimeoutMS: 10 * 60 * 1000,
			MemoryLimitMB:    512,
			OutputBytesMax:   1 << 20,
		},
		Classifier: ClassifierConfig{
			Thresholds: ClassifierThresholds{Same: 0.92, Related: 0.75},
		},
		Autofix: AutofixConfig{MaxAttempts: 3, AgeDecayEnabled: true},
		Generation: GenerationConfig{
			Parallel:     GenerationParallelConfig{MaxVariants: 5, QualityWeight: 0.7, SpeedWeight: 0.3},
			ResourceCaps: ResourceCapsConfig{CPUSeconds: 60, MemMB: 512, WallSeconds: 600, OutputBytes: 1 << 20},
			SafetyCaps:   map[string]int64{"iterations": 10_000, "sequence_length": 100_000, "list_length": 1_000_000},
		},
		Repair: RepairConfig{MaxTotalRetries: 6, TopKFixes: 3},
		Store: StoreConfig{
			EmbeddingDim: 768,
			ANNKind:      "sqlite-vec",
			Path:         "data/codeforge",
		},
		Background: BackgroundConfig{IntervalSeconds: 300},
	}
}

// Load reads path, strictly parses it onto Default(), and returns the
// merged configuration. Undefined options are rejected (spec §6.1).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := strictUnmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Watcher watches the tool descriptor directory and exposes its change
// events; reacting to them is up to the caller. The config file itself is
// not watched: Current() returns the snapshot passed to NewWatcher, so a
// resource cap never changes mid-request.
type Watcher struct {
	fsw     *fsnotify.Watcher
	current atomic.Pointer[Config]
}

// NewWatcher starts watching dir for changes and returns immediately;
// callers read the live config through Current().
func NewWatcher(initial *Config, dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if dir != "" {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("config: watch %s: %w", dir, err)
		}
	}
	w := &Watcher{fsw: fsw}
	w.current.Store(initial)
	return w, nil
}

// Current returns the live configuration snapshot.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Events exposes the underlying fsnotify event channel so callers (the
// Tool Registry) can react to descriptor-directory changes with an
// atomic snapshot swap of their own.
func (w *Watcher) Events() <-chan fsnotify.Event {
	return w.fsw.Events
}

// Close stops the underlying filesystem watch.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
