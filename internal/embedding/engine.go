// Package embedding implements the Embedding Gateway (spec §4.B): a
// pluggable text-to-vector interface with Ollama (local) and Google GenAI
// (cloud) backends behind one contract.
package embedding

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"codeforge/internal/logging"
)

// EmbeddingEngine generates vector embeddings for text (spec §4.B).
type EmbeddingEngine interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// HealthChecker is an optional capability: engines that can cheaply verify
// backend reachability implement it so callers can probe before a batch
// job rather than fail mid-batch.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config selects and configures one backend.
type Config struct {
	Provider string // "ollama" or "genai"

	OllamaEndpoint string
	OllamaModel    string

	GenAIAPIKey string
	GenAIModel  string
	TaskType    string
}

// DefaultConfig mirrors spec §4.B's suggested local-first default.
func DefaultConfig() Config {
	return Config{
		Provider:       "ollama",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
		TaskType:       "SEMANTIC_SIMILARITY",
	}
}

// NewEngine builds the engine cfg.Provider names.
func NewEngine(cfg Config, logger *zap.Logger) (EmbeddingEngine, error) {
	if logger == nil {
		logger = logging.Noop()
	}
	log := logging.For(logger, logging.CategoryEmbedding)

	switch cfg.Provider {
	case "ollama":
		log.Debug("initializing ollama embedding engine", zap.String("endpoint", cfg.OllamaEndpoint), zap.String("model", cfg.OllamaModel))
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel, log)
	case "genai":
		log.Debug("initializing genai embedding engine", zap.String("model", cfg.GenAIModel))
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType, log)
	default:
		return nil, fmt.Errorf("embedding: unsupported provider %q (use \"ollama\" or \"genai\")", cfg.Provider)
	}
}

// CosineSimilarity returns the cosine similarity of a and b in [-1, 1], or
// an error on a dimension mismatch (store.CosineSimilarity instead treats
// a mismatch as "not comparable" and returns 0 — this gateway-level
// function is used interactively, where the caller wants to know why).
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("embedding: vector dimension mismatch: %d != %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
