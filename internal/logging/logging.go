// Package logging provides the structured logger shared by every component.
// A single *zap.Logger is built once in cmd/forge/main.go and threaded down
// through constructors; nothing here holds package-level logger state.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names the subsystem emitting a log line. Categories are attached
// as a zap field ("component") rather than routed to separate files -
// there is no Mangle-fact log consumer downstream of this engine.
type Category string

const (
	CategoryStore        Category = "store"
	CategoryEmbedding    Category = "embedding"
	CategoryModelGateway Category = "model_gateway"
	CategoryTools        Category = "tools"
	CategorySandbox      Category = "sandbox"
	CategoryValidate     Category = "validate"
	CategoryAutofix      Category = "autofix"
	CategoryClassifier   Category = "classifier"
	CategoryPlanner      Category = "planner"
	CategoryGenerator    Category = "generator"
	CategoryEvaluator    Category = "evaluator"
	CategoryOrchestrator Category = "orchestrator"
	CategoryOptimizer    Category = "optimizer"
	CategoryConfig       Category = "config"
)

// New builds the root logger. debug enables debug-level output; jsonFormat
// switches from console to JSON encoding for machine consumption.
func New(debug bool, jsonFormat bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if !jsonFormat {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return cfg.Build()
}

// For returns a child logger scoped to a category, the shape every
// component constructor expects (logging.For(parent, logging.CategoryStore)).
func For(logger *zap.Logger, category Category) *zap.Logger {
	return logger.With(zap.String("component", string(category)))
}

// Noop returns a logger that discards everything, for tests that do not
// care about log output.
func Noop() *zap.Logger {
	return zap.NewNop()
}
