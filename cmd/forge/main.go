// Package main implements the forge CLI: the external collaborator
// surface for the self-improving code-generation engine (spec §6.3).
//
// # File Index
//
//   - main.go          - entry point, rootCmd, global flags, component wiring
//   - cmd_check.go     - checkCmd
//   - cmd_generate.go  - generateCmd
//   - cmd_run.go       - runCmd
//   - cmd_evaluate.go  - evaluateCmd
//   - cmd_list.go      - listCmd
//   - cmd_clear.go     - clearCmd
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codeforge/internal/autofix"
	"codeforge/internal/classifier"
	"codeforge/internal/config"
	"codeforge/internal/embedding"
	"codeforge/internal/generator"
	"codeforge/internal/logging"
	"codeforge/internal/modelgateway"
	"codeforge/internal/optimizer"
	"codeforge/internal/orchestrator"
	"codeforge/internal/planner"
	"codeforge/internal/rules"
	"codeforge/internal/sandbox"
	"codeforge/internal/store"
	"codeforge/internal/tools"
)

// Global flags (mirrors the teacher's cmd/nerd single package-level var
// block, no per-file duplication).
var (
	configPath string
	workspace  string
	verbose    bool
	timeout    time.Duration

	logger *zap.Logger
)

// exit codes per spec §6.3.
const (
	exitOK                 = 0
	exitUserError          = 2
	exitBackendUnreachable = 3
	exitTestFailure        = 4
	exitStorageError       = 5
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "forge - self-improving code-generation engine",
	Long: `forge plans, generates, tests, repairs, and stores executable code
artifacts, reusing and improving them across invocations.

Code is the authoritative representation. Artifacts are ranked by measured
execution outcomes, not LLM self-report.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(verbose, false)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to forge.yaml (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Operation timeout")

	rootCmd.AddCommand(checkCmd, generateCmd, runCmd, evaluateCmd, listCmd, clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(codeForError(err))
	}
}

// app bundles every wired component a subcommand might need. Built once
// per invocation in boot() and torn down by Close().
type app struct {
	cfg       *config.Config
	store     *store.Store
	registry  *tools.Registry
	gateway   *modelgateway.Gateway
	embedder  embedding.EmbeddingEngine
	sandbox   *sandbox.Runner
	autofix   *autofix.Cache
	orch      *orchestrator.Orchestrator
	optimizer *optimizer.Optimizer
}

func (a *app) Close() {
	if a.orch != nil {
		_ = a.orch.Close()
	}
	if a.registry != nil {
		_ = a.registry.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// boot loads configuration and wires every component, following the
// teacher's cmd/nerd pattern of building everything fresh per invocation
// rather than holding a long-lived daemon (spec's CLI is a collaborator
// surface, not a server).
func boot(ctx context.Context) (*app, error) {
	ws := workspace
	if ws == "" {
		var err error
		ws, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	} else if abs, err := filepath.Abs(ws); err == nil {
		ws = abs
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	stateDir := cfg.Store.Path
	if !filepath.IsAbs(stateDir) {
		stateDir = filepath.Join(ws, stateDir)
	}
	toolsDir := filepath.Join(stateDir, "tools")
	recordsDir := filepath.Join(stateDir, "records")
	for _, d := range []string{stateDir, toolsDir, recordsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("forge: create %s: %w", d, err)
		}
	}

	st, err := store.Open(ctx, filepath.Join(stateDir, "store.db"), logger)
	if err != nil {
		return nil, err
	}

	embedder, err := embedding.NewEngine(embedding.DefaultConfig(), logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	backends := map[string]modelgateway.Backend{}
	for name, bc := range cfg.LLM.Backends {
		if !bc.Enabled {
			continue
		}
		switch name {
		case "anthropic":
			backends[name] = modelgateway.NewAnthropicBackend(os.Getenv(bc.APIKeyEnv))
		case "openai":
			backends[name] = modelgateway.NewOpenAIBackend(os.Getenv(bc.APIKeyEnv))
		case "ollama":
			backends[name] = modelgateway.NewOllamaBackend(bc.BaseURL)
		}
	}
	gw, err := modelgateway.NewGateway(cfg.LLM, backends, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	registry, err := tools.New(toolsDir, nil, logger, tools.WithEmbedder(embedder))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	sb := sandbox.New(registry, gw, logger)

	af, err := autofix.Open(ctx, st.DB(), logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	cls := classifier.New(st, embedder, classifier.DefaultThresholds(), logger)

	checker, err := rules.NewChecker()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	pl := planner.New(gw, checker, cfg.Generation, logger)
	gen := generator.New(gw, cfg.Generation.Parallel.MaxVariants, logger)

	orch, err := orchestrator.New(st, cls, pl, gen, sb, af, embedder, gw, checker, cfg,
		filepath.Join(recordsDir, "execution.log"), logger, registry)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	registry.SetEvolutionSink(orch.OnEvolutionRequested)

	opt := optimizer.New(st, registry, time.Duration(cfg.Background.IntervalSeconds)*time.Second, logger)

	return &app{
		cfg: cfg, store: st, registry: registry, gateway: gw, embedder: embedder,
		sandbox: sb, autofix: af, orch: orch, optimizer: opt,
	}, nil
}

func contextWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// codeForError maps a top-level command failure to spec §6.3's exit codes
// when the error doesn't already carry an explicit *exitError.
func codeForError(err error) int {
	if ee, ok := err.(*exitError); ok {
		return ee.code
	}
	return exitUserError
}

// exitError lets a subcommand pick a specific spec §6.3 exit code while
// still returning a normal error for cobra to print.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, err error) error { return &exitError{code: code, err: err} }
