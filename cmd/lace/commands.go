package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/obra/lace/internal/approval"
	"github.com/obra/lace/internal/bus"
	"github.com/obra/lace/internal/config"
	"github.com/obra/lace/internal/delegate"
	"github.com/obra/lace/internal/provider"
	"github.com/obra/lace/internal/provider/anthropic"
	"github.com/obra/lace/internal/provider/openai"
	"github.com/obra/lace/internal/provider/testprovider"
	"github.com/obra/lace/internal/queue"
	"github.com/obra/lace/internal/store"
	"github.com/obra/lace/internal/thread"
	"github.com/obra/lace/internal/tokens"
	"github.com/obra/lace/internal/tools"
	"github.com/obra/lace/internal/tools/builtin"
	"github.com/obra/lace/internal/turnengine"
	"github.com/obra/lace/pkg/lace"
)

// Exit codes from spec.md §6.5.
const (
	exitOK              = 0
	exitTurnError       = 1
	exitInvalidArgs     = 2
	exitApprovalDenied  = 3
	exitAbortedBySignal = 130
)

// invalidArgsError marks a RunE failure as an argument-parsing problem
// (exit 2) rather than a turn-level failure (exit 1).
type invalidArgsError struct{ err error }

func (e *invalidArgsError) Error() string { return e.err.Error() }
func (e *invalidArgsError) Unwrap() error { return e.err }

// abortedError marks a RunE failure as a signal-driven abort (exit 130).
type abortedError struct{ err error }

func (e *abortedError) Error() string { return e.err.Error() }
func (e *abortedError) Unwrap() error { return e.err }

// exitCodeFor maps a RunE error to one of spec.md §6.5's exit codes.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var invalid *invalidArgsError
	if errors.As(err, &invalid) {
		return exitInvalidArgs
	}
	var aborted *abortedError
	if errors.As(err, &aborted) {
		return exitAbortedBySignal
	}
	if errors.Is(err, approval.ErrApprovalDenied) {
		return exitApprovalDenied
	}
	return exitTurnError
}

// buildRootCmd creates the root command. Grounded on the teacher's
// cmd/nexus/main.go buildRootCmd, trimmed to the single "run a turn"
// surface spec.md §6.4 defines: no server, channels, or plugin subcommands.
func buildRootCmd() *cobra.Command {
	var (
		configPath  string
		continueID  string
		prompt      string
		allowTools  []string
		denyTools   []string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "lace",
		Short: "lace - a local-first coding agent runtime",
		Long: `lace runs a single agent turn against a local, event-sourced thread store.

	lace --prompt "fix the failing test in pkg/widget"
	lace --continue lace_20260730_ab12cd --prompt "now add a test for the edge case"`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(prompt) == "" {
				return &invalidArgsError{errors.New("--prompt is required")}
			}
			return runPrompt(cmd.Context(), runPromptArgs{
				configPath:  configPath,
				continueID:  continueID,
				prompt:      prompt,
				allowTools:  allowTools,
				denyTools:   denyTools,
				metricsAddr: metricsAddr,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "lace.yaml", "path to YAML/JSON5 configuration file")
	cmd.Flags().StringVar(&continueID, "continue", "", "resume an existing thread by ID (creates a new one if absent/invalid)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "the user message to run as a turn")
	cmd.Flags().StringArrayVar(&allowTools, "allow-tool", nil, "seed the policy to allow this tool (repeatable)")
	cmd.Flags().StringArrayVar(&denyTools, "deny-tool", nil, "seed the policy to deny this tool (repeatable)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. 127.0.0.1:9090) for the run's duration")

	cmd.AddCommand(buildConfigCmd())

	return cmd
}

// buildConfigCmd groups configuration-introspection subcommands, grounded
// on the teacher's "doctor"/"profile" command-group pattern in
// cmd/nexus/commands.go.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return fmt.Errorf("config schema: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
			return err
		},
	})
	return cmd
}

type runPromptArgs struct {
	configPath  string
	continueID  string
	prompt      string
	allowTools  []string
	denyTools   []string
	metricsAddr string
}

// runPrompt wires config -> store -> bus -> thread manager -> provider ->
// tool registry/executor -> approval gate -> turn engine, resolves
// --continue, runs one turn for --prompt, and translates the outcome into
// an exit code per spec.md §6.5.
func runPrompt(ctx context.Context, a runPromptArgs) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return &invalidArgsError{err}
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reporter, stopMetrics := startMetricsServer(a.metricsAddr, logger)
	defer stopMetrics()

	st, err := store.Open(ctx, cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	b := bus.New()
	threads := thread.New(st, b)

	threadID, err := threads.ResumeOrCreate(ctx, a.continueID)
	if err != nil {
		return fmt.Errorf("resolve thread: %w", err)
	}

	prov, err := newProvider(cfg.Provider)
	if err != nil {
		return &invalidArgsError{err}
	}

	workspace, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}

	registry := tools.NewRegistry()
	for _, t := range []tools.Tool{builtin.NewShell(), builtin.NewReadFile(workspace), builtin.NewWriteFile(workspace)} {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("register %s tool: %w", t.Descriptor().Name, err)
		}
	}
	executor := tools.NewExecutor(registry, tools.DefaultConfig())

	policy := cfg.Policy.ToPolicy()
	for _, name := range a.allowTools {
		policy.Rules[name] = lace.DecisionAllow
	}
	for _, name := range a.denyTools {
		policy.Rules[name] = lace.DecisionDeny
	}

	sess := lace.Session{
		ID:           uuid.NewString(),
		ThreadID:     threadID,
		Policy:       policy,
		AllowedTools: cfg.Policy.AllowedToolsSet(),
		ProviderConfig: lace.ProviderConfig{
			Name:         cfg.Provider.Name,
			DefaultModel: cfg.Provider.DefaultModel,
		},
		TokenBudget: cfg.Turn.ContextWindow,
		CreatedAt:   time.Now(),
	}

	engineCfg := turnengine.DefaultConfig()
	engineCfg.Model = cfg.Provider.DefaultModel
	if cfg.Turn.ContextWindow > 0 {
		engineCfg.ContextWindow = cfg.Turn.ContextWindow
	}
	if cfg.Turn.MaxDelegationDepth > 0 {
		engineCfg.MaxDepth = cfg.Turn.MaxDelegationDepth
	}

	engine := turnengine.New(threads, prov, registry, executor, b, engineCfg).WithMetrics(reporter)

	coordinator := delegate.New(threads, b, func() *turnengine.Engine {
		return turnengine.New(threads, prov, registry, executor, b, engineCfg).WithMetrics(reporter)
	})
	gate := approval.NewNonInteractiveGate(approval.Deny)
	if err := registry.Register(delegate.NewTool(coordinator, threadID, &sess.Policy, sess.AllowedTools, gate)); err != nil {
		return fmt.Errorf("register delegate tool: %w", err)
	}

	toolFinished, unsubscribe := b.Subscribe(bus.SubjectToolFinished, 64)
	defer unsubscribe()

	outcome, err := engine.Submit(ctx, threadID, a.prompt, queue.Normal, false, &sess.Policy, sess.AllowedTools, gate)
	if err != nil {
		return fmt.Errorf("submit prompt: %w", err)
	}
	denied := anyDenied(toolFinished)

	resultThread := outcome.ThreadID
	if resultThread == "" {
		resultThread = threadID
	}
	fmt.Fprintf(os.Stdout, "thread: %s\n", resultThread)

	switch outcome.Phase {
	case turnengine.PhaseCompleting:
		if denied {
			return fmt.Errorf("thread %s: %w", resultThread, approval.ErrApprovalDenied)
		}
		return nil
	case turnengine.PhaseAborting:
		return &abortedError{fmt.Errorf("thread %s: turn aborted: %w", resultThread, outcome.Err)}
	default:
		return fmt.Errorf("thread %s: turn failed: %w", resultThread, outcome.Err)
	}
}

// anyDenied drains a bus.SubjectToolFinished channel (subscribed before
// Run started, so its buffer holds every result from the turn) looking for
// the synthetic "denied" result internal/turnengine emits when a call is
// refused. A headless --prompt run has no interactive approver to ask, so
// this is how it surfaces exit 3 instead of silently letting the model see
// the denial in its own context and carry on.
func anyDenied(ch <-chan bus.Event) bool {
	for {
		select {
		case ev := <-ch:
			tr, ok := ev.Payload.(lace.ToolResult)
			if ok && tr.IsError && len(tr.Content) == 1 && tr.Content[0].Text == "denied" {
				return true
			}
		default:
			return false
		}
	}
}

// startMetricsServer registers lace's Prometheus collectors against a fresh
// registry and, if addr is non-empty, serves them at GET /metrics for as
// long as the returned stop func isn't called. Grounded on the teacher's
// internal/gateway/http_server.go mounting promhttp.Handler() alongside its
// other routes; here the metrics server is lace's only HTTP surface, so it
// gets its own short-lived net/http.Server instead of sharing a mux.
func startMetricsServer(addr string, logger *slog.Logger) (*tokens.PrometheusMetrics, func()) {
	reg := prometheus.NewRegistry()
	reporter := tokens.NewPrometheusMetrics(reg)
	if addr == "" {
		return reporter, func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	return reporter, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// newProvider selects a concrete provider.Provider from cfg.Name, grounded
// on the teacher's provider-selection switch in cmd/nexus's serve wiring.
func newProvider(cfg config.ProviderConfig) (provider.Provider, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "anthropic":
		return anthropic.New(anthropic.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, DefaultModel: cfg.DefaultModel})
	case "openai":
		return openai.New(openai.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, DefaultModel: cfg.DefaultModel})
	case "test":
		return testprovider.New("test", []provider.Model{{ID: cfg.DefaultModel, Name: cfg.DefaultModel, ContextWindow: 100_000, SupportsTools: true}},
			testprovider.Script{Text: "(no scripted response configured for LACE_TEST_MODE)"}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}
