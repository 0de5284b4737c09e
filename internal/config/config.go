// Package config loads this runtime's configuration from a YAML (or JSON5)
// file with $include composition and environment-variable overrides,
// grounded on the teacher's internal/config Load/applyDefaults/
// applyEnvOverrides pipeline and its loader.go $include resolver — trimmed
// from the teacher's ~20-section Config (gateway, channels, RAG,
// marketplace, cron, ...) down to the handful of composable sub-structs
// this runtime actually needs: storage, the default provider/model,
// logging, and the tool policy seed.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/obra/lace/pkg/lace"
)

// Config is the root configuration document.
type Config struct {
	Version  int            `yaml:"version"`
	Store    StoreConfig    `yaml:"store"`
	Provider ProviderConfig `yaml:"provider"`
	Logging  LoggingConfig  `yaml:"logging"`
	Policy   PolicyConfig   `yaml:"policy"`
	Turn     TurnConfig     `yaml:"turn"`
}

// StoreConfig configures the durable event store.
type StoreConfig struct {
	// Path is the SQLite file path, or ":memory:" for an ephemeral store
	// (used by LACE_TEST_MODE).
	Path string `yaml:"path"`
}

// ProviderConfig selects the default LLM provider and model.
type ProviderConfig struct {
	Name         string `yaml:"name"` // "anthropic" | "openai" | "test"
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// PolicyConfig seeds the initial tool policy. Rules map a tool name to
// "allow" | "require-approval" | "deny"; DefaultDecision falls back for any
// tool not named explicitly. AllowedTools, if non-empty, restricts a
// session to exactly that set regardless of Rules (spec.md §4.4 step 2) —
// an empty list means "no restriction", not "allow nothing".
type PolicyConfig struct {
	Rules           map[string]string `yaml:"rules"`
	DefaultDecision string            `yaml:"default_decision"`
	AllowedTools    []string          `yaml:"allowed_tools"`
}

// AllowedToolsSet converts AllowedTools into the set form lace.Session and
// the turn engine's dispatch gate use. Returns nil (no restriction) if
// AllowedTools is empty.
func (p PolicyConfig) AllowedToolsSet() map[string]bool {
	if len(p.AllowedTools) == 0 {
		return nil
	}
	set := make(map[string]bool, len(p.AllowedTools))
	for _, name := range p.AllowedTools {
		set[name] = true
	}
	return set
}

// ToPolicy converts the loaded config into the runtime lace.Policy type.
func (p PolicyConfig) ToPolicy() lace.Policy {
	policy := lace.DefaultPolicy()
	if p.DefaultDecision != "" {
		policy.DefaultDecision = lace.ToolDecision(p.DefaultDecision)
	}
	for name, decision := range p.Rules {
		policy.Rules[name] = lace.ToolDecision(decision)
	}
	return policy
}

// TurnConfig configures the turn engine's context window. MaxDelegationDepth
// is copied into turnengine.Config.MaxDepth, which the engine does not read;
// delegation depth is bounded by the constant delegate.MaxDepth.
// The retry backoff numbers themselves are NOT configurable
// here — spec.md pins them exactly and they live as constants in
// internal/provider.DefaultRetryPolicy.
type TurnConfig struct {
	ContextWindow      int64 `yaml:"context_window"`
	MaxDelegationDepth int   `yaml:"max_delegation_depth"`
}

// Default returns the configuration used when no file is present and no
// overrides are set, mirroring the teacher's applyDefaults pass.
func Default() Config {
	return Config{
		Version:  CurrentVersion,
		Store:    StoreConfig{Path: "lace.db"},
		Provider: ProviderConfig{Name: "anthropic", DefaultModel: "claude-sonnet-4-5"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Policy:   PolicyConfig{DefaultDecision: string(lace.DecisionRequireApproval)},
		Turn:     TurnConfig{ContextWindow: 100_000, MaxDelegationDepth: 3},
	}
}

// Load reads path (if non-empty and present) via LoadRaw — which resolves
// $include directives and accepts either YAML or JSON5 — re-marshals the
// merged document, and decodes it over Default(). A missing path is not an
// error: a caller that wants defaults-only passes "".
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			raw, err := LoadRaw(path)
			if err != nil {
				return Config{}, fmt.Errorf("config: %w", err)
			}
			cfg, err = decodeRawConfig(raw, cfg)
			if err != nil {
				return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}
	if err := applyOverridesAndDefaults(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Version != 0 {
		if err := ValidateVersion(cfg.Version); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// env var names, grounded on the teacher's NEXUS_-prefixed override
// convention, renamed to this runtime's LACE_ prefix.
const (
	envDBPath        = "LACE_DB_PATH"
	envTestMode      = "LACE_TEST_MODE"
	envProviderName  = "LACE_PROVIDER"
	envAPIKey        = "LACE_API_KEY"
	envModel         = "LACE_MODEL"
	envLogLevel      = "LACE_LOG_LEVEL"
	envContextWindow = "LACE_CONTEXT_WINDOW"
)

func applyOverridesAndDefaults(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(envDBPath)); v != "" {
		cfg.Store.Path = v
	}
	if truthy(os.Getenv(envTestMode)) {
		cfg.Store.Path = ":memory:"
		if cfg.Provider.Name == "" || cfg.Provider.Name == "anthropic" {
			cfg.Provider.Name = "test"
		}
	}
	if v := strings.TrimSpace(os.Getenv(envProviderName)); v != "" {
		cfg.Provider.Name = v
	}
	if v := os.Getenv(envAPIKey); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(envModel)); v != "" {
		cfg.Provider.DefaultModel = v
	}
	if v := strings.TrimSpace(os.Getenv(envLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(envContextWindow)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: %s: invalid integer %q", envContextWindow, v)
		}
		cfg.Turn.ContextWindow = n
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "lace.db"
	}
	if cfg.Turn.ContextWindow <= 0 {
		cfg.Turn.ContextWindow = 100_000
	}
	if cfg.Turn.MaxDelegationDepth <= 0 {
		cfg.Turn.MaxDelegationDepth = 3
	}
	if cfg.Policy.DefaultDecision == "" {
		cfg.Policy.DefaultDecision = string(lace.DecisionRequireApproval)
	}
	return nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
