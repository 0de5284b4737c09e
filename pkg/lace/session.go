package lace

import "time"

// ProviderConfig is the subset of provider selection a Session pins for its
// lifetime: which backend and model its turns run against. It mirrors
// internal/config.ProviderConfig's Name/DefaultModel fields without
// importing that package, since internal/config already imports pkg/lace.
type ProviderConfig struct {
	Name         string `json:"name"`
	DefaultModel string `json:"default_model"`
}

// Session binds a thread to a tool policy and approval configuration. It is
// the unit a CLI or embedding host creates once per logical conversation;
// delegation creates child sessions that inherit it by default.
type Session struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Policy   Policy `json:"policy"`

	// AllowedTools, if non-nil, restricts tool dispatch to this set
	// regardless of Policy: a call whose name is absent is rejected before
	// the policy is even consulted. A nil set means "no restriction".
	AllowedTools map[string]bool `json:"allowed_tools,omitempty"`

	ProviderConfig ProviderConfig `json:"provider_config"`

	// TokenBudget is the context window, in tokens, this session's turns are
	// compacted against. Zero means "use the engine's configured default".
	TokenBudget int64 `json:"token_budget,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CurrentTurnMetrics tracks the running state of the turn in flight: token
// usage (estimated until a provider's authoritative usage counts arrive, at
// which point they take precedence), elapsed wall-clock time, retry count,
// and the tool currently executing, if any.
type CurrentTurnMetrics struct {
	TurnID    string    `json:"turn_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ElapsedMs int64     `json:"elapsed_ms,omitempty"`

	EstimatedInputTokens  int64 `json:"estimated_input_tokens"`
	EstimatedOutputTokens int64 `json:"estimated_output_tokens"`
	ActualInputTokens     int64 `json:"actual_input_tokens,omitempty"`
	ActualOutputTokens    int64 `json:"actual_output_tokens,omitempty"`

	Retries     int    `json:"retries"`
	CurrentTool string `json:"current_tool,omitempty"`
}
