// Package provider defines the streaming LLM provider trait (spec.md §4.3),
// grounded on the teacher's internal/agent/provider_types.go LLMProvider
// interface, generalized from the teacher's complete-tool-call-per-chunk
// model to the finer-grained tool_use_start/tool_input_delta/tool_use_complete
// progression spec.md requires. Concrete adapters live in
// internal/provider/anthropic and internal/provider/openai.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/obra/lace/pkg/lace"
)

// ChunkType is the closed set of streamed chunk tags.
type ChunkType string

const (
	ChunkToken            ChunkType = "token"
	ChunkToolUseStart     ChunkType = "tool_use_start"
	ChunkToolInputDelta   ChunkType = "tool_input_delta"
	ChunkToolUseComplete  ChunkType = "tool_use_complete"
	ChunkMessageStop      ChunkType = "message_stop"
	ChunkError            ChunkType = "error"
)

// Chunk is one unit of a streamed completion.
type Chunk struct {
	Type ChunkType

	// Token: incremental assistant text.
	Text string

	// ToolUseStart/ToolInputDelta/ToolUseComplete: identify which tool call
	// this chunk belongs to. InputDelta is a raw fragment of the arguments
	// JSON as the provider streams it. ToolUseComplete may carry the fully
	// assembled arguments in ToolArgs; when ToolArgs is empty, the consumer
	// joins the call's InputDelta fragments itself.
	ToolCallID   string
	ToolName     string
	InputDelta   string
	ToolArgs     json.RawMessage

	// MessageStop: final usage counts, authoritative over estimates.
	InputTokens  int64
	OutputTokens int64

	// Error: terminal stream error.
	Err error
}

// ErrorKind is the provider error taxonomy from spec.md §4.3. Only
// RateLimited and NetworkTransient are retryable.
type ErrorKind string

const (
	ErrUnauthorized    ErrorKind = "Unauthorized"
	ErrRateLimited     ErrorKind = "RateLimited"
	ErrNetworkTransient ErrorKind = "NetworkTransient"
	ErrBadRequest      ErrorKind = "BadRequest"
	ErrServerError     ErrorKind = "ServerError"
	ErrCancelled       ErrorKind = "Cancelled"
)

// Error wraps a provider failure with its classification.
type Error struct {
	Kind         ErrorKind
	RetryAfterMs int64 // only meaningful for RateLimited
	Cause        error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the turn engine's retry policy should apply.
func (e *Error) Retryable() bool {
	return e.Kind == ErrRateLimited || e.Kind == ErrNetworkTransient
}

// AsProviderError extracts a *Error from err, if any.
func AsProviderError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Message is one entry of the conversation passed to a provider, rendered
// from a thread's event log by internal/turnengine.
type Message struct {
	Role        string // "user" | "assistant" | "tool"
	Content     string
	ToolCalls   []lace.ToolCall
	ToolResults []lace.ToolResult
}

// Request is a single completion request.
type Request struct {
	Model                string
	System               string
	Messages             []Message
	Tools                []lace.ToolDescriptor
	MaxTokens            int
	EnableThinking       bool
	ThinkingBudgetTokens int
}

// Model describes one model a provider exposes.
type Model struct {
	ID            string
	Name          string
	ContextWindow int64
	SupportsTools bool
}

// Provider is the streaming LLM trait every concrete adapter implements.
// Thread safety: implementations must support concurrent Stream calls from
// independent threads; each call owns an independent goroutine and channel.
type Provider interface {
	Name() string
	Models() []Model
	SupportsTools() bool

	// Stream starts a completion and returns a channel of chunks. The
	// channel is closed after a ChunkMessageStop or ChunkError chunk.
	// Cancelling ctx aborts the in-flight request: the implementation stops
	// sending chunks and closes the channel, and no final ErrCancelled chunk
	// is guaranteed.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// RetryPolicy holds the exact numeric parameters spec.md §4.6 mandates for
// provider-call retries: base 500ms, factor 2, jitter +/-25%, cap 30s, max 5
// attempts.
type RetryPolicy struct {
	Base       time.Duration
	Factor     float64
	JitterFrac float64
	Cap        time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns spec.md's exact parameters.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        500 * time.Millisecond,
		Factor:      2,
		JitterFrac:  0.25,
		Cap:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// Backoff returns the delay before retry attempt n (1-based), before jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if d > p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	return d
}

// Jitter applies +/-JitterFrac randomness to d using a caller-supplied
// random float in [0,1), keeping the policy deterministic-testable: tests
// can pass a fixed value instead of depending on math/rand's global state.
func (p RetryPolicy) Jitter(d time.Duration, rand01 float64) time.Duration {
	if p.JitterFrac <= 0 {
		return d
	}
	// Map rand01 in [0,1) to [-JitterFrac, +JitterFrac].
	factor := 1 + (rand01*2-1)*p.JitterFrac
	return time.Duration(float64(d) * factor)
}
