// Package tokens implements the fast local token estimator and the running
// per-turn metrics the agent turn engine uses for budget checks, grounded on
// the teacher's internal/compaction.EstimateTokens (ceil(chars/4)) and the
// snapshot-copy pattern of internal/agent/executor.go's ExecutorMetrics.
package tokens

import (
	"sync"
	"time"

	"github.com/obra/lace/pkg/lace"
)

// CharsPerToken is the divisor used by the fast local estimator. It is
// deliberately crude — good enough for budget checks, never presented as an
// authoritative count once a provider's usage block has arrived.
const CharsPerToken = 4

// Estimate returns a fast, local, provider-independent token estimate for
// a piece of text: ceil(len(text) / CharsPerToken).
func Estimate(text string) int64 {
	if text == "" {
		return 0
	}
	return int64((len(text) + CharsPerToken - 1) / CharsPerToken)
}

// Metrics tracks cumulative token usage for the turn in flight. All methods
// are safe for concurrent use since progress reporting happens from a
// different goroutine than the streaming loop that updates them.
type Metrics struct {
	mu        sync.Mutex
	m         lace.CurrentTurnMetrics
	startedAt time.Time
}

// Start begins a new turn: it resets every counter and records turnID and
// startedAt so Snapshot can report elapsed time and the turn's identity.
func (t *Metrics) Start(turnID string, startedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m = lace.CurrentTurnMetrics{TurnID: turnID, StartedAt: startedAt}
	t.startedAt = startedAt
}

// IncrRetries records one more retry attempt for the turn in flight.
func (t *Metrics) IncrRetries() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.Retries++
}

// SetCurrentTool records the tool currently executing, for progress
// reporting; callers clear it by passing "" once dispatch finishes.
func (t *Metrics) SetCurrentTool(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.CurrentTool = name
}

// AddEstimatedInput folds a fast estimate of newly-sent input text into the
// running total; call this before a provider round-trip completes.
func (t *Metrics) AddEstimatedInput(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.EstimatedInputTokens += Estimate(text)
}

// AddEstimatedOutput folds a fast estimate of streamed output text.
func (t *Metrics) AddEstimatedOutput(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.EstimatedOutputTokens += Estimate(text)
}

// SetActual records a provider's authoritative usage counts, which take
// precedence over estimates once available.
func (t *Metrics) SetActual(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.ActualInputTokens = input
	t.m.ActualOutputTokens = output
}

// Snapshot returns a value copy of the current metrics, with ElapsedMs
// computed against the moment Start was called, safe to hand to a caller
// outside the lock.
func (t *Metrics) Snapshot() lace.CurrentTurnMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.m
	if !t.startedAt.IsZero() {
		snap.ElapsedMs = time.Since(t.startedAt).Milliseconds()
	}
	return snap
}

// InputTokens returns the best-known input token count: actual if a
// provider has reported one, otherwise the running estimate.
func (t *Metrics) InputTokens() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m.ActualInputTokens > 0 {
		return t.m.ActualInputTokens
	}
	return t.m.EstimatedInputTokens
}

// OutputTokens returns the best-known output token count: actual if a
// provider has reported one, otherwise the running estimate.
func (t *Metrics) OutputTokens() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m.ActualOutputTokens > 0 {
		return t.m.ActualOutputTokens
	}
	return t.m.EstimatedOutputTokens
}
