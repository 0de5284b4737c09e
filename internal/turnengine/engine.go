// Package turnengine implements the agent turn state machine from spec.md
// §4.6, grounded on the teacher's internal/agent/loop.go AgenticLoop —
// generalized from its six-phase (Init/Stream/ExecuteTools/Continue) shape
// to the nine-state machine spec.md names (idle, user_pending, thinking,
// streaming, tool_dispatch, tool_running, completing, aborting, error),
// and from the teacher's ad hoc retry parameters to spec.md's exact
// numbers: base 500ms, factor 2, jitter +/-25%, cap 30s, max 5 attempts.
package turnengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obra/lace/internal/approval"
	"github.com/obra/lace/internal/bus"
	"github.com/obra/lace/internal/compaction"
	"github.com/obra/lace/internal/provider"
	"github.com/obra/lace/internal/queue"
	"github.com/obra/lace/internal/thread"
	"github.com/obra/lace/internal/tokens"
	"github.com/obra/lace/internal/tools"
	"github.com/obra/lace/pkg/lace"
)

// Phase is one state of the turn state machine.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseUserPending  Phase = "user_pending"
	PhaseThinking     Phase = "thinking"
	PhaseStreaming    Phase = "streaming"
	PhaseToolDispatch Phase = "tool_dispatch"
	PhaseToolRunning  Phase = "tool_running"
	PhaseCompleting   Phase = "completing"
	PhaseAborting     Phase = "aborting"
	PhaseError        Phase = "error"
)

// progressThrottle bounds how often turn_progress is published, per
// spec.md §4.6 ("at most every 250ms").
const progressThrottle = 250 * time.Millisecond

// Config tunes one Engine instance.
type Config struct {
	Model         string
	System        string
	ContextWindow int64
	MaxDepth      int // not read by Engine; delegation depth is bounded by the constant delegate.MaxDepth
	Retry         provider.RetryPolicy
}

// DefaultConfig returns spec.md's exact numeric defaults.
func DefaultConfig() Config {
	return Config{
		ContextWindow: thread.DefaultContextWindow,
		MaxDepth:      3,
		Retry:         provider.DefaultRetryPolicy(),
	}
}

// Engine drives one thread's turns. It is not safe for concurrent Run calls
// against the same thread ID — callers must serialize via
// thread.Manager.Lock, which Run does internally.
type Engine struct {
	threads    *thread.Manager
	prov       provider.Provider
	registry   *tools.Registry
	executor   *tools.Executor
	bus        *bus.Bus
	cfg        Config
	summarizer compaction.Summarizer
	queue      *queue.Queue

	mu      sync.Mutex
	phase   map[string]Phase
	metrics map[string]*tokens.Metrics

	reporter *tokens.PrometheusMetrics
}

// New constructs an Engine.
func New(threads *thread.Manager, prov provider.Provider, registry *tools.Registry, executor *tools.Executor, b *bus.Bus, cfg Config) *Engine {
	return &Engine{
		threads:    threads,
		prov:       prov,
		registry:   registry,
		executor:   executor,
		bus:        b,
		cfg:        cfg,
		summarizer: newProviderSummarizer(prov, cfg.Model),
		queue:      queue.New(),
		phase:      make(map[string]Phase),
		metrics:    make(map[string]*tokens.Metrics),
	}
}

// WithMetrics attaches a Prometheus reporter that records turn and tool
// execution series as this Engine runs turns. Passing nil (the default
// from New) disables reporting entirely.
func (e *Engine) WithMetrics(m *tokens.PrometheusMetrics) *Engine {
	e.reporter = m
	return e
}

// Queue exposes the engine's input admission queue so a CLI or embedding
// host can tune per-thread overflow settings before submitting messages.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Phase returns the current phase for threadID (PhaseIdle if unknown).
func (e *Engine) Phase(threadID string) Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.phase[threadID]; ok {
		return p
	}
	return PhaseIdle
}

func (e *Engine) setPhase(threadID string, p Phase) {
	e.mu.Lock()
	e.phase[threadID] = p
	e.mu.Unlock()
}

func (e *Engine) metricsFor(threadID string) *tokens.Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.metrics[threadID]
	if !ok {
		m = &tokens.Metrics{}
		e.metrics[threadID] = m
	}
	return m
}

// TurnStarted is turn_started's payload: the opaque id spec.md §4.6 says a
// caller can use to correlate subsequent events with this turn.
type TurnStarted struct {
	TurnID string `json:"turnId"`
}

// TurnProgress is turn_progress's payload, per spec.md §4.9.
type TurnProgress struct {
	ElapsedMs   int64  `json:"elapsedMs"`
	TokensIn    int64  `json:"tokensIn"`
	TokensOut   int64  `json:"tokensOut"`
	CurrentTool string `json:"currentTool"`
}

// ThinkingComplete is thinking's payload: how long the model took before
// its first streamed token.
type ThinkingComplete struct {
	ElapsedMs int64 `json:"elapsedMs"`
}

// RetryAttempt is retries' payload, emitted once per retried stream attempt.
type RetryAttempt struct {
	Attempt int    `json:"attempt"`
	Err     string `json:"error"`
}

// Outcome is the terminal result of a Run call.
type Outcome struct {
	ThreadID string // the thread the turn actually completed on, post-compaction
	Phase    Phase  // PhaseCompleting (success), PhaseAborting (cancelled), PhaseError
	Err      error
	Metrics  lace.CurrentTurnMetrics
}

// Submit implements spec.md §4.7's admission rule for a new message: if
// threadID is idle, it dispatches immediately via Run; otherwise it is
// enqueued (if optIn) or rejected with queue.ErrBusyRejected. After Run
// completes it drains any messages that queued up while the turn was busy,
// so a caller only needs to call Submit once per message regardless of
// whether the engine happened to be busy at submission time.
func (e *Engine) Submit(ctx context.Context, threadID, content string, priority queue.Priority, optIn bool, policy *lace.Policy, allowedTools map[string]bool, gate approval.Gate) (Outcome, error) {
	idle := e.Phase(threadID) == PhaseIdle
	item := queue.Item{Content: content, Priority: priority, EnqueuedAt: time.Now()}

	dispatchNow, err := e.queue.Admit(threadID, idle, item, optIn)
	if err != nil {
		return Outcome{}, err
	}
	if !dispatchNow {
		stats := e.queue.GetQueueStats(threadID)
		e.bus.Publish(ctx, threadID, bus.SubjectMessageQueued, stats)
		return Outcome{ThreadID: threadID, Phase: e.Phase(threadID)}, nil
	}

	outcome := e.Run(ctx, threadID, content, policy, allowedTools, gate)
	e.drain(ctx, threadID, outcome.ThreadID, policy, allowedTools, gate)
	return outcome, nil
}

// drain pulls queued messages for queueKey (the thread ID external callers
// submit against) one at a time, running each to completion against
// current — the thread ID the conversation actually lives on, which may
// have moved on from queueKey if an earlier Run compacted it — the
// "on each idle transition the engine pulls the head of the queue" dispatch
// spec.md §4.6 describes.
func (e *Engine) drain(ctx context.Context, queueKey, current string, policy *lace.Policy, allowedTools map[string]bool, gate approval.Gate) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok := e.queue.Next(queueKey)
		if !ok {
			return
		}
		outcome := e.Run(ctx, current, item.Content, policy, allowedTools, gate)
		current = outcome.ThreadID
	}
}

// Run drives one full turn for threadID starting from userMessage: append
// USER_MESSAGE, stream the provider, execute any requested tools, loop
// until the model stops requesting tools, then append the final
// AGENT_MESSAGE. It holds threadID's lock for its entire duration, giving
// the single-writer-per-thread guarantee spec.md §5 requires.
//
// If allowedTools is non-nil, any requested tool call whose name is absent
// from it is rejected before policy/approval is even consulted, per
// spec.md §4.4 step 2.
func (e *Engine) Run(ctx context.Context, threadID string, userMessage string, policy *lace.Policy, allowedTools map[string]bool, gate approval.Gate) (outcome Outcome) {
	unlock := e.threads.Lock(threadID)
	defer func() { unlock() }()

	activeThread := threadID
	turnID := uuid.NewString()
	start := time.Now()
	metrics := e.metricsFor(threadID)
	defer func() {
		outcome.ThreadID = activeThread
		e.reporter.ObserveTurn(string(outcome.Phase), time.Since(start))
		e.reporter.AddTokens(metrics.InputTokens(), outcome.Metrics.ActualOutputTokens+outcome.Metrics.EstimatedOutputTokens)
	}()

	metrics.Start(turnID, start)
	e.setPhase(activeThread, PhaseUserPending)
	e.bus.Publish(ctx, activeThread, bus.SubjectTurnStarted, TurnStarted{TurnID: turnID})

	if _, err := e.threads.AddEvent(ctx, activeThread, lace.EventUserMessage, map[string]string{"content": userMessage}); err != nil {
		e.setPhase(activeThread, PhaseError)
		return Outcome{Phase: PhaseError, Err: fmt.Errorf("turnengine: append user message: %w", err)}
	}
	metrics.AddEstimatedInput(userMessage)

	var lastProgress time.Time
	for {
		if err := ctx.Err(); err != nil {
			return e.reconcileAbort(ctx, activeThread, metrics, err)
		}

		// §4.6 pre-flight: request needsCompaction from the thread manager
		// and, if indicated, compact and retry this iteration against the
		// new thread view rather than the one that triggered it.
		if needs, err := e.threads.NeedsCompaction(ctx, activeThread, e.contextWindow()); err == nil && needs {
			newID, cErr := e.threads.Compact(ctx, activeThread, e.summarizer, compaction.DefaultTailWindow)
			if cErr == nil && newID != activeThread {
				newUnlock := e.threads.Lock(newID)
				unlock()
				unlock = newUnlock
				activeThread = newID
				e.setPhase(activeThread, PhaseUserPending)
			}
		}

		e.setPhase(activeThread, PhaseThinking)
		events, err := e.threads.GetEvents(ctx, activeThread)
		if err != nil {
			e.setPhase(activeThread, PhaseError)
			return Outcome{Phase: PhaseError, Err: err}
		}
		req := e.buildRequest(events)

		e.setPhase(activeThread, PhaseStreaming)
		assistantText, toolCalls, streamErr := e.streamWithRetry(ctx, activeThread, req, metrics, &lastProgress)
		if streamErr != nil {
			if errors.Is(streamErr, context.Canceled) {
				return e.reconcileAbort(ctx, activeThread, metrics, streamErr)
			}
			e.setPhase(activeThread, PhaseError)
			e.bus.Publish(ctx, activeThread, bus.SubjectTurnError, streamErr)
			return Outcome{Phase: PhaseError, Err: streamErr, Metrics: metrics.Snapshot()}
		}

		if len(toolCalls) == 0 {
			if _, err := e.threads.AddEvent(ctx, activeThread, lace.EventAgentMessage, map[string]string{"content": assistantText}); err != nil {
				e.setPhase(activeThread, PhaseError)
				return Outcome{Phase: PhaseError, Err: err}
			}
			e.setPhase(activeThread, PhaseCompleting)
			e.bus.Publish(ctx, activeThread, bus.SubjectTurnCompleted, assistantText)
			e.setPhase(activeThread, PhaseIdle)
			return Outcome{Phase: PhaseCompleting, Metrics: metrics.Snapshot()}
		}

		if assistantText != "" {
			if _, err := e.threads.AddEvent(ctx, activeThread, lace.EventAgentMessage, map[string]string{"content": assistantText}); err != nil {
				e.setPhase(activeThread, PhaseError)
				return Outcome{Phase: PhaseError, Err: err}
			}
		}

		e.setPhase(activeThread, PhaseToolDispatch)
		for _, tc := range toolCalls {
			if _, err := e.threads.AddEvent(ctx, activeThread, lace.EventToolCall, tc); err != nil {
				e.setPhase(activeThread, PhaseError)
				return Outcome{Phase: PhaseError, Err: err}
			}
			e.bus.Publish(ctx, activeThread, bus.SubjectToolRequested, tc)
		}

		if err := ctx.Err(); err != nil {
			return e.reconcileAbort(ctx, activeThread, metrics, err)
		}

		e.setPhase(activeThread, PhaseToolRunning)
		metrics.SetCurrentTool(toolCalls[0].Name)
		results := e.dispatchTools(ctx, toolCalls, policy, allowedTools, gate)
		metrics.SetCurrentTool("")

		if err := ctx.Err(); err != nil {
			// The turn was cancelled while tools were in flight. Leave this
			// round's TOOL_CALLs unresolved here; reconcileAbort synthesizes
			// their results instead of persisting whatever partial outcome
			// dispatchTools returned.
			return e.reconcileAbort(ctx, activeThread, metrics, err)
		}

		for _, tc := range toolCalls {
			tr := results[tc.ID]
			if _, err := e.threads.AddEvent(ctx, activeThread, lace.EventToolResult, tr); err != nil {
				e.setPhase(activeThread, PhaseError)
				return Outcome{Phase: PhaseError, Err: err}
			}
			e.bus.Publish(ctx, activeThread, bus.SubjectToolFinished, tr)
		}
		// loop: re-stream with the new tool results appended to history
	}
}

func (e *Engine) contextWindow() int64 {
	if e.cfg.ContextWindow > 0 {
		return e.cfg.ContextWindow
	}
	return thread.DefaultContextWindow
}

// dispatchTools gates every call through allowedTools (spec.md §4.4 step 2)
// and then policy/approval (step 3), executing only the calls that survive
// both. It returns a result for every call in calls, including synthetic
// rejections, so the caller can append a TOOL_RESULT for each regardless of
// outcome.
func (e *Engine) dispatchTools(ctx context.Context, calls []lace.ToolCall, policy *lace.Policy, allowedTools map[string]bool, gate approval.Gate) map[string]lace.ToolResult {
	results := make(map[string]lace.ToolResult, len(calls))
	var toExecute []lace.ToolCall
	for _, tc := range calls {
		if allowedTools != nil && !allowedTools[tc.Name] {
			results[tc.ID] = lace.ToolResult{ToolCallID: tc.ID, IsError: true, Content: []lace.ContentBlock{lace.TextBlock("tool not permitted for this session")}}
			continue
		}
		ok, err := approval.Resolve(ctx, policy, gate, tc.Name, tc.Arguments, lace.RiskMedium)
		if err != nil || !ok {
			results[tc.ID] = lace.ToolResult{ToolCallID: tc.ID, IsError: true, Content: []lace.ContentBlock{lace.TextBlock("denied")}}
			continue
		}
		toExecute = append(toExecute, tc)
	}

	if len(toExecute) > 0 {
		execResults := e.executor.ExecuteTurn(ctx, toExecute)
		for _, r := range execResults {
			outcome := "ok"
			if r.Err != nil {
				outcome = "error"
				results[r.ToolCallID] = lace.ToolResult{ToolCallID: r.ToolCallID, IsError: true, Content: []lace.ContentBlock{lace.TextBlock(r.Err.Error())}}
			} else {
				if r.Result.IsError {
					outcome = "error"
				}
				results[r.ToolCallID] = r.Result
			}
			e.reporter.ObserveToolExecution(r.ToolName, outcome, r.Duration)
		}
	}
	return results
}

// reconcileAbort implements spec.md's cancellation reconciliation: any
// dangling TOOL_CALL (one with no matching TOOL_RESULT) gets a synthetic
// aborted result before the turn_aborted event is published. It does not
// persist partial assistant text; streamWithRetry returns no text for a
// stream that ended in an error.
func (e *Engine) reconcileAbort(ctx context.Context, threadID string, metrics *tokens.Metrics, cause error) Outcome {
	e.setPhase(threadID, PhaseAborting)
	bg := context.Background()

	events, err := e.threads.GetEvents(bg, threadID)
	if err == nil {
		resolved := map[string]bool{}
		for _, ev := range events {
			if ev.Type == lace.EventToolResult {
				var tr lace.ToolResult
				if json.Unmarshal(ev.Data, &tr) == nil {
					resolved[tr.ToolCallID] = true
				}
			}
		}
		for _, ev := range events {
			if ev.Type != lace.EventToolCall {
				continue
			}
			var tc lace.ToolCall
			if json.Unmarshal(ev.Data, &tc) != nil || resolved[tc.ID] {
				continue
			}
			synthetic := lace.ToolResult{ToolCallID: tc.ID, IsError: true, Content: []lace.ContentBlock{lace.TextBlock("aborted")}}
			e.threads.AddEvent(bg, threadID, lace.EventToolResult, synthetic)
		}
	}

	e.bus.Publish(bg, threadID, bus.SubjectTurnAborted, cause)
	e.setPhase(threadID, PhaseIdle)
	return Outcome{Phase: PhaseAborting, Err: cause, Metrics: metrics.Snapshot()}
}

func (e *Engine) buildRequest(events []lace.Event) provider.Request {
	req := provider.Request{Model: e.cfg.Model, System: e.cfg.System, Tools: e.registry.Descriptors()}
	for _, ev := range events {
		switch ev.Type {
		case lace.EventUserMessage:
			var m map[string]string
			json.Unmarshal(ev.Data, &m)
			req.Messages = append(req.Messages, provider.Message{Role: "user", Content: m["content"]})
		case lace.EventAgentMessage, lace.EventSystemMessage:
			var m map[string]string
			json.Unmarshal(ev.Data, &m)
			req.Messages = append(req.Messages, provider.Message{Role: "assistant", Content: m["content"]})
		case lace.EventToolResult:
			var tr lace.ToolResult
			json.Unmarshal(ev.Data, &tr)
			req.Messages = append(req.Messages, provider.Message{Role: "tool", ToolResults: []lace.ToolResult{tr}})
		}
	}
	return req
}

// streamWithRetry calls the provider and retries on retryable errors using
// spec.md's exact backoff parameters, re-issuing the identical request each
// attempt. It returns the accumulated assistant text and any tool calls the
// model completed during the stream.
func (e *Engine) streamWithRetry(ctx context.Context, threadID string, req provider.Request, metrics *tokens.Metrics, lastProgress *time.Time) (string, []lace.ToolCall, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.Retry.MaxAttempts; attempt++ {
		text, calls, err := e.streamOnce(ctx, threadID, req, metrics, lastProgress)
		if err == nil {
			return text, calls, nil
		}
		lastErr = err
		pe, ok := provider.AsProviderError(err)
		if !ok || !pe.Retryable() || attempt == e.cfg.Retry.MaxAttempts {
			return "", nil, err
		}
		metrics.IncrRetries()
		e.bus.Publish(ctx, threadID, bus.SubjectRetries, RetryAttempt{Attempt: attempt, Err: err.Error()})

		delay := e.cfg.Retry.Backoff(attempt)
		delay = e.cfg.Retry.Jitter(delay, rand.Float64())
		if pe.Kind == provider.ErrRateLimited && pe.RetryAfterMs > 0 {
			delay = time.Duration(pe.RetryAfterMs) * time.Millisecond
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
	return "", nil, lastErr
}

func (e *Engine) streamOnce(ctx context.Context, threadID string, req provider.Request, metrics *tokens.Metrics, lastProgress *time.Time) (string, []lace.ToolCall, error) {
	thinkStart := time.Now()
	chunks, err := e.prov.Stream(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	pendingArgs := map[string]*strings.Builder{}
	pendingNames := map[string]string{}
	var order []string
	var completed []lace.ToolCall
	thinkingEmitted := false

	for chunk := range chunks {
		switch chunk.Type {
		case provider.ChunkToken:
			if !thinkingEmitted {
				thinkingEmitted = true
				e.bus.Publish(ctx, threadID, bus.SubjectThinking, ThinkingComplete{ElapsedMs: time.Since(thinkStart).Milliseconds()})
			}
			text.WriteString(chunk.Text)
			metrics.AddEstimatedOutput(chunk.Text)
			now := time.Now()
			if now.Sub(*lastProgress) >= progressThrottle {
				*lastProgress = now
				snap := metrics.Snapshot()
				e.bus.Publish(ctx, threadID, bus.SubjectTurnProgress, TurnProgress{
					ElapsedMs:   snap.ElapsedMs,
					TokensIn:    metrics.InputTokens(),
					TokensOut:   metrics.OutputTokens(),
					CurrentTool: snap.CurrentTool,
				})
			}
			e.bus.Publish(ctx, threadID, bus.SubjectAgentToken, chunk.Text)
		case provider.ChunkToolUseStart:
			pendingArgs[chunk.ToolCallID] = &strings.Builder{}
			pendingNames[chunk.ToolCallID] = chunk.ToolName
			order = append(order, chunk.ToolCallID)
		case provider.ChunkToolInputDelta:
			if b, ok := pendingArgs[chunk.ToolCallID]; ok {
				b.WriteString(chunk.InputDelta)
			}
		case provider.ChunkToolUseComplete:
			args := chunk.ToolArgs
			if len(args) == 0 {
				if b, ok := pendingArgs[chunk.ToolCallID]; ok {
					args = json.RawMessage(b.String())
				}
			}
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			name := chunk.ToolName
			if name == "" {
				name = pendingNames[chunk.ToolCallID]
			}
			completed = append(completed, lace.ToolCall{ID: chunk.ToolCallID, Name: name, Arguments: args})
		case provider.ChunkMessageStop:
			metrics.SetActual(chunk.InputTokens, chunk.OutputTokens)
		case provider.ChunkError:
			return text.String(), completed, chunk.Err
		}
	}
	return text.String(), completed, nil
}
