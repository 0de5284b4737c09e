package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/obra/lace/pkg/lace"
)

// Default timeouts from spec.md §4.4: 60s for the "shell" tool, 30s for
// everything else unless overridden per-tool.
const (
	DefaultToolTimeout   = 30 * time.Second
	DefaultShellTimeout  = 60 * time.Second
	DefaultMaxConcurrency = 8
)

// ErrToolTimeout and ErrToolPanic classify executor-level failures so a
// caller can tell them apart from tool-reported errors with errors.Is.
// internal/turnengine does not: it turns any executor error into an error
// ToolResult carrying the error's message.
var (
	ErrToolTimeout = errors.New("tools: execution timed out")
	ErrToolPanic   = errors.New("tools: tool panicked")
)

// Config tunes per-tool timeout overrides.
type Config struct {
	Timeouts      map[string]time.Duration
	MaxConcurrency int
}

// DefaultConfig returns a Config with the "shell" tool's 60s timeout and a
// concurrency cap of DefaultMaxConcurrency.
func DefaultConfig() Config {
	return Config{
		Timeouts:       map[string]time.Duration{"shell": DefaultShellTimeout},
		MaxConcurrency: DefaultMaxConcurrency,
	}
}

// ExecutionResult is the outcome of dispatching one tool call.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Result     lace.ToolResult
	Err        error
	Duration   time.Duration
}

// Executor runs validated tool calls against a Registry, honoring the
// destructiveHint scheduling rule: independent calls run concurrently
// (bounded by MaxConcurrency), but any call whose tool is destructiveHint
// serializes itself and every subsequent call in the same batch.
type Executor struct {
	registry *Registry
	cfg      Config
	sem      chan struct{}
}

// NewExecutor constructs an Executor over registry with cfg.
func NewExecutor(registry *Registry, cfg Config) *Executor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	return &Executor{registry: registry, cfg: cfg, sem: make(chan struct{}, cfg.MaxConcurrency)}
}

// ExecuteTurn runs calls in the order the provider issued them, splitting
// into concurrent batches at every destructiveHint call (that call and
// everything after it serializes), matching spec.md §4.4's scheduling rule.
// Results are returned in the same order as calls.
func (e *Executor) ExecuteTurn(ctx context.Context, calls []lace.ToolCall) []ExecutionResult {
	results := make([]ExecutionResult, len(calls))

	batches := batchByDestructiveBoundary(e.descriptorLookup(), calls)
	idx := 0
	for _, batch := range batches {
		if len(batch) == 1 {
			results[idx] = e.execute(ctx, calls[idx])
			idx++
			continue
		}
		var wg sync.WaitGroup
		start := idx
		for i := range batch {
			wg.Add(1)
			go func(pos int) {
				defer wg.Done()
				results[pos] = e.execute(ctx, calls[pos])
			}(start + i)
		}
		wg.Wait()
		idx += len(batch)
	}
	return results
}

func (e *Executor) descriptorLookup() func(name string) bool {
	return func(name string) bool {
		t, ok := e.registry.Get(name)
		if !ok {
			return false
		}
		return t.Descriptor().Annotations.DestructiveHint
	}
}

// batchByDestructiveBoundary groups call indices into runs: everything up
// to (but not including) the first destructive call is one concurrent
// batch; the destructive call and every call after it are each their own
// singleton batch (forcing full serialization from that point on).
func batchByDestructiveBoundary(isDestructive func(string) bool, calls []lace.ToolCall) [][]int {
	var batches [][]int
	var current []int
	serializing := false
	for i, c := range calls {
		if serializing {
			batches = append(batches, []int{i})
			continue
		}
		if isDestructive(c.Name) {
			if len(current) > 0 {
				batches = append(batches, current)
				current = nil
			}
			batches = append(batches, []int{i})
			serializing = true
			continue
		}
		current = append(current, i)
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func (e *Executor) execute(ctx context.Context, call lace.ToolCall) ExecutionResult {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return ExecutionResult{ToolCallID: call.ID, ToolName: call.Name, Err: ctx.Err()}
	}

	start := time.Now()
	t, ok := e.registry.Get(call.Name)
	if !ok {
		return ExecutionResult{ToolCallID: call.ID, ToolName: call.Name, Err: fmt.Errorf("tools: unknown tool %q", call.Name), Duration: time.Since(start)}
	}
	if err := e.registry.Validate(call.Name, call.Arguments); err != nil {
		return ExecutionResult{ToolCallID: call.ID, ToolName: call.Name, Err: err, Duration: time.Since(start)}
	}

	timeout := DefaultToolTimeout
	if d, ok := e.cfg.Timeouts[call.Name]; ok {
		timeout = d
	}
	result, err := e.executeWithTimeout(ctx, t, call.Arguments, timeout)
	return ExecutionResult{ToolCallID: call.ID, ToolName: call.Name, Result: result, Err: err, Duration: time.Since(start)}
}

func (e *Executor) executeWithTimeout(ctx context.Context, t Tool, args json.RawMessage, timeout time.Duration) (lace.ToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res lace.ToolResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v\n%s", ErrToolPanic, r, debug.Stack())}
			}
		}()
		res, err := t.Execute(ctx, args)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return lace.ToolResult{}, ErrToolTimeout
		}
		return lace.ToolResult{}, ctx.Err()
	}
}
