// Package delegate implements the delegation subsystem (spec.md §4.9): a
// "delegate" tool that spawns a child thread bound to its own turn engine,
// waits for it to idle, and folds its final answer back as a tool result.
// Grounded on the teacher's internal/multiagent handoff_tool.go (a tool
// whose Execute hands control to another agent) and orchestrator.go (owns
// the set of agents a handoff can target) — generalized from the teacher's
// peer-to-peer handoff model (which hands the whole conversation off) to
// spec.md's parent/child model (the parent thread keeps running; the child
// is a fresh, isolated thread whose result is returned as tool output).
package delegate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/obra/lace/internal/approval"
	"github.com/obra/lace/internal/bus"
	"github.com/obra/lace/internal/thread"
	"github.com/obra/lace/internal/turnengine"
	"github.com/obra/lace/pkg/lace"
)

// MaxDepth is the deepest a chain of delegations may go: a root turn is
// depth 0, and a delegate call is refused once it would create a thread at
// depth 4, matching spec.md's "errors at depth 4, not 3" requirement (three
// levels of delegation below the root are allowed).
const MaxDepth = 3

type depthKey struct{}

// withDepth returns a context carrying depth for DepthOf to read back.
func withDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// DepthOf returns the delegation depth recorded on ctx, or 0 for a context
// that has never been delegated from (a root turn).
func DepthOf(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}

// EngineFactory builds a fresh turnengine.Engine for a child thread. Callers
// supply this so the Coordinator doesn't need to know how a Provider,
// Registry, or Executor were constructed — it only needs one per child turn.
type EngineFactory func() *turnengine.Engine

// Coordinator owns the machinery to run a delegated sub-task to completion.
type Coordinator struct {
	threads *thread.Manager
	bus     *bus.Bus
	newEngine EngineFactory
}

// New constructs a Coordinator. newEngine is called once per delegate call
// to obtain the Engine the child thread runs on; a single shared Engine
// would serialize unrelated children through its internal phase map, so
// callers typically pass a factory that shares the Provider/Registry but
// constructs a new Engine value per call.
func New(threads *thread.Manager, b *bus.Bus, newEngine EngineFactory) *Coordinator {
	return &Coordinator{threads: threads, bus: b, newEngine: newEngine}
}

// DelegationStartedPayload is published on bus.SubjectToolStarted against
// the parent thread when a delegation begins (there is no dedicated
// delegation subject), so a UI can correlate a delegate tool call with its
// child thread.
type DelegationStartedPayload struct {
	DelegationID string
	ParentThread string
	ChildThread  string
	Task         string
}

// Tool is the "delegate" tool a turn engine registers so a model can request
// a sub-task be run on a fresh thread.
type Tool struct {
	coordinator  *Coordinator
	parentThread string
	policy       *lace.Policy
	allowedTools map[string]bool
	gate         approval.Gate
}

// NewTool binds a Coordinator to the specific parent thread and
// approval configuration it should run delegated children under. allowedTools
// is inherited unchanged by the child thread (spec.md delegation carries the
// parent session's tool restriction forward rather than relaxing it). A
// Tool always delegates from the one parentThread it was built with, even
// when an Engine running a child thread invokes it.
func NewTool(c *Coordinator, parentThread string, policy *lace.Policy, allowedTools map[string]bool, gate approval.Gate) *Tool {
	return &Tool{coordinator: c, parentThread: parentThread, policy: policy, allowedTools: allowedTools, gate: gate}
}

func (t *Tool) Descriptor() lace.ToolDescriptor {
	return lace.ToolDescriptor{
		Name:        "delegate",
		Description: "Run a task on a fresh, isolated sub-thread and return its final answer. Use this to hand off self-contained work without growing the current conversation's context.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task": {"type": "string", "description": "The task for the child thread to perform, written as a complete instruction."}
			},
			"required": ["task"]
		}`),
		Annotations: lace.ToolAnnotations{ReadOnlyHint: false, DestructiveHint: false},
	}
}

type delegateInput struct {
	Task string `json:"task"`
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (lace.ToolResult, error) {
	var in delegateInput
	if err := json.Unmarshal(args, &in); err != nil {
		return lace.ToolResult{IsError: true, Content: []lace.ContentBlock{lace.TextBlock(fmt.Sprintf("invalid delegate arguments: %v", err))}}, nil
	}
	result, err := t.coordinator.Delegate(ctx, t.parentThread, in.Task, t.policy, t.allowedTools, t.gate)
	if err != nil {
		return lace.ToolResult{IsError: true, Content: []lace.ContentBlock{lace.TextBlock(err.Error())}}, nil
	}
	return result, nil
}

// Delegate creates a child thread under parentThread, runs task to
// completion on a freshly constructed Engine, and returns a ToolResult
// summarizing the child's final AGENT_MESSAGE.
//
// Cancellation of ctx propagates to the child turn because the child's
// context is derived from ctx (context.WithValue, not context.Background) —
// this is a deliberate departure from the teacher's HandoffTool, whose
// orchestrator.go hands off using a background-rooted context and so cannot
// be cancelled by the parent caller.
func (c *Coordinator) Delegate(ctx context.Context, parentThread, task string, policy *lace.Policy, allowedTools map[string]bool, gate approval.Gate) (lace.ToolResult, error) {
	depth := DepthOf(ctx)
	if depth+1 > MaxDepth {
		return lace.ToolResult{}, fmt.Errorf("delegate: maximum delegation depth (%d) exceeded", MaxDepth)
	}

	childThread, err := c.threads.CreateChild(ctx, parentThread)
	if err != nil {
		return lace.ToolResult{}, fmt.Errorf("delegate: create child thread: %w", err)
	}

	childCtx := withDepth(ctx, depth+1)
	delegationID := uuid.NewString()
	c.bus.Publish(ctx, parentThread, bus.SubjectToolStarted, DelegationStartedPayload{
		DelegationID: delegationID,
		ParentThread: parentThread,
		ChildThread:  childThread,
		Task:         task,
	})

	effectivePolicy := lace.DefaultPolicy()
	if policy != nil {
		effectivePolicy = policy.Clone()
	}
	engine := c.newEngine()
	outcome := engine.Run(childCtx, childThread, task, &effectivePolicy, allowedTools, gate)
	if outcome.Phase != turnengine.PhaseCompleting {
		return lace.ToolResult{}, fmt.Errorf("delegate: child turn did not complete (%s): %w", outcome.Phase, outcome.Err)
	}

	answer, err := c.finalAnswer(ctx, childThread)
	if err != nil {
		return lace.ToolResult{}, fmt.Errorf("delegate: read child result: %w", err)
	}
	return lace.ToolResult{Content: []lace.ContentBlock{lace.TextBlock(answer)}}, nil
}

// finalAnswer returns the content of the last AGENT_MESSAGE event in
// threadID, or an empty string if the child never produced one (e.g. it
// only ran tools and was aborted).
func (c *Coordinator) finalAnswer(ctx context.Context, threadID string) (string, error) {
	events, err := c.threads.GetEvents(ctx, threadID)
	if err != nil {
		return "", err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != lace.EventAgentMessage {
			continue
		}
		var m map[string]string
		if err := json.Unmarshal(events[i].Data, &m); err != nil {
			continue
		}
		return m["content"], nil
	}
	return "", nil
}
