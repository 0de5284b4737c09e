package tools

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obra/lace/pkg/lace"
)

type fakeTool struct {
	name        string
	destructive bool
	onExecute   func()
	sleep       time.Duration
	result      lace.ToolResult
	err         error
}

func (f *fakeTool) Descriptor() lace.ToolDescriptor {
	return lace.ToolDescriptor{
		Name:        f.name,
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Annotations: lace.ToolAnnotations{DestructiveHint: f.destructive},
	}
}

func (f *fakeTool) Execute(ctx context.Context, args json.RawMessage) (lace.ToolResult, error) {
	if f.onExecute != nil {
		f.onExecute()
	}
	if f.sleep > 0 {
		select {
		case <-time.After(f.sleep):
		case <-ctx.Done():
			return lace.ToolResult{}, ctx.Err()
		}
	}
	return f.result, f.err
}

func newTestExecutor(t *testing.T, toolList ...Tool) *Executor {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range toolList {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return NewExecutor(reg, DefaultConfig())
}

func TestExecuteTurnRunsIndependentCallsConcurrently(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	track := func() {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			m := atomic.LoadInt32(&maxConcurrent)
			if n <= m || atomic.CompareAndSwapInt32(&maxConcurrent, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
	}

	exec := newTestExecutor(t,
		&fakeTool{name: "a", onExecute: track},
		&fakeTool{name: "b", onExecute: track},
	)
	calls := []lace.ToolCall{
		{ID: "1", Name: "a", Arguments: json.RawMessage(`{}`)},
		{ID: "2", Name: "b", Arguments: json.RawMessage(`{}`)},
	}
	exec.ExecuteTurn(context.Background(), calls)
	if atomic.LoadInt32(&maxConcurrent) < 2 {
		t.Fatalf("expected independent calls to run concurrently, max concurrency was %d", maxConcurrent)
	}
}

func TestExecuteTurnSerializesAfterDestructiveCall(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	exec := newTestExecutor(t,
		&fakeTool{name: "read", onExecute: record("read")},
		&fakeTool{name: "rm", destructive: true, onExecute: record("rm")},
		&fakeTool{name: "write", onExecute: record("write")},
	)
	calls := []lace.ToolCall{
		{ID: "1", Name: "read", Arguments: json.RawMessage(`{}`)},
		{ID: "2", Name: "rm", Arguments: json.RawMessage(`{}`)},
		{ID: "3", Name: "write", Arguments: json.RawMessage(`{}`)},
	}
	results := exec.ExecuteTurn(context.Background(), calls)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[1] != "rm" || order[2] != "write" {
		t.Fatalf("expected rm then write to run strictly after read, got %v", order)
	}
}

func TestExecuteRejectsInvalidArguments(t *testing.T) {
	reg := NewRegistry()
	tool := &fakeTool{name: "strict"}
	schema := json.RawMessage(`{"type":"object","required":["x"],"properties":{"x":{"type":"string"}}}`)
	if err := reg.Register(&fakeToolWithSchema{fakeTool: tool, schema: schema}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	exec := NewExecutor(reg, DefaultConfig())

	results := exec.ExecuteTurn(context.Background(), []lace.ToolCall{
		{ID: "1", Name: "strict", Arguments: json.RawMessage(`{}`)},
	})
	if results[0].Err == nil {
		t.Fatal("expected schema validation error")
	}
}

func TestExecuteTimesOut(t *testing.T) {
	exec := newTestExecutor(t, &fakeTool{name: "slow", sleep: time.Second})
	exec.cfg.Timeouts["slow"] = 10 * time.Millisecond

	results := exec.ExecuteTurn(context.Background(), []lace.ToolCall{
		{ID: "1", Name: "slow", Arguments: json.RawMessage(`{}`)},
	})
	if results[0].Err != ErrToolTimeout {
		t.Fatalf("expected ErrToolTimeout, got %v", results[0].Err)
	}
}

func TestExecuteRecoversFromPanic(t *testing.T) {
	exec := newTestExecutor(t, &panicTool{})
	results := exec.ExecuteTurn(context.Background(), []lace.ToolCall{
		{ID: "1", Name: "panicky", Arguments: json.RawMessage(`{}`)},
	})
	if results[0].Err == nil {
		t.Fatal("expected panic to be converted into an error")
	}
}

type fakeToolWithSchema struct {
	*fakeTool
	schema json.RawMessage
}

func (f *fakeToolWithSchema) Descriptor() lace.ToolDescriptor {
	d := f.fakeTool.Descriptor()
	d.InputSchema = f.schema
	return d
}

type panicTool struct{}

func (panicTool) Descriptor() lace.ToolDescriptor {
	return lace.ToolDescriptor{Name: "panicky", InputSchema: json.RawMessage(`{"type":"object"}`)}
}

func (panicTool) Execute(ctx context.Context, args json.RawMessage) (lace.ToolResult, error) {
	panic("boom")
}
