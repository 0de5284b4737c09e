package delegate

import (
	"context"
	"testing"

	"github.com/obra/lace/internal/bus"
	"github.com/obra/lace/internal/provider/testprovider"
	"github.com/obra/lace/internal/store"
	"github.com/obra/lace/internal/thread"
	"github.com/obra/lace/internal/tools"
	"github.com/obra/lace/internal/turnengine"
	"github.com/obra/lace/pkg/lace"
)

func newTestCoordinator(t *testing.T, childText string) (*Coordinator, *thread.Manager, string) {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	b := bus.New()
	mgr := thread.New(s, b)
	parentID, err := mgr.CreateThread(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	factory := func() *turnengine.Engine {
		prov := testprovider.New("test", nil, testprovider.Script{Text: childText})
		registry := tools.NewRegistry()
		exec := tools.NewExecutor(registry, tools.DefaultConfig())
		return turnengine.New(mgr, prov, registry, exec, b, turnengine.DefaultConfig())
	}
	return New(mgr, b, factory), mgr, parentID
}

func TestDelegateRunsChildAndReturnsFinalAnswer(t *testing.T) {
	c, mgr, parentID := newTestCoordinator(t, "child finished the task")
	policy := lace.DefaultPolicy()

	result, err := c.Delegate(context.Background(), parentID, "do the sub-task", &policy, nil, nil)
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if len(result.Content) == 0 || result.Content[0].Text != "child finished the task" {
		t.Fatalf("expected the child's final answer, got %+v", result)
	}

	threads, err := mgr.ListThreads(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	var sawChild bool
	for _, th := range threads {
		if th.ParentID != nil && *th.ParentID == parentID {
			sawChild = true
		}
	}
	if !sawChild {
		t.Fatal("expected a child thread linked to the parent")
	}
}

func TestDelegateRefusesBeyondMaxDepth(t *testing.T) {
	c, _, parentID := newTestCoordinator(t, "too deep")
	policy := lace.DefaultPolicy()

	ctx := withDepth(context.Background(), MaxDepth)
	_, err := c.Delegate(ctx, parentID, "one too many", &policy, nil, nil)
	if err == nil {
		t.Fatal("expected an error when delegating beyond the maximum depth")
	}
}

func TestDelegateCancellationPropagatesToChild(t *testing.T) {
	c, _, parentID := newTestCoordinator(t, "should not matter")
	policy := lace.DefaultPolicy()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Delegate(ctx, parentID, "cancelled before starting", &policy, nil, nil)
	if err == nil {
		t.Fatal("expected the child turn to fail when the parent context is already cancelled")
	}
}
