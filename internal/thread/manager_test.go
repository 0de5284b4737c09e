package thread

import (
	"context"
	"testing"

	"github.com/obra/lace/internal/bus"
	"github.com/obra/lace/internal/store"
	"github.com/obra/lace/pkg/lace"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, bus.New())
}

func TestResumeOrCreateFailsSoftOnUnknownID(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.ResumeOrCreate(ctx, "lace_20260730_unknow")
	if err != nil {
		t.Fatalf("ResumeOrCreate: %v", err)
	}
	if id == "lace_20260730_unknow" {
		t.Fatal("expected a freshly created thread ID for an unknown requested ID")
	}
}

func TestResumeOrCreateFailsSoftOnInvalidID(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.ResumeOrCreate(ctx, "not-a-thread-id")
	if err != nil {
		t.Fatalf("ResumeOrCreate: %v", err)
	}
	if id == "" {
		t.Fatal("expected a new thread to be created")
	}
}

func TestResumeOrCreateResumesExisting(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.CreateThread(ctx, nil, nil)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	resumed, err := m.ResumeOrCreate(ctx, id)
	if err != nil {
		t.Fatalf("ResumeOrCreate: %v", err)
	}
	if resumed != id {
		t.Fatalf("expected to resume %s, got %s", id, resumed)
	}
}

func TestAddEventAssignsMonotonicIDs(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	id, _ := m.CreateThread(ctx, nil, nil)

	e1, err := m.AddEvent(ctx, id, lace.EventUserMessage, map[string]string{"content": "hi"})
	if err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	e2, err := m.AddEvent(ctx, id, lace.EventAgentMessage, map[string]string{"content": "hello"})
	if err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if e1.EventID != 1 || e2.EventID != 2 {
		t.Fatalf("expected sequential event ids 1,2 got %d,%d", e1.EventID, e2.EventID)
	}
}

func TestAddEventPublishesOnBus(t *testing.T) {
	s, err := store.Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	b := bus.New()
	m := New(s, b)
	ctx := context.Background()
	id, _ := m.CreateThread(ctx, nil, nil)

	events, unsubscribe := b.Subscribe(bus.SubjectThreadEvent, 4)
	defer unsubscribe()

	appended, err := m.AddEvent(ctx, id, lace.EventUserMessage, map[string]string{"content": "hi"})
	if err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	select {
	case got := <-events:
		published, ok := got.Payload.(lace.Event)
		if !ok {
			t.Fatalf("expected a lace.Event payload, got %T", got.Payload)
		}
		if published.EventID != appended.EventID || published.Type != lace.EventUserMessage {
			t.Fatalf("expected published event to match appended event, got %+v", published)
		}
	default:
		t.Fatal("expected AddEvent to publish on SubjectThreadEvent")
	}
}

func TestCompactCreatesNewThreadAndPreservesOriginal(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	id, _ := m.CreateThread(ctx, nil, nil)

	for i := 0; i < 14; i++ {
		typ := lace.EventAgentMessage
		if i%2 == 0 {
			typ = lace.EventUserMessage
		}
		if _, err := m.AddEvent(ctx, id, typ, map[string]string{"content": "msg"}); err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
	}

	newID, err := m.Compact(ctx, id, stubSummarizer{}, 2)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if newID == id {
		t.Fatal("expected compaction to produce a new thread id")
	}

	original, err := m.GetEvents(ctx, id)
	if err != nil {
		t.Fatalf("GetEvents(original): %v", err)
	}
	if len(original) != 14 {
		t.Fatalf("expected original thread untouched with 14 events, got %d", len(original))
	}

	compacted, err := m.GetEvents(ctx, newID)
	if err != nil {
		t.Fatalf("GetEvents(new): %v", err)
	}
	if len(compacted) == 0 {
		t.Fatal("expected compacted thread to have seeded events")
	}
}

func TestCreateChildLinksParent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	parent, _ := m.CreateThread(ctx, nil, nil)
	child, err := m.CreateChild(ctx, parent)
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	threads, err := m.ListThreads(ctx, 0)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	var found bool
	for _, th := range threads {
		if th.ID == child && th.ParentID != nil && *th.ParentID == parent {
			found = true
		}
	}
	if !found {
		t.Fatal("expected child thread to record its parent")
	}
}

type stubSummarizer struct{}

func (stubSummarizer) Summarize(ctx context.Context, events []lace.Event) (string, error) {
	return "summary text", nil
}
