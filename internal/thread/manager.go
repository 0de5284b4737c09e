// Package thread implements the thread manager (spec.md §4.2): resume,
// append, read, and compact operations over the durable event store, plus
// the per-thread mutual exclusion that gives the turn engine its
// single-writer-per-thread guarantee. The mutex is a refcounted per-key
// lock adapted from the teacher's sessionLock pattern in
// internal/agent/tool_registry.go, keyed by thread ID instead of session ID.
package thread

import (
	"context"
	"fmt"
	"sync"

	"github.com/obra/lace/internal/bus"
	"github.com/obra/lace/internal/compaction"
	"github.com/obra/lace/internal/ids"
	"github.com/obra/lace/internal/store"
	"github.com/obra/lace/internal/tokens"
	"github.com/obra/lace/pkg/lace"
)

// DefaultContextWindow is used when a caller doesn't specify one; compaction
// is due once estimated usage crosses 80% of this, per spec.md §4.6.
const DefaultContextWindow = 100_000

// CompactionThreshold is the fraction of the context window at which a
// thread needsCompaction, per spec.md §4.6.
const CompactionThreshold = 0.8

type threadLock struct {
	mu   sync.Mutex
	refs int
}

// Manager owns a durable Store, one Bus shared by all its threads for event
// fan-out, and the
// refcounted locks that serialize turns per thread.
type Manager struct {
	store *store.Store
	bus   *bus.Bus

	locksMu sync.Mutex
	locks   map[string]*threadLock
}

// New constructs a Manager over an already-open Store and Bus.
func New(s *store.Store, b *bus.Bus) *Manager {
	return &Manager{store: s, bus: b, locks: make(map[string]*threadLock)}
}

// Bus returns the manager's event bus, for subscribers set up by callers
// outside the turn engine (e.g. a CLI progress renderer).
func (m *Manager) Bus() *bus.Bus { return m.bus }

// Lock acquires the mutex for threadID and returns an unlock function. At
// most one turn per thread runs at a time (spec.md §5); this is the
// enforcement point. The lock is refcounted and removed from the map once
// the last holder releases it, so the map doesn't grow unboundedly over a
// long-running process with many distinct threads.
func (m *Manager) Lock(threadID string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[threadID]
	if !ok {
		l = &threadLock{}
		m.locks[threadID] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, threadID)
		}
		m.locksMu.Unlock()
	}
}

// ResumeOrCreate resumes threadID if it is a valid, known thread ID;
// otherwise (invalid syntax, or valid syntax but unknown) it fails soft and
// creates a brand new thread, per spec.md §4.2. The returned ID is always
// the one actually in use, which may differ from the requested one.
func (m *Manager) ResumeOrCreate(ctx context.Context, requested string) (string, error) {
	if requested != "" && ids.Valid(requested) {
		exists, err := m.store.ThreadExists(ctx, requested)
		if err != nil {
			return "", fmt.Errorf("thread: resume %s: %w", requested, err)
		}
		if exists {
			return requested, nil
		}
	}
	return m.CreateThread(ctx, nil, nil)
}

// CreateThread mints a fresh thread ID and persists its row, retrying on
// collision since ID generation is randomized rather than sequence-assigned.
func (m *Manager) CreateThread(ctx context.Context, parentID, compactionOf *string) (string, error) {
	const maxAttempts = 5
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		id := ids.New()
		if err := m.store.CreateThread(ctx, id, parentID, compactionOf); err != nil {
			lastErr = err
			continue
		}
		return id, nil
	}
	return "", fmt.Errorf("thread: create: exhausted %d attempts: %w", maxAttempts, lastErr)
}

// AddEvent appends a single event to a thread and returns the fully
// populated record (with its assigned EventID and timestamp). Callers must
// hold the thread's lock (see Lock) for the duration of a turn so that
// event IDs are assigned without a race.
func (m *Manager) AddEvent(ctx context.Context, threadID string, typ lace.EventType, data any) (lace.Event, error) {
	last, err := m.store.LatestEventID(ctx, threadID)
	if err != nil {
		return lace.Event{}, fmt.Errorf("thread: add event: %w", err)
	}
	next := ids.NextEventID(last)
	ev, err := m.store.Append(ctx, threadID, next, typ, data)
	if err != nil {
		return lace.Event{}, err
	}
	m.bus.Publish(ctx, threadID, bus.SubjectThreadEvent, ev)
	return ev, nil
}

// GetEvents returns the full event log for a thread in order.
func (m *Manager) GetEvents(ctx context.Context, threadID string) ([]lace.Event, error) {
	return m.store.GetEvents(ctx, threadID)
}

// GetLatestThreadID returns the most recently updated thread, or "" if no
// threads exist yet.
func (m *Manager) GetLatestThreadID(ctx context.Context) (string, error) {
	threads, err := m.store.ListThreads(ctx, 1)
	if err != nil {
		return "", err
	}
	if len(threads) == 0 {
		return "", nil
	}
	return threads[0].ID, nil
}

// ListThreads returns thread metadata ordered by updated_at descending.
func (m *Manager) ListThreads(ctx context.Context, limit int) ([]store.ThreadMeta, error) {
	return m.store.ListThreads(ctx, limit)
}

// NeedsCompaction reports whether a thread's estimated token usage has
// crossed CompactionThreshold of contextWindow.
func (m *Manager) NeedsCompaction(ctx context.Context, threadID string, contextWindow int64) (bool, error) {
	events, err := m.store.GetEvents(ctx, threadID)
	if err != nil {
		return false, err
	}
	if contextWindow <= 0 {
		contextWindow = DefaultContextWindow
	}
	var total int64
	for _, e := range events {
		total += tokens.Estimate(string(e.Data))
	}
	return float64(total)/float64(contextWindow) >= CompactionThreshold, nil
}

// Compact creates a NEW thread linked to the original via CompactionOf and
// seeds it with a summary of the trimmed prefix plus a verbatim tail,
// per spec.md §4.2 — it never mutates the original thread, which remains
// fully readable for audit/debugging purposes.
func (m *Manager) Compact(ctx context.Context, threadID string, s compaction.Summarizer, tailWindow int) (string, error) {
	events, err := m.store.GetEvents(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("thread: compact: read %s: %w", threadID, err)
	}
	plan := compaction.BuildPlan(events, tailWindow)
	if len(plan.ToSummarize) == 0 {
		// Nothing to trim; compaction is a no-op and the caller should keep
		// using the original thread.
		return threadID, nil
	}
	seeds, err := compaction.Run(ctx, s, plan)
	if err != nil {
		return "", fmt.Errorf("thread: compact: summarize %s: %w", threadID, err)
	}

	newID, err := m.CreateThread(ctx, nil, &threadID)
	if err != nil {
		return "", fmt.Errorf("thread: compact: create new thread: %w", err)
	}
	for _, seed := range seeds {
		if _, err := m.AddEvent(ctx, newID, seed.Type, seed.Data); err != nil {
			return "", fmt.Errorf("thread: compact: seed new thread %s: %w", newID, err)
		}
	}
	return newID, nil
}

// CreateChild creates a child thread linked to parentID via ParentID, for
// use by internal/delegate. The child starts empty; the delegation tool is
// responsible for seeding it with the task as a USER_MESSAGE.
func (m *Manager) CreateChild(ctx context.Context, parentID string) (string, error) {
	return m.CreateThread(ctx, &parentID, nil)
}
