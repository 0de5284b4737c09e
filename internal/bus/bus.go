// Package bus implements the in-process typed publish/subscribe mechanism
// described in spec.md §4.10, grounded on the teacher's event_emitter.go
// (monotonic per-run sequencing) and event_sink.go (the BackpressureSink
// two-lane coalescing strategy for high-frequency subjects). Unlike the
// teacher's single global emitter, a Bus is constructed per thread manager
// instance with explicit Close semantics.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Subject is the closed set of event subjects a Bus delivers.
type Subject string

const (
	SubjectTurnStarted       Subject = "turn_started"
	SubjectTurnProgress      Subject = "turn_progress"
	SubjectThinking          Subject = "thinking"
	SubjectAgentToken        Subject = "agent_token"
	SubjectToolRequested     Subject = "tool_requested"
	SubjectApprovalRequested Subject = "approval_requested"
	SubjectToolStarted       Subject = "tool_started"
	SubjectToolFinished      Subject = "tool_finished"
	SubjectTurnCompleted     Subject = "turn_completed"
	SubjectTurnAborted       Subject = "turn_aborted"
	SubjectTurnError         Subject = "turn_error"
	SubjectRetries           Subject = "retries"
	SubjectThreadEvent       Subject = "thread_event"
	SubjectMessageQueued     Subject = "message_queued"
)

// coalescable is the set of high-frequency subjects a slow subscriber is
// allowed to drop/merge rather than block the publisher on, per spec.md
// §4.10. Every other subject is a lifecycle event and must never be
// reordered or dropped.
var coalescable = map[Subject]bool{
	SubjectTurnProgress: true,
	SubjectAgentToken:   true,
}

// Coalescable reports whether subject may be dropped under backpressure.
func Coalescable(s Subject) bool { return coalescable[s] }

// Event is one message delivered on the bus.
type Event struct {
	Subject  Subject
	ThreadID string
	Sequence uint64
	Payload  any
}

type subscriber struct {
	ch      chan Event
	subject Subject
}

// Bus is an in-process, per-subject-ordered, synchronous pub/sub hub.
// Delivery to a given subscriber happens in subscription-registration
// order; ordering is preserved per subject across all subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[Subject][]*subscriber
	seq  atomic.Uint64

	closed atomic.Bool
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Subject][]*subscriber)}
}

// Subscribe registers a buffered channel for a subject and returns it along
// with an unsubscribe function. bufSize controls how much slack a slow
// consumer of a coalescable subject gets before Publish starts dropping for
// it; non-coalescable subjects always publish with blocking semantics
// (bounded by ctx) so lifecycle events are never silently lost.
func (b *Bus) Subscribe(subject Subject, bufSize int) (<-chan Event, func()) {
	if bufSize < 1 {
		bufSize = 1
	}
	sub := &subscriber{ch: make(chan Event, bufSize), subject: subject}

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[subject]
		for i, s := range list {
			if s == sub {
				b.subs[subject] = append(list[:i], list[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, unsub
}

// Publish delivers payload to every subscriber of subject, in subscriber
// registration order. For coalescable subjects, a full subscriber channel
// causes that subscriber (and only that subscriber) to drop the oldest
// buffered event to make room — it never blocks the publisher. For
// non-coalescable (lifecycle) subjects, Publish blocks on each subscriber
// until ctx is done, guaranteeing no lifecycle event is dropped while the
// caller is willing to wait.
func (b *Bus) Publish(ctx context.Context, threadID string, subject Subject, payload any) {
	if b.closed.Load() {
		return
	}
	evt := Event{Subject: subject, ThreadID: threadID, Sequence: b.seq.Add(1), Payload: payload}

	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subs[subject]...)
	b.mu.RUnlock()

	for _, s := range subs {
		if Coalescable(subject) {
			deliverCoalescing(s.ch, evt)
		} else {
			deliverBlocking(ctx, s.ch, evt)
		}
	}
}

func deliverCoalescing(ch chan Event, evt Event) {
	select {
	case ch <- evt:
		return
	default:
	}
	// Channel full: drop the oldest queued event for this subscriber and
	// retry once. This is the teacher's BackpressureSink merge strategy
	// collapsed to a single channel per subscriber.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- evt:
	default:
		// Still full (concurrent producer raced us) — drop this one too
		// rather than block; coalescable subjects tolerate loss.
	}
}

func deliverBlocking(ctx context.Context, ch chan Event, evt Event) {
	select {
	case ch <- evt:
	case <-ctx.Done():
	}
}

// Close tears down the bus. Safe to call once; subsequent Publish calls are
// no-ops. Subscriber channels are left open for callers to drain; use
// Subscribe's returned unsubscribe function to close individual channels.
func (b *Bus) Close() {
	b.closed.Store(true)
}
