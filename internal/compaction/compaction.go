// Package compaction implements the token-budget-aware summarisation used
// by internal/thread to shrink an over-budget thread into a fresh child
// thread. It follows the teacher's internal/compaction package (same
// token-estimation constant) adapted from message-array compaction to
// event-log compaction: the log is split at USER_MESSAGE turn boundaries,
// the last few turns are kept verbatim and everything before is summarised.
package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/obra/lace/internal/tokens"
	"github.com/obra/lace/pkg/lace"
)

// DefaultTailWindow is the number of most-recent turns preserved verbatim
// after the summary, matching spec.md §4.2's "tail window default N=5".
const DefaultTailWindow = 5

// DefaultFallbackSummary is used if a summarisation call fails or returns
// empty text, so compaction never produces a thread with no context at all.
const DefaultFallbackSummary = "No prior history."

// Summarizer produces a natural-language summary of a slice of events. In
// production this is backed by a non-streaming call to internal/provider;
// tests can supply a stub.
type Summarizer interface {
	Summarize(ctx context.Context, events []lace.Event) (string, error)
}

// Plan is the result of deciding how to split a thread's events for
// compaction: a prefix to summarize and a tail to carry forward verbatim.
type Plan struct {
	ToSummarize []lace.Event
	Tail        []lace.Event
}

// BuildPlan splits events into a summarizable prefix and a verbatim tail of
// the last tailWindow "turns" (a turn boundary is a USER_MESSAGE event).
// If there are fewer than tailWindow+1 turns total, the whole thread is
// returned as the tail and nothing is summarized — compaction is then a
// no-op, matching the invariant that compaction never discards a thread
// with no real excess to trim.
func BuildPlan(events []lace.Event, tailWindow int) Plan {
	if tailWindow <= 0 {
		tailWindow = DefaultTailWindow
	}
	var turnStarts []int
	for i, e := range events {
		if e.Type == lace.EventUserMessage {
			turnStarts = append(turnStarts, i)
		}
	}
	if len(turnStarts) <= tailWindow {
		return Plan{Tail: events}
	}
	splitAt := turnStarts[len(turnStarts)-tailWindow]
	return Plan{ToSummarize: events[:splitAt], Tail: events[splitAt:]}
}

// Run executes a compaction: it summarizes plan.ToSummarize (if any) via s
// and returns the events that should seed the new compacted thread — a
// single SYSTEM_MESSAGE carrying the summary followed by the verbatim tail.
func Run(ctx context.Context, s Summarizer, plan Plan) ([]lace.EventSeed, error) {
	var summary string
	if len(plan.ToSummarize) > 0 {
		out, err := s.Summarize(ctx, plan.ToSummarize)
		switch {
		case err != nil:
			summary = DefaultFallbackSummary
		case strings.TrimSpace(out) == "":
			summary = DefaultFallbackSummary
		default:
			summary = out
		}
	}

	seeds := make([]lace.EventSeed, 0, len(plan.Tail)+1)
	if summary != "" {
		seeds = append(seeds, lace.EventSeed{
			Type: lace.EventSystemMessage,
			Data: map[string]string{"content": fmt.Sprintf("Summary of earlier conversation:\n%s", summary)},
		})
	}
	for _, e := range plan.Tail {
		seeds = append(seeds, lace.EventSeed{Type: e.Type, Data: e.Data})
	}
	return seeds, nil
}

// EstimateTokens is re-exported from internal/tokens for call sites that
// only import internal/compaction, kept as a thin wrapper rather than a
// duplicate implementation.
func EstimateTokens(text string) int64 { return tokens.Estimate(text) }
