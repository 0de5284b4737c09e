package tokens

import (
	"testing"
	"time"
)

func TestStartResetsCountersAndRecordsIdentity(t *testing.T) {
	var m Metrics
	m.AddEstimatedInput("leftover from a previous turn")

	start := time.Now().Add(-10 * time.Millisecond)
	m.Start("turn-123", start)

	snap := m.Snapshot()
	if snap.TurnID != "turn-123" {
		t.Fatalf("expected turn id to be recorded, got %q", snap.TurnID)
	}
	if snap.EstimatedInputTokens != 0 {
		t.Fatalf("expected Start to clear prior counters, got %d", snap.EstimatedInputTokens)
	}
	if snap.ElapsedMs < 10 {
		t.Fatalf("expected elapsed time to reflect startedAt, got %d", snap.ElapsedMs)
	}
}

func TestIncrRetriesAccumulates(t *testing.T) {
	var m Metrics
	m.Start("t1", time.Now())
	m.IncrRetries()
	m.IncrRetries()

	if got := m.Snapshot().Retries; got != 2 {
		t.Fatalf("expected 2 retries, got %d", got)
	}
}

func TestSetCurrentToolRoundTrips(t *testing.T) {
	var m Metrics
	m.Start("t1", time.Now())
	m.SetCurrentTool("shell")
	if got := m.Snapshot().CurrentTool; got != "shell" {
		t.Fatalf("expected current tool %q, got %q", "shell", got)
	}
	m.SetCurrentTool("")
	if got := m.Snapshot().CurrentTool; got != "" {
		t.Fatalf("expected current tool cleared, got %q", got)
	}
}

func TestInputOutputTokensPreferActualOverEstimate(t *testing.T) {
	var m Metrics
	m.Start("t1", time.Now())
	m.AddEstimatedInput("hello world, this is an estimate")
	m.AddEstimatedOutput("and this is an estimated reply")

	if got := m.InputTokens(); got == 0 {
		t.Fatal("expected a nonzero estimated input token count before SetActual")
	}
	m.SetActual(42, 17)
	if got := m.InputTokens(); got != 42 {
		t.Fatalf("expected actual input tokens to take precedence, got %d", got)
	}
	if got := m.OutputTokens(); got != 17 {
		t.Fatalf("expected actual output tokens to take precedence, got %d", got)
	}
}
