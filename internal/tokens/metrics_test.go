package tokens

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveTurnRecordsPhaseAndDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.ObserveTurn("completing", 1500*time.Millisecond)

	expected := `
		# HELP lace_turns_total Total number of completed agent turns by terminal phase.
		# TYPE lace_turns_total counter
		lace_turns_total{phase="completing"} 1
	`
	if err := testutil.CollectAndCompare(m.TurnsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected lace_turns_total: %v", err)
	}
	if got := testutil.CollectAndCount(m.TurnDuration); got != 1 {
		t.Errorf("expected 1 turn duration series, got %d", got)
	}
}

func TestObserveToolExecutionRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.ObserveToolExecution("shell", "ok", 10*time.Millisecond)
	m.ObserveToolExecution("shell", "error", 5*time.Millisecond)
	m.ObserveToolExecution("read_file", "ok", time.Millisecond)

	expected := `
		# HELP lace_tool_executions_total Total number of tool executions by tool name and outcome.
		# TYPE lace_tool_executions_total counter
		lace_tool_executions_total{outcome="error",tool="shell"} 1
		lace_tool_executions_total{outcome="ok",tool="read_file"} 1
		lace_tool_executions_total{outcome="ok",tool="shell"} 1
	`
	if err := testutil.CollectAndCompare(m.ToolExecutionsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected lace_tool_executions_total: %v", err)
	}
}

func TestAddTokensIgnoresZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.AddTokens(0, 0)
	if got := testutil.ToFloat64(m.InputTokensTotal); got != 0 {
		t.Fatalf("expected 0 input tokens, got %v", got)
	}

	m.AddTokens(120, 45)
	m.AddTokens(30, 0)
	if got := testutil.ToFloat64(m.InputTokensTotal); got != 150 {
		t.Fatalf("expected 150 input tokens, got %v", got)
	}
	if got := testutil.ToFloat64(m.OutputTokensTotal); got != 45 {
		t.Fatalf("expected 45 output tokens, got %v", got)
	}
}

func TestNilPrometheusMetricsIsANoop(t *testing.T) {
	var m *PrometheusMetrics
	m.ObserveTurn("completing", time.Second)
	m.ObserveToolExecution("shell", "ok", time.Second)
	m.AddTokens(10, 10)
}
