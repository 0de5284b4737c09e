package tokens

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exports turn-engine and tool-executor activity as
// Prometheus collectors, grounded on the teacher's
// internal/observability.Metrics (trimmed from its channel/webhook/HTTP
// label set to the handful of series a single-process turn runtime
// actually produces). A nil *PrometheusMetrics is valid and every method
// is a no-op against it.
type PrometheusMetrics struct {
	TurnsTotal            *prometheus.CounterVec
	TurnDuration          *prometheus.HistogramVec
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec
	InputTokensTotal      prometheus.Counter
	OutputTokensTotal     prometheus.Counter
}

// NewPrometheusMetrics registers lace's metrics against reg and returns the
// collector handles. Pass prometheus.NewRegistry() for an isolated
// registry (tests, multiple Engine instances in one process) or
// prometheus.DefaultRegisterer to expose them alongside anything else in
// the process.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lace_turns_total",
			Help: "Total number of completed agent turns by terminal phase.",
		}, []string{"phase"}),
		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lace_turn_duration_seconds",
			Help:    "Wall-clock duration of an agent turn, from user message to terminal phase.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"phase"}),
		ToolExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lace_tool_executions_total",
			Help: "Total number of tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lace_tool_execution_duration_seconds",
			Help:    "Duration of a single tool execution.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"tool"}),
		InputTokensTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lace_input_tokens_total",
			Help: "Cumulative input tokens sent to providers (actual where reported, estimated otherwise).",
		}),
		OutputTokensTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lace_output_tokens_total",
			Help: "Cumulative output tokens received from providers (actual where reported, estimated otherwise).",
		}),
	}
}

// ObserveTurn records one turn's terminal phase and duration.
func (m *PrometheusMetrics) ObserveTurn(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(phase).Inc()
	m.TurnDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveToolExecution records one tool call's name, outcome ("ok" or
// "error"), and duration.
func (m *PrometheusMetrics) ObserveToolExecution(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionsTotal.WithLabelValues(tool, outcome).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// AddTokens folds a turn's final token snapshot into the cumulative
// counters. Zero values are ignored so an un-started metric never bumps.
func (m *PrometheusMetrics) AddTokens(input, output int64) {
	if m == nil {
		return
	}
	if input > 0 {
		m.InputTokensTotal.Add(float64(input))
	}
	if output > 0 {
		m.OutputTokensTotal.Add(float64(output))
	}
}
