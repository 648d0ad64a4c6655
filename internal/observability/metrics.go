package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects counters and histograms for the agent core.
//
// Tracked series:
//   - Tool execution counts and latencies by tool and outcome
//   - Permission decisions by action and source (ruleset, doom loop, approval)
//   - Retry attempts by error category and recovery action
//   - Turn outcomes and active turn count
//   - History compactions and event bus publishes
//
// Metrics are registered on the supplied Registerer so tests and embedders can
// use private registries:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
type Metrics struct {
	// ToolExecutions counts tool invocations.
	// Labels: tool, status (completed|error|denied|cancelled)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// PermissionDecisions counts permission resolutions.
	// Labels: action (allow|deny|ask), source (ruleset|doom_loop|approval)
	PermissionDecisions *prometheus.CounterVec

	// Retries counts retry controller recoveries.
	// Labels: category, action
	Retries *prometheus.CounterVec

	// Turns counts finished turns.
	// Labels: outcome (stop|error|cancelled)
	Turns *prometheus.CounterVec

	// TurnDuration measures wall time of a whole turn.
	TurnDuration prometheus.Histogram

	// ActiveTurns tracks turns currently holding a session lane.
	ActiveTurns prometheus.Gauge

	// Compactions counts history compactions by trigger (length|overflow_error).
	Compactions *prometheus.CounterVec

	// EventsPublished counts agent events handed to the event bus.
	// Labels: status (ok|error)
	EventsPublished *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg.
// A nil reg registers on prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_tool_executions_total",
				Help: "Total number of tool executions by tool and terminal status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		PermissionDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_permission_decisions_total",
				Help: "Permission resolutions by action and source",
			},
			[]string{"action", "source"},
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_retries_total",
				Help: "Retry controller recoveries by error category and action",
			},
			[]string{"category", "action"},
		),
		Turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_turns_total",
				Help: "Finished turns by outcome",
			},
			[]string{"outcome"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentcore_turn_duration_seconds",
				Help:    "Wall time of a turn in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		ActiveTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentcore_active_turns",
				Help: "Turns currently executing",
			},
		),
		Compactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_compactions_total",
				Help: "History compactions by trigger",
			},
			[]string{"trigger"},
		),
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_events_published_total",
				Help: "Agent events published to the event bus by status",
			},
			[]string{"status"},
		),
	}
}

// RecordTool records one terminal tool call. Safe on a nil receiver.
func (m *Metrics) RecordTool(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	if d > 0 {
		m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
	}
}

// RecordPermission records a permission decision. Safe on a nil receiver.
func (m *Metrics) RecordPermission(action, source string) {
	if m == nil {
		return
	}
	m.PermissionDecisions.WithLabelValues(action, source).Inc()
}

// RecordRetry records a recovery action. Safe on a nil receiver.
func (m *Metrics) RecordRetry(category, action string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(category, action).Inc()
}

// RecordTurn records a finished turn. Safe on a nil receiver.
func (m *Metrics) RecordTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(d.Seconds())
}

// RecordCompaction records a history compaction. Safe on a nil receiver.
func (m *Metrics) RecordCompaction(trigger string) {
	if m == nil {
		return
	}
	m.Compactions.WithLabelValues(trigger).Inc()
}

// RecordEventPublish records one event bus publish. Safe on a nil receiver.
func (m *Metrics) RecordEventPublish(status string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(status).Inc()
}

// TurnStarted increments the active turn gauge and returns its decrement.
func (m *Metrics) TurnStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveTurns.Inc()
	return m.ActiveTurns.Dec
}
