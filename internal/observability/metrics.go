// Package observability holds the Prometheus metrics of the orchestration engine.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks turns, model calls, tool executions and session workers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// TurnCounter counts finished turns.
	// Labels: outcome (text|tools|empty|error)
	TurnCounter *prometheus.CounterVec

	// ModelCallDuration measures streamed model calls in seconds.
	// Labels: status (success|error)
	ModelCallDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool executions.
	// Labels: tool_name, status (done|failed)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ActiveWorkers is the number of live session workers.
	ActiveWorkers prometheus.Gauge

	// UnresolvedEntries is the number of pending or running entries found
	// by the last sweep in sessions without a worker.
	UnresolvedEntries prometheus.Gauge
}

// NewMetrics creates all metrics on a fresh registry that also carries the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return newMetrics(reg)
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "towdyouso_turns_total",
				Help: "Total number of model turns by outcome",
			},
			[]string{"outcome"},
		),

		ModelCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "towdyouso_model_call_duration_seconds",
				Help:    "Duration of streamed model calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"status"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "towdyouso_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "towdyouso_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "towdyouso_active_session_workers",
			Help: "Number of session workers currently running",
		}),

		UnresolvedEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "towdyouso_unresolved_entries",
			Help: "Pending or running entries in sessions without a worker",
		}),
	}
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTurn counts a finished turn.
func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(outcome).Inc()
}

// RecordModelCall records the duration of a model call.
func (m *Metrics) RecordModelCall(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ModelCallDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordToolExecution records a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// WorkerStarted increments the active worker gauge.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Inc()
}

// WorkerStopped decrements the active worker gauge.
func (m *Metrics) WorkerStopped() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Dec()
}

// SetUnresolved sets the unresolved entries gauge.
func (m *Metrics) SetUnresolved(n int) {
	if m == nil {
		return
	}
	m.UnresolvedEntries.Set(float64(n))
}
