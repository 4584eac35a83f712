// Package observability provides structured logging, Prometheus metrics,
// and OpenTelemetry tracing for the orchestrator.
package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks the orchestrator's turn pipeline: inbound/outbound message
// flow per frontend, workflow executions, model request latency per
// endpoint, tool executions, queue depth, and live session/cache gauges.
// All methods are safe on a nil receiver so metrics stay optional.
type Metrics struct {
	registry *prometheus.Registry

	// MessageCounter tracks messages by frontend and direction.
	// Labels: frontend (onebot|telegram), direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// WorkflowCounter counts workflow executions.
	// Labels: workflow (A|B|C), status (success|error)
	WorkflowCounter *prometheus.CounterVec

	// WorkflowDuration measures workflow execution time in seconds.
	// Labels: workflow
	WorkflowDuration *prometheus.HistogramVec

	// ModelRequestCounter counts model backend calls.
	// Labels: model, status (success|error|unavailable)
	ModelRequestCounter *prometheus.CounterVec

	// ModelRequestDuration measures model call latency in seconds.
	// Labels: model
	ModelRequestDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (completed|failed|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// QueueDepth reports buffered tasks per queue kind.
	// Labels: queue (message|model)
	QueueDepth *prometheus.GaugeVec

	// ActiveSessions is the current ephemeral session count.
	ActiveSessions prometheus.Gauge

	// ContextCacheEntries is the current in-memory context count.
	ContextCacheEntries prometheus.Gauge

	// ErrorCounter tracks errors by component and type.
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clew_messages_total",
				Help: "Total messages by frontend and direction",
			},
			[]string{"frontend", "direction"},
		),
		WorkflowCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clew_workflow_executions_total",
				Help: "Total workflow executions by workflow and status",
			},
			[]string{"workflow", "status"},
		),
		WorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clew_workflow_duration_seconds",
				Help:    "Workflow execution time in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 180},
			},
			[]string{"workflow"},
		),
		ModelRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clew_model_requests_total",
				Help: "Total model backend requests by model and status",
			},
			[]string{"model", "status"},
		),
		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clew_model_request_duration_seconds",
				Help:    "Model backend latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 180},
			},
			[]string{"model"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clew_tool_executions_total",
				Help: "Total tool executions by tool and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clew_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clew_queue_depth",
				Help: "Buffered tasks per queue kind",
			},
			[]string{"queue"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "clew_active_sessions",
				Help: "Current ephemeral session count",
			},
		),
		ContextCacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "clew_context_cache_entries",
				Help: "Contexts currently held in memory",
			},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clew_errors_total",
				Help: "Total errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// MessageReceived increments the inbound counter for a frontend.
func (m *Metrics) MessageReceived(frontend string) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(frontend, "inbound").Inc()
}

// MessageSent increments the outbound counter for a frontend.
func (m *Metrics) MessageSent(frontend string) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(frontend, "outbound").Inc()
}

// RecordWorkflow records one workflow execution.
func (m *Metrics) RecordWorkflow(workflow, status string, seconds float64) {
	if m == nil {
		return
	}
	m.WorkflowCounter.WithLabelValues(workflow, status).Inc()
	m.WorkflowDuration.WithLabelValues(workflow).Observe(seconds)
}

// RecordModelRequest records one model backend call.
func (m *Metrics) RecordModelRequest(model, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ModelRequestCounter.WithLabelValues(model, status).Inc()
	m.ModelRequestDuration.WithLabelValues(model).Observe(seconds)
}

// RecordToolExecution records one tool call.
func (m *Metrics) RecordToolExecution(toolName, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(seconds)
}

// SetQueueDepth updates the depth gauge for one queue kind.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetActiveSessions updates the session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// SetContextCacheEntries updates the context cache gauge.
func (m *Metrics) SetContextCacheEntries(n int) {
	if m == nil {
		return
	}
	m.ContextCacheEntries.Set(float64(n))
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) {
	if m == nil || addr == "" {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics endpoint failed", "addr", addr, "error", err)
	}
}
