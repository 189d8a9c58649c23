package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the Prometheus metrics exposed at /metrics.
//
// The set covers the request pipeline end to end: admission waits, LLM
// latency and token spend, tool dispatches, compactions, stream overflow
// spills, memory summarization tasks and storage latency.
type Metrics struct {
	// RequestCounter counts chat requests by mode and status.
	// Labels: mode (unary|stream), status (finished|error|cancelled|rejected)
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures end-to-end request latency in seconds.
	// Labels: mode
	RequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM calls by provider, model and status.
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool dispatches.
	// Labels: tool, status (success|error|denied)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error code.
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions gauges sessions currently holding an admission lock.
	ActiveSessions prometheus.Gauge

	// SessionDuration measures the lifetime of a session run in seconds.
	SessionDuration prometheus.Histogram

	// AdmissionWaiting gauges requests currently polling for a lock.
	AdmissionWaiting prometheus.Gauge

	// AdmissionWaitDuration measures time spent waiting for admission.
	AdmissionWaitDuration prometheus.Histogram

	// CompactionCounter counts context compactions by status.
	// Labels: status (done|fallback|skipped)
	CompactionCounter *prometheus.CounterVec

	// StreamOverflowCounter counts events spilled to the overflow table.
	StreamOverflowCounter prometheus.Counter

	// MemoryTaskCounter counts memory summarization tasks by status.
	// Labels: status (done|failed)
	MemoryTaskCounter *prometheus.CounterVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts storage operations.
	// Labels: operation, table, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec

	// DatabaseQueryDuration measures storage operation latency in seconds.
	// Labels: operation, table
	DatabaseQueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry. Call once at startup; a second call panics on duplicate
// registration.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metric set against an explicit registerer.
// Tests use isolated registries to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wunder_requests_total",
				Help: "Total number of chat requests by mode and terminal status",
			},
			[]string{"mode", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wunder_request_duration_seconds",
				Help:    "End-to-end chat request duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wunder_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wunder_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wunder_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wunder_tool_executions_total",
				Help: "Total number of tool dispatches by tool name and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wunder_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wunder_errors_total",
				Help: "Total number of errors by component and error code",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wunder_active_sessions",
				Help: "Current number of sessions holding an admission lock",
			},
		),

		SessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wunder_session_duration_seconds",
				Help:    "Duration of session runs in seconds",
				Buckets: []float64{1, 5, 15, 60, 300, 600, 1800, 3600},
			},
		),

		AdmissionWaiting: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wunder_admission_waiting",
				Help: "Requests currently polling for an admission lock",
			},
		),

		AdmissionWaitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wunder_admission_wait_duration_seconds",
				Help:    "Time spent waiting for admission in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
		),

		CompactionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wunder_compactions_total",
				Help: "Total number of context compactions by status",
			},
			[]string{"status"},
		),

		StreamOverflowCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wunder_stream_overflow_events_total",
				Help: "Total number of events spilled to the overflow table",
			},
		),

		MemoryTaskCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wunder_memory_tasks_total",
				Help: "Total number of memory summarization tasks by status",
			},
			[]string{"status"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wunder_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wunder_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		DatabaseQueryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wunder_database_queries_total",
				Help: "Total number of storage operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wunder_database_query_duration_seconds",
				Help:    "Duration of storage operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),
	}
}

// RecordRequest records one finished chat request.
func (m *Metrics) RecordRequest(mode, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestCounter.WithLabelValues(mode, status).Inc()
	m.RequestDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordLLMRequest records one LLM call with its token spend.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool dispatch.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and error code.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active session gauge and records duration.
func (m *Metrics) SessionEnded(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// AdmissionWaitStarted increments the gauge of requests polling for a lock.
func (m *Metrics) AdmissionWaitStarted() {
	if m == nil {
		return
	}
	m.AdmissionWaiting.Inc()
}

// AdmissionWaitEnded decrements the waiting gauge and records how long the
// request waited.
func (m *Metrics) AdmissionWaitEnded(durationSeconds float64) {
	if m == nil {
		return
	}
	m.AdmissionWaiting.Dec()
	m.AdmissionWaitDuration.Observe(durationSeconds)
}

// RecordCompaction records one compaction outcome.
func (m *Metrics) RecordCompaction(status string) {
	if m == nil {
		return
	}
	m.CompactionCounter.WithLabelValues(status).Inc()
}

// RecordStreamOverflow counts one event spilled to storage.
func (m *Metrics) RecordStreamOverflow() {
	if m == nil {
		return
	}
	m.StreamOverflowCounter.Inc()
}

// RecordMemoryTask records one memory summarization task outcome.
func (m *Metrics) RecordMemoryTask(status string) {
	if m == nil {
		return
	}
	m.MemoryTaskCounter.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordDatabaseQuery records one storage operation.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}
