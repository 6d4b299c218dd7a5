// Package telemetry centralizes the engine's Prometheus metrics, slog setup,
// and tracer wiring so every other package depends on one small surface
// instead of importing prometheus/otel directly.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting engine metrics.
//
// It tracks:
//   - Task lifecycle (started, finished, admission refusals) and in-flight count
//   - Workflow node invocations and their latency, per node and outcome
//   - Sandbox container lifecycle and exec latency
//   - LLM request latency, token usage, and retry counts
//   - Event stream queue depth, for backpressure visibility
//
// Usage:
//
//	metrics := telemetry.NewMetrics()
//	metrics.TaskStarted()
//	metrics.RecordNode("coder", "ok", time.Since(start))
type Metrics struct {
	// TasksStarted counts successfully admitted tasks.
	TasksStarted prometheus.Counter

	// TasksFinished counts tasks that reached a terminal state.
	// Labels: outcome (completed|error)
	TasksFinished *prometheus.CounterVec

	// TasksRefused counts admission refusals (engine at capacity).
	TasksRefused prometheus.Counter

	// TasksInFlight is a gauge of currently running tasks.
	TasksInFlight prometheus.Gauge

	// NodeCounter counts workflow node invocations.
	// Labels: node, outcome (ok|error)
	NodeCounter *prometheus.CounterVec

	// NodeDurationSeconds measures workflow node latency.
	// Labels: node
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	NodeDurationSeconds *prometheus.HistogramVec

	// StepIterations counts how many retry iterations a task took per step.
	// Labels: node
	StepIterations *prometheus.CounterVec

	// SandboxStarts counts sandbox container creations.
	// Labels: status (ok|degraded)
	SandboxStarts *prometheus.CounterVec

	// SandboxExecDurationSeconds measures sandbox exec latency.
	// Labels: kind (code|command)
	// Buckets: 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	SandboxExecDurationSeconds *prometheus.HistogramVec

	// LLMRequestCounter counts LLM calls by model and status.
	// Labels: model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDurationSeconds measures LLM call latency.
	// Labels: model
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 20s, 40s, 80s
	LLMRequestDurationSeconds *prometheus.HistogramVec

	// LLMTokensUsed tracks prompt/completion token consumption.
	// Labels: model, kind (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// LLMRetries counts key-rotation retries inside a single call.
	LLMRetries prometheus.Counter

	// EventQueueDepth is a gauge of buffered-but-unread events per task stream.
	// Labels: task_id
	EventQueueDepth *prometheus.GaugeVec

	// StaleStreamsSwept counts event queues purged by the sweeper.
	StaleStreamsSwept prometheus.Counter

	// HTTPRequestDurationSeconds measures HTTP handler latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDurationSeconds *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics against the
// default registry. Call once at startup; pass the result (or nil) into
// every component that wants to record against it.
func NewMetrics() *Metrics {
	return &Metrics{
		TasksStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmengine_tasks_started_total",
			Help: "Total number of tasks admitted into the engine.",
		}),

		TasksFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmengine_tasks_finished_total",
				Help: "Total number of tasks that reached a terminal state, by outcome.",
			},
			[]string{"outcome"},
		),

		TasksRefused: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmengine_tasks_refused_total",
			Help: "Total number of task starts refused because the engine was at capacity.",
		}),

		TasksInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swarmengine_tasks_in_flight",
			Help: "Number of tasks currently running.",
		}),

		NodeCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmengine_node_invocations_total",
				Help: "Total number of workflow node invocations, by node and outcome.",
			},
			[]string{"node", "outcome"},
		),

		NodeDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarmengine_node_duration_seconds",
				Help:    "Workflow node execution latency in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"node"},
		),

		StepIterations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmengine_step_iterations_total",
				Help: "Total number of retry iterations spent per workflow node.",
			},
			[]string{"node"},
		),

		SandboxStarts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmengine_sandbox_starts_total",
				Help: "Total number of sandbox container starts, by status.",
			},
			[]string{"status"},
		),

		SandboxExecDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarmengine_sandbox_exec_duration_seconds",
				Help:    "Sandbox exec latency in seconds, by kind.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmengine_llm_requests_total",
				Help: "Total number of LLM requests, by model and status.",
			},
			[]string{"model", "status"},
		),

		LLMRequestDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarmengine_llm_request_duration_seconds",
				Help:    "LLM request latency in seconds, by model.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
			},
			[]string{"model"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swarmengine_llm_tokens_total",
				Help: "Total LLM tokens consumed, by model and kind.",
			},
			[]string{"model", "kind"},
		),

		LLMRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmengine_llm_key_retries_total",
			Help: "Total number of LLM call retries triggered by key rotation.",
		}),

		EventQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swarmengine_event_queue_depth",
				Help: "Number of buffered, unread events per task stream.",
			},
			[]string{"task_id"},
		),

		StaleStreamsSwept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmengine_stale_streams_swept_total",
			Help: "Total number of idle event queues purged by the sweeper.",
		}),

		HTTPRequestDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swarmengine_http_request_duration_seconds",
				Help:    "HTTP handler latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// TaskStarted records a task admission.
func (m *Metrics) TaskStarted() {
	m.TasksStarted.Inc()
	m.TasksInFlight.Inc()
}

// TaskFinished records a task reaching a terminal state.
func (m *Metrics) TaskFinished(outcome string) {
	m.TasksFinished.WithLabelValues(outcome).Inc()
	m.TasksInFlight.Dec()
}

// TaskRefused records an admission refusal.
func (m *Metrics) TaskRefused() {
	m.TasksRefused.Inc()
}

// RecordNode records one workflow node invocation.
func (m *Metrics) RecordNode(node, outcome string, duration time.Duration) {
	m.NodeCounter.WithLabelValues(node, outcome).Inc()
	m.NodeDurationSeconds.WithLabelValues(node).Observe(duration.Seconds())
}

// RecordStepIteration records one retry loop pass for a node.
func (m *Metrics) RecordStepIteration(node string) {
	m.StepIterations.WithLabelValues(node).Inc()
}

// RecordSandboxStart records a sandbox container start, healthy or degraded.
func (m *Metrics) RecordSandboxStart(degraded bool) {
	status := "ok"
	if degraded {
		status = "degraded"
	}
	m.SandboxStarts.WithLabelValues(status).Inc()
}

// RecordSandboxExec records one sandbox exec call.
func (m *Metrics) RecordSandboxExec(kind string, duration time.Duration) {
	m.SandboxExecDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordLLMRequest records one LLM call outcome, latency, and token usage.
func (m *Metrics) RecordLLMRequest(model, status string, duration time.Duration, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(model, status).Inc()
	m.LLMRequestDurationSeconds.WithLabelValues(model).Observe(duration.Seconds())
	m.LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	m.LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// RecordLLMRetry records a key-rotation retry inside a single Call.
func (m *Metrics) RecordLLMRetry() {
	m.LLMRetries.Inc()
}

// SetEventQueueDepth updates the backlog gauge for one task's stream.
func (m *Metrics) SetEventQueueDepth(taskID string, depth int) {
	m.EventQueueDepth.WithLabelValues(taskID).Set(float64(depth))
}

// DeleteEventQueueDepth drops the gauge series for a finished or swept task
// so the label cardinality doesn't grow without bound.
func (m *Metrics) DeleteEventQueueDepth(taskID string) {
	m.EventQueueDepth.DeleteLabelValues(taskID)
}

// RecordStaleStreamsSwept records one sweeper pass purging n idle streams.
func (m *Metrics) RecordStaleStreamsSwept(n int) {
	if n <= 0 {
		return
	}
	m.StaleStreamsSwept.Add(float64(n))
}

// RecordHTTPRequest records one HTTP handler invocation.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, duration time.Duration) {
	m.HTTPRequestDurationSeconds.WithLabelValues(method, path, statusCode).Observe(duration.Seconds())
}
