package telemetry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// NewMetrics registers every collector against Prometheus's default
// registry, so it can only be called once per test binary. Every assertion
// below shares the one instance built here instead of calling NewMetrics()
// again.
var sharedMetrics = NewMetrics()

func TestMetrics_TaskLifecycle(t *testing.T) {
	m := sharedMetrics
	before := testutil.ToFloat64(m.TasksInFlight)

	m.TaskStarted()
	assert.Equal(t, before+1, testutil.ToFloat64(m.TasksInFlight))

	m.TaskFinished("completed")
	assert.Equal(t, before, testutil.ToFloat64(m.TasksInFlight))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.TasksFinished.WithLabelValues("completed")), float64(1))

	before = testutil.ToFloat64(m.TasksRefused)
	m.TaskRefused()
	assert.Equal(t, before+1, testutil.ToFloat64(m.TasksRefused))
}

func TestMetrics_RecordNode(t *testing.T) {
	m := sharedMetrics
	before := testutil.ToFloat64(m.NodeCounter.WithLabelValues("planner-test", "ok"))
	m.RecordNode("planner-test", "ok", 50*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(m.NodeCounter.WithLabelValues("planner-test", "ok")))
}

func TestMetrics_RecordLLMRequest(t *testing.T) {
	m := sharedMetrics
	m.RecordLLMRequest("gemini-pro-test", "success", 2*time.Second, 100, 50)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("gemini-pro-test", "success")), float64(1))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("gemini-pro-test", "prompt")), float64(100))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("gemini-pro-test", "completion")), float64(50))
}

func TestMetrics_EventQueueDepthLifecycle(t *testing.T) {
	m := sharedMetrics
	m.SetEventQueueDepth("task-depth-test", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.EventQueueDepth.WithLabelValues("task-depth-test")))
	m.DeleteEventQueueDepth("task-depth-test")
	assert.Equal(t, float64(0), testutil.ToFloat64(m.EventQueueDepth.WithLabelValues("task-depth-test")))
}

func TestMetrics_RecordStaleStreamsSweptIgnoresZero(t *testing.T) {
	m := sharedMetrics
	before := testutil.ToFloat64(m.StaleStreamsSwept)
	m.RecordStaleStreamsSwept(0)
	assert.Equal(t, before, testutil.ToFloat64(m.StaleStreamsSwept))
	m.RecordStaleStreamsSwept(3)
	assert.Equal(t, before+3, testutil.ToFloat64(m.StaleStreamsSwept))
}

func TestNewLogger_DefaultsToInfoLevel(t *testing.T) {
	logger := NewLogger("")
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestNewLogger_DebugLevelParsed(t *testing.T) {
	logger := NewLogger("debug")
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}
