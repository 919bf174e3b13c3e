package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestContextHandler_AddsSagaAndTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug").With("component", "test")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))
	ctx = WithSagaID(ctx, "saga-1")

	logger.InfoContext(ctx, "step done")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "step done", rec["msg"])
	assert.Equal(t, "test", rec["component"])
	assert.Equal(t, "saga-1", rec["saga_id"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", rec["span_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4317", stripScheme("http://collector:4317"))
	assert.Equal(t, "collector:4317", stripScheme("https://collector:4317"))
	assert.Equal(t, "collector:4317", stripScheme("collector:4317"))
	assert.Equal(t, "http://", stripScheme("http://"))
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.CountAttempt("payments", false)
	m.CountAttempt("payments", false)
	m.CountAttempt("payments", true)
	m.ObserveStep("payments", 250*time.Millisecond)
	m.CountSaga("order-checkout", "failed")
	m.CountCompensation("menus", true)
	m.SetBreaker("payments", true)
	m.SetHealth("degraded", "healthy", "degraded", "critical")
	m.SetActiveSagas(4)
	m.SetTraceBufferSize(12)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StepAttempts.WithLabelValues("payments", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StepAttempts.WithLabelValues("payments", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SagaOutcomes.WithLabelValues("order-checkout", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Compensations.WithLabelValues("menus", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerOpen.WithLabelValues("payments")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SystemHealth.WithLabelValues("degraded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SystemHealth.WithLabelValues("critical")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ActiveSagas))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.TraceBufferSize))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StepDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CountAttempt("x", true)
		m.ObserveStep("x", time.Second)
		m.CountSaga("t", "completed")
		m.CountCompensation("x", false)
		m.SetBreaker("x", true)
		m.SetHealth("healthy")
		m.SetActiveSagas(1)
		m.SetTraceBufferSize(1)
	})
}
