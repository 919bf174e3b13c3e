package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "canteen_integration"

// Metrics are the prometheus collectors of the integration engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	StepAttempts    *prometheus.CounterVec
	StepDuration    *prometheus.HistogramVec
	SagaOutcomes    *prometheus.CounterVec
	Compensations   *prometheus.CounterVec
	BreakerOpen     *prometheus.GaugeVec
	SystemHealth    *prometheus.GaugeVec
	ActiveSagas     prometheus.Gauge
	TraceBufferSize prometheus.Gauge
}

// NewMetrics registers the collectors on reg. Pass a private registry in
// tests to keep them isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StepAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "step",
			Name:      "attempts_total",
			Help:      "Domain action attempts by epic and outcome",
		}, []string{"domain", "outcome"}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "step",
			Name:      "duration_seconds",
			Help:      "Step duration including retries and backoff",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"domain"}),
		SagaOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "saga",
			Name:      "outcomes_total",
			Help:      "Finished sagas by type and terminal status",
		}, []string{"type", "status"}),
		Compensations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "saga",
			Name:      "compensations_total",
			Help:      "Compensation actions by epic and outcome",
		}, []string{"domain", "outcome"}),
		BreakerOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "circuit_breaker",
			Name:      "open",
			Help:      "1 when the epic's circuit breaker is open",
		}, []string{"domain"}),
		SystemHealth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "1 for the current system health status, 0 for the others",
		}, []string{"status"}),
		ActiveSagas: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "saga",
			Name:      "active",
			Help:      "Sagas currently in flight",
		}),
		TraceBufferSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "dataflow",
			Name:      "trace_buffer_size",
			Help:      "Traces held in the bounded data flow buffer",
		}),
	}
}

func (m *Metrics) ObserveStep(domain string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(domain).Observe(d.Seconds())
}

func (m *Metrics) CountAttempt(domain string, success bool) {
	if m == nil {
		return
	}
	m.StepAttempts.WithLabelValues(domain, outcome(success)).Inc()
}

func (m *Metrics) CountSaga(sagaType, status string) {
	if m == nil {
		return
	}
	m.SagaOutcomes.WithLabelValues(sagaType, status).Inc()
}

func (m *Metrics) CountCompensation(domain string, success bool) {
	if m == nil {
		return
	}
	m.Compensations.WithLabelValues(domain, outcome(success)).Inc()
}

func (m *Metrics) SetBreaker(domain string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerOpen.WithLabelValues(domain).Set(v)
}

// SetHealth marks current as the active status among all.
func (m *Metrics) SetHealth(current string, all ...string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.SystemHealth.WithLabelValues(s).Set(0)
	}
	m.SystemHealth.WithLabelValues(current).Set(1)
}

func (m *Metrics) SetActiveSagas(n int) {
	if m == nil {
		return
	}
	m.ActiveSagas.Set(float64(n))
}

func (m *Metrics) SetTraceBufferSize(n int) {
	if m == nil {
		return
	}
	m.TraceBufferSize.Set(float64(n))
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}
