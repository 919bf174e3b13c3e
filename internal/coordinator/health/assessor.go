// Package health turns aggregated epic metrics into a system health verdict
// with human-readable recommendations.
package health

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jcmexdev/canteen-integration/internal/coordinator/breaker"
	"github.com/jcmexdev/canteen-integration/internal/coordinator/dataflow"
)

// Status is the overall system health.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// DefaultHistory bounds the report history.
const DefaultHistory = 100

// Thresholds decide when an epic or the saga load is flagged.
type Thresholds struct {
	PoorResponseTime  time.Duration `mapstructure:"poor_response_time"`
	HighErrorRate     float64       `mapstructure:"high_error_rate"`
	ActiveSagaSoftCap int           `mapstructure:"active_saga_soft_cap"`
}

// DefaultThresholds flags epics slower than one second on average or failing
// more than 5% of calls, and more than 100 in-flight sagas.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PoorResponseTime:  time.Second,
		HighErrorRate:     0.05,
		ActiveSagaSoftCap: 100,
	}
}

// PoorlyPerforming reports whether m is over the response time threshold.
func (t Thresholds) PoorlyPerforming(m dataflow.EpicMetrics) bool {
	return m.AverageResponseTime > t.PoorResponseTime
}

// HighError reports whether m is over the error rate threshold.
func (t Thresholds) HighError(m dataflow.EpicMetrics) bool {
	return m.ErrorRate > t.HighErrorRate
}

// Report is one health assessment.
type Report struct {
	Timestamp       time.Time              `json:"timestamp"`
	EpicMetrics     []dataflow.EpicMetrics `json:"epicMetrics"`
	Flows           dataflow.FlowReport    `json:"flows"`
	OpenBreakers    []string               `json:"openBreakers,omitempty"`
	Recommendations []string               `json:"recommendations"`
	ActiveSagaCount int                    `json:"activeSagaCount"`
	SystemHealth    Status                 `json:"systemHealth"`
}

// MetricsSource provides the latest aggregated metrics.
type MetricsSource interface {
	Epics() []dataflow.EpicMetrics
	Flows() dataflow.FlowReport
}

// SagaCounter reports how many sagas are in flight.
type SagaCounter interface {
	ActiveCount() int
}

// BreakerSource lists the circuit breakers.
type BreakerSource interface {
	Snapshot() []breaker.State
}

// Assessor evaluates the inputs and keeps a bounded history of reports.
type Assessor struct {
	metrics    MetricsSource
	sagas      SagaCounter
	breakers   BreakerSource
	thresholds Thresholds
	capacity   int
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.RWMutex
	history []Report
}

// Config for NewAssessor. Zero values fall back to defaults.
type Config struct {
	Thresholds Thresholds
	History    int
	Now        func() time.Time
	Logger     *slog.Logger
}

// NewAssessor wires the assessor to its inputs. breakers may be nil.
func NewAssessor(metrics MetricsSource, sagas SagaCounter, breakers BreakerSource, cfg Config) *Assessor {
	def := DefaultThresholds()
	if cfg.Thresholds.PoorResponseTime <= 0 {
		cfg.Thresholds.PoorResponseTime = def.PoorResponseTime
	}
	if cfg.Thresholds.HighErrorRate <= 0 {
		cfg.Thresholds.HighErrorRate = def.HighErrorRate
	}
	if cfg.Thresholds.ActiveSagaSoftCap <= 0 {
		cfg.Thresholds.ActiveSagaSoftCap = def.ActiveSagaSoftCap
	}
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Assessor{
		metrics:    metrics,
		sagas:      sagas,
		breakers:   breakers,
		thresholds: cfg.Thresholds,
		capacity:   cfg.History,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
}

// Thresholds in effect.
func (a *Assessor) Thresholds() Thresholds {
	return a.thresholds
}

// Assess builds a report from the current inputs and appends it to history.
func (a *Assessor) Assess() Report {
	epics := a.metrics.Epics()
	flows := a.metrics.Flows()
	active := a.sagas.ActiveCount()

	var recs []string
	poor, highErr := 0, 0
	for _, m := range epics {
		if a.thresholds.PoorlyPerforming(m) {
			poor++
			recs = append(recs, fmt.Sprintf(
				"Epic %q is responding slowly (avg %s > %s): review its dependencies or scale it out",
				m.Domain, m.AverageResponseTime.Round(time.Millisecond), a.thresholds.PoorResponseTime))
		}
		if a.thresholds.HighError(m) {
			highErr++
			recs = append(recs, fmt.Sprintf(
				"Epic %q has a high error rate (%.1f%% > %.1f%%): inspect recent failures and retry policy",
				m.Domain, m.ErrorRate*100, a.thresholds.HighErrorRate*100))
		}
	}
	if !flows.Consistent {
		recs = append(recs, fmt.Sprintf(
			"Cross-epic data flow is inconsistent (success ratio %.1f%%): check compensations for partial updates",
			flows.SuccessRatio*100))
	}
	if active > a.thresholds.ActiveSagaSoftCap {
		recs = append(recs, fmt.Sprintf(
			"%d sagas in flight exceeds the soft cap of %d: throttle submissions or add capacity",
			active, a.thresholds.ActiveSagaSoftCap))
	}

	var open []string
	if a.breakers != nil {
		for _, st := range a.breakers.Snapshot() {
			if st.IsOpen {
				open = append(open, st.Domain)
				recs = append(recs, fmt.Sprintf("Circuit breaker for epic %q is open", st.Domain))
			}
		}
	}

	status := StatusHealthy
	switch {
	case poor > 2 || highErr > 1 || !flows.Consistent:
		status = StatusCritical
	case poor > 0 || highErr > 0 || active > a.thresholds.ActiveSagaSoftCap:
		status = StatusDegraded
	}

	report := Report{
		Timestamp:       a.now(),
		EpicMetrics:     epics,
		Flows:           flows,
		OpenBreakers:    open,
		Recommendations: recs,
		ActiveSagaCount: active,
		SystemHealth:    status,
	}
	if report.Recommendations == nil {
		report.Recommendations = []string{}
	}

	a.mu.Lock()
	a.history = append(a.history, report)
	if over := len(a.history) - a.capacity; over > 0 {
		a.history = append([]Report(nil), a.history[over:]...)
	}
	a.mu.Unlock()

	if status != StatusHealthy {
		a.logger.Warn("system health assessed",
			"status", status,
			"active_sagas", active,
			"recommendations", len(recs),
		)
	}
	return report
}

// Latest returns the most recent report, false before the first assessment.
func (a *Assessor) Latest() (Report, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.history) == 0 {
		return Report{}, false
	}
	return a.history[len(a.history)-1], true
}

// History returns up to n most recent reports, oldest first. n <= 0 returns all.
func (a *Assessor) History(n int) []Report {
	a.mu.RLock()
	defer a.mu.RUnlock()

	start := 0
	if n > 0 && n < len(a.history) {
		start = len(a.history) - n
	}
	return append([]Report(nil), a.history[start:]...)
}
