package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcmexdev/canteen-integration/internal/coordinator/breaker"
	"github.com/jcmexdev/canteen-integration/internal/coordinator/dataflow"
	"github.com/jcmexdev/canteen-integration/internal/coordinator/health"
	"github.com/jcmexdev/canteen-integration/internal/coordinator/retry"
	"github.com/jcmexdev/canteen-integration/internal/coordinator/sagalog"
	"github.com/jcmexdev/canteen-integration/internal/pkg/cache"
	"github.com/jcmexdev/canteen-integration/internal/pkg/scheduler"
	"github.com/jcmexdev/canteen-integration/internal/pkg/telemetry"
)

// Settings are the tunables of an Engine.
type Settings struct {
	TraceCapacity    int           `mapstructure:"trace_capacity"`
	MetricsWindow    time.Duration `mapstructure:"metrics_window"`
	EpicInterval     time.Duration `mapstructure:"epic_interval"`
	FlowInterval     time.Duration `mapstructure:"flow_interval"`
	HealthInterval   time.Duration `mapstructure:"health_interval"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	TraceMaxAge      time.Duration `mapstructure:"trace_max_age"`
	Retention        time.Duration `mapstructure:"retention"`
	ResultTTL        time.Duration `mapstructure:"result_ttl"`
	History          int           `mapstructure:"history"`
	RecentReports    int           `mapstructure:"recent_reports"`
	ConsistencyRatio float64       `mapstructure:"consistency_ratio"`

	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`

	Thresholds health.Thresholds `mapstructure:"thresholds"`
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	b := breaker.DefaultConfig()
	return Settings{
		TraceCapacity:    dataflow.DefaultCapacity,
		MetricsWindow:    5 * time.Minute,
		EpicInterval:     30 * time.Second,
		FlowInterval:     time.Minute,
		HealthInterval:   2 * time.Minute,
		CleanupInterval:  5 * time.Minute,
		TraceMaxAge:      time.Hour,
		Retention:        time.Hour,
		ResultTTL:        time.Hour,
		History:          health.DefaultHistory,
		RecentReports:    10,
		ConsistencyRatio: dataflow.DefaultConsistencyRatio,
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		BreakerTimeout:   b.Timeout,
		Thresholds:       health.DefaultThresholds(),
	}
}

// Options wires an Engine. Only Invoker is required.
type Options struct {
	Invoker  Invoker
	Policies *retry.Store
	Settings Settings
	Cache    cache.Cache
	AuditLog sagalog.Repository
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
}

// Engine is the orchestrator's public surface. It owns one instance of every
// registry and hands them to the components that share them.
type Engine struct {
	settings    Settings
	policies    *retry.Store
	breakers    *breaker.Registry
	tracer      *dataflow.Tracer
	aggregator  *dataflow.Aggregator
	assessor    *health.Assessor
	coordinator *Coordinator
	cache       cache.Cache
	metrics     *telemetry.Metrics
	logger      *slog.Logger
}

// EpicHealth is the per-epic view returned by GetEpicHealth.
type EpicHealth struct {
	Domain         string               `json:"domain"`
	Metrics        dataflow.EpicMetrics `json:"metrics"`
	CircuitBreaker breaker.State        `json:"circuitBreakerState"`
	IsHealthy      bool                 `json:"isHealthy"`
}

// PerformanceMetrics is the system-wide view returned by GetPerformanceMetrics.
type PerformanceMetrics struct {
	EpicMetrics     []dataflow.EpicMetrics `json:"epicMetrics"`
	DataFlowMetrics dataflow.FlowReport    `json:"dataFlowMetrics"`
	ActiveSagaCount int                    `json:"activeSagaCount"`
	RecentReports   []health.Report        `json:"recentReports"`
}

// CleanupStats reports what one cleanup pass removed.
type CleanupStats struct {
	Traces  int
	Sagas   int
	Results int
}

// NewEngine builds the registries, the executor and the coordinator.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Invoker == nil {
		return nil, errors.New("coordinator: engine requires an invoker")
	}
	s := withDefaults(opts.Settings)
	if opts.Policies == nil {
		opts.Policies = retry.DefaultStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemoryCache("canteen-coordinator", opts.Now)
	}

	e := &Engine{
		settings: s,
		policies: opts.Policies,
		cache:    opts.Cache,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	e.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
		Timeout:          s.BreakerTimeout,
		Now:              opts.Now,
		OnStateChange:    e.breakerChanged,
	})
	e.tracer = dataflow.NewTracer(s.TraceCapacity, opts.Now)
	e.aggregator = dataflow.NewAggregator(e.tracer, s.MetricsWindow, s.ConsistencyRatio, opts.Now)

	exec := NewStepExecutor(opts.Invoker, e.policies, e.breakers, e.tracer, ExecutorConfig{
		Metrics: opts.Metrics,
		Logger:  opts.Logger,
		Now:     opts.Now,
		Sleep:   opts.Sleep,
	})
	e.coordinator = NewCoordinator(exec, Config{
		Retention: s.Retention,
		ResultTTL: s.ResultTTL,
		Cache:     opts.Cache,
		AuditLog:  opts.AuditLog,
		Metrics:   opts.Metrics,
		Logger:    opts.Logger,
		Now:       opts.Now,
	})
	e.assessor = health.NewAssessor(e.aggregator, e.coordinator, e.breakers, health.Config{
		Thresholds: s.Thresholds,
		History:    s.History,
		Now:        opts.Now,
		Logger:     opts.Logger,
	})
	return e, nil
}

func withDefaults(s Settings) Settings {
	def := DefaultSettings()
	if s.TraceCapacity <= 0 {
		s.TraceCapacity = def.TraceCapacity
	}
	if s.MetricsWindow <= 0 {
		s.MetricsWindow = def.MetricsWindow
	}
	if s.EpicInterval <= 0 {
		s.EpicInterval = def.EpicInterval
	}
	if s.FlowInterval <= 0 {
		s.FlowInterval = def.FlowInterval
	}
	if s.HealthInterval <= 0 {
		s.HealthInterval = def.HealthInterval
	}
	if s.CleanupInterval <= 0 {
		s.CleanupInterval = def.CleanupInterval
	}
	if s.TraceMaxAge <= 0 {
		s.TraceMaxAge = def.TraceMaxAge
	}
	if s.Retention <= 0 {
		s.Retention = def.Retention
	}
	if s.ResultTTL <= 0 {
		s.ResultTTL = def.ResultTTL
	}
	if s.History <= 0 {
		s.History = def.History
	}
	if s.RecentReports <= 0 {
		s.RecentReports = def.RecentReports
	}
	if s.ConsistencyRatio <= 0 {
		s.ConsistencyRatio = def.ConsistencyRatio
	}
	// Threshold and breaker zero values are defaulted by their packages.
	return s
}

// SubmitSaga runs a saga and returns its flat outcome.
func (e *Engine) SubmitSaga(ctx context.Context, sub Submission) Result {
	return e.coordinator.Execute(ctx, sub)
}

// GetSagaStatus returns a snapshot of one saga. It has no side effects.
func (e *Engine) GetSagaStatus(sagaID string) (SagaTransaction, error) {
	return e.coordinator.Get(sagaID)
}

// ListActiveSagas returns every saga still retained, finished or not.
func (e *Engine) ListActiveSagas() []SagaTransaction {
	return e.coordinator.List()
}

// GetSagaResult returns the cached outcome of a completed saga.
func (e *Engine) GetSagaResult(ctx context.Context, sagaID string) (Result, error) {
	return e.coordinator.Result(ctx, sagaID)
}

// GetEpicHealth combines the last aggregated metrics of domain with its
// breaker state. An epic is healthy when its breaker admits calls and its
// metrics are within the thresholds.
func (e *Engine) GetEpicHealth(domain string) EpicHealth {
	m, ok := e.aggregator.Epic(domain)
	if !ok {
		m = dataflow.EpicMetrics{Domain: domain}
	}
	st, _ := e.breakers.State(domain)
	th := e.assessor.Thresholds()
	return EpicHealth{
		Domain:         domain,
		Metrics:        m,
		CircuitBreaker: st,
		IsHealthy:      !st.Rejecting(e.breakers.Now()) && !th.PoorlyPerforming(m) && !th.HighError(m),
	}
}

// GetPerformanceMetrics returns the latest aggregates and health reports.
func (e *Engine) GetPerformanceMetrics() PerformanceMetrics {
	return PerformanceMetrics{
		EpicMetrics:     e.aggregator.Epics(),
		DataFlowMetrics: e.aggregator.Flows(),
		ActiveSagaCount: e.coordinator.ActiveCount(),
		RecentReports:   e.assessor.History(e.settings.RecentReports),
	}
}

// UpdateRetryPolicy merges u into domain's policy. Steps that already
// started keep the policy they resolved.
func (e *Engine) UpdateRetryPolicy(domain string, u retry.Update) (retry.Policy, error) {
	p, err := e.policies.Update(domain, u)
	if err != nil {
		return retry.Policy{}, err
	}
	e.logger.Info("retry policy updated",
		"domain", domain,
		"max_retries", p.MaxRetries,
		"base_delay", p.BaseDelay,
		"max_delay", p.MaxDelay,
	)
	return p, nil
}

// RetryPolicies returns the effective policy of every registered epic.
func (e *Engine) RetryPolicies() map[string]retry.Policy {
	return e.policies.Snapshot()
}

// ForceOpenBreaker trips domain's breaker.
func (e *Engine) ForceOpenBreaker(domain string) breaker.State {
	e.breakers.ForceOpen(domain)
	st, _ := e.breakers.State(domain)
	return st
}

// ResetBreaker closes domain's breaker and clears its counters.
func (e *Engine) ResetBreaker(domain string) breaker.State {
	e.breakers.Reset(domain)
	st, _ := e.breakers.State(domain)
	return st
}

// Breakers returns every breaker's state.
func (e *Engine) Breakers() []breaker.State {
	return e.breakers.Snapshot()
}

// AggregateEpics runs one epic metrics pass.
func (e *Engine) AggregateEpics() map[string]dataflow.EpicMetrics {
	m := e.aggregator.AggregateEpics()
	e.metrics.SetTraceBufferSize(e.tracer.Len())
	return m
}

// AggregateFlows runs one flow metrics pass.
func (e *Engine) AggregateFlows() dataflow.FlowReport {
	return e.aggregator.AggregateFlows()
}

// AssessHealth runs one health assessment.
func (e *Engine) AssessHealth() health.Report {
	r := e.assessor.Assess()
	e.metrics.SetHealth(string(r.SystemHealth),
		string(health.StatusHealthy), string(health.StatusDegraded), string(health.StatusCritical))
	return r
}

type purger interface {
	Purge() int
}

// Cleanup evicts old traces, finished sagas past retention and, for the
// in-process cache, expired results.
func (e *Engine) Cleanup() CleanupStats {
	st := CleanupStats{
		Traces: e.tracer.EvictOlderThan(e.settings.TraceMaxAge),
		Sagas:  e.coordinator.PurgeExpired(),
	}
	if p, ok := e.cache.(purger); ok {
		st.Results = p.Purge()
	}
	e.metrics.SetTraceBufferSize(e.tracer.Len())
	e.metrics.SetActiveSagas(e.coordinator.ActiveCount())
	if st != (CleanupStats{}) {
		e.logger.Info("cleanup pass", "traces", st.Traces, "sagas", st.Sagas, "results", st.Results)
	}
	return st
}

// Jobs returns the periodic work the engine needs. Hand them to a
// scheduler; nothing runs until it is started.
func (e *Engine) Jobs() []scheduler.Job {
	return []scheduler.Job{
		{Name: "epic-metrics", Interval: e.settings.EpicInterval, Run: func(context.Context) error {
			e.AggregateEpics()
			return nil
		}},
		{Name: "flow-metrics", Interval: e.settings.FlowInterval, Run: func(context.Context) error {
			e.AggregateFlows()
			return nil
		}},
		{Name: "health", Interval: e.settings.HealthInterval, Run: func(context.Context) error {
			e.AssessHealth()
			return nil
		}},
		{Name: "cleanup", Interval: e.settings.CleanupInterval, Run: func(context.Context) error {
			e.Cleanup()
			return nil
		}},
	}
}

func (e *Engine) breakerChanged(domain string, open bool) {
	e.metrics.SetBreaker(domain, open)
	if open {
		e.logger.Warn("circuit breaker opened", "domain", domain)
		return
	}
	e.logger.Info("circuit breaker closed", "domain", domain)
}

// String is used in logs.
func (s Settings) String() string {
	return fmt.Sprintf("traces=%d window=%s retention=%s ttl=%s", s.TraceCapacity, s.MetricsWindow, s.Retention, s.ResultTTL)
}
