package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/jcmexdev/canteen-integration/internal/coordinator/sagalog"
	"github.com/jcmexdev/canteen-integration/internal/pkg/cache"
	"github.com/jcmexdev/canteen-integration/internal/pkg/telemetry"
)

const (
	cacheOpResult      = "saga-result"
	cacheOpIdempotency = "idempotency"
)

// Config tunes a Coordinator. Zero values fall back to the defaults noted on
// each field.
type Config struct {
	// Retention is how long a finished saga stays queryable. Default 1h.
	Retention time.Duration
	// ResultTTL bounds how long a completed result stays cached. Default 1h.
	ResultTTL time.Duration
	// Cache stores completed results. Default is an in-process cache.
	Cache cache.Cache
	// AuditLog, when set, receives an entry on every saga transition.
	AuditLog sagalog.Repository
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Coordinator runs sagas: steps in order through the StepExecutor, and on the
// first failure, compensation of the completed steps in reverse order.
type Coordinator struct {
	executor  *StepExecutor
	invoker   Invoker
	cache     cache.Cache
	audit     sagalog.Repository
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time
	retention time.Duration
	resultTTL time.Duration

	inflight singleflight.Group

	mu    sync.RWMutex
	sagas map[string]*sagaEntry
}

type sagaEntry struct {
	mu         sync.RWMutex
	tx         SagaTransaction
	finishedAt time.Time
}

// NewCoordinator builds a coordinator on top of exec. Compensations go
// straight to exec's invoker without retry or breaker admission.
func NewCoordinator(exec *StepExecutor, cfg Config) *Coordinator {
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewMemoryCache("canteen-coordinator", cfg.Now)
	}
	return &Coordinator{
		executor:  exec,
		invoker:   exec.invoker,
		cache:     cfg.Cache,
		audit:     cfg.AuditLog,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
		retention: cfg.Retention,
		resultTTL: cfg.ResultTTL,
		sagas:     make(map[string]*sagaEntry),
	}
}

// Execute runs a saga to completion and returns its flat outcome. Failures
// never escape as errors; they are reported through Result.Error.
//
// The forward path honours ctx and sub.Timeout. Compensation runs detached
// from both so a cancelled caller cannot leave a saga half rolled back.
func (c *Coordinator) Execute(ctx context.Context, sub Submission) Result {
	if err := validate(sub); err != nil {
		return Result{Error: err.Error()}
	}

	idemKey := sub.Metadata[MetadataIdempotencyKey]
	if idemKey == "" {
		return c.run(ctx, sub, "")
	}

	// Callers arriving while the same key is in flight wait for that run.
	var ran bool
	v, _, _ := c.inflight.Do(idemKey, func() (any, error) {
		if res, ok := c.cachedResult(ctx, c.cache.GenerateKey(cacheOpIdempotency, idemKey)); ok {
			c.logger.InfoContext(ctx, "idempotent submission served from cache",
				"saga_id", res.SagaID, "idempotency_key", idemKey)
			return res, nil
		}
		ran = true
		return c.run(ctx, sub, idemKey), nil
	})
	res := v.(Result)
	if !ran {
		res.Cached = true
	}
	return res
}

func (c *Coordinator) run(ctx context.Context, sub Submission, idemKey string) Result {
	entry := c.register(sub)
	id := entry.tx.ID
	ctx = telemetry.WithSagaID(ctx, id)

	c.logger.InfoContext(ctx, "saga started", "type", sub.Type, "steps", len(sub.Steps))
	c.record(ctx, entry, sagalog.StatusStarted, "", submissionPayload(sub), nil)
	entry.update(c.now(), func(tx *SagaTransaction) { tx.Status = SagaRunning })
	c.metrics.SetActiveSagas(c.ActiveCount())

	runCtx := ctx
	if sub.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, sub.Timeout)
		defer cancel()
	}

	results := make([]json.RawMessage, 0, len(sub.Steps))
	source := SourceCoordinator
	for i := range sub.Steps {
		var step SagaStep
		entry.update(c.now(), func(tx *SagaTransaction) {
			tx.Steps[i].Status = StepRunning
			step = tx.Steps[i]
		})

		report := c.executor.Run(runCtx, StepRequest{
			SagaID: id,
			Step:   step,
			Source: source,
			OnStart: func(maxRetries int) {
				entry.update(c.now(), func(tx *SagaTransaction) { tx.Steps[i].MaxRetries = maxRetries })
			},
		})

		if report.Err != nil {
			entry.update(c.now(), func(tx *SagaTransaction) {
				s := &tx.Steps[i]
				s.Status = StepFailed
				s.Error = report.Err.Error()
				s.Retries = report.Retries()
				s.Duration = report.Duration
			})
			c.logger.ErrorContext(ctx, "step failed, starting rollback", "step", step.Name(), "error", report.Err)
			c.record(ctx, entry, sagalog.StatusStepFailed, step.Name(), "", []string{report.Err.Error()})

			c.compensate(context.WithoutCancel(ctx), entry, i)
			return c.fail(ctx, entry, report.Err)
		}

		entry.update(c.now(), func(tx *SagaTransaction) {
			s := &tx.Steps[i]
			s.Status = StepCompleted
			s.Result = report.Result
			s.Retries = report.Retries()
			s.Duration = report.Duration
		})
		c.record(ctx, entry, sagalog.StatusStepDone, step.Name(), string(report.Result), nil)
		results = append(results, report.Result)
		source = step.Domain
	}

	return c.complete(ctx, entry, idemKey, results)
}

// compensate reverses, newest first, every step that had completed when step
// failed was detected. A failed compensation is logged and the rest still run.
func (c *Coordinator) compensate(ctx context.Context, entry *sagaEntry, failed int) {
	var steps []SagaStep
	entry.update(c.now(), func(tx *SagaTransaction) {
		tx.Status = SagaCompensating
		steps = slices.Clone(tx.Steps[:failed])
	})
	c.record(ctx, entry, sagalog.StatusCompensating, "", "", nil)

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Status != StepCompleted {
			continue
		}
		if step.CompensationAction == "" {
			c.logger.DebugContext(ctx, "step has no compensation", "step", step.Name())
			continue
		}

		c.logger.InfoContext(ctx, "compensating step", "step", step.Name())
		if err := c.invokeCompensation(ctx, step); err != nil {
			c.metrics.CountCompensation(step.Domain, false)
			c.logger.ErrorContext(ctx, "CRITICAL: failed to compensate step",
				"step", step.Name(),
				"compensation", step.CompensationAction,
				"error", err,
			)
			msg := fmt.Errorf("%w: %v", ErrCompensation, err).Error()
			entry.update(c.now(), func(tx *SagaTransaction) { tx.Steps[i].CompensationError = msg })
			continue
		}

		c.metrics.CountCompensation(step.Domain, true)
		entry.update(c.now(), func(tx *SagaTransaction) { tx.Steps[i].Status = StepCompensated })
		c.record(ctx, entry, sagalog.StatusCompensated, step.Name(), "", nil)
	}
}

func (c *Coordinator) invokeCompensation(ctx context.Context, step SagaStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return c.invoker.Compensate(ctx, step.Domain, step.CompensationAction, step.Result)
}

func (c *Coordinator) fail(ctx context.Context, entry *sagaEntry, cause error) Result {
	now := c.now()
	var tx SagaTransaction
	entry.update(now, func(t *SagaTransaction) {
		t.Status = SagaFailed
		t.Error = cause.Error()
		tx = t.clone()
	})
	entry.finish(now)

	c.metrics.CountSaga(tx.Type, string(SagaFailed))
	c.metrics.SetActiveSagas(c.ActiveCount())
	c.record(ctx, entry, sagalog.StatusFailed, "", "", []string{cause.Error()})
	c.logger.WarnContext(ctx, "saga failed", "error", cause)

	return Result{SagaID: tx.ID, Error: cause.Error()}
}

func (c *Coordinator) complete(ctx context.Context, entry *sagaEntry, idemKey string, results []json.RawMessage) Result {
	now := c.now()
	var tx SagaTransaction
	entry.update(now, func(t *SagaTransaction) {
		t.Status = SagaCompleted
		tx = t.clone()
	})
	entry.finish(now)

	res := Result{SagaID: tx.ID, Success: true, Result: results}
	c.storeResult(ctx, res, idemKey)

	c.metrics.CountSaga(tx.Type, string(SagaCompleted))
	c.metrics.SetActiveSagas(c.ActiveCount())
	c.record(ctx, entry, sagalog.StatusCompleted, "", "", nil)
	c.logger.InfoContext(ctx, "saga completed")
	return res
}

func (c *Coordinator) storeResult(ctx context.Context, res Result, idemKey string) {
	raw, err := json.Marshal(res)
	if err != nil {
		c.logger.WarnContext(ctx, "encode saga result", "error", err)
		return
	}
	keys := []string{c.cache.GenerateKey(cacheOpResult, res.SagaID)}
	if idemKey != "" {
		keys = append(keys, c.cache.GenerateKey(cacheOpIdempotency, idemKey))
	}
	for _, key := range keys {
		if err := c.cache.Set(ctx, key, string(raw), c.resultTTL); err != nil {
			c.logger.WarnContext(ctx, "cache saga result", "key", key, "error", err)
		}
	}
}

func (c *Coordinator) cachedResult(ctx context.Context, key string) (Result, bool) {
	raw, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "read cached saga result", "key", key, "error", err)
		return Result{}, false
	}
	if raw == "" {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		c.logger.WarnContext(ctx, "decode cached saga result", "key", key, "error", err)
		return Result{}, false
	}
	res.Cached = true
	return res, true
}

// Result returns the cached outcome of a completed saga.
func (c *Coordinator) Result(ctx context.Context, sagaID string) (Result, error) {
	res, ok := c.cachedResult(ctx, c.cache.GenerateKey(cacheOpResult, sagaID))
	if !ok {
		return Result{}, fmt.Errorf("%w: no cached result for %s", ErrSagaNotFound, sagaID)
	}
	return res, nil
}

// Get returns a snapshot of one saga.
func (c *Coordinator) Get(sagaID string) (SagaTransaction, error) {
	c.mu.RLock()
	entry, ok := c.sagas[sagaID]
	c.mu.RUnlock()
	if !ok {
		return SagaTransaction{}, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	return entry.snapshot(), nil
}

// List returns snapshots of every retained saga, oldest first.
func (c *Coordinator) List() []SagaTransaction {
	c.mu.RLock()
	out := make([]SagaTransaction, 0, len(c.sagas))
	for _, entry := range c.sagas {
		out = append(out, entry.snapshot())
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b SagaTransaction) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// ActiveCount is the number of sagas not yet completed or failed.
func (c *Coordinator) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, entry := range c.sagas {
		entry.mu.RLock()
		if !entry.tx.Status.Finished() {
			n++
		}
		entry.mu.RUnlock()
	}
	return n
}

// PurgeExpired drops finished sagas older than the retention window and
// returns how many were removed.
func (c *Coordinator) PurgeExpired() int {
	cutoff := c.now().Add(-c.retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, entry := range c.sagas {
		entry.mu.RLock()
		expired := entry.tx.Status.Finished() && !entry.finishedAt.After(cutoff)
		entry.mu.RUnlock()
		if expired {
			delete(c.sagas, id)
			n++
		}
	}
	return n
}

func (c *Coordinator) register(sub Submission) *sagaEntry {
	now := c.now()
	tx := SagaTransaction{
		ID:        uuid.NewString(),
		Type:      sub.Type,
		Status:    SagaPending,
		Steps:     make([]SagaStep, len(sub.Steps)),
		Metadata:  sub.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
		Timeout:   sub.Timeout,
	}
	for i, s := range sub.Steps {
		tx.Steps[i] = SagaStep{
			ID:                 uuid.NewString(),
			Domain:             s.Domain,
			Action:             s.Action,
			Status:             StepPending,
			CompensationAction: s.CompensationAction,
			Input:              s.Input,
		}
	}
	entry := &sagaEntry{tx: tx.clone()}

	c.mu.Lock()
	c.sagas[tx.ID] = entry
	c.mu.Unlock()
	return entry
}

func (c *Coordinator) record(ctx context.Context, entry *sagaEntry, status sagalog.Status, step, payload string, errs []string) {
	if c.audit == nil {
		return
	}
	entry.mu.RLock()
	id, typ := entry.tx.ID, entry.tx.Type
	entry.mu.RUnlock()

	if err := c.audit.Save(ctx, sagalog.NewEntry(ctx, id, typ, status, step, payload, errs)); err != nil {
		c.logger.WarnContext(ctx, "write audit entry", "status", status, "error", err)
	}
}

func (e *sagaEntry) update(now time.Time, fn func(tx *SagaTransaction)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.tx)
	e.tx.UpdatedAt = now
}

func (e *sagaEntry) finish(now time.Time) {
	e.mu.Lock()
	e.finishedAt = now
	e.mu.Unlock()
}

func (e *sagaEntry) snapshot() SagaTransaction {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tx.clone()
}

func validate(sub Submission) error {
	var errs []error
	if strings.TrimSpace(sub.Type) == "" {
		errs = append(errs, errors.New("type is required"))
	}
	if len(sub.Steps) == 0 {
		errs = append(errs, errors.New("at least one step is required"))
	}
	for i, s := range sub.Steps {
		if s.Domain == "" || s.Action == "" {
			errs = append(errs, fmt.Errorf("step %d: domain and action are required", i))
		}
		if len(s.Input) > 0 && !json.Valid(s.Input) {
			errs = append(errs, fmt.Errorf("step %d: input is not valid JSON", i))
		}
	}
	if sub.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidSaga, errors.Join(errs...))
}

func submissionPayload(sub Submission) string {
	b, err := json.Marshal(sub)
	if err != nil {
		return ""
	}
	return string(b)
}
