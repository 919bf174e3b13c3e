package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/canteen-integration/internal/coordinator/breaker"
	"github.com/jcmexdev/canteen-integration/internal/coordinator/dataflow"
	"github.com/jcmexdev/canteen-integration/internal/coordinator/retry"
	"github.com/jcmexdev/canteen-integration/internal/pkg/telemetry"
)

// StepExecutor runs one saga step against its epic: policy lookup, breaker
// admission, bounded retries with backoff, and a data flow trace.
type StepExecutor struct {
	invoker  Invoker
	policies *retry.Store
	breakers *breaker.Registry
	tracer   *dataflow.Tracer
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	spans    trace.Tracer
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// ExecutorConfig carries the optional collaborators of a StepExecutor.
type ExecutorConfig struct {
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
	// Sleep waits between attempts; it must return early with ctx.Err()
	// when ctx is done. Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewStepExecutor builds an executor over the shared registries.
func NewStepExecutor(inv Invoker, policies *retry.Store, breakers *breaker.Registry, tracer *dataflow.Tracer, cfg ExecutorConfig) *StepExecutor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &StepExecutor{
		invoker:  inv,
		policies: policies,
		breakers: breakers,
		tracer:   tracer,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		spans:    otel.Tracer(telemetry.TracerName),
		now:      cfg.Now,
		sleep:    cfg.Sleep,
	}
}

// StepRequest identifies the step to run.
type StepRequest struct {
	SagaID string
	Step   SagaStep
	// Source is the epic the data flows from: the previous step's domain,
	// or SourceCoordinator for the first step.
	Source string
	// OnStart, when set, receives the resolved retry budget before the
	// first attempt.
	OnStart func(maxRetries int)
}

// SourceCoordinator is the trace source of a saga's first step.
const SourceCoordinator = "coordinator"

// StepReport is the outcome of Run.
type StepReport struct {
	Result     json.RawMessage
	Err        error
	Attempts   int
	MaxRetries int
	Duration   time.Duration
}

// Retries is the number of attempts beyond the first.
func (r StepReport) Retries() int {
	if r.Attempts == 0 {
		return 0
	}
	return r.Attempts - 1
}

// Run executes req.Step. Failures are reported in Err as a *StepError.
//
// Only failures the epic is responsible for reach the breaker: errors marked
// ErrNonRetryable end the step at once, and attempts cut short by ctx are
// neither counted nor retried.
func (e *StepExecutor) Run(ctx context.Context, req StepRequest) StepReport {
	step := req.Step
	ctx, span := e.spans.Start(ctx, "saga.step "+step.Name(), trace.WithAttributes(
		attribute.String("saga.id", req.SagaID),
		attribute.String("saga.step.id", step.ID),
		attribute.String("epic.domain", step.Domain),
		attribute.String("epic.action", step.Action),
	))
	defer span.End()

	stepErr := func(kind error, attempts int, cause error) *StepError {
		return &StepError{
			Kind:     kind,
			SagaID:   req.SagaID,
			StepID:   step.ID,
			Domain:   step.Domain,
			Action:   step.Action,
			Attempts: attempts,
			Err:      cause,
		}
	}

	policy, err := e.policies.Resolve(step.Domain)
	if err != nil {
		report := StepReport{Err: stepErr(ErrConfiguration, 0, err)}
		e.finishSpan(span, report)
		return report
	}
	if req.OnStart != nil {
		req.OnStart(policy.MaxRetries)
	}
	report := StepReport{MaxRetries: policy.MaxRetries}

	if e.breakers.IsOpen(step.Domain) {
		report.Err = stepErr(ErrCircuitOpen, 0, nil)
		e.logger.WarnContext(ctx, "circuit open, step rejected", "step", step.Name())
		e.finishSpan(span, report)
		return report
	}

	started := e.now()
	var lastErr error
attempts:
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		// A saga past its deadline never reaches the epic.
		if err := ctx.Err(); err != nil {
			lastErr = aborted(lastErr, err)
			break
		}
		report.Attempts = attempt + 1

		result, err := e.invoke(ctx, step)
		if err == nil {
			e.breakers.RecordSuccess(step.Domain)
			e.metrics.CountAttempt(step.Domain, true)

			report.Result = result
			report.Duration = e.now().Sub(started)
			e.record(req, dataflow.OutcomeSuccess, len(result), report)
			e.finishSpan(span, report)
			return report
		}

		lastErr = err
		e.metrics.CountAttempt(step.Domain, false)

		switch {
		case errors.Is(err, ErrNonRetryable):
			e.logger.InfoContext(ctx, "step rejected by epic, not retrying", "step", step.Name(), "error", err)
			break attempts
		case ctx.Err() != nil:
			// The saga's own deadline or cancellation, not an epic fault.
			lastErr = aborted(err, ctx.Err())
			break attempts
		}
		e.breakers.RecordFailure(step.Domain)

		if attempt == policy.MaxRetries {
			break
		}
		delay := policy.Delay(attempt)
		e.logger.DebugContext(ctx, "step attempt failed, backing off",
			"step", step.Name(),
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := e.sleep(ctx, delay); err != nil {
			lastErr = aborted(lastErr, err)
			break
		}
	}

	report.Duration = e.now().Sub(started)
	report.Err = stepErr(ErrStepExecution, report.Attempts, lastErr)
	e.record(req, dataflow.OutcomeFailed, len(step.Input), report)
	e.finishSpan(span, report)
	return report
}

// aborted adds the reason the attempt loop stopped early to the last
// failure, unless it already says so.
func aborted(lastErr, reason error) error {
	switch {
	case lastErr == nil:
		return reason
	case errors.Is(lastErr, reason):
		return lastErr
	}
	return fmt.Errorf("%w (aborted: %v)", lastErr, reason)
}

func (e *StepExecutor) invoke(ctx context.Context, step SagaStep) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return e.invoker.Invoke(ctx, step.Domain, step.Action, step.Input)
}

func (e *StepExecutor) record(req StepRequest, outcome dataflow.Outcome, size int, report StepReport) {
	e.metrics.ObserveStep(req.Step.Domain, report.Duration)
	if e.tracer == nil {
		return
	}
	e.tracer.Record(dataflow.Trace{
		ID:           uuid.NewString(),
		SourceDomain: req.Source,
		TargetDomain: req.Step.Domain,
		Operation:    req.Step.Action,
		PayloadSize:  size,
		Duration:     report.Duration,
		Outcome:      outcome,
		Timestamp:    e.now(),
		SagaID:       req.SagaID,
		StepID:       req.Step.ID,
		Retries:      report.Retries(),
	})
}

func (e *StepExecutor) finishSpan(span trace.Span, report StepReport) {
	span.SetAttributes(
		attribute.Int("saga.step.attempts", report.Attempts),
		attribute.Int("saga.step.max_retries", report.MaxRetries),
	)
	if report.Err != nil {
		span.RecordError(report.Err)
		span.SetStatus(codes.Error, report.Err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
