package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration means a step's epic has no retry policy. The step
	// aborts before any attempt.
	ErrConfiguration = errors.New("configuration error")

	// ErrCircuitOpen means the epic's breaker rejected the step. No attempt
	// is made and no retry is consumed.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrStepExecution means the domain action kept failing until the retry
	// policy was exhausted.
	ErrStepExecution = errors.New("step execution failed")

	// ErrCompensation means a compensation action failed. It is logged and
	// never surfaced to the submitter.
	ErrCompensation = errors.New("compensation failed")

	// ErrNonRetryable marks an Invoker error as permanent, such as a business
	// rejection. The step fails on the first such error without further
	// attempts, and the epic's breaker does not count it.
	ErrNonRetryable = errors.New("non-retryable")

	// ErrInvalidSaga rejects a submission before it starts.
	ErrInvalidSaga = errors.New("invalid saga")

	// ErrSagaNotFound is returned for unknown or purged saga ids.
	ErrSagaNotFound = errors.New("saga not found")
)

// StepError describes why a step failed. It matches one of ErrConfiguration,
// ErrCircuitOpen or ErrStepExecution with errors.Is, and unwraps to the
// underlying cause as well.
type StepError struct {
	Kind     error
	SagaID   string
	StepID   string
	Domain   string
	Action   string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("step %s.%s: %v", e.Domain, e.Action, e.Kind)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StepError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// PanicError wraps a panic raised by a domain action.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("domain action panicked: %v", e.Value)
}
