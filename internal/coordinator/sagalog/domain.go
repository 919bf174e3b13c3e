// Package sagalog is an append-only audit trail of saga transitions.
//
// The coordinator never reads it back: live saga state is held in memory and
// purged after the retention window. The log exists so operators can see,
// after the fact, which epic a saga failed in and which compensations ran,
// and jump to the matching distributed trace via trace_id.
package sagalog

import "time"

// Status is the transition an entry records.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusStepDone     Status = "STEP_DONE"
	StatusStepFailed   Status = "STEP_FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

// SagaLog is one row of the audit trail.
type SagaLog struct {
	SagaID   string
	SagaType string
	Status   Status

	// CurrentStep is "<domain>.<action>" of the step the entry refers to.
	CurrentStep string

	// Payload is the JSON submission, written on STARTED only.
	Payload string

	// ErrorMessages is a JSON array of error strings.
	ErrorMessages string

	TraceID string
	SpanID  string

	UpdatedAt time.Time
}
