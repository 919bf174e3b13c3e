package coordinator

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// SagaStatus is the lifecycle state of a saga.
type SagaStatus string

const (
	SagaPending      SagaStatus = "pending"
	SagaRunning      SagaStatus = "running"
	SagaCompleted    SagaStatus = "completed"
	SagaFailed       SagaStatus = "failed"
	SagaCompensating SagaStatus = "compensating"
)

// Finished reports whether the saga reached a terminal status.
func (s SagaStatus) Finished() bool {
	return s == SagaCompleted || s == SagaFailed
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// StepSpec is what a caller submits for each step.
type StepSpec struct {
	Domain             string          `json:"domain"`
	Action             string          `json:"action"`
	CompensationAction string          `json:"compensationAction,omitempty"`
	Input              json.RawMessage `json:"input,omitempty"`
}

// Submission is a saga request.
type Submission struct {
	Type     string            `json:"type"`
	Steps    []StepSpec        `json:"steps"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// Timeout bounds the forward path; zero means no deadline.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// MetadataIdempotencyKey makes a submission idempotent: a completed result
// cached under the same key is returned without running the saga again, and
// submissions that arrive while a saga with that key is still running wait
// for it and share its outcome. The in-flight check is per process; gateway
// replicas sharing redis only deduplicate completed results.
const MetadataIdempotencyKey = "idempotencyKey"

// SagaStep is the coordinator's record of one step.
type SagaStep struct {
	ID                 string          `json:"id"`
	Domain             string          `json:"domain"`
	Action             string          `json:"action"`
	Status             StepStatus      `json:"status"`
	CompensationAction string          `json:"compensationAction,omitempty"`
	Input              json.RawMessage `json:"input,omitempty"`
	Result             json.RawMessage `json:"result,omitempty"`
	Error              string          `json:"error,omitempty"`
	CompensationError  string          `json:"compensationError,omitempty"`
	Duration           time.Duration   `json:"duration"`
	// Retries is the number of attempts beyond the first.
	Retries    int `json:"retries"`
	MaxRetries int `json:"maxRetries"`
}

// Name is "<domain>.<action>".
func (s SagaStep) Name() string {
	return s.Domain + "." + s.Action
}

// SagaTransaction is the coordinator's record of one saga.
type SagaTransaction struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Status    SagaStatus        `json:"status"`
	Steps     []SagaStep        `json:"steps"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Timeout   time.Duration     `json:"timeout,omitempty"`
}

func (s *SagaTransaction) clone() SagaTransaction {
	out := *s
	out.Steps = make([]SagaStep, len(s.Steps))
	copy(out.Steps, s.Steps)
	out.Metadata = maps.Clone(s.Metadata)
	return out
}

// Result is what a caller gets back from a submission: a flat
// success/error outcome. Per-step detail lives on the saga record.
type Result struct {
	SagaID  string            `json:"sagaId"`
	Success bool              `json:"success"`
	Result  []json.RawMessage `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
	// Cached is set when the result was served from the result cache.
	Cached bool `json:"cached,omitempty"`
}

// Decode unmarshals one step result into T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("coordinator: decode %T: empty result", v)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("coordinator: decode %T: %w", v, err)
	}
	return v, nil
}

// Encode marshals a typed step input.
func Encode[T any](v T) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("coordinator: encode %T: %w", v, err)
	}
	return b, nil
}
