package httpx

import (
	"encoding/json"
	"time"

	"github.com/jcmexdev/canteen-integration/internal/coordinator"
	"github.com/jcmexdev/canteen-integration/internal/coordinator/retry"
)

type SubmitSagaRequest struct {
	Type     string            `json:"type"`
	Steps    []StepRequest     `json:"steps"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// Timeout is a Go duration string such as "30s".
	Timeout string `json:"timeout,omitempty"`
}

type StepRequest struct {
	Domain             string          `json:"domain"`
	Action             string          `json:"action"`
	CompensationAction string          `json:"compensationAction,omitempty"`
	Input              json.RawMessage `json:"input,omitempty"`
}

type SagaResponse struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Status    string            `json:"status"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Steps     []StepResponse    `json:"steps"`
	CreatedAt string            `json:"createdAt"`
	UpdatedAt string            `json:"updatedAt"`
}

type StepResponse struct {
	ID                 string          `json:"id"`
	Domain             string          `json:"domain"`
	Action             string          `json:"action"`
	Status             string          `json:"status"`
	CompensationAction string          `json:"compensationAction,omitempty"`
	Result             json.RawMessage `json:"result,omitempty"`
	Error              string          `json:"error,omitempty"`
	CompensationError  string          `json:"compensationError,omitempty"`
	DurationMs         int64           `json:"durationMs"`
	Retries            int             `json:"retries"`
	MaxRetries         int             `json:"maxRetries"`
}

// RetryPolicyPatch is a partial update; omitted fields are kept. Delays are
// Go duration strings.
type RetryPolicyPatch struct {
	MaxRetries        *int     `json:"maxRetries,omitempty"`
	BaseDelay         *string  `json:"baseDelay,omitempty"`
	MaxDelay          *string  `json:"maxDelay,omitempty"`
	BackoffMultiplier *float64 `json:"backoffMultiplier,omitempty"`
	Jitter            *bool    `json:"jitter,omitempty"`
}

type RetryPolicyResponse struct {
	Domain            string  `json:"domain,omitempty"`
	MaxRetries        int     `json:"maxRetries"`
	BaseDelay         string  `json:"baseDelay"`
	MaxDelay          string  `json:"maxDelay"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	Jitter            bool    `json:"jitter"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (r SubmitSagaRequest) toSubmission() (coordinator.Submission, error) {
	sub := coordinator.Submission{
		Type:     r.Type,
		Steps:    make([]coordinator.StepSpec, len(r.Steps)),
		Metadata: r.Metadata,
	}
	for i, s := range r.Steps {
		sub.Steps[i] = coordinator.StepSpec{
			Domain:             s.Domain,
			Action:             s.Action,
			CompensationAction: s.CompensationAction,
			Input:              s.Input,
		}
	}
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return coordinator.Submission{}, err
		}
		sub.Timeout = d
	}
	return sub, nil
}

func (p RetryPolicyPatch) toUpdate() (retry.Update, error) {
	u := retry.Update{
		MaxRetries:        p.MaxRetries,
		BackoffMultiplier: p.BackoffMultiplier,
		Jitter:            p.Jitter,
	}
	for _, f := range []struct {
		in  *string
		out **time.Duration
	}{{p.BaseDelay, &u.BaseDelay}, {p.MaxDelay, &u.MaxDelay}} {
		if f.in == nil {
			continue
		}
		d, err := time.ParseDuration(*f.in)
		if err != nil {
			return retry.Update{}, err
		}
		*f.out = &d
	}
	return u, nil
}

func mapSaga(tx coordinator.SagaTransaction) SagaResponse {
	steps := make([]StepResponse, len(tx.Steps))
	for i, s := range tx.Steps {
		steps[i] = StepResponse{
			ID:                 s.ID,
			Domain:             s.Domain,
			Action:             s.Action,
			Status:             string(s.Status),
			CompensationAction: s.CompensationAction,
			Result:             s.Result,
			Error:              s.Error,
			CompensationError:  s.CompensationError,
			DurationMs:         s.Duration.Milliseconds(),
			Retries:            s.Retries,
			MaxRetries:         s.MaxRetries,
		}
	}
	return SagaResponse{
		ID:        tx.ID,
		Type:      tx.Type,
		Status:    string(tx.Status),
		Error:     tx.Error,
		Metadata:  tx.Metadata,
		Steps:     steps,
		CreatedAt: tx.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: tx.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func mapPolicy(domain string, p retry.Policy) RetryPolicyResponse {
	return RetryPolicyResponse{
		Domain:            domain,
		MaxRetries:        p.MaxRetries,
		BaseDelay:         p.BaseDelay.String(),
		MaxDelay:          p.MaxDelay.String(),
		BackoffMultiplier: p.BackoffMultiplier,
		Jitter:            p.Jitter,
	}
}
