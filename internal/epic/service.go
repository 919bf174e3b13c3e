// Package epic carries the invoke/compensate contract between the saga
// coordinator and the canteen epics, in process or over gRPC.
package epic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jcmexdev/canteen-integration/internal/coordinator"
)

var (
	// ErrUnknownDomain is returned when no epic is routed for a domain.
	ErrUnknownDomain = errors.New("epic: unknown domain")
	// ErrUnknownAction is returned when an epic does not implement an action.
	ErrUnknownAction = errors.New("epic: unknown action")
	// ErrRejected marks a business rejection (declined card, sold out)
	// as opposed to a transport failure. It matches
	// coordinator.ErrNonRetryable, so a rejected step is not retried.
	ErrRejected error = rejectedError{}
)

type rejectedError struct{}

func (rejectedError) Error() string { return "epic: rejected" }

func (rejectedError) Is(target error) bool { return target == coordinator.ErrNonRetryable }

// ActionFunc is a forward action on raw JSON.
type ActionFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// CompensationFunc reverses an action given the result it returned.
type CompensationFunc func(ctx context.Context, original json.RawMessage) error

// Action adapts a typed function to ActionFunc.
func Action[In, Out any](fn func(ctx context.Context, in In) (Out, error)) ActionFunc {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in In
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("%w: decode input: %v", ErrRejected, err)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return coordinator.Encode(out)
	}
}

// Compensation adapts a typed function to CompensationFunc. The original
// result is decoded into T.
func Compensation[T any](fn func(ctx context.Context, original T) error) CompensationFunc {
	return func(ctx context.Context, original json.RawMessage) error {
		v, err := coordinator.Decode[T](original)
		if err != nil {
			return err
		}
		return fn(ctx, v)
	}
}

// Service is one epic: a domain name and its actions.
type Service struct {
	domain        string
	actions       map[string]ActionFunc
	compensations map[string]CompensationFunc
}

// NewService creates an epic with no actions.
func NewService(domain string) *Service {
	return &Service{
		domain:        domain,
		actions:       make(map[string]ActionFunc),
		compensations: make(map[string]CompensationFunc),
	}
}

// Handle registers a forward action.
func (s *Service) Handle(action string, fn ActionFunc) *Service {
	s.actions[action] = fn
	return s
}

// HandleCompensation registers a compensation action.
func (s *Service) HandleCompensation(action string, fn CompensationFunc) *Service {
	s.compensations[action] = fn
	return s
}

func (s *Service) Domain() string { return s.domain }

// Actions lists the forward and compensation actions, sorted.
func (s *Service) Actions() []string {
	out := make([]string, 0, len(s.actions)+len(s.compensations))
	for a := range s.actions {
		out = append(out, a)
	}
	for a := range s.compensations {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (s *Service) invoke(ctx context.Context, action string, input json.RawMessage) (json.RawMessage, error) {
	fn, ok := s.actions[action]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownAction, s.domain, action)
	}
	return fn(ctx, input)
}

func (s *Service) compensate(ctx context.Context, action string, original json.RawMessage) error {
	fn, ok := s.compensations[action]
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownAction, s.domain, action)
	}
	return fn(ctx, original)
}
