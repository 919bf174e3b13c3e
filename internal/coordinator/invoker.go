package coordinator

import (
	"context"
	"encoding/json"
)

// Invoker is the contract every epic exposes to the coordinator. Invoke runs
// a forward action; Compensate reverses a previously successful one, given
// the result that action returned.
type Invoker interface {
	Invoke(ctx context.Context, domain, action string, input json.RawMessage) (json.RawMessage, error)
	Compensate(ctx context.Context, domain, action string, original json.RawMessage) error
}
