package epic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jcmexdev/canteen-integration/internal/coordinator"
)

var _ coordinator.Invoker = (*Router)(nil)

// Router dispatches by domain to local services or remote clients.
type Router struct {
	mu     sync.RWMutex
	routes map[string]coordinator.Invoker
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]coordinator.Invoker)}
}

// Mount serves svc's domain in process.
func (r *Router) Mount(svcs ...*Service) *Router {
	for _, svc := range svcs {
		r.Route(svc.Domain(), local{svc})
	}
	return r
}

// Route sends domain to inv, replacing any previous route.
func (r *Router) Route(domain string, inv coordinator.Invoker) *Router {
	r.mu.Lock()
	r.routes[domain] = inv
	r.mu.Unlock()
	return r
}

// Domains lists the routed domains, sorted.
func (r *Router) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for d := range r.routes {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Invoke(ctx context.Context, domain, action string, input json.RawMessage) (json.RawMessage, error) {
	inv, err := r.lookup(domain)
	if err != nil {
		return nil, err
	}
	return inv.Invoke(ctx, domain, action, input)
}

func (r *Router) Compensate(ctx context.Context, domain, action string, original json.RawMessage) error {
	inv, err := r.lookup(domain)
	if err != nil {
		return err
	}
	return inv.Compensate(ctx, domain, action, original)
}

func (r *Router) lookup(domain string) (coordinator.Invoker, error) {
	r.mu.RLock()
	inv, ok := r.routes[domain]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	return inv, nil
}

type local struct {
	svc *Service
}

func (l local) Invoke(ctx context.Context, _, action string, input json.RawMessage) (json.RawMessage, error) {
	return l.svc.invoke(ctx, action, input)
}

func (l local) Compensate(ctx context.Context, _, action string, original json.RawMessage) error {
	return l.svc.compensate(ctx, action, original)
}
