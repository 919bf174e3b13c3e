package retry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Canteen epics known to the integration engine.
const (
	DomainAuthentication = "authentication"
	DomainMenus          = "menus"
	DomainOrders         = "orders"
	DomainPayments       = "payments"
	DomainNotifications  = "notifications"
	DomainAnalytics      = "analytics"
)

// Store keeps the retry policy of every registered epic. Reads vastly
// outnumber writes so a single RWMutex guards the map; policies are values
// and callers always receive a copy.
type Store struct {
	mu       sync.RWMutex
	defaults Policy
	policies map[string]Policy
}

// NewStore registers each domain with the defaults, then applies overrides.
// A domain that appears only in overrides is registered as well.
func NewStore(defaults Policy, overrides map[string]Policy, domains ...string) *Store {
	s := &Store{
		defaults: defaults,
		policies: make(map[string]Policy, len(domains)+len(overrides)),
	}
	for _, d := range domains {
		s.policies[d] = defaults
	}
	for d, p := range overrides {
		s.policies[d] = p
	}
	return s
}

// DefaultStore returns the canteen epics with payments tuned for more,
// slower retries and notifications for fewer, faster ones.
func DefaultStore() *Store {
	return NewStore(DefaultPolicy(), DefaultOverrides(),
		DomainAuthentication,
		DomainMenus,
		DomainOrders,
		DomainPayments,
		DomainNotifications,
		DomainAnalytics,
	)
}

// DefaultOverrides are the per-epic deviations from DefaultPolicy.
func DefaultOverrides() map[string]Policy {
	payments := DefaultPolicy()
	payments.MaxRetries = 5
	payments.MaxDelay = 60 * time.Second

	notifications := Policy{
		MaxRetries:        2,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 1.5,
		Jitter:            true,
	}

	return map[string]Policy{
		DomainPayments:      payments,
		DomainNotifications: notifications,
	}
}

// Resolve returns the policy for domain, or ErrNoPolicy.
func (s *Store) Resolve(domain string) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[domain]
	if !ok {
		return Policy{}, fmt.Errorf("retry: domain %q: %w", domain, ErrNoPolicy)
	}
	return p, nil
}

// Update merges u into the domain's policy. Unknown domains are registered
// starting from the defaults.
func (s *Store) Update(domain string, u Update) (Policy, error) {
	if domain == "" {
		return Policy{}, fmt.Errorf("retry: %w: empty domain", ErrInvalidPolicy)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.policies[domain]
	if !ok {
		current = s.defaults
	}
	next := u.Apply(current)
	if err := next.Validate(); err != nil {
		return current, fmt.Errorf("retry: domain %q: %w", domain, err)
	}
	s.policies[domain] = next
	return next, nil
}

// Domains lists the registered domains in lexical order.
func (s *Store) Domains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.policies))
	for d := range s.policies {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies every registered policy.
func (s *Store) Snapshot() map[string]Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Policy, len(s.policies))
	for d, p := range s.policies {
		out[d] = p
	}
	return out
}
