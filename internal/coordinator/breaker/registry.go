// Package breaker isolates failing epics behind per-domain circuit breakers.
//
// The breaker has two states. Once open it fails fast until Timeout has
// passed since the last failure; after that, calls are admitted again as a
// trial without a separate half-open state. SuccessThreshold successes while
// still open close it; any failure pushes lastFailureTime forward and keeps
// (or puts) it open once FailureThreshold is reached.
package breaker

import (
	"sort"
	"sync"
	"time"
)

// Config tunes every breaker created by a Registry.
type Config struct {
	// FailureThreshold failures open the breaker.
	FailureThreshold int
	// SuccessThreshold successes recorded while open close it again.
	SuccessThreshold int
	// Timeout is how long an open breaker rejects calls after the last failure.
	Timeout time.Duration
	// Now is the clock; time.Now when nil.
	Now func() time.Time
	// OnStateChange is invoked outside the breaker lock after a transition.
	OnStateChange func(domain string, open bool)
}

// DefaultConfig opens after 5 failures, closes after 3 trial successes and
// retries after one minute.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          time.Minute,
	}
}

// State is a point-in-time copy of one domain's breaker.
type State struct {
	Domain          string        `json:"domain"`
	IsOpen          bool          `json:"isOpen"`
	FailureCount    int           `json:"failureCount"`
	SuccessCount    int           `json:"successCount"`
	LastFailureTime time.Time     `json:"lastFailureTime"`
	Timeout         time.Duration `json:"timeout"`
}

type entry struct {
	mu    sync.Mutex
	state State
}

// Registry owns one breaker per domain. The registry lock only guards the
// map; each breaker is mutated under its own lock so sagas on different
// domains never contend.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[string]*entry
}

// NewRegistry creates an empty registry; breakers appear on first use.
func NewRegistry(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*entry),
	}
}

func (r *Registry) get(domain string) *entry {
	r.mu.RLock()
	e, ok := r.breakers[domain]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.breakers[domain]; ok {
		return e
	}
	e = &entry{state: State{Domain: domain, Timeout: r.cfg.Timeout}}
	r.breakers[domain] = e
	return e
}

// IsOpen reports whether calls to domain must be rejected right now. An
// open breaker whose timeout has elapsed admits calls again. Domains never
// used are closed and are not registered by the check.
func (r *Registry) IsOpen(domain string) bool {
	r.mu.RLock()
	e, ok := r.breakers[domain]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Rejecting(r.cfg.Now())
}

// Rejecting reports whether a breaker in state s turns calls away at now.
func (s State) Rejecting(now time.Time) bool {
	return s.IsOpen && now.Sub(s.LastFailureTime) <= s.Timeout
}

// Now is the registry clock.
func (r *Registry) Now() time.Time {
	return r.cfg.Now()
}

// RecordSuccess counts a success; enough of them while open close the breaker.
func (r *Registry) RecordSuccess(domain string) {
	e := r.get(domain)
	e.mu.Lock()
	e.state.SuccessCount++
	closed := false
	if e.state.IsOpen && e.state.SuccessCount >= r.cfg.SuccessThreshold {
		e.state.IsOpen = false
		e.state.FailureCount = 0
		closed = true
	}
	e.mu.Unlock()

	if closed {
		r.notify(domain, false)
	}
}

// RecordFailure counts a failure and opens the breaker at the threshold.
func (r *Registry) RecordFailure(domain string) {
	e := r.get(domain)
	e.mu.Lock()
	e.state.FailureCount++
	e.state.LastFailureTime = r.cfg.Now()
	opened := false
	if e.state.FailureCount >= r.cfg.FailureThreshold {
		if !e.state.IsOpen {
			opened = true
		}
		e.state.IsOpen = true
		e.state.SuccessCount = 0
	}
	e.mu.Unlock()

	if opened {
		r.notify(domain, true)
	}
}

// ForceOpen opens the breaker as if it had just failed.
func (r *Registry) ForceOpen(domain string) {
	e := r.get(domain)
	e.mu.Lock()
	wasOpen := e.state.IsOpen
	e.state.IsOpen = true
	e.state.SuccessCount = 0
	e.state.LastFailureTime = r.cfg.Now()
	if e.state.FailureCount < r.cfg.FailureThreshold {
		e.state.FailureCount = r.cfg.FailureThreshold
	}
	e.mu.Unlock()

	if !wasOpen {
		r.notify(domain, true)
	}
}

// Reset closes the breaker and clears its counters.
func (r *Registry) Reset(domain string) {
	e := r.get(domain)
	e.mu.Lock()
	wasOpen := e.state.IsOpen
	e.state = State{Domain: domain, Timeout: e.state.Timeout}
	e.mu.Unlock()

	if wasOpen {
		r.notify(domain, false)
	}
}

// State returns a copy of domain's breaker, false if it was never used.
func (r *Registry) State(domain string) (State, bool) {
	r.mu.RLock()
	e, ok := r.breakers[domain]
	r.mu.RUnlock()
	if !ok {
		return State{Domain: domain, Timeout: r.cfg.Timeout}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// Snapshot copies every breaker, ordered by domain.
func (r *Registry) Snapshot() []State {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.breakers))
	for _, e := range r.breakers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]State, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func (r *Registry) notify(domain string, open bool) {
	if r.cfg.OnStateChange != nil {
		r.cfg.OnStateChange(domain, open)
	}
}
