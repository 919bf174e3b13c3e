// Package retry holds the per-epic retry policies used by the step executor
// and the backoff curve derived from them.
package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

var (
	// ErrNoPolicy is returned when a domain has no registered policy.
	ErrNoPolicy = errors.New("no retry policy registered")

	// ErrInvalidPolicy is returned when an update would leave a policy unusable.
	ErrInvalidPolicy = errors.New("invalid retry policy")
)

// Policy describes how often and how patiently a domain is retried.
type Policy struct {
	MaxRetries        int           `json:"maxRetries" mapstructure:"max_retries"`
	BaseDelay         time.Duration `json:"baseDelay" mapstructure:"base_delay"`
	MaxDelay          time.Duration `json:"maxDelay" mapstructure:"max_delay"`
	BackoffMultiplier float64       `json:"backoffMultiplier" mapstructure:"backoff_multiplier"`
	Jitter            bool          `json:"jitter" mapstructure:"jitter"`
}

// DefaultPolicy applies to every epic without an override.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// Validate reports whether the policy can drive a retry loop.
func (p Policy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return fmt.Errorf("%w: maxRetries must be >= 0, got %d", ErrInvalidPolicy, p.MaxRetries)
	case p.BaseDelay < 0:
		return fmt.Errorf("%w: baseDelay must be >= 0, got %s", ErrInvalidPolicy, p.BaseDelay)
	case p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("%w: maxDelay %s is below baseDelay %s", ErrInvalidPolicy, p.MaxDelay, p.BaseDelay)
	case p.BackoffMultiplier < 1:
		return fmt.Errorf("%w: backoffMultiplier must be >= 1, got %v", ErrInvalidPolicy, p.BackoffMultiplier)
	}
	return nil
}

// Delay returns the wait before the retry that follows the given attempt
// (attempt starts at 0). The result never exceeds MaxDelay. With jitter the
// capped delay is scaled by a uniform factor in [0.5, 1.0].
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64)
}

func (p Policy) delay(attempt int, random func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if raw > float64(p.MaxDelay) || math.IsInf(raw, 0) || math.IsNaN(raw) {
		raw = float64(p.MaxDelay)
	}
	if p.Jitter {
		raw *= 0.5 + 0.5*random()
	}
	return time.Duration(raw)
}

// Update is a partial policy change; nil fields keep their current value.
type Update struct {
	MaxRetries        *int           `mapstructure:"max_retries"`
	BaseDelay         *time.Duration `mapstructure:"base_delay"`
	MaxDelay          *time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier *float64       `mapstructure:"backoff_multiplier"`
	Jitter            *bool          `mapstructure:"jitter"`
}

// Apply returns p with the non-nil fields of u applied.
func (u Update) Apply(p Policy) Policy {
	if u.MaxRetries != nil {
		p.MaxRetries = *u.MaxRetries
	}
	if u.BaseDelay != nil {
		p.BaseDelay = *u.BaseDelay
	}
	if u.MaxDelay != nil {
		p.MaxDelay = *u.MaxDelay
	}
	if u.BackoffMultiplier != nil {
		p.BackoffMultiplier = *u.BackoffMultiplier
	}
	if u.Jitter != nil {
		p.Jitter = *u.Jitter
	}
	return p
}
