// Package backoff computes exponential reconnect and retry delays.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrInvalidPolicy is returned by Validate for unusable policies.
var ErrInvalidPolicy = errors.New("backoff: invalid policy")

// Default values used when a Policy field is left at its zero value.
const (
	DefaultInitial    = time.Second
	DefaultMax        = 30 * time.Second
	DefaultFactor     = 2.0
	DefaultMaxRetries = 5
)

// Policy defines the parameters for exponential backoff.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps every computed delay.
	Max time.Duration
	// Factor is the growth applied per attempt. Zero means 2.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the
	// base delay. The result is still clamped to Max.
	Jitter float64
	// MaxRetries is the number of consecutive retries allowed before giving
	// up. Zero selects DefaultMaxRetries; a negative value never gives up.
	MaxRetries int
}

// DefaultPolicy returns the reconnect policy used by transports:
// 1s initial, 30s max, doubling, five retries, no jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    DefaultInitial,
		Max:        DefaultMax,
		Factor:     DefaultFactor,
		MaxRetries: DefaultMaxRetries,
	}
}

// Normalize fills zero-valued fields with defaults.
func (p Policy) Normalize() Policy {
	if p.Initial == 0 {
		p.Initial = DefaultInitial
	}
	if p.Max == 0 {
		p.Max = DefaultMax
		if p.Initial > p.Max {
			p.Max = p.Initial
		}
	}
	if p.Factor == 0 {
		p.Factor = DefaultFactor
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	return p
}

// Validate reports configuration mistakes. It is meant to run at
// construction time so bad policies fail fast.
func (p Policy) Validate() error {
	switch {
	case p.Initial < 0:
		return fmt.Errorf("%w: initial delay %s is negative", ErrInvalidPolicy, p.Initial)
	case p.Max < 0:
		return fmt.Errorf("%w: max delay %s is negative", ErrInvalidPolicy, p.Max)
	case p.Max > 0 && p.Initial > p.Max:
		return fmt.Errorf("%w: initial delay %s exceeds max delay %s", ErrInvalidPolicy, p.Initial, p.Max)
	case p.Factor < 0 || (p.Factor > 0 && p.Factor < 1):
		return fmt.Errorf("%w: factor %v must be >= 1", ErrInvalidPolicy, p.Factor)
	case p.Jitter < 0 || p.Jitter > 1:
		return fmt.Errorf("%w: jitter %v must be within [0, 1]", ErrInvalidPolicy, p.Jitter)
	}
	return nil
}

// Delay returns the wait before retry n, where n is the zero-based count of
// retries since the last success: min(Initial * Factor^n, Max).
func (p Policy) Delay(n int) time.Duration {
	return p.DelayWithRand(n, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller-supplied random value in [0, 1),
// which keeps jittered delays deterministic in tests.
func (p Policy) DelayWithRand(n int, randomValue float64) time.Duration {
	p = p.Normalize()
	exp := math.Max(float64(n), 0)

	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.Max), base+base*p.Jitter*randomValue)
	if math.IsInf(total, 0) || math.IsNaN(total) {
		total = float64(p.Max)
	}
	return time.Duration(total)
}

// Exhausted reports whether the retries already performed use up the budget.
func (p Policy) Exhausted(retries int) bool {
	p = p.Normalize()
	return p.MaxRetries > 0 && retries >= p.MaxRetries
}
