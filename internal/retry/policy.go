package retry

import (
	"fmt"
	"time"
)

const (
	DefaultMaxRetries = 5
	// DefaultMaxBackoff is also the hard ceiling a policy may configure
	DefaultMaxBackoff = 24 * time.Hour
)

// Policy bounds redelivery for temporary failures
type Policy struct {
	MaxRetries int
	MaxBackoff time.Duration
}

// DefaultPolicy returns the standard policy: five retries, 24h ceiling
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, MaxBackoff: DefaultMaxBackoff}
}

// Validate checks the policy for usable values
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", p.MaxRetries)
	}
	if p.MaxBackoff <= 0 {
		return fmt.Errorf("max backoff must be positive, got %s", p.MaxBackoff)
	}
	if p.MaxBackoff > DefaultMaxBackoff {
		return fmt.Errorf("max backoff must not exceed %s, got %s", DefaultMaxBackoff, p.MaxBackoff)
	}
	return nil
}

// Backoff returns min(base * 2^attempts, ceiling). It never overflows and
// is non-decreasing in attempts.
func Backoff(base time.Duration, attempts int, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if base >= ceiling {
		return ceiling
	}
	d := base
	for i := 0; i < attempts; i++ {
		if d > ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	return d
}
