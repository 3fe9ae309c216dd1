package retry

import (
	"fmt"
	"math"
	"time"
)

// Policy is the backoff configuration for one retry chain.
type Policy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxRetries   int
}

// DefaultPolicy matches the payout retry settings used in production.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 300 * time.Second,
		Multiplier:   1.5,
		MaxRetries:   8,
	}
}

// Delay returns InitialDelay × Multiplier^retryCount.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retryCount))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p Policy) Validate() error {
	if p.InitialDelay <= 0 {
		return fmt.Errorf("retry: initial delay must be positive")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry: multiplier must be >= 1")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("retry: max retries must be >= 0")
	}
	return nil
}

// orDefault fills zero fields from d.
func (p Policy) orDefault(d Policy) Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	return p
}
