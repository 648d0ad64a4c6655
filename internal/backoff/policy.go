// Package backoff provides exponential backoff with jitter for retry logic.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration `yaml:"initial" json:"initial"`
	// Max caps any single delay.
	Max time.Duration `yaml:"max" json:"max"`
	// Factor is the exponential factor applied per attempt.
	Factor float64 `yaml:"factor" json:"factor"`
	// Jitter is the randomization fraction (0.0 to 1.0) added on top of the base delay.
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// DefaultPolicy returns 500ms initial, 30s max, factor 2, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Validate rejects negative durations and a jitter outside [0,1].
func (p Policy) Validate() error {
	if p.Initial < 0 || p.Max < 0 {
		return errors.New("delays must not be negative")
	}
	if p.Max > 0 && p.Initial > p.Max {
		return errors.New("initial delay exceeds max")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return errors.New("jitter must be between 0 and 1")
	}
	return nil
}

// Delay returns the backoff for the given 1-indexed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes the delay with a caller-supplied random value in [0,1),
// which keeps tests deterministic.
//
//	base  = initial * factor^(attempt-1)
//	delay = min(max, base + base*jitter*r)
func (p Policy) DelayWithRand(attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*r
	if p.Max > 0 && total > float64(p.Max) {
		total = float64(p.Max)
	}
	return time.Duration(math.Round(total))
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
