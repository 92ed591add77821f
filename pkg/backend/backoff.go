package backend

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays: min(base * mult^(n-1), cap) with an
// optional +/-25% jitter.
type BackoffPolicy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool
}

// DefaultBackoff returns the documented defaults: base 5s, multiplier 2,
// cap 300s, jitter on.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:       5 * time.Second,
		Max:        300 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Delay computes the delay before attempt n (1-based). Attempt values below
// 1 are clamped to 1.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := time.Duration(float64(p.Base) * math.Pow(mult, float64(attempt-1)))
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.Jitter && d > 0 {
		// Uniform in [0.75d, 1.25d).
		d = time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
	}
	return d
}
