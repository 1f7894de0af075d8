// Package backoff computes retry delays for failed publish attempts.
package backoff

import (
	"math/rand"
	"time"
)

// Policy is an exponential backoff schedule with a cap and optional jitter.
//
// The jitter fraction spreads retries of items that failed simultaneously
// (shared platform outage) so they don't stampede back in one tick.
type Policy struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
	Jitter      float64 // 0.2 = ±20%
}

func (p Policy) WithDefaults() Policy {
	if p.Base <= 0 {
		p.Base = 30 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Cap <= 0 {
		p.Cap = time.Hour
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay returns the wait before the next attempt, given how many attempts
// have already failed (attempt >= 1 means "delay after the first failure").
//
// A positive hint (e.g. a platform's retry-after) replaces the computed
// delay; both are bounded by Cap, and jitter applies either way. rng may be
// nil to disable jitter (useful in tests).
func (p Policy) Delay(attempt int, hint time.Duration, rng *rand.Rand) time.Duration {
	p = p.WithDefaults()
	if attempt < 1 {
		attempt = 1
	}

	d := hint
	if d <= 0 {
		d = p.Base
		for i := 1; i < attempt; i++ {
			next := time.Duration(float64(d) * p.Multiplier)
			if next <= d || next > p.Cap {
				d = p.Cap
				break
			}
			d = next
		}
	}
	if d > p.Cap {
		d = p.Cap
	}

	if p.Jitter > 0 && rng != nil && d > 0 {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
		if d > p.Cap {
			d = p.Cap
		}
	}
	return d
}
