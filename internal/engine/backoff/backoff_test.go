package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{Base: 30 * time.Second, Multiplier: 2, Cap: time.Hour, MaxAttempts: 10}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt, 0, nil)
		if d < prev {
			t.Fatalf("attempt %d: delay %v shrank below %v", attempt, d, prev)
		}
		if d > p.Cap {
			t.Fatalf("attempt %d: delay %v above cap", attempt, d)
		}
		prev = d
	}
	if got := p.Delay(1, 0, nil); got != 30*time.Second {
		t.Fatalf("first delay = %v, want 30s", got)
	}
	if got := p.Delay(3, 0, nil); got != 2*time.Minute {
		t.Fatalf("third delay = %v, want 2m", got)
	}
	if got := p.Delay(20, 0, nil); got != time.Hour {
		t.Fatalf("large attempt = %v, want cap", got)
	}
}

func TestDelayHintOverrides(t *testing.T) {
	p := Policy{Base: 30 * time.Second, Multiplier: 2, Cap: time.Hour}

	if got := p.Delay(1, 5*time.Minute, nil); got != 5*time.Minute {
		t.Fatalf("hint ignored: got %v", got)
	}
	// A hint above the cap is bounded by it.
	if got := p.Delay(1, 3*time.Hour, nil); got != time.Hour {
		t.Fatalf("oversized hint not capped: got %v", got)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{Base: time.Minute, Multiplier: 2, Cap: time.Hour, Jitter: 0.2}
	rng := rand.New(rand.NewSource(1))

	lo := time.Duration(float64(time.Minute) * 0.8)
	hi := time.Duration(float64(time.Minute) * 1.2)
	for i := 0; i < 200; i++ {
		d := p.Delay(1, 0, rng)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestWithDefaults(t *testing.T) {
	p := Policy{}.WithDefaults()
	if p.Base != 30*time.Second || p.Multiplier != 2 || p.Cap != time.Hour || p.MaxAttempts != 5 {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}
