// Package ratelimit enforces per-platform (and optionally per-user) publish
// quotas over fixed windows.
//
// Two layers cooperate:
//   - fixed-window counters are the hard cap ("N publishes per window");
//   - a token bucket (golang.org/x/time/rate) at the same sustained rate
//     smooths the boundary case where a burst straddles two adjacent
//     windows and would otherwise see 2N in quick succession.
//
// TryAcquire reserves capacity at dispatch time, so the number of attempts
// STARTED in a window never exceeds the quota; a failed attempt does not
// refund its slot. That is deliberately conservative: refunding failures
// would let a flapping platform burn through far more than its budget.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Quota is one platform's rate budget.
type Quota struct {
	Quota        int
	Window       time.Duration
	PerUserQuota int
}

type window struct {
	start time.Time
	dur   time.Duration
	n     int
}

type Limiter struct {
	mu     sync.Mutex
	now    func() time.Time
	quotas map[string]Quota
	wins   map[string]*window       // "platform" and "platform|user" keys
	smooth map[string]*rate.Limiter // per platform
	ops    uint64
}

// New builds a Limiter. now is injectable for tests; nil means time.Now.
func New(now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		now:    now,
		quotas: map[string]Quota{},
		wins:   map[string]*window{},
		smooth: map[string]*rate.Limiter{},
	}
}

// SetQuota installs or replaces a platform's budget. A zero Quota or Window
// leaves the platform unlimited.
func (l *Limiter) SetQuota(platform string, q Quota) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quotas[platform] = q
	if q.Quota > 0 && q.Window > 0 {
		perSec := float64(q.Quota) / q.Window.Seconds()
		l.smooth[platform] = rate.NewLimiter(rate.Limit(perSec), q.Quota)
	} else {
		delete(l.smooth, platform)
	}
}

// TryAcquire reserves one publish slot, failing fast when the platform (or
// user) budget for the current window is spent. The caller defers denied
// items to a later tick; there is no blocking and no release.
func (l *Limiter) TryAcquire(platform, userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.quotas[platform]
	if !ok || q.Quota <= 0 || q.Window <= 0 {
		return true
	}
	now := l.now()

	pw := l.windowFor(platform, q.Window, now)
	if pw.n >= q.Quota {
		return false
	}

	var uw *window
	if userID != "" && q.PerUserQuota > 0 {
		uw = l.windowFor(platform+"|"+userID, q.Window, now)
		if uw.n >= q.PerUserQuota {
			return false
		}
	}

	if sm := l.smooth[platform]; sm != nil && !sm.AllowN(now, 1) {
		return false
	}

	pw.n++
	if uw != nil {
		uw.n++
	}

	l.ops++
	if l.ops%256 == 0 {
		l.prune(now)
	}
	return true
}

// InWindow reports the count consumed in the platform's current window
// (diagnostics only).
func (l *Limiter) InWindow(platform string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.quotas[platform]
	if !ok || q.Window <= 0 {
		return 0
	}
	w := l.wins[platform]
	if w == nil || l.now().Sub(w.start) >= w.dur {
		return 0
	}
	return w.n
}

func (l *Limiter) windowFor(key string, dur time.Duration, now time.Time) *window {
	w := l.wins[key]
	if w == nil {
		w = &window{start: now, dur: dur}
		l.wins[key] = w
		return w
	}
	// Fixed windows: elapsed capacity is reclaimed wholesale on rollover.
	if now.Sub(w.start) >= w.dur || w.dur != dur {
		w.start = now
		w.dur = dur
		w.n = 0
	}
	return w
}

// prune drops counters idle for two windows so per-user keys don't
// accumulate forever. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	for k, w := range l.wins {
		if now.Sub(w.start) >= 2*w.dur {
			delete(l.wins, k)
		}
	}
}
