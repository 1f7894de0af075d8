// Package engine runs publishing cycles: it scans for due items, filters
// stale ones, pushes the rest through a rate-limited worker pool, and
// reconciles each attempt's outcome back into the store.
//
// A cycle ("tick") is crash-safe by construction: every state transition is
// a token-guarded single statement in the store, and items orphaned by a
// crashed worker are reclaimed at the start of the next cycle once their
// lock TTL lapses.
package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"postengine/internal/engine/backoff"
	"postengine/internal/engine/dispatch"
	"postengine/internal/engine/ratelimit"
	"postengine/internal/eventbus"
	"postengine/internal/platform"
	"postengine/internal/store"
	"postengine/pkg/logx"
)

// Failure reasons recorded by the engine itself (adapters record their own).
const (
	ReasonExpired         = "expired"
	ReasonBadSchedule     = "bad_schedule"
	ReasonUnknownPlatform = "unknown_platform"
	ReasonNoConnection    = "no_connection"
)

// Settings tunes one engine instance. Zero fields take defaults.
type Settings struct {
	Workers        int
	BatchLimit     int
	Staleness      time.Duration // 0 disables expiration
	LockTTL        time.Duration
	AttemptTimeout time.Duration
	Retry          backoff.Policy

	// Limits is the resolved per-platform throughput table (config merged
	// over adapter defaults).
	Limits map[string]platform.Limits
}

func (s Settings) WithDefaults() Settings {
	if s.Workers <= 0 {
		s.Workers = 8
	}
	if s.BatchLimit <= 0 {
		s.BatchLimit = 500
	}
	if s.LockTTL <= 0 {
		s.LockTTL = 2 * time.Minute
	}
	if s.AttemptTimeout <= 0 {
		s.AttemptTimeout = 30 * time.Second
	}
	s.Retry = s.Retry.WithDefaults()
	return s
}

type Engine struct {
	store   store.Store
	reg     *platform.Registry
	conns   platform.ConnectionSource
	bus     eventbus.Bus
	log     logx.Logger
	set     Settings
	limiter *ratelimit.Limiter
	disp    *dispatch.Dispatcher

	now func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(st store.Store, reg *platform.Registry, conns platform.ConnectionSource, bus eventbus.Bus, log logx.Logger, set Settings) *Engine {
	set = set.WithDefaults()

	e := &Engine{
		store:   st,
		reg:     reg,
		conns:   conns,
		bus:     bus,
		log:     log.With(logx.String("comp", "engine")),
		set:     set,
		limiter: ratelimit.New(nil),
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for name, lim := range set.Limits {
		e.limiter.SetQuota(name, ratelimit.Quota{
			Quota:        lim.Quota,
			Window:       lim.Window,
			PerUserQuota: lim.PerUserQuota,
		})
	}
	e.disp = dispatch.New(set.Workers, func(p string) int {
		return set.Limits[p].MaxConcurrent
	}, e.log)
	return e
}

// SetNow injects a clock for tests.
func (e *Engine) SetNow(now func() time.Time) {
	e.now = now
	e.limiter = ratelimit.New(now)
	for name, lim := range e.set.Limits {
		e.limiter.SetQuota(name, ratelimit.Quota{
			Quota:        lim.Quota,
			Window:       lim.Window,
			PerUserQuota: lim.PerUserQuota,
		})
	}
}

// RunTick executes one complete publishing cycle and reports what happened.
// It never returns early on per-item errors; only a failed due-scan aborts
// the cycle.
func (e *Engine) RunTick(ctx context.Context) (Report, error) {
	now := e.now()
	rep := Report{Start: now}

	if n, err := e.store.ReclaimStale(ctx, now, e.set.LockTTL); err != nil {
		e.log.Error("reclaim stale locks", logx.Err(err))
		rep.Errors++
	} else if n > 0 {
		rep.Reclaimed = n
		e.log.Warn("reclaimed orphaned items", logx.Int("count", n))
	}

	due, err := e.collectDue(ctx, now, &rep)
	if err != nil {
		return rep, err
	}

	fresh, expired := SplitExpired(due, now, e.set.Staleness)
	rep.Expired = len(expired)
	for _, it := range expired {
		e.failWithoutAttempt(ctx, it, now, ReasonExpired, eventbus.TypeItemExpired, &rep)
	}

	var c counters
	e.disp.Run(ctx, fresh, func(ctx context.Context, it *store.Item) {
		e.attemptOne(ctx, it, &c)
	})
	c.fill(&rep)

	rep.Duration = e.now().Sub(now)
	e.log.Info("cycle finished",
		logx.Int("due", rep.Due),
		logx.Int("published", rep.Published),
		logx.Int("retried", rep.Retried),
		logx.Int("failed", rep.Failed),
		logx.Int("dead_lettered", rep.DeadLettered),
		logx.Int("expired", rep.Expired),
		logx.Int("deferred", rep.Deferred),
		logx.Int("skipped", rep.Skipped),
		logx.Int("reclaimed", rep.Reclaimed),
		logx.Int("errors", rep.Errors),
		logx.Duration("took", rep.Duration))
	e.publish(eventbus.TypeTickFinished, rep)
	return rep, nil
}

// collectDue pages through the due-scan, resolves each item's scheduled
// instant, and returns the items that are actually due now. Items with an
// unresolvable schedule are failed in place; items stored in the local
// date+time form that resolve to the future are left alone.
func (e *Engine) collectDue(ctx context.Context, now time.Time, rep *Report) ([]*store.Item, error) {
	var out []*store.Item
	cursor := ""
	for len(out) < e.set.BatchLimit {
		limit := e.set.BatchLimit - len(out)
		page, next, err := e.store.FindDue(ctx, now, cursor, limit)
		if err != nil {
			e.log.Error("due scan", logx.Err(err))
			rep.Errors++
			return out, err
		}
		rep.Due += len(page)
		for _, it := range page {
			when, err := it.ResolveWhen()
			if err != nil {
				rep.Invalid++
				e.failWithoutAttempt(ctx, it, now, ReasonBadSchedule, eventbus.TypeItemFailed, rep)
				continue
			}
			if when.After(now) {
				// Date+timezone form the SQL scan could not resolve; due
				// on a later cycle.
				rep.Due--
				continue
			}
			out = append(out, it)
		}
		if next == "" || len(page) == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

// failWithoutAttempt moves an item to failed under lock without calling any
// adapter (expired or unresolvable items).
func (e *Engine) failWithoutAttempt(ctx context.Context, it *store.Item, now time.Time, reason, event string, rep *Report) {
	token := uuid.NewString()
	ok, err := e.store.AcquireLock(ctx, it.ID, token, e.set.LockTTL, now)
	if err != nil {
		e.log.Error("acquire lock", logx.String("item", it.ID), logx.Err(err))
		rep.Errors++
		return
	}
	if !ok {
		rep.Skipped++
		return
	}
	if err := e.store.AppendFailure(ctx, it.ID, reason, now); err != nil {
		e.log.Error("append failure", logx.String("item", it.ID), logx.Err(err))
	}
	err = e.store.PersistOutcome(ctx, store.OutcomeUpdate{
		ID:        it.ID,
		Status:    store.StatusFailed,
		Attempts:  it.Attempts,
		LastError: reason,
		LockToken: token,
	})
	if err != nil {
		e.log.Error("persist failure", logx.String("item", it.ID), logx.Err(err))
		rep.Errors++
		return
	}
	e.log.Warn("item failed without attempt",
		logx.String("item", it.ID),
		logx.String("platform", it.Platform),
		logx.String("reason", reason),
		logx.Time("scheduled_for", it.When()))
	e.publish(event, map[string]any{"item": it.ID, "reason": reason})
}

// attemptOne runs the full attempt pipeline for one due item: rate check,
// lock, credential lookup, adapter call, reconcile. Order matters: the rate
// check comes first so a spent budget costs no lock churn, and the slot is
// consumed at dispatch time so the number of attempts started in a window
// can never exceed the quota.
func (e *Engine) attemptOne(ctx context.Context, it *store.Item, c *counters) {
	now := e.now()
	log := e.log.With(logx.String("item", it.ID), logx.String("platform", it.Platform))

	adapter, ok := e.reg.Get(it.Platform)
	if !ok {
		e.permanentFailure(ctx, it, now, ReasonUnknownPlatform, c)
		return
	}

	if !e.limiter.TryAcquire(it.Platform, it.UserID) {
		// Budget spent. The item stays scheduled and untouched; a later
		// cycle picks it up with no penalty to its retry budget.
		c.deferred.Add(1)
		log.Debug("deferred by rate limit")
		return
	}

	token := uuid.NewString()
	got, err := e.store.AcquireLock(ctx, it.ID, token, e.set.LockTTL, now)
	if err != nil {
		log.Error("acquire lock", logx.Err(err))
		c.errors.Add(1)
		return
	}
	if !got {
		c.skipped.Add(1)
		log.Debug("lock contention, skipped")
		return
	}

	conn, found, err := e.conns.Connection(ctx, it.UserID, it.Platform)
	if err != nil {
		log.Error("credential lookup", logx.Err(err))
		e.releaseQuiet(ctx, it.ID, token)
		c.errors.Add(1)
		return
	}
	if !found {
		e.reconcile(ctx, it, token, platform.Fail(ReasonNoConnection), c)
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.set.AttemptTimeout)
	out := adapter.Publish(attemptCtx, it, conn)
	cancel()

	e.reconcile(ctx, it, token, out, c)
}

// permanentFailure is the no-lock-yet variant of a permanent outcome, used
// before an adapter is even selected.
func (e *Engine) permanentFailure(ctx context.Context, it *store.Item, now time.Time, reason string, c *counters) {
	token := uuid.NewString()
	got, err := e.store.AcquireLock(ctx, it.ID, token, e.set.LockTTL, now)
	if err != nil {
		c.errors.Add(1)
		return
	}
	if !got {
		c.skipped.Add(1)
		return
	}
	e.reconcile(ctx, it, token, platform.Fail(reason), c)
}

// reconcile maps a classified outcome to exactly one status transition and
// persists it token-guarded. Attempts counts every adapter call (and every
// engine-side permanent rejection), so the retry budget is spent even when
// the process restarts between attempt and reschedule.
func (e *Engine) reconcile(ctx context.Context, it *store.Item, token string, out platform.Outcome, c *counters) {
	now := e.now()
	attempts := it.Attempts + 1
	log := e.log.With(
		logx.String("item", it.ID),
		logx.String("platform", it.Platform),
		logx.Int("attempt", attempts))

	var u store.OutcomeUpdate
	var event string
	var bump *atomic.Int64

	switch out.Kind {
	case platform.KindSuccess:
		u = store.OutcomeUpdate{
			ID:          it.ID,
			Status:      store.StatusPublished,
			Attempts:    attempts,
			PublishedAt: now,
			LockToken:   token,
		}
		event = eventbus.TypeItemPublished
		bump = &c.published
		log.Info("published", logx.String("ref", out.Ref))

	case platform.KindRetryable:
		e.appendFailureQuiet(ctx, it.ID, out.Reason, now)
		if attempts >= e.maxAttempts(it) {
			u = store.OutcomeUpdate{
				ID:        it.ID,
				Status:    store.StatusDeadLettered,
				Attempts:  attempts,
				LastError: out.Reason,
				LockToken: token,
			}
			event = eventbus.TypeItemDeadLetter
			bump = &c.deadLettered
			log.Error("retry budget exhausted, dead-lettered", logx.String("reason", out.Reason))
		} else {
			delay := e.delay(attempts, out.RetryAfter)
			u = store.OutcomeUpdate{
				ID:          it.ID,
				Status:      store.StatusScheduled,
				Attempts:    attempts,
				NextRetryAt: now.Add(delay),
				LastError:   out.Reason,
				LockToken:   token,
			}
			event = eventbus.TypeItemRetried
			bump = &c.retried
			log.Warn("attempt failed, retrying",
				logx.String("reason", out.Reason),
				logx.Duration("next_in", delay))
		}

	default: // KindPermanent
		e.appendFailureQuiet(ctx, it.ID, out.Reason, now)
		u = store.OutcomeUpdate{
			ID:        it.ID,
			Status:    store.StatusFailed,
			Attempts:  attempts,
			LastError: out.Reason,
			LockToken: token,
		}
		event = eventbus.TypeItemFailed
		bump = &c.failed
		log.Error("permanent failure", logx.String("reason", out.Reason))
	}

	if err := e.store.PersistOutcome(ctx, u); err != nil {
		if errors.Is(err, store.ErrLockLost) {
			// TTL lapsed mid-attempt and another owner took over; their
			// outcome wins.
			log.Warn("lock lost before outcome persisted")
			c.skipped.Add(1)
			return
		}
		log.Error("persist outcome", logx.Err(err))
		c.errors.Add(1)
		return
	}
	bump.Add(1)
	e.publish(event, map[string]any{
		"item":     it.ID,
		"platform": it.Platform,
		"attempt":  attempts,
		"reason":   out.Reason,
		"ref":      out.Ref,
	})
}

func (e *Engine) maxAttempts(it *store.Item) int {
	if it.MaxAttempts > 0 {
		return it.MaxAttempts
	}
	return e.set.Retry.MaxAttempts
}

func (e *Engine) delay(attempt int, hint time.Duration) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.set.Retry.Delay(attempt, hint, e.rng)
}

func (e *Engine) appendFailureQuiet(ctx context.Context, id, reason string, at time.Time) {
	if err := e.store.AppendFailure(ctx, id, reason, at); err != nil {
		e.log.Error("append failure", logx.String("item", id), logx.Err(err))
	}
}

func (e *Engine) releaseQuiet(ctx context.Context, id, token string) {
	if err := e.store.ReleaseLock(ctx, id, token); err != nil {
		e.log.Error("release lock", logx.String("item", id), logx.Err(err))
	}
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
}
