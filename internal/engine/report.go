package engine

import (
	"sync/atomic"
	"time"
)

// Report summarizes one publishing cycle.
type Report struct {
	Start    time.Time
	Duration time.Duration

	// Reclaimed counts publishing items with expired locks returned to
	// scheduled before this cycle's scan.
	Reclaimed int

	Due          int // items picked up by the scan
	Expired      int // failed without an attempt (past the staleness bound)
	Invalid      int // unresolvable schedule, failed without an attempt
	Skipped      int // lock contention, left for the owner
	Deferred     int // rate budget exhausted, untouched until a later cycle
	Published    int
	Retried      int // retryable failure, rescheduled with backoff
	Failed       int // permanent failure
	DeadLettered int // retry budget exhausted
	Errors       int // store/infrastructure errors during the cycle
}

// counters aggregates attempt results across workers.
type counters struct {
	skipped      atomic.Int64
	deferred     atomic.Int64
	published    atomic.Int64
	retried      atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
	errors       atomic.Int64
}

func (c *counters) fill(r *Report) {
	r.Skipped = int(c.skipped.Load())
	r.Deferred = int(c.deferred.Load())
	r.Published = int(c.published.Load())
	r.Retried = int(c.retried.Load())
	r.Failed = int(c.failed.Load())
	r.DeadLettered = int(c.deadLettered.Load())
	r.Errors = int(c.errors.Load())
}
