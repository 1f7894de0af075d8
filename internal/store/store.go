// Package store persists content items and owns the atomic lock/status
// transitions the publishing engine depends on.
//
// Two drivers implement the same Store interface: sqlite (modernc, file or
// in-memory) and postgres (lib/pq). The engine is driver-agnostic; all
// correctness-critical operations (AcquireLock, PersistOutcome) are single
// statements so they stay atomic under concurrent workers and processes.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postengine/pkg/logx"
)

var (
	ErrNotFound = errors.New("store: item not found")

	// ErrLockLost is returned by PersistOutcome when the caller's lock token
	// no longer matches: the TTL lapsed and another worker took the item.
	ErrLockLost = errors.New("store: lock token mismatch")
)

// Config selects and tunes the backend.
type Config struct {
	Driver      string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the content-store contract consumed by the engine.
type Store interface {
	// InsertItem creates an item (authoring side; also used by tests/seeding).
	InsertItem(ctx context.Context, it *Item) error

	// GetItem fetches one item by id.
	GetItem(ctx context.Context, id string) (*Item, error)

	// FindDue returns scheduled items whose stored absolute instant has
	// passed (or that use the date+tz representation, which SQL cannot
	// resolve) and that are not waiting on a retry delay. Pagination is
	// keyset-based: pass the returned cursor until it comes back empty.
	FindDue(ctx context.Context, now time.Time, cursor string, limit int) ([]*Item, string, error)

	// AcquireLock atomically moves a scheduled item to publishing iff no
	// unexpired lock exists. Returns false on contention. This single
	// check-and-set is what prevents two overlapping ticks (or processes)
	// from double-publishing an item.
	//
	// The lock has a TTL: if a worker crashes mid-publish the lock expires
	// and a later tick may retry. That trades a small duplicate-publish
	// window for liveness; platform-side deduplication is not assumed.
	AcquireLock(ctx context.Context, id, token string, ttl time.Duration, now time.Time) (bool, error)

	// ReleaseLock clears the lock without changing status, used when an
	// acquired item turns out to be undispatchable this tick (rate deferred).
	// No-op when the token does not match.
	ReleaseLock(ctx context.Context, id, token string) error

	// PersistOutcome applies the post-attempt transition and releases the
	// lock in the same statement (token-guarded).
	PersistOutcome(ctx context.Context, u OutcomeUpdate) error

	// ReclaimStale flips publishing items whose lock expired before
	// now-ttl back to scheduled, clearing the lock. Run at tick start so
	// work orphaned by a crashed worker becomes discoverable again.
	ReclaimStale(ctx context.Context, now time.Time, ttl time.Duration) (int, error)

	// AppendFailure records one failure reason in the item's history.
	AppendFailure(ctx context.Context, id, reason string, at time.Time) error

	// Failures returns the full failure history, oldest first.
	Failures(ctx context.Context, id string) ([]Failure, error)

	// DeadLettered lists items awaiting operator inspection, oldest first.
	DeadLettered(ctx context.Context, limit int) ([]*Item, error)

	Close() error
}

// Open builds a Store from config.
func Open(cfg Config, log logx.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return openSQLite(cfg, log)
	case "postgres":
		return openPostgres(cfg, log)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
