package store

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a content item.
//
// Created as draft/scheduled by the authoring side (outside this engine);
// publishing is entered exclusively under lock; published and dead_lettered
// are terminal.
type Status string

const (
	StatusDraft        Status = "draft"
	StatusScheduled    Status = "scheduled"
	StatusPublishing   Status = "publishing"
	StatusPublished    Status = "published"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal reports whether no further engine transition applies.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusDeadLettered
}

// Item is a unit of schedulable work.
//
// Scheduling is stored in one of two representations: an absolute UTC instant
// (PublishAt) or a local date+time+timezone triple. ResolveWhen normalizes
// either form to a single UTC instant exactly once per pipeline pass.
type Item struct {
	ID       string
	UserID   string
	Platform string

	// Target is the platform-specific destination: a chat ID for telegram,
	// an E.164 number for twilio, a URL for webhook.
	Target   string
	Title    string
	Body     string
	MediaURL string

	PublishAt   time.Time // zero when the date+time+tz form is used
	PublishDate string    // "2006-01-02"
	PublishTime string    // "15:04"
	Timezone    string    // IANA name, e.g. "Asia/Jakarta"

	Status      Status
	Attempts    int
	MaxAttempts int
	NextRetryAt time.Time
	LastError   string

	LockToken      string
	LockAcquiredAt time.Time

	PublishedAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	when time.Time // cached by ResolveWhen
}

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// ResolveWhen resolves the scheduled instant to UTC and caches it on the item.
//
// Precedence: a non-zero PublishAt wins; otherwise PublishDate+PublishTime are
// interpreted in Timezone (UTC when empty). An unparseable date/time or an
// unknown timezone is a permanent condition, not a retryable one.
func (it *Item) ResolveWhen() (time.Time, error) {
	if !it.when.IsZero() {
		return it.when, nil
	}
	if !it.PublishAt.IsZero() {
		it.when = it.PublishAt.UTC()
		return it.when, nil
	}

	d := strings.TrimSpace(it.PublishDate)
	t := strings.TrimSpace(it.PublishTime)
	if d == "" || t == "" {
		return time.Time{}, fmt.Errorf("item %s: no schedule set", it.ID)
	}
	loc := time.UTC
	if tz := strings.TrimSpace(it.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("item %s: unknown timezone %q", it.ID, tz)
		}
		loc = l
	}
	when, err := time.ParseInLocation(dateLayout+" "+timeLayout, d+" "+t, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("item %s: bad schedule %q %q: %w", it.ID, d, t, err)
	}
	it.when = when.UTC()
	return it.when, nil
}

// When returns the cached resolved instant (zero if ResolveWhen has not run
// or failed).
func (it *Item) When() time.Time { return it.when }

// LockExpired reports whether the item's lock is absent or older than ttl.
func (it *Item) LockExpired(now time.Time, ttl time.Duration) bool {
	if it.LockToken == "" {
		return true
	}
	return now.Sub(it.LockAcquiredAt) >= ttl
}

// Failure is one recorded publish failure, kept for operator inspection of
// dead-lettered items.
type Failure struct {
	ItemID string
	At     time.Time
	Reason string
}

// OutcomeUpdate is the terminal-or-retry persistence request after an attempt.
//
// LockToken must match the lock taken at acquire time; the store releases the
// lock only when the token matches, so a worker that lost its lock to TTL
// expiry cannot clobber a newer owner's state.
type OutcomeUpdate struct {
	ID          string
	Status      Status
	Attempts    int
	NextRetryAt time.Time
	LastError   string
	PublishedAt time.Time
	LockToken   string
}
