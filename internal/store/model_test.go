package store

import (
	"testing"
	"time"
)

func TestResolveWhenAbsolute(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.FixedZone("WIB", 7*3600))
	it := &Item{ID: "a", PublishAt: at}

	when, err := it.ResolveWhen()
	if err != nil {
		t.Fatalf("ResolveWhen: %v", err)
	}
	if when.Location() != time.UTC {
		t.Fatalf("not normalized to UTC: %v", when)
	}
	if !when.Equal(at) {
		t.Fatalf("instant changed: %v != %v", when, at)
	}
	// Cached value is reused.
	if got := it.When(); !got.Equal(when) {
		t.Fatalf("When() = %v, want %v", got, when)
	}
}

func TestResolveWhenLocalForm(t *testing.T) {
	it := &Item{ID: "b", PublishDate: "2026-03-01", PublishTime: "09:00", Timezone: "Asia/Jakarta"}

	when, err := it.ResolveWhen()
	if err != nil {
		t.Fatalf("ResolveWhen: %v", err)
	}
	// 09:00 WIB (UTC+7) is 02:00 UTC.
	want := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	if !when.Equal(want) {
		t.Fatalf("resolved %v, want %v", when, want)
	}
}

func TestResolveWhenAbsoluteWins(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	it := &Item{ID: "c", PublishAt: at, PublishDate: "2027-01-01", PublishTime: "00:00"}

	when, err := it.ResolveWhen()
	if err != nil {
		t.Fatalf("ResolveWhen: %v", err)
	}
	if !when.Equal(at) {
		t.Fatalf("date form took precedence: %v", when)
	}
}

func TestResolveWhenErrors(t *testing.T) {
	cases := []struct {
		name string
		it   Item
	}{
		{"no schedule", Item{ID: "x"}},
		{"bad date", Item{ID: "x", PublishDate: "01-03-2026", PublishTime: "09:00"}},
		{"bad time", Item{ID: "x", PublishDate: "2026-03-01", PublishTime: "9am"}},
		{"unknown tz", Item{ID: "x", PublishDate: "2026-03-01", PublishTime: "09:00", Timezone: "Mars/Olympus"}},
	}
	for _, tc := range cases {
		if _, err := tc.it.ResolveWhen(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestLockExpired(t *testing.T) {
	now := time.Now()
	ttl := 2 * time.Minute

	it := &Item{}
	if !it.LockExpired(now, ttl) {
		t.Fatal("no token should mean expired")
	}
	it.LockToken = "tok"
	it.LockAcquiredAt = now.Add(-time.Minute)
	if it.LockExpired(now, ttl) {
		t.Fatal("fresh lock reported expired")
	}
	it.LockAcquiredAt = now.Add(-3 * time.Minute)
	if !it.LockExpired(now, ttl) {
		t.Fatal("stale lock not reported expired")
	}
}

func TestStatusTerminal(t *testing.T) {
	for s, want := range map[Status]bool{
		StatusDraft:        false,
		StatusScheduled:    false,
		StatusPublishing:   false,
		StatusFailed:       false,
		StatusPublished:    true,
		StatusDeadLettered: true,
	} {
		if s.Terminal() != want {
			t.Fatalf("%s.Terminal() = %v, want %v", s, !want, want)
		}
	}
}
