package engine

import (
	"time"

	"postengine/internal/store"
)

// SplitExpired partitions due items into a publishable set and an expired
// set. An item is expired when its resolved instant is older than bound at
// the given now. A zero bound disables expiration entirely.
//
// Items must already have ResolveWhen applied; items with a zero resolved
// instant are treated as publishable and left for the attempt path to reject.
func SplitExpired(items []*store.Item, now time.Time, bound time.Duration) (fresh, expired []*store.Item) {
	if bound <= 0 {
		return items, nil
	}
	cutoff := now.Add(-bound)
	for _, it := range items {
		when := it.When()
		if !when.IsZero() && when.Before(cutoff) {
			expired = append(expired, it)
			continue
		}
		fresh = append(fresh, it)
	}
	return fresh, expired
}
