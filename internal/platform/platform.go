// Package platform defines the capability interface between the publishing
// engine and external platforms.
//
// Each adapter normalizes a content item into its platform's payload,
// performs the network call, and classifies the result into a tri-state
// Outcome. Classification (rate-limit response, auth error, malformed
// payload, transient network error) is adapter-specific and drives the
// reconciler's retry-vs-fail branching; each adapter documents its rules.
//
// Adapters are stateless per call: all mutable context arrives via the
// Connection argument.
package platform

import (
	"context"
	"sort"
	"sync"
	"time"

	"postengine/internal/store"
)

type OutcomeKind int

const (
	// KindSuccess: the platform accepted the publish.
	KindSuccess OutcomeKind = iota
	// KindRetryable: transient failure; retry with backoff.
	KindRetryable
	// KindPermanent: retrying cannot help (bad credentials, rejected content).
	KindPermanent
)

func (k OutcomeKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable_failure"
	case KindPermanent:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one publish attempt.
type Outcome struct {
	Kind   OutcomeKind
	Reason string

	// RetryAfter is an optional delay hint (e.g. from an HTTP 429); the
	// backoff policy bounds and jitters it. Zero means no hint.
	RetryAfter time.Duration

	// Ref is the platform-side identifier of the created post, when the
	// platform returns one.
	Ref string
}

func Ok(ref string) Outcome { return Outcome{Kind: KindSuccess, Ref: ref} }

func Retry(reason string) Outcome { return Outcome{Kind: KindRetryable, Reason: reason} }

func RetryWithin(reason string, after time.Duration) Outcome {
	return Outcome{Kind: KindRetryable, Reason: reason, RetryAfter: after}
}

func Fail(reason string) Outcome { return Outcome{Kind: KindPermanent, Reason: reason} }

// Limits are a platform's default throughput bounds, used when the config
// omits the platform. Quota/Window is the rate budget; MaxConcurrent bounds
// in-flight calls (a separate concern from the quota).
type Limits struct {
	MaxConcurrent int
	Quota         int
	Window        time.Duration
	PerUserQuota  int
}

// Connection is the opaque credential capability handed to an adapter.
// Which fields matter depends on the platform; unused fields stay empty.
type Connection struct {
	Token      string
	AccountSID string
	Secret     string
	From       string
	BaseURL    string
}

// Adapter publishes one content item to one platform.
type Adapter interface {
	Name() string
	Defaults() Limits
	Publish(ctx context.Context, item *store.Item, conn Connection) Outcome
}

// ConnectionSource resolves credentials for a user/platform pair.
// A (zero, false, nil) return means no connection is configured, which the
// engine treats as a permanent failure for that item.
type ConnectionSource interface {
	Connection(ctx context.Context, userID, platform string) (Connection, bool, error)
}

// Registry maps platform names to adapters. Adding a platform is a single
// Register call; dispatch logic never changes.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{m: map[string]Adapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	if a == nil || a.Name() == "" {
		return
	}
	r.mu.Lock()
	r.m[a.Name()] = a
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	a, ok := r.m[name]
	r.mu.RUnlock()
	return a, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.m))
	for n := range r.m {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
