// Package dispatch fans publish attempts out over a bounded worker pool,
// additionally bounding in-flight attempts per platform so one slow or
// throttled platform cannot starve the others.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"postengine/internal/store"
	"postengine/pkg/logx"
)

type Dispatcher struct {
	workers  int
	limitFor func(platform string) int
	log      logx.Logger

	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

// New builds a Dispatcher. limitFor maps a platform to its max concurrent
// in-flight attempts; <=0 means unbounded for that platform.
func New(workers int, limitFor func(string) int, log logx.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 8
	}
	return &Dispatcher{
		workers:  workers,
		limitFor: limitFor,
		log:      log,
		groups:   map[string]*groupSemaphore{},
	}
}

// Run executes fn for every item, with at most `workers` attempts in flight
// globally and at most the platform's limit in flight per platform. fn is
// called exactly once per item unless ctx is canceled first. Run returns
// when all items ran or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, items []*store.Item, fn func(ctx context.Context, it *store.Item)) {
	if len(items) == 0 {
		return
	}

	// Queue capacity covers every item, so a requeue can never block.
	queue := make(chan *store.Item, len(items))
	for _, it := range items {
		queue <- it
	}

	remaining := int64(len(items))
	done := make(chan struct{})

	workers := d.workers
	if workers > len(items) {
		workers = len(items)
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for {
				var it *store.Item
				select {
				case <-ctx.Done():
					return
				case <-done:
					return
				case it = <-queue:
				}

				gs, ok := d.acquire(ctx, queue, &it)
				if !ok {
					return
				}
				fn(ctx, it)
				gs.release()
				if atomic.AddInt64(&remaining, -1) == 0 {
					close(done)
				}
			}
		}()
	}
	wg.Wait()
}

// acquire claims a platform slot for the worker's current item. When the
// platform is saturated the worker parks instead of spinning: it wakes
// either when the platform releases a slot or when another queued item
// shows up to work on instead (the blocked item goes back on the queue).
// Returns false only when ctx was canceled while parked.
func (d *Dispatcher) acquire(ctx context.Context, queue chan *store.Item, it **store.Item) (*groupSemaphore, bool) {
	for {
		gs := d.group((*it).Platform)
		if gs == nil {
			return nil, true
		}
		if gs.tryAcquire() {
			return gs, true
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-gs.ch:
			// A slot freed and we took it directly.
			return gs, true
		case other := <-queue:
			queue <- *it
			*it = other
		}
	}
}

func (d *Dispatcher) group(platform string) *groupSemaphore {
	limit := 0
	if d.limitFor != nil {
		limit = d.limitFor(platform)
	}
	if limit <= 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	gs := d.groups[platform]
	if gs == nil {
		gs = newGroupSemaphore(limit)
		d.groups[platform] = gs
	}
	// If the configured limit changed, keep the first-seen value: resizing a
	// semaphore with tokens in flight is not safe. A restart picks it up.
	return gs
}

// groupSemaphore is a channel-based semaphore with tokens pre-filled up to
// the limit. The limit is fixed for the life of the semaphore.
type groupSemaphore struct {
	limit int
	ch    chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	if limit <= 0 {
		limit = 1
	}
	gs := &groupSemaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) tryAcquire() bool {
	if g == nil {
		return true
	}
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *groupSemaphore) release() {
	if g == nil {
		return
	}
	// Best-effort: never block on release.
	select {
	case g.ch <- struct{}{}:
	default:
	}
}
