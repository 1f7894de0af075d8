package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"postengine/internal/store"
	"postengine/pkg/logx"
)

func items(platform string, n int) []*store.Item {
	out := make([]*store.Item, n)
	for i := range out {
		out[i] = &store.Item{ID: fmt.Sprintf("%s-%d", platform, i), Platform: platform}
	}
	return out
}

func TestRunExactlyOnce(t *testing.T) {
	d := New(4, nil, logx.Nop())

	var mu sync.Mutex
	seen := map[string]int{}
	d.Run(context.Background(), items("x", 50), func(_ context.Context, it *store.Item) {
		mu.Lock()
		seen[it.ID]++
		mu.Unlock()
	})

	if len(seen) != 50 {
		t.Fatalf("ran %d items, want 50", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("item %s ran %d times", id, n)
		}
	}
}

func TestRunPlatformConcurrencyBound(t *testing.T) {
	limits := map[string]int{"tg": 2}
	d := New(8, func(p string) int { return limits[p] }, logx.Nop())

	var inFlight, peak atomic.Int64
	d.Run(context.Background(), items("tg", 30), func(_ context.Context, _ *store.Item) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
	})

	if peak.Load() > 2 {
		t.Fatalf("peak in-flight %d exceeded platform limit 2", peak.Load())
	}
}

func TestRunMixedPlatformsMakeProgress(t *testing.T) {
	// One platform capped at 1 must not starve the other.
	limits := map[string]int{"slow": 1, "fast": 4}
	d := New(6, func(p string) int { return limits[p] }, logx.Nop())

	work := append(items("slow", 10), items("fast", 10)...)

	var ran atomic.Int64
	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), work, func(_ context.Context, _ *store.Item) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("dispatcher did not finish")
	}
	if ran.Load() != 20 {
		t.Fatalf("ran %d, want 20", ran.Load())
	}
}

func TestRunSaturatedPlatformParksNotSpins(t *testing.T) {
	// With "slow" capped at 1 and one slow attempt blocked in flight, a
	// worker holding the second slow item must hand it back and pick up
	// fast work instead of waiting for the slot.
	limits := map[string]int{"slow": 1, "fast": 4}
	d := New(2, func(p string) int { return limits[p] }, logx.Nop())

	work := append(items("slow", 2), items("fast", 6)...)

	release := make(chan struct{})
	var fastRan atomic.Int64
	fastDone := make(chan struct{})
	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), work, func(_ context.Context, it *store.Item) {
			if it.Platform == "slow" {
				<-release
				return
			}
			if fastRan.Add(1) == 6 {
				close(fastDone)
			}
		})
		close(done)
	}()

	select {
	case <-fastDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("fast items stalled behind saturated platform, ran %d of 6", fastRan.Load())
	}

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not finish after slot freed")
	}
}

func TestRunCancel(t *testing.T) {
	d := New(2, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var ran atomic.Int64
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	d.Run(ctx, items("x", 1000), func(_ context.Context, _ *store.Item) {
		time.Sleep(time.Millisecond)
		ran.Add(1)
	})

	if ran.Load() == 1000 {
		t.Fatal("cancellation had no effect")
	}
}
