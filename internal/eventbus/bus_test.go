package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeItemPublished, Data: "x"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypeItemPublished || e.Data != "x" {
				t.Fatalf("subscriber %d got %+v", i, e)
			}
			if e.Time.IsZero() {
				t.Fatalf("subscriber %d: publish did not stamp time", i)
			}
		default:
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // buffer full: dropped, not blocked

	if got := len(ch); got != 1 {
		t.Fatalf("buffered %d events, want 1", got)
	}
	if e := <-ch; e.Type != "a" {
		t.Fatalf("kept %q, want the first event", e.Type)
	}
}

func TestUnsubscribeClosesAndPublishSurvives(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)

	unsub()
	unsub() // idempotent

	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic or block.
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: "late", Time: time.Now()})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after unsubscribe")
	}
}
