package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: "relay.sent"})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != "relay.sent" || e.Time.IsZero() {
				t.Fatalf("event = %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "one"})
	b.Publish(Event{Type: "two"})
	if got := Dropped(b); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}

	unsub()
	unsub()
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "three"})
}

func TestSubscribeFiltersByPrefix(t *testing.T) {
	b := New()
	failures, unsub := b.Subscribe(4, "relay.failed", " ")
	defer unsub()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	for _, typ := range []string{"relay.queued", "relay.failed", "relay.sent"} {
		b.Publish(Event{Type: typ})
	}
	if len(failures) != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", len(failures))
	}
	if e := <-failures; e.Type != "relay.failed" {
		t.Fatalf("event = %q", e.Type)
	}
	if len(all) != 3 {
		t.Fatalf("unfiltered subscriber got %d events, want 3", len(all))
	}
	if Dropped(b) != 0 {
		t.Fatalf("Dropped() = %d", Dropped(b))
	}
}
