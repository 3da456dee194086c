package event

import (
	"testing"
	"time"
)

func TestBusDeliversToMatchingSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	all := bus.Subscribe("", 8)
	defer all.Close()
	only1 := bus.Subscribe("s1", 8)
	defer only1.Close()

	bus.Publish(Event{Kind: KindSessionState, SessionID: "s1", SessionState: &SessionState{State: "RUNNING"}})
	bus.Publish(Event{Kind: KindSessionState, SessionID: "s2", SessionState: &SessionState{State: "RUNNING"}})

	if got := drain(all); got != 2 {
		t.Errorf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := drain(only1); got != 1 {
		t.Errorf("filtered subscriber got %d events, want 1", got)
	}
}

func TestBusPublishStampsTime(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub := bus.Subscribe("", 1)
	defer sub.Close()

	bus.Publish(Event{Kind: KindSeparation, SessionID: "s1", Separation: &Separation{WindowIndex: 0}})
	ev := <-sub.C()
	if ev.Time.IsZero() {
		t.Error("published event has zero Time")
	}
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub := bus.Subscribe("", 2)
	defer sub.Close()

	for i := int64(0); i < 5; i++ {
		bus.Publish(Event{
			Kind:       KindSeparation,
			SessionID:  "s1",
			Separation: &Separation{WindowIndex: i},
		})
	}

	if sub.Dropped() != 3 {
		t.Errorf("Dropped = %d, want 3", sub.Dropped())
	}
	// The two newest events survive.
	first := <-sub.C()
	second := <-sub.C()
	if first.Separation.WindowIndex != 3 || second.Separation.WindowIndex != 4 {
		t.Errorf("surviving windows = %d, %d, want 3, 4",
			first.Separation.WindowIndex, second.Separation.WindowIndex)
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	sub := bus.Subscribe("", 1)
	sub.Close()
	sub.Close()

	// Publishing after close must not panic or deliver.
	bus.Publish(Event{Kind: KindSessionState, SessionID: "s1", SessionState: &SessionState{State: "STOPPED"}})
	if _, ok := <-sub.C(); ok {
		t.Error("received event on closed subscription")
	}
}

func drain(s *Subscription) int {
	n := 0
	for {
		select {
		case <-s.C():
			n++
		case <-time.After(50 * time.Millisecond):
			return n
		}
	}
}
