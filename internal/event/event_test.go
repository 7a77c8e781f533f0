package event

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	s := NewStream()
	defer s.Close()

	ch1, cancel1 := s.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := s.Subscribe(4)
	defer cancel2()

	s.Publish(Event{Type: TypeTaskAssigned, SwarmID: "sw-1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeTaskAssigned {
				t.Errorf("subscriber %d: unexpected type %s", i, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	s := NewStream()
	defer s.Close()

	ch, cancel := s.Subscribe(4)
	cancel()

	// A cancelled subscriber's channel is closed and gets nothing further.
	if _, open := <-ch; open {
		t.Fatal("expected closed channel after cancel")
	}
	s.Publish(Event{Type: TypeAgentJoined})
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	s := NewStream()
	defer s.Close()

	ch, cancel := s.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Publish(Event{Type: TypeTaskSubmitted})
		s.Publish(Event{Type: TypeTaskAssigned}) // dropped, queue full
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	ev := <-ch
	if ev.Type != TypeTaskSubmitted {
		t.Errorf("unexpected event %s", ev.Type)
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	s := NewStream()
	ch, _ := s.Subscribe(4)

	s.Close()
	if _, open := <-ch; open {
		t.Fatal("expected channel closed after stream close")
	}

	// Subscribing after close yields an already-closed channel.
	late, _ := s.Subscribe(4)
	if _, open := <-late; open {
		t.Fatal("expected closed channel for late subscriber")
	}
}
