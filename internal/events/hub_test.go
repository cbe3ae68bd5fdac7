package events

import (
	"testing"
	"time"
)

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe()
	b := hub.Subscribe()

	hub.Notify(Event{Type: "task.started", Name: "t1", Role: "oracle"})

	for _, ch := range []chan Event{a, b} {
		select {
		case e := <-ch:
			if e.Name != "t1" || e.Timestamp.IsZero() {
				t.Errorf("event: %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestHubUnsubscribeCloses(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	hub.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	// A second unsubscribe is a no-op.
	hub.Unsubscribe(ch)
}

func TestHubSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	_ = hub.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.Notify(Event{Type: "task.completed", Name: "n"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestMultiNotifier(t *testing.T) {
	var got []string
	n := Multi{
		NotifierFunc(func(e Event) { got = append(got, "a:"+e.Name) }),
		nil,
		NotifierFunc(func(e Event) { got = append(got, "b:"+e.Name) }),
	}
	n.Notify(Event{Name: "x"})
	if len(got) != 2 || got[0] != "a:x" || got[1] != "b:x" {
		t.Errorf("got %v", got)
	}
}
