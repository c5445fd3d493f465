package eventbus

import "testing"

func TestSubscribeFiltersByPrefix(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	tasks, unsubTasks := b.Subscribe(4, "task.")
	defer unsubTasks()

	b.Publish(Event{Type: "task.completed"})
	b.Publish(Event{Type: "engine.started"})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(tasks); got != 1 {
		t.Fatalf("task subscriber got %d events, want 1", got)
	}
	e := <-tasks
	if e.Type != "task.completed" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "x"})
}

func TestQueueKeepsEveryEvent(t *testing.T) {
	b := New()
	q := b.SubscribeQueue("task.")

	for i := 0; i < 1000; i++ {
		b.Publish(Event{Type: "task.dropped", Data: i})
	}
	b.Publish(Event{Type: "engine.started"})

	select {
	case <-q.Ready():
	default:
		t.Fatal("Ready did not fire")
	}
	got := q.Take()
	if len(got) != 1000 {
		t.Fatalf("queue got %d events, want 1000", len(got))
	}
	for i, e := range got {
		if e.Data.(int) != i {
			t.Fatalf("event %d out of order: %v", i, e.Data)
		}
	}
	if b.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", b.Dropped())
	}

	q.Close()
	b.Publish(Event{Type: "task.completed"})
	if q.Len() != 0 {
		t.Fatalf("closed queue still receives events")
	}
}
