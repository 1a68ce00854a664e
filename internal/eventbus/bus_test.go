package eventbus

import "testing"

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeScheduleChanged, Data: "a"})
	b.Publish(Event{Type: TypeScheduleChanged, Data: "b"})

	e := <-ch
	if e.Data != "a" || e.Time.IsZero() {
		t.Fatalf("event=%+v", e)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %+v", e)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open")
	}
	b.Publish(Event{Type: TypeRenderFailed})
}
