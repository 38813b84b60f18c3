package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Record{Name: "ask_accepted"})
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestBusPublishMultipleSubscribers(t *testing.T) {
	b := NewBus()
	const n = 3
	channels := make([]<-chan Record, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Publish(Record{RequestID: "req-1", Name: "nav_arrived"})

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.RequestID != "req-1" || got.Name != "nav_arrived" {
				t.Errorf("subscriber %d: got %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBusDropOnFull(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Record{Name: "first"})
	b.Publish(Record{Name: "second"})

	if got := <-ch; got.Name != "first" {
		t.Errorf("got %q, want %q", got.Name, "first")
	}
	select {
	case r := <-ch:
		t.Errorf("expected empty channel, got %+v", r)
	default:
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(8)
	if got := b.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}

	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
	b.Publish(Record{Name: "after"})
}

func TestBusConcurrentPublish(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(64)

	var drain sync.WaitGroup
	drain.Add(1)
	go func() {
		defer drain.Done()
		for range ch {
		}
	}()

	var pub sync.WaitGroup
	for i := range 10 {
		pub.Add(1)
		go func() {
			defer pub.Done()
			for j := range 100 {
				b.Publish(Record{Name: "tick", Fields: map[string]any{"publisher": i, "seq": j}})
			}
		}()
	}
	pub.Wait()
	b.Unsubscribe(ch)
	drain.Wait()
}
