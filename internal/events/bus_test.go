package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceEngine, Kind: KindPhase})
	b.Emit(SourceEngine, KindNudge, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
	if got := b.Recent(5); got != nil {
		t.Errorf("Recent() on nil bus = %v", got)
	}
}

func TestPublish_FanOut(t *testing.T) {
	b := New()
	const n = 3
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Emit(SourceEngine, KindCycleStart, map[string]any{"action": "health_check"})

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindCycleStart || got.Data["action"] != "health_check" {
				t.Errorf("subscriber %d: got %+v", i, got)
			}
			if got.Timestamp.IsZero() {
				t.Errorf("subscriber %d: timestamp not set", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestPublish_KeepsExplicitTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b.Publish(Event{Timestamp: at, Kind: KindNote})
	if got := <-ch; !got.Timestamp.Equal(at) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, at)
	}
}

func TestPublish_DropsOnFullSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := <-ch; got.Kind != "first" {
		t.Errorf("got kind %q, want first", got.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got %v", evt)
	default:
	}
}

func TestRecent(t *testing.T) {
	b := NewWithHistory(3)
	if got := b.Recent(10); len(got) != 0 {
		t.Errorf("Recent() on empty bus = %v", got)
	}

	for _, k := range []string{"a", "b"} {
		b.Publish(Event{Kind: k})
	}
	assertKinds(t, b.Recent(10), "a", "b")

	for _, k := range []string{"c", "d", "e"} {
		b.Publish(Event{Kind: k})
	}
	assertKinds(t, b.Recent(10), "c", "d", "e")
	assertKinds(t, b.Recent(2), "d", "e")

	if got := NewWithHistory(0); got.Recent(5) != nil {
		t.Error("history disabled but Recent returned events")
	}
}

func assertKinds(t *testing.T, evs []Event, want ...string) {
	t.Helper()
	if len(evs) != len(want) {
		t.Fatalf("got %d events, want %d", len(evs), len(want))
	}
	for i, e := range evs {
		if e.Kind != want[i] {
			t.Errorf("event %d kind = %q, want %q", i, e.Kind, want[i])
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1)
	if _, ok := <-ch1; ok {
		t.Error("channel open after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}

	b.Unsubscribe(ch2)
	b.Publish(Event{Source: SourceActivity, Kind: KindDataChange})
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	ch := b.Subscribe(64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range ch {
		}
	}()

	var pubWg sync.WaitGroup
	for i := range 10 {
		pubWg.Add(1)
		go func() {
			defer pubWg.Done()
			for j := range 100 {
				b.Emit(SourceEngine, KindPhase, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}

	pubWg.Wait()
	b.Unsubscribe(ch)
	wg.Wait()

	if got := len(b.Recent(DefaultHistory)); got != DefaultHistory {
		t.Errorf("history holds %d events, want %d", got, DefaultHistory)
	}
}
