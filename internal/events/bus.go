// Package events is the engine's publish/subscribe bus. The loop, the
// backend watchers and the activity watcher publish; the WebSocket feed
// and the MQTT publisher subscribe. Publish on a nil *Bus is a no-op, so
// components need no guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceEngine   = "engine"
	SourceBackend  = "backend"
	SourceActivity = "activity"
)

// Kinds. The Data keys each kind carries are listed alongside.
const (
	// KindStateChange: from, to.
	KindStateChange = "state_change"
	// KindPhase: cycle, phase.
	KindPhase = "phase"
	// KindCycleStart: cycle, cycle_id, action, strategy, target, epsilon.
	KindCycleStart = "cycle_start"
	// KindCycleComplete: cycle, cycle_id, action, success, error, reward,
	// duration_ms, next_task.
	KindCycleComplete = "cycle_complete"
	// KindCyclePanic: cycle, error.
	KindCyclePanic = "cycle_panic"
	// KindNudge: action.
	KindNudge = "nudge"
	// KindRestStart: seconds, until.
	KindRestStart = "rest_start"
	// KindRestEnd: outcome.
	KindRestEnd = "rest_end"

	// KindReady and KindDown: service, error.
	KindReady = "ready"
	KindDown  = "down"

	// KindDataChange: path, op.
	KindDataChange = "data_change"
	// KindNote: text.
	KindNote = "note"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// DefaultHistory is the number of recent events a bus keeps.
const DefaultHistory = 100

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a slow subscriber misses events rather than
// blocking publishers. The most recent events are retained so new
// subscribers can catch up.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event

	histMu  sync.Mutex
	history []Event
	next    int
	full    bool
	now     func() time.Time
}

// New returns a bus that keeps the last DefaultHistory events.
func New() *Bus {
	return NewWithHistory(DefaultHistory)
}

// NewWithHistory returns a bus that keeps the last n events. n <= 0
// disables history.
func NewWithHistory(n int) *Bus {
	if n < 0 {
		n = 0
	}
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		history:    make([]Event, n),
		now:        time.Now,
	}
}

// Publish sends e to all subscribers and records it in the history. A
// zero Timestamp is set to the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.remember(e)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

func (b *Bus) remember(e Event) {
	if len(b.history) == 0 {
		return
	}
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history[b.next] = e
	b.next = (b.next + 1) % len(b.history)
	if b.next == 0 {
		b.full = true
	}
}

// Recent returns up to n retained events, oldest first.
func (b *Bus) Recent(n int) []Event {
	if b == nil || len(b.history) == 0 || n <= 0 {
		return nil
	}
	b.histMu.Lock()
	defer b.histMu.Unlock()

	var ordered []Event
	if b.full {
		ordered = append(ordered, b.history[b.next:]...)
	}
	ordered = append(ordered, b.history[:b.next]...)
	if len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Subscribe returns a channel receiving published events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
