package executor

import (
	"context"
	"sync"
	"time"
)

// EventKind classifies a backend stream event.
type EventKind string

// Stream event kinds.
const (
	EventText     EventKind = "text"
	EventToolCall EventKind = "tool_call"
	EventComplete EventKind = "complete"
)

// Event is one item of a backend's output stream. Text carries a text
// chunk, Tool the name of a tool the agent invoked; Success and Error
// are set on the final complete event.
type Event struct {
	Kind    EventKind
	Text    string
	Tool    string
	Success bool
	Error   string
}

// Stream is a running submission. Events is closed by the backend when
// the run ends. Abort asks the backend to stop; it is idempotent and
// must not block on the consumer.
type Stream interface {
	Events() <-chan Event
	Abort()
}

// Backend is an external code-execution agent. It may be remote and
// slow; the executor treats it as opaque.
type Backend interface {
	Name() string
	Ready(ctx context.Context) bool
	Submit(ctx context.Context, prompt string, timeout time.Duration) (Stream, error)
}

// ChanStream is a channel-backed [Stream] for backend implementations.
// The producer calls Send for each event and Close when finished; Send
// reports false once the consumer has aborted so the producer can stop
// without blocking.
type ChanStream struct {
	events  chan Event
	done    chan struct{}
	onAbort func()
	once    sync.Once
}

// NewChanStream returns a stream whose Abort runs onAbort once. onAbort
// may be nil.
func NewChanStream(onAbort func()) *ChanStream {
	return &ChanStream{
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		onAbort: onAbort,
	}
}

// Events implements [Stream].
func (s *ChanStream) Events() <-chan Event { return s.events }

// Abort implements [Stream].
func (s *ChanStream) Abort() {
	s.once.Do(func() {
		close(s.done)
		if s.onAbort != nil {
			s.onAbort()
		}
	})
}

// Done is closed when the consumer aborts.
func (s *ChanStream) Done() <-chan struct{} { return s.done }

// Send delivers ev to the consumer. It returns false if the stream was
// aborted.
func (s *ChanStream) Send(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Close ends the stream. Only the producer may call it, once.
func (s *ChanStream) Close() { close(s.events) }
