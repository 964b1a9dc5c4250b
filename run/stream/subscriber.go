package stream

import (
	"sync"

	"github.com/google/uuid"
)

// Subscriber is one live viewer of an execution's stream. Events are
// consumed from Events(); the channel is closed when the subscriber is
// detached or the execution is swept.
type Subscriber struct {
	ID          string
	ExecutionID string

	ch        chan Event
	closeOnce sync.Once // Prevents double-close panics on repeated Detach
}

func newSubscriber(executionID string, buffer int) *Subscriber {
	return &Subscriber{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		ch:          make(chan Event, buffer),
	}
}

// Events returns the subscriber's delivery channel
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// deliver pushes an event without ever blocking the producer. If the
// channel is full the oldest undelivered event is dropped to make room;
// backpressure costs the slow subscriber, never the execution.
func (s *Subscriber) deliver(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	// Channel full: drop the oldest undelivered event, then retry once.
	// A concurrent reader may have drained in between, so both selects
	// stay non-blocking.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}

// close closes the delivery channel exactly once
func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}
