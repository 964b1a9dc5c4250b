// Package stream maintains per-execution log buffers and fans appended
// lines out to live subscribers. The append path never blocks on a
// subscriber: slow consumers lose their oldest undelivered events, not
// the producer's throughput.
package stream

import "time"

// EventType discriminates items delivered to subscribers
type EventType string

const (
	// EventLine carries one line of process output
	EventLine EventType = "line"
	// EventHeartbeat keeps quiet connections alive; carries the current
	// sequence number as a resumption token
	EventHeartbeat EventType = "heartbeat"
	// EventGap informs a resuming subscriber that lines between its
	// last-seen sequence and the oldest retained line were evicted
	EventGap EventType = "gap"
	// EventComplete is the final event on every stream; after it no
	// further events are delivered
	EventComplete EventType = "complete"
)

// Line is one unit of streamed process output
type Line struct {
	ExecutionID string    `json:"execution_id"`
	Seq         uint64    `json:"seq"`
	Stream      string    `json:"stream"` // "stdout" or "stderr"
	Timestamp   time.Time `json:"timestamp"`
	Text        string    `json:"text"`
}

// Event is one item delivered to a subscriber. Every event carries Seq,
// the highest sequence number assigned so far, so any event doubles as
// a reconnection token.
type Event struct {
	Type      EventType `json:"type"`
	Seq       uint64    `json:"seq"`
	Stream    string    `json:"stream,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text,omitempty"`
	// Status is the terminal execution status, set on complete events
	Status string `json:"status,omitempty"`
	// OldestSeq is the oldest retained sequence number, set on gap events
	OldestSeq uint64 `json:"oldest_seq,omitempty"`
}

// lineEvent converts a buffered line into its delivery event
func lineEvent(l Line) Event {
	return Event{
		Type:      EventLine,
		Seq:       l.Seq,
		Stream:    l.Stream,
		Timestamp: l.Timestamp,
		Text:      l.Text,
	}
}
