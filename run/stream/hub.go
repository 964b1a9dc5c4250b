package stream

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/relay/errors"
)

// ErrUnknownStream is returned when the execution has no live stream
// (never created, or already evicted by the retention sweeper).
var ErrUnknownStream = errors.New("unknown execution stream")

// ErrStreamComplete is returned on appends after the stream was
// finalized. The runner stops producing before the coordinator
// finalizes, so hitting this indicates a lifecycle bug.
var ErrStreamComplete = errors.New("execution stream already complete")

// Hub owns one buffered stream per live execution. It is the single
// entry point for appends (the owning runner) and for attach/detach
// (any number of live viewers).
type Hub struct {
	mu      sync.RWMutex
	streams map[string]*execStream

	bufferLines      int
	subscriberBuffer int
	logger           *zap.SugaredLogger
}

// execStream couples a ring buffer with its attached subscribers.
// Appends and attaches synchronize on mu so that replay-then-live
// switchover never reorders or duplicates a line.
type execStream struct {
	mu       sync.Mutex
	buf      *ringBuffer
	subs     map[*Subscriber]struct{}
	complete bool
	status   string
}

// NewHub creates a broadcast hub. bufferLines bounds each execution's
// ring buffer; subscriberBuffer sizes each subscriber's delivery channel.
func NewHub(bufferLines, subscriberBuffer int, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		streams:          make(map[string]*execStream),
		bufferLines:      bufferLines,
		subscriberBuffer: subscriberBuffer,
		logger:           logger,
	}
}

// Create registers a live stream for an execution. Idempotent.
func (h *Hub) Create(executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.streams[executionID]; exists {
		return
	}
	h.streams[executionID] = &execStream{
		buf:  newRingBuffer(h.bufferLines),
		subs: make(map[*Subscriber]struct{}),
	}
}

func (h *Hub) get(executionID string) *execStream {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.streams[executionID]
}

// Append assigns the next sequence number to one line of output, stores
// it in the ring buffer, and fans it out to every attached subscriber.
// Never blocks on any subscriber.
func (h *Hub) Append(executionID, streamName, text string) (Line, error) {
	es := h.get(executionID)
	if es == nil {
		return Line{}, ErrUnknownStream
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if es.complete {
		return Line{}, ErrStreamComplete
	}

	line := es.buf.append(executionID, streamName, text, time.Now())
	ev := lineEvent(line)
	for sub := range es.subs {
		sub.deliver(ev)
	}

	return line, nil
}

// Attach creates a subscriber for an execution's stream. All retained
// lines with sequence > fromSeq are replayed, in order, before any new
// live line is delivered (pass fromSeq 0 to replay everything
// retained). If lines past fromSeq were already evicted, a gap event
// precedes the replay. Attaching to a completed stream replays and then
// immediately delivers the terminal event.
func (h *Hub) Attach(executionID string, fromSeq uint64) (*Subscriber, error) {
	es := h.get(executionID)
	if es == nil {
		return nil, ErrUnknownStream
	}

	sub := newSubscriber(executionID, h.subscriberBuffer)

	es.mu.Lock()
	defer es.mu.Unlock()

	lines, gapped := es.buf.replay(fromSeq)
	if gapped {
		sub.deliver(Event{
			Type:      EventGap,
			Seq:       es.buf.currentSeq(),
			Timestamp: time.Now(),
			OldestSeq: es.buf.oldestSeq(),
		})
	}
	for _, line := range lines {
		sub.deliver(lineEvent(line))
	}

	if es.complete {
		// Terminal and drained: hand over the final event right away,
		// the subscriber will never go live
		sub.deliver(completeEvent(es.buf.currentSeq(), es.status))
		sub.close()
		return sub, nil
	}

	es.subs[sub] = struct{}{}
	return sub, nil
}

// Detach removes a subscriber and closes its channel. Idempotent; safe
// after the execution completed or was swept.
func (h *Hub) Detach(sub *Subscriber) {
	if sub == nil {
		return
	}
	if es := h.get(sub.ExecutionID); es != nil {
		es.mu.Lock()
		delete(es.subs, sub)
		es.mu.Unlock()
	}
	sub.close()
}

// Complete finalizes a stream: every attached subscriber receives a
// terminal event carrying the execution's final status, then its
// channel is closed. Further appends are rejected.
func (h *Hub) Complete(executionID, status string) {
	es := h.get(executionID)
	if es == nil {
		return
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if es.complete {
		return
	}
	es.complete = true
	es.status = status

	ev := completeEvent(es.buf.currentSeq(), status)
	for sub := range es.subs {
		sub.deliver(ev)
		sub.close()
	}
	es.subs = make(map[*Subscriber]struct{})
}

// Remove evicts an execution's stream from memory. Subscribers still
// attached are force-closed with a terminal event first.
func (h *Hub) Remove(executionID, status string) {
	h.mu.Lock()
	es := h.streams[executionID]
	delete(h.streams, executionID)
	h.mu.Unlock()

	if es == nil {
		return
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.complete {
		es.complete = true
		es.status = status
	}
	ev := completeEvent(es.buf.currentSeq(), es.status)
	for sub := range es.subs {
		sub.deliver(ev)
		sub.close()
	}
	es.subs = nil

	if h.logger != nil {
		h.logger.Debugw("Evicted execution stream", "execution_id", executionID)
	}
}

// CurrentSeq returns the highest sequence number assigned for an
// execution (0 if unknown). Used as the heartbeat resumption token.
func (h *Hub) CurrentSeq(executionID string) uint64 {
	es := h.get(executionID)
	if es == nil {
		return 0
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.buf.currentSeq()
}

// SubscriberCount returns the number of attached subscribers
func (h *Hub) SubscriberCount(executionID string) int {
	es := h.get(executionID)
	if es == nil {
		return 0
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.subs)
}

// StreamCount returns the number of live streams
func (h *Hub) StreamCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

func completeEvent(seq uint64, status string) Event {
	return Event{
		Type:      EventComplete,
		Seq:       seq,
		Timestamp: time.Now(),
		Status:    status,
	}
}
