package stream

import "time"

// ringBuffer is a bounded, append-only buffer of log lines. It owns the
// execution's sequence counter: both stdout and stderr draw from the
// same counter, so interleaved appends keep a single total order.
//
// Once full, the oldest line is evicted per append. Eviction is the
// documented lossy-replay boundary: replay across it reports a gap.
type ringBuffer struct {
	lines   []Line
	start   int
	count   int
	nextSeq uint64 // Next sequence number to assign (first line gets 1)
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{
		lines:   make([]Line, capacity),
		nextSeq: 1,
	}
}

// append assigns the next sequence number and stores the line,
// evicting the oldest entry when full
func (b *ringBuffer) append(executionID, streamName, text string, now time.Time) Line {
	line := Line{
		ExecutionID: executionID,
		Seq:         b.nextSeq,
		Stream:      streamName,
		Timestamp:   now,
		Text:        text,
	}
	b.nextSeq++

	idx := (b.start + b.count) % len(b.lines)
	if b.count == len(b.lines) {
		// Full: overwrite the oldest entry
		b.lines[b.start] = line
		b.start = (b.start + 1) % len(b.lines)
	} else {
		b.lines[idx] = line
		b.count++
	}

	return line
}

// currentSeq returns the highest assigned sequence number (0 if none)
func (b *ringBuffer) currentSeq() uint64 {
	return b.nextSeq - 1
}

// oldestSeq returns the oldest retained sequence number (0 if empty)
func (b *ringBuffer) oldestSeq() uint64 {
	if b.count == 0 {
		return 0
	}
	return b.lines[b.start].Seq
}

// replay returns all retained lines with sequence > fromSeq, in order.
// gapped is true when lines in (fromSeq, oldest) were already evicted,
// meaning the replay cannot be gapless.
func (b *ringBuffer) replay(fromSeq uint64) (lines []Line, gapped bool) {
	if b.count == 0 {
		// Nothing retained; a gap exists if lines beyond fromSeq were
		// assigned and already evicted
		return nil, b.currentSeq() > fromSeq
	}

	oldest := b.oldestSeq()
	if fromSeq+1 < oldest {
		gapped = true
	}

	for i := 0; i < b.count; i++ {
		line := b.lines[(b.start+i)%len(b.lines)]
		if line.Seq > fromSeq {
			lines = append(lines, line)
		}
	}
	return lines, gapped
}
