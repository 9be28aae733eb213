package frame

import "fmt"

// Buffer is a fixed-time-window ring of frames with strictly increasing
// timestamps. It never holds more than Cap() frames and never holds a
// frame older than the window behind the newest entry.
type Buffer struct {
	frames   []Frame
	head     int // index of oldest entry
	count    int
	duration int64 // window in ms
}

// NewBuffer creates a buffer for a window of durationMs with frames expected
// every intervalMs. Capacity is durationMs/intervalMs + slack.
func NewBuffer(durationMs, intervalMs int64, slack int) *Buffer {
	if intervalMs <= 0 {
		intervalMs = 1
	}
	if slack < 1 {
		slack = 1
	}
	capacity := int(durationMs/intervalMs) + slack
	if capacity < 2 {
		capacity = 2
	}
	return &Buffer{
		frames:   make([]Frame, capacity),
		duration: durationMs,
	}
}

// Push inserts f as the newest entry and evicts everything that aged out of
// the window or exceeds capacity. A frame that is not newer than the current
// newest entry is rejected and the buffer is left unchanged.
func (b *Buffer) Push(f Frame) error {
	if newest, ok := b.Newest(); ok && f.Timestamp <= newest.Timestamp {
		return fmt.Errorf("%w: ts %d <= newest %d", ErrOutOfOrderFrame, f.Timestamp, newest.Timestamp)
	}

	if b.count == len(b.frames) {
		b.dropOldest()
	}
	b.frames[(b.head+b.count)%len(b.frames)] = f
	b.count++

	cutoff := f.Timestamp - b.duration
	for b.count > 1 && b.frames[b.head].Timestamp < cutoff {
		b.dropOldest()
	}
	return nil
}

func (b *Buffer) dropOldest() {
	b.frames[b.head] = Frame{} // release pixels
	b.head = (b.head + 1) % len(b.frames)
	b.count--
}

// Oldest returns the oldest frame still inside the window.
func (b *Buffer) Oldest() (Frame, bool) {
	if b.count == 0 {
		return Frame{}, false
	}
	return b.frames[b.head], true
}

// Newest returns the most recently pushed frame.
func (b *Buffer) Newest() (Frame, bool) {
	if b.count == 0 {
		return Frame{}, false
	}
	return b.frames[(b.head+b.count-1)%len(b.frames)], true
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	return b.count
}

// Cap returns the maximum number of frames the buffer will ever hold.
func (b *Buffer) Cap() int {
	return len(b.frames)
}

// IsEmpty reports whether the buffer holds no frames.
func (b *Buffer) IsEmpty() bool {
	return b.count == 0
}

// Duration returns the window length in milliseconds.
func (b *Buffer) Duration() int64 {
	return b.duration
}

// Clear drops every frame.
func (b *Buffer) Clear() {
	for i := range b.frames {
		b.frames[i] = Frame{}
	}
	b.head = 0
	b.count = 0
}
