// Package session holds per-thread runtime state: the applied event buffer,
// results waiting for a transport, and the sweep that expires them.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/tether/internal/metrics"
	"github.com/HyphaGroup/tether/internal/protocol"
)

/*
EVENT BUFFER - APPLIED EVENTS PER THREAD

Every event the engine folds into the assembler is appended here with a
monotonically increasing index. The last index is persisted as the thread's
resume token, so a reattaching engine can ask for "everything after N" and
a history replay can be checked against what was already applied.

    ┌─────────────────────────────────────────────────────────┐
    │ ... [purged] ... │ startIndex │ ev │ ev │ ... │ lastIndex │
    └─────────────────────────────────────────────────────────┘

    - logical index = startIndex + physical offset
    - when full, the oldest event is dropped and startIndex advances
    - After(-1) returns everything buffered
    - After(i) with i < startIndex-1 fails with ErrPurged; the caller
      falls back to a full history fetch

Overflow is counted in tether_event_buffer_drops_total.
*/

// DefaultEventBufferSize bounds each thread's buffer
const DefaultEventBufferSize = 1000

// ErrPurged is returned when the requested index has left the buffer
var ErrPurged = errors.New("events purged")

// BufferedEvent is an applied event and its index
type BufferedEvent struct {
	Index     int            `json:"index"`
	Timestamp time.Time      `json:"timestamp"`
	Event     protocol.Event `json:"-"`
}

// EventBuffer is a bounded ring of applied events for one thread
type EventBuffer struct {
	threadID      string
	events        []*BufferedEvent
	maxSize       int
	startIndex    int
	droppedEvents int64
	mu            sync.RWMutex
}

// BufferStats describes a buffer
type BufferStats struct {
	ThreadID      string `json:"thread_id"`
	CurrentSize   int    `json:"current_size"`
	MaxSize       int    `json:"max_size"`
	StartIndex    int    `json:"start_index"`
	LastIndex     int    `json:"last_index"`
	DroppedEvents int64  `json:"dropped_events"`
}

// NewEventBuffer creates a buffer for threadID
func NewEventBuffer(threadID string, maxSize int) *EventBuffer {
	if maxSize <= 0 {
		maxSize = DefaultEventBufferSize
	}
	return &EventBuffer{
		threadID: threadID,
		events:   make([]*BufferedEvent, 0, maxSize),
		maxSize:  maxSize,
	}
}

// NewEventBufferAt creates a buffer whose first event gets index start, used
// when resuming from a persisted token
func NewEventBufferAt(threadID string, maxSize, start int) *EventBuffer {
	b := NewEventBuffer(threadID, maxSize)
	if start > 0 {
		b.startIndex = start
	}
	return b
}

// Append adds an event and returns its index
func (b *EventBuffer) Append(event protocol.Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	index := b.startIndex + len(b.events)
	be := &BufferedEvent{
		Index:     index,
		Timestamp: time.Now(),
		Event:     event,
	}

	if len(b.events) >= b.maxSize {
		b.events = b.events[1:]
		b.startIndex++
		b.droppedEvents++
		metrics.RecordEventDrop(b.threadID)
	}
	b.events = append(b.events, be)
	return index
}

// After returns events after index (exclusive); -1 returns all buffered
func (b *EventBuffer) After(index int) ([]*BufferedEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if index == -1 {
		result := make([]*BufferedEvent, len(b.events))
		copy(result, b.events)
		return result, nil
	}

	if index < b.startIndex-1 {
		return nil, fmt.Errorf("%w: before index %d (oldest available: %d)", ErrPurged, index, b.startIndex)
	}

	start := index - b.startIndex + 1
	if start < 0 {
		start = 0
	}
	if start >= len(b.events) {
		return []*BufferedEvent{}, nil
	}

	result := make([]*BufferedEvent, len(b.events)-start)
	copy(result, b.events[start:])
	return result, nil
}

// LastIndex returns the newest index, or startIndex-1 when empty
func (b *EventBuffer) LastIndex() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.startIndex + len(b.events) - 1
}

// Len returns the number of buffered events
func (b *EventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

// ThreadID returns the owning thread
func (b *EventBuffer) ThreadID() string {
	return b.threadID
}

// Events returns the buffered events in order
func (b *EventBuffer) Events() []protocol.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]protocol.Event, len(b.events))
	for i, be := range b.events {
		out[i] = be.Event
	}
	return out
}

// Clear drops every event and restarts indexing at 0
func (b *EventBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = make([]*BufferedEvent, 0, b.maxSize)
	b.startIndex = 0
}

// Stats returns buffer statistics
func (b *EventBuffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BufferStats{
		ThreadID:      b.threadID,
		CurrentSize:   len(b.events),
		MaxSize:       b.maxSize,
		StartIndex:    b.startIndex,
		LastIndex:     b.startIndex + len(b.events) - 1,
		DroppedEvents: b.droppedEvents,
	}
}
