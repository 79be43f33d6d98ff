package session

import (
	"sort"
	"sync"
)

// Threads indexes the event buffers of every thread seen by this process
type Threads struct {
	buffers map[string]*EventBuffer
	size    int
	mu      sync.RWMutex
}

// NewThreads creates an index whose buffers hold up to size events
func NewThreads(size int) *Threads {
	if size <= 0 {
		size = DefaultEventBufferSize
	}
	return &Threads{
		buffers: make(map[string]*EventBuffer),
		size:    size,
	}
}

// Buffer returns threadID's buffer, creating one whose first index is start
func (t *Threads) Buffer(threadID string, start int) *EventBuffer {
	t.mu.RLock()
	b, ok := t.buffers[threadID]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buffers[threadID]; ok {
		return b
	}
	b = NewEventBufferAt(threadID, t.size, start)
	t.buffers[threadID] = b
	return b
}

// Get returns threadID's buffer if one exists
func (t *Threads) Get(threadID string) (*EventBuffer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.buffers[threadID]
	return b, ok
}

// Remove forgets threadID's buffer
func (t *Threads) Remove(threadID string) {
	t.mu.Lock()
	delete(t.buffers, threadID)
	t.mu.Unlock()
}

// IDs returns the known thread ids, sorted
func (t *Threads) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.buffers))
	for id := range t.buffers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns per-thread buffer statistics
func (t *Threads) Stats() []BufferStats {
	ids := t.IDs()
	out := make([]BufferStats, 0, len(ids))
	for _, id := range ids {
		if b, ok := t.Get(id); ok {
			out = append(out, b.Stats())
		}
	}
	return out
}
