package session

import (
	"sync"
	"time"

	"github.com/HyphaGroup/tether/internal/metrics"
	"github.com/HyphaGroup/tether/internal/protocol"
)

// QueuedResult is a tool result produced while its thread had no transport
type QueuedResult struct {
	Result   protocol.ToolResult `json:"result"`
	QueuedAt time.Time           `json:"queued_at"`
}

// ResultQueue holds undelivered tool results per thread
type ResultQueue struct {
	mu      sync.Mutex
	threads map[string][]QueuedResult
	now     func() time.Time
}

// NewResultQueue creates an empty queue
func NewResultQueue() *ResultQueue {
	return &ResultQueue{
		threads: make(map[string][]QueuedResult),
		now:     time.Now,
	}
}

// Enqueue appends a result for threadID. A second result for the same tool
// call replaces the first in place.
func (q *ResultQueue) Enqueue(threadID string, result protocol.ToolResult) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := QueuedResult{Result: result, QueuedAt: q.now()}
	list := q.threads[threadID]
	for i := range list {
		if list[i].Result.ToolCallID == result.ToolCallID {
			list[i] = entry
			return
		}
	}
	q.threads[threadID] = append(list, entry)
	q.report()
}

// Drain removes and returns threadID's results in enqueue order
func (q *ResultQueue) Drain(threadID string) []QueuedResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.threads[threadID]
	delete(q.threads, threadID)
	q.report()
	return list
}

// Len returns the number of results queued for threadID
func (q *ResultQueue) Len(threadID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.threads[threadID])
}

// Total returns the number of results queued across threads
func (q *ResultQueue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total()
}

// Sweep evicts results older than maxAge and returns how many were removed
func (q *ResultQueue) Sweep(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-maxAge)
	removed := 0
	for threadID, list := range q.threads {
		kept := list[:0]
		for _, entry := range list {
			if entry.QueuedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 {
			delete(q.threads, threadID)
		} else {
			q.threads[threadID] = kept
		}
	}
	if removed > 0 {
		q.report()
	}
	return removed
}

func (q *ResultQueue) total() int {
	n := 0
	for _, list := range q.threads {
		n += len(list)
	}
	return n
}

func (q *ResultQueue) report() {
	metrics.SetQueuedResults(float64(q.total()))
}
