// Package ready holds the in-memory readiness queue: a min-heap of active
// schedule entries ordered by fire time. The store is the source of truth;
// the queue is a derived cache rebuilt from it at startup.
package ready

import (
	"container/heap"
	"sync"
	"time"

	"remindd/internal/domain"
)

// Entry is a lightweight projection of a schedule record. The dispatcher
// re-reads the full row at pop time, so the entry only carries what ordering
// needs.
type Entry struct {
	ID     int64
	FireAt time.Time
}

// EntryOf projects a record into its queue entry.
func EntryOf(rec domain.Record) Entry {
	return Entry{ID: rec.ID, FireAt: rec.FireAt}
}

// Queue is safe for concurrent use by the admission path and the dispatch
// loop. The lock is scoped to individual push/pop operations, never held
// across a store round-trip or a delivery attempt.
type Queue struct {
	mu sync.Mutex
	h  entryHeap
}

func NewQueue() *Queue { return &Queue{} }

// Rebuild replaces the queue contents wholesale with the given active
// records. Called once at startup after the store scan.
func (q *Queue) Rebuild(recs []domain.Record) {
	entries := make(entryHeap, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, EntryOf(rec))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.h = entries
	heap.Init(&q.h)
}

// Push inserts a new or updated entry, restoring heap order.
func (q *Queue) Push(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, e)
}

// PopMin removes and returns the entry with the earliest fire time.
func (q *Queue) PopMin() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return Entry{}, false
	}
	return heap.Pop(&q.h).(Entry), true
}

// Len reports the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }

// Ties on fire time break by ascending id so pop order is deterministic.
func (h entryHeap) Less(i, j int) bool {
	if h[i].FireAt.Equal(h[j].FireAt) {
		return h[i].ID < h[j].ID
	}
	return h[i].FireAt.Before(h[j].FireAt)
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
