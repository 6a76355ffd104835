package queue

import (
	"container/heap"
	"sync"

	"github.com/substratehq/substrate/id"
	"github.com/substratehq/substrate/job"
)

const initialCap = 256

// Entry is one queued job reference.
type Entry struct {
	JobID    id.JobID
	Priority job.Priority

	// seq orders entries within a priority class. Push assigns increasing
	// sequence numbers; PushFront assigns decreasing negative ones, so a
	// re-queued entry sorts before everything pushed normally.
	seq int64
}

// PriorityQueue orders entries by (priority descending, sequence ascending).
// Safe for concurrent use, though the dispatch loop is the only consumer.
type PriorityQueue struct {
	mu       sync.Mutex
	h        entryHeap
	nextSeq  int64
	frontSeq int64
}

// New creates an empty PriorityQueue.
func New() *PriorityQueue {
	q := &PriorityQueue{}
	q.h = make(entryHeap, 0, initialCap)
	heap.Init(&q.h)
	return q
}

// Push inserts a job at the tail of its priority class.
func (q *PriorityQueue) Push(jobID id.JobID, priority job.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSeq++
	heap.Push(&q.h, Entry{JobID: jobID, Priority: priority, seq: q.nextSeq})
}

// PushFront re-inserts a job at the head of its priority class. Used when
// dispatch was denied by admission control: the job keeps its turn.
func (q *PriorityQueue) PushFront(jobID id.JobID, priority job.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.frontSeq--
	heap.Push(&q.h, Entry{JobID: jobID, Priority: priority, seq: q.frontSeq})
}

// Pop removes and returns the highest-priority entry. Returns false when
// the queue is empty.
func (q *PriorityQueue) Pop() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.h.Len() == 0 {
		return Entry{}, false
	}
	return heap.Pop(&q.h).(Entry), true
}

// Len returns the number of queued entries.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// entryHeap is a max-heap on (priority, -seq).
type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, k int) bool {
	if h[i].Priority != h[k].Priority {
		return h[i].Priority > h[k].Priority
	}
	return h[i].seq < h[k].seq
}

func (h entryHeap) Swap(i, k int) { h[i], h[k] = h[k], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(Entry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
