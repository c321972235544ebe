package dispatch

import (
	"container/heap"

	"clawd/internal/events"
)

type queued struct {
	ev  *events.Event
	seq uint64
}

// eventHeap orders by priority, then by submission sequence.
type eventHeap []queued

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].ev.Priority != h[j].ev.Priority {
		return h[i].ev.Priority < h[j].ev.Priority
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = queued{}
	*h = old[:n-1]
	return item
}

// boundedQueue is not safe for concurrent use; the dispatcher guards it.
type boundedQueue struct {
	items    eventHeap
	capacity int
	seq      uint64
}

func newBoundedQueue(capacity int) *boundedQueue {
	return &boundedQueue{capacity: capacity}
}

func (q *boundedQueue) push(ev *events.Event) bool {
	if len(q.items) >= q.capacity {
		return false
	}
	q.seq++
	heap.Push(&q.items, queued{ev: ev, seq: q.seq})
	return true
}

func (q *boundedQueue) pop() (*events.Event, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.items).(queued)
	return item.ev, true
}

func (q *boundedQueue) len() int { return len(q.items) }
