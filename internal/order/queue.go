package order

import "container/heap"

// taskQueue orders intents by priority, then by submission sequence so that
// equal-priority tasks dispatch first-in first-out. Not safe for concurrent
// use; the coordinator guards it.
type taskQueue struct {
	items intentHeap
	seq   uint64
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

func (q *taskQueue) Push(t *OrderIntent) {
	q.seq++
	t.seq = q.seq
	heap.Push(&q.items, t)
}

// Pop removes the most urgent intent, or returns nil when empty.
func (q *taskQueue) Pop() *OrderIntent {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*OrderIntent)
}

func (q *taskQueue) Len() int { return len(q.items) }

// Reset swaps in an empty queue and returns what was pending, most urgent first.
func (q *taskQueue) Reset() []*OrderIntent {
	old := q.items
	q.items = nil
	out := make([]*OrderIntent, 0, len(old))
	for len(old) > 0 {
		out = append(out, heap.Pop(&old).(*OrderIntent))
	}
	return out
}

// Snapshot lists pending intents without removing them, in no particular order.
func (q *taskQueue) Snapshot() []OrderIntent {
	out := make([]OrderIntent, len(q.items))
	for i, t := range q.items {
		out[i] = *t
	}
	return out
}

type intentHeap []*OrderIntent

func (h intentHeap) Len() int { return len(h) }

func (h intentHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h intentHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *intentHeap) Push(x any) { *h = append(*h, x.(*OrderIntent)) }

func (h *intentHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
