package order

import "testing"

func TestTaskQueuePriorityThenFIFO(t *testing.T) {
	q := newTaskQueue()
	push := func(id string, p int) { q.Push(&OrderIntent{TaskID: id, Priority: p}) }
	push("a3", 3)
	push("b3", 3)
	push("c8", 8)
	push("d5", 5)
	push("e8", 8)
	push("f3", 3)

	want := []string{"c8", "e8", "d5", "a3", "b3", "f3"}
	for i, id := range want {
		got := q.Pop()
		if got == nil || got.TaskID != id {
			t.Fatalf("pop %d: want %s, got %+v", i, id, got)
		}
	}
	if q.Pop() != nil || q.Len() != 0 {
		t.Fatalf("queue should be empty")
	}
}

func TestTaskQueueRequeueGoesBehindPeers(t *testing.T) {
	q := newTaskQueue()
	first := &OrderIntent{TaskID: "first", Priority: 5}
	q.Push(first)
	q.Push(&OrderIntent{TaskID: "second", Priority: 5})

	got := q.Pop()
	q.Push(got)
	if next := q.Pop(); next.TaskID != "second" {
		t.Fatalf("re-queued task must wait behind earlier equal-priority work, got %s", next.TaskID)
	}
}

func TestTaskQueueReset(t *testing.T) {
	q := newTaskQueue()
	q.Push(&OrderIntent{TaskID: "low", Priority: 1})
	q.Push(&OrderIntent{TaskID: "high", Priority: 9})

	if snap := q.Snapshot(); len(snap) != 2 {
		t.Fatalf("snapshot len %d", len(snap))
	}
	dropped := q.Reset()
	if len(dropped) != 2 || dropped[0].TaskID != "high" || q.Len() != 0 {
		t.Fatalf("unexpected reset result %v len=%d", dropped, q.Len())
	}
	q.Push(&OrderIntent{TaskID: "after", Priority: 1})
	if q.Pop().TaskID != "after" {
		t.Fatalf("queue must be usable after reset")
	}
}
