package pipeline

import (
	"container/heap"
	"sort"
)

// ActionQueue orders pending actions by (priority, sequence): numerically
// smaller priority first, first-in first-out among equal priorities.
//
// Sequence numbers are assigned on Push and kept on Reinsert, so a looping
// action re-enters at its original position relative to its peers.
type ActionQueue struct {
	h    actionHeap
	next uint64
}

// NewActionQueue returns an empty queue.
func NewActionQueue() *ActionQueue {
	q := &ActionQueue{}
	heap.Init(&q.h)
	return q
}

// Push enqueues a with the given priority and a fresh sequence number.
func (q *ActionQueue) Push(a *Action, priority int) {
	q.next++
	a.Priority = priority
	a.Seq = q.next
	heap.Push(&q.h, a)
}

// PushAll enqueues actions in order, each at its own Priority.
func (q *ActionQueue) PushAll(actions []*Action) {
	for _, a := range actions {
		q.Push(a, a.Priority)
	}
}

// Reinsert re-enqueues an already-dispatched action, keeping its sequence
// number. Actions that were never pushed get a fresh one.
func (q *ActionQueue) Reinsert(a *Action) {
	if a.Seq == 0 {
		q.Push(a, a.Priority)
		return
	}
	heap.Push(&q.h, a)
}

// Pop removes the highest-priority action. ok is false when the queue is empty.
func (q *ActionQueue) Pop() (a *Action, ok bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&q.h).(*Action), true
}

// Len returns the number of pending actions.
func (q *ActionQueue) Len() int { return q.h.Len() }

// Clear drops every pending action.
func (q *ActionQueue) Clear() { q.h = q.h[:0] }

// Pending returns the queued actions in dispatch order without removing them.
func (q *ActionQueue) Pending() []*Action {
	out := make([]*Action, len(q.h))
	copy(out, q.h)
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func less(a, b *Action) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Seq < b.Seq
}

// actionHeap implements heap.Interface.
type actionHeap []*Action

func (h actionHeap) Len() int           { return len(h) }
func (h actionHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h actionHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *actionHeap) Push(x any) { *h = append(*h, x.(*Action)) }

func (h *actionHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
