package engine

import (
	"container/heap"
	"time"
)

// entry is a pending task owned by exactly one store (or the consumer while
// it executes). It is moved between stores by pointer and never copied.
type entry struct {
	task      Task
	submitted time.Time
	attempts  int

	// deadline/seq order the deadline store; seq breaks ties in insertion order.
	deadline time.Time
	seq      uint64

	// run is the in-flight background execution of an async task.
	run *asyncRun
}

// readyQueue is a FIFO of entries due to run now.
type readyQueue struct {
	items []*entry
	head  int
}

func (q *readyQueue) len() int { return len(q.items) - q.head }

func (q *readyQueue) push(e *entry) { q.items = append(q.items, e) }

func (q *readyQueue) pop() (*entry, bool) {
	if q.len() == 0 {
		return nil, false
	}
	e := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	// Reclaim the consumed prefix once it dominates the backing array.
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head >= 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return e, true
}

// drain empties the queue and returns its entries in FIFO order.
func (q *readyQueue) drain() []*entry {
	out := append([]*entry(nil), q.items[q.head:]...)
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	return out
}

// deadlineStore is a min-heap on (deadline, seq). Equal deadlines are kept
// side by side and pop in insertion order.
type deadlineStore struct {
	h   entryHeap
	seq uint64
}

func (d *deadlineStore) len() int { return len(d.h) }

func (d *deadlineStore) push(e *entry, at time.Time) {
	d.seq++
	e.deadline = at
	e.seq = d.seq
	heap.Push(&d.h, e)
}

// popDue removes the earliest entry if its deadline is not after at.
func (d *deadlineStore) popDue(at time.Time) (*entry, bool) {
	if len(d.h) == 0 || d.h[0].deadline.After(at) {
		return nil, false
	}
	return heap.Pop(&d.h).(*entry), true
}

func (d *deadlineStore) popAny() (*entry, bool) {
	if len(d.h) == 0 {
		return nil, false
	}
	return heap.Pop(&d.h).(*entry), true
}

func (d *deadlineStore) next() (time.Time, bool) {
	if len(d.h) == 0 {
		return time.Time{}, false
	}
	return d.h[0].deadline, true
}

// drain empties the store and returns its entries in deadline order.
func (d *deadlineStore) drain() []*entry {
	out := make([]*entry, 0, len(d.h))
	for len(d.h) > 0 {
		out = append(out, heap.Pop(&d.h).(*entry))
	}
	return out
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
