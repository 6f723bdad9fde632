// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package queue implements a min-heap priority queue and a bounded ring
// buffer.
package queue

import (
	"container/heap"
	"math/rand"
)

// Entry is a PriorityQueue entry.
type Entry[T any] struct {
	Value    T
	Priority uint64
}

// PriorityQueue is a priority queue instance, lowest priority first.  It is
// not safe for concurrent use.
type PriorityQueue[T any] struct {
	heap []*Entry[T]
}

// Less implements sort.Interface Less method
func (q *PriorityQueue[T]) Less(i, j int) bool {
	return q.heap[i].Priority < q.heap[j].Priority
}

// Swap implements sort.Interface Swap method
func (q *PriorityQueue[T]) Swap(i, j int) {
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
}

// Push implements heap.Interface Push method
func (q *PriorityQueue[T]) Push(x any) {
	q.heap = append(q.heap, x.(*Entry[T]))
}

// Pop implements heap.Interface Pop method.  Use Dequeue instead.
func (q *PriorityQueue[T]) Pop() any {
	n := len(q.heap)
	if n == 0 {
		return nil
	}
	e := q.heap[n-1]
	q.heap[n-1] = nil
	q.heap = q.heap[:n-1]
	return e
}

// Peek returns the entry with the lowest priority if any, leaving the
// PriorityQueue unaltered.  Callers MUST NOT alter the Priority of the
// returned entry.
func (q *PriorityQueue[T]) Peek() *Entry[T] {
	if q.Len() == 0 {
		return nil
	}
	return q.heap[0]
}

// Enqueue inserts the provided value into the queue with the specified
// priority.
func (q *PriorityQueue[T]) Enqueue(priority uint64, value T) {
	heap.Push(q, &Entry[T]{
		Value:    value,
		Priority: priority,
	})
}

// Dequeue removes and returns the entry with the lowest priority, or nil.
func (q *PriorityQueue[T]) Dequeue() *Entry[T] {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*Entry[T])
}

// DequeueIndex removes the entry at the given heap index.
func (q *PriorityQueue[T]) DequeueIndex(index int) *Entry[T] {
	if index < 0 || index >= q.Len() {
		return nil
	}
	return heap.Remove(q, index).(*Entry[T])
}

// DequeueRandom removes a random entry from the queue.
func (q *PriorityQueue[T]) DequeueRandom(r *rand.Rand) *Entry[T] {
	if q.Len() == 0 {
		return nil
	}
	return q.DequeueIndex(r.Intn(q.Len()))
}

// RemoveFunc removes every entry for which fn returns true and returns
// the number of removed entries.
func (q *PriorityQueue[T]) RemoveFunc(fn func(*Entry[T]) bool) int {
	kept := q.heap[:0]
	for _, e := range q.heap {
		if !fn(e) {
			kept = append(kept, e)
		}
	}
	n := len(q.heap) - len(kept)
	for i := len(kept); i < len(q.heap); i++ {
		q.heap[i] = nil
	}
	q.heap = kept
	heap.Init(q)
	return n
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue[T]) Len() int {
	return len(q.heap)
}

// New creates a new PriorityQueue.
func New[T any]() *PriorityQueue[T] {
	q := &PriorityQueue[T]{
		heap: make([]*Entry[T], 0),
	}
	heap.Init(q)
	return q
}
