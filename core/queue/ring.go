// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package queue

import (
	"sync"
)

// RingBuffer is a bounded FIFO that drops its oldest entry when full.  It
// is safe for concurrent use.
type RingBuffer[T any] struct {
	sync.Mutex

	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a ring buffer holding up to capacity entries.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("queue: ring buffer capacity must be positive")
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry if the buffer is full, and
// returns the new length.
func (r *RingBuffer[T]) Push(v T) int {
	r.Lock()
	defer r.Unlock()

	tail := (r.head + r.count) % len(r.buf)
	r.buf[tail] = v
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
	return r.count
}

// PopOne removes and returns the oldest entry.
func (r *RingBuffer[T]) PopOne() (T, bool) {
	r.Lock()
	defer r.Unlock()

	var zero T
	if r.count == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return v, true
}

// PopOneFunc removes and returns the oldest entry matching fn.
func (r *RingBuffer[T]) PopOneFunc(fn func(T) bool) (T, bool) {
	r.Lock()
	defer r.Unlock()

	var zero T
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % len(r.buf)
		v := r.buf[idx]
		if !fn(v) {
			continue
		}
		// Close the gap by shifting the older entries forward.
		for j := i; j > 0; j-- {
			r.buf[(r.head+j)%len(r.buf)] = r.buf[(r.head+j-1)%len(r.buf)]
		}
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		return v, true
	}
	return zero, false
}

// Find returns, oldest first, every entry matching fn without removing
// them.
func (r *RingBuffer[T]) Find(fn func(T) bool) []T {
	r.Lock()
	defer r.Unlock()

	var found []T
	for i := 0; i < r.count; i++ {
		v := r.buf[(r.head+i)%len(r.buf)]
		if fn(v) {
			found = append(found, v)
		}
	}
	return found
}

// Len returns the number of entries.
func (r *RingBuffer[T]) Len() int {
	r.Lock()
	defer r.Unlock()
	return r.count
}

// Cap returns the capacity.
func (r *RingBuffer[T]) Cap() int {
	return len(r.buf)
}
