// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package queue

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueue(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	testEntries := []Entry[string]{
		{Value: "That books do not take the place of experience,", Priority: 0},
		{Value: "and that learning is no substitute for genius,", Priority: 1},
		{Value: "are two kindred phenomena;", Priority: 2},
		{Value: "their common ground is that the abstract can never take the place of the perceptive.", Priority: 3},
		{Value: " -- Arthur_Schopenhauer", Priority: 4},
	}

	q := New[string]()
	for i := len(testEntries) - 1; i >= 0; i-- {
		q.Enqueue(testEntries[i].Priority, testEntries[i].Value)
	}
	require.Equal(len(testEntries), q.Len(), "Queue length (full)")

	for i, expected := range testEntries {
		require.Equal(len(testEntries)-i, q.Len(), "Queue length")

		ent := q.Peek()
		require.Equal(expected.Priority, ent.Priority, "Peek(): Priority")

		ent = q.Dequeue()
		require.Equal(expected.Value, ent.Value, "Dequeue(): Value")
		require.Equal(expected.Priority, ent.Priority, "Dequeue(): Priority")
	}

	require.Equal(0, q.Len(), "Queue length (empty)")
	require.Nil(q.Peek(), "Peek() (empty)")
	require.Nil(q.Dequeue(), "Dequeue() (empty)")

	for _, v := range testEntries {
		q.Enqueue(v.Priority, v.Value)
	}
	r := rand.New(rand.NewSource(23))
	for i := 0; i < len(testEntries); i++ {
		require.NotNil(q.DequeueRandom(r))
	}
	require.Equal(0, q.Len(), "Queue length (empty), post-rand test")
	require.Nil(q.DequeueRandom(r))
}

func TestPriorityQueueRemoveFunc(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New[uint32]()
	for _, id := range []uint32{9, 3, 7, 1, 5} {
		q.Enqueue(uint64(id), id)
	}
	n := q.RemoveFunc(func(e *Entry[uint32]) bool { return e.Value%3 == 0 })
	require.Equal(2, n)

	var got []uint32
	for q.Len() > 0 {
		got = append(got, q.Dequeue().Value)
	}
	require.Equal([]uint32{1, 5, 7}, got)
}
