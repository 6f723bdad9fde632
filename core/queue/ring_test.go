// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingBufferDropsOldest(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := NewRingBuffer[int](3)
	require.Equal(1, r.Push(1))
	require.Equal(2, r.Push(2))
	require.Equal(3, r.Push(3))
	require.Equal(3, r.Push(4))

	require.Equal([]int{2, 3, 4}, r.Find(func(int) bool { return true }))

	v, ok := r.PopOne()
	require.True(ok)
	require.Equal(2, v)
	require.Equal(2, r.Len())
}

func TestRingBufferPopOneFunc(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := NewRingBuffer[int](4)
	for i := 1; i <= 6; i++ {
		r.Push(i)
	}

	v, ok := r.PopOneFunc(func(v int) bool { return v%2 == 0 && v > 3 })
	require.True(ok)
	require.Equal(4, v)
	require.Equal([]int{3, 5, 6}, r.Find(func(int) bool { return true }))

	_, ok = r.PopOneFunc(func(v int) bool { return v > 10 })
	require.False(ok)

	r.Push(7)
	r.Push(8)
	require.Equal([]int{5, 6, 7, 8}, r.Find(func(int) bool { return true }))

	for _, want := range []int{5, 6, 7, 8} {
		v, ok := r.PopOne()
		require.True(ok)
		require.Equal(want, v)
	}
	_, ok = r.PopOne()
	require.False(ok)
}
