// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTee(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var w Worker
	defer w.Halt()

	in := make(chan int)
	a := make(chan string, 10)
	b := make(chan int)
	w.Go(func() {
		Tee(w.HaltCh(), in, a, strconv.Itoa, b, func(v int) int { return v * 2 })
	})

	go func() {
		for i := 1; i <= 5; i++ {
			in <- i
		}
		close(in)
	}()

	var doubled []int
	for v := range b {
		doubled = append(doubled, v)
	}
	require.Equal([]int{2, 4, 6, 8, 10}, doubled)

	var strs []string
	for v := range a {
		strs = append(strs, v)
	}
	require.Equal([]string{"1", "2", "3", "4", "5"}, strs)
}

func TestTeeNilBranch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	in := make(chan int, 3)
	b := make(chan int, 3)
	in <- 1
	in <- 2
	in <- 3
	close(in)

	Tee[int, int, int](nil, in, nil, nil, b, func(v int) int { return v })

	var got []int
	for v := range b {
		got = append(got, v)
	}
	require.Equal([]int{1, 2, 3}, got)
}
