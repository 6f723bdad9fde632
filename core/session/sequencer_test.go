// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func feedFrames(frames []*Frame) <-chan *Frame {
	ch := make(chan *Frame)
	go func() {
		for _, f := range frames {
			ch <- f
		}
		close(ch)
	}()
	return ch
}

func TestSequencerOrdersFrames(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	frames := testFrames(t, 8, 10)
	in := []*Frame{frames[2], frames[0], frames[1], frames[7], frames[4], frames[3], frames[6], frames[5]}

	s, err := NewSequencer(nil, feedFrames(in), 5*time.Second, 16)
	require.NoError(err)
	defer s.Halt()

	results := collectResults(t, s.Out(), 5*time.Second)
	require.Len(results, len(frames))
	for i, res := range results {
		require.NoError(res.Err)
		require.Equal(frames[i], res.Frame)
	}
}

func TestSequencerDiscardsMissingFrameOnTimeout(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	frames := testFrames(t, 6, 10)
	inCh := make(chan *Frame)
	s, err := NewSequencer(nil, inCh, 50*time.Millisecond, 16)
	require.NoError(err)
	defer s.Halt()

	go func() {
		for _, f := range []*Frame{frames[0], frames[2], frames[1], frames[4], frames[5]} {
			inCh <- f
		}
	}()

	var results []FrameResult
	for len(results) < 6 {
		select {
		case res := <-s.Out():
			results = append(results, res)
		case <-time.After(5 * time.Second):
			require.FailNow("timed out")
		}
	}
	for i, res := range results {
		if i == 3 {
			id, ok := IsFrameDiscarded(res.Err)
			require.True(ok)
			require.Equal(FrameID(4), id)
			continue
		}
		require.Equal(frames[i], res.Frame)
	}

	// A late frame is dropped.
	inCh <- frames[3]
	close(inCh)
	_, ok := <-s.Out()
	require.False(ok)
}

func TestSequencerDiscardsWhenFull(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	frames := testFrames(t, 5, 10)
	s, err := NewSequencer(nil, feedFrames(frames[1:]), time.Hour, 2)
	require.NoError(err)
	defer s.Halt()

	results := collectResults(t, s.Out(), 5*time.Second)
	require.Len(results, 5)
	id, ok := IsFrameDiscarded(results[0].Err)
	require.True(ok)
	require.Equal(FrameID(1), id)
	for i := 1; i < 5; i++ {
		require.Equal(frames[i], results[i].Frame)
	}
}

func TestSequencerDrainsOnClose(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	frames := testFrames(t, 6, 10)
	s, err := NewSequencer(nil, feedFrames([]*Frame{frames[5], frames[1], frames[2]}), time.Hour, 16)
	require.NoError(err)
	defer s.Halt()

	results := collectResults(t, s.Out(), 5*time.Second)
	var ids []FrameID
	var discarded []bool
	for _, res := range results {
		ids = append(ids, resultID(res))
		discarded = append(discarded, res.Err != nil)
	}
	require.Equal([]FrameID{1, 2, 3, 4, 5, 6}, ids)
	require.Equal([]bool{true, false, false, true, true, false}, discarded)
}

func TestSequencerInvalidCapacity(t *testing.T) {
	t.Parallel()

	_, err := NewSequencer(nil, make(chan *Frame), time.Second, 0)
	require.ErrorIs(t, err, ErrInvalidCapacity)
}
