// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSeed = 0x0d8a471f1c20490a

func testFrames(t *testing.T, n, size int) []*Frame {
	frames := make([]*Frame, 0, n)
	for i := 1; i <= n; i++ {
		frames = append(frames, &Frame{FrameID: FrameID(i), Data: randomBytes(t, size)})
	}
	return frames
}

func shuffledSegments(t *testing.T, frames []*Frame, segSize int, drop func(*Segment) bool) []*Segment {
	var segs []*Segment
	for _, f := range frames {
		s, err := f.Segment(segSize)
		require.NoError(t, err)
		for _, seg := range s {
			if drop == nil || !drop(seg) {
				segs = append(segs, seg)
			}
		}
	}
	rand.New(rand.NewSource(testSeed)).Shuffle(len(segs), func(i, j int) { segs[i], segs[j] = segs[j], segs[i] })
	return segs
}

func collectResults(t *testing.T, ch <-chan FrameResult, timeout time.Duration) []FrameResult {
	var results []FrameResult
	deadline := time.After(timeout)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return results
			}
			results = append(results, r)
		case <-deadline:
			require.FailNow(t, "timed out collecting results")
		}
	}
}

func resultID(r FrameResult) FrameID {
	if r.Frame != nil {
		return r.Frame.FrameID
	}
	id, _ := IsFrameDiscarded(r.Err)
	return id
}

func feed(segs []*Segment) <-chan *Segment {
	ch := make(chan *Segment)
	go func() {
		for _, s := range segs {
			ch <- s
		}
		close(ch)
	}()
	return ch
}

func TestReassemblerReassemblesFrames(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	expected := testFrames(t, 10, 100)
	r := NewReassembler(nil, feed(shuffledSegments(t, expected, 22, nil)), 5*time.Second, 1024, nil)
	defer r.Halt()

	results := collectResults(t, r.Out(), 5*time.Second)
	require.Len(results, len(expected))
	sort.Slice(results, func(i, j int) bool { return resultID(results[i]) < resultID(results[j]) })
	for i, res := range results {
		require.NoError(res.Err)
		require.Equal(expected[i], res.Frame)
	}
	require.NoError(r.Task().Wait())
}

func TestReassemblerDiscardsExpiredFrames(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	expected := testFrames(t, 10, 100)
	segs := shuffledSegments(t, expected, 22, func(s *Segment) bool {
		return s.FrameID == 2 && s.SeqIdx == 1
	})

	inCh := make(chan *Segment)
	r := NewReassembler(nil, inCh, 45*time.Millisecond, 1024, nil)
	defer r.Halt()

	go func() {
		for _, s := range segs {
			inCh <- s
		}
	}()

	var results []FrameResult
	for range expected {
		select {
		case res := <-r.Out():
			results = append(results, res)
		case <-time.After(5 * time.Second):
			require.FailNow("timed out")
		}
	}
	close(inCh)
	_, ok := <-r.Out()
	require.False(ok)

	sort.Slice(results, func(i, j int) bool { return resultID(results[i]) < resultID(results[j]) })
	for i, res := range results {
		if i == 1 {
			id, ok := IsFrameDiscarded(res.Err)
			require.True(ok)
			require.Equal(FrameID(2), id)
			continue
		}
		require.NoError(res.Err)
		require.Equal(expected[i], res.Frame)
	}
}

func TestReassemblerDiscardsIncompleteFramesOnClose(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	expected := testFrames(t, 10, 100)
	segs := shuffledSegments(t, expected, 22, func(s *Segment) bool {
		return s.FrameID == 5 && s.SeqIdx == 2
	})

	inspector := NewFrameInspector(16)
	r := NewReassembler(nil, feed(segs), time.Minute, 1024, inspector)
	defer r.Halt()

	results := collectResults(t, r.Out(), 5*time.Second)
	require.Len(results, len(expected))
	sort.Slice(results, func(i, j int) bool { return resultID(results[i]) < resultID(results[j]) })
	for i, res := range results {
		if i == 4 {
			id, ok := IsFrameDiscarded(res.Err)
			require.True(ok)
			require.Equal(FrameID(5), id)
			continue
		}
		require.Equal(expected[i], res.Frame)
	}
	require.Zero(inspector.Len())
}

func TestFrameInspector(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	frames := testFrames(t, 2, 100)
	segs, err := frames[0].Segment(22)
	require.NoError(err)
	other, err := frames[1].Segment(22)
	require.NoError(err)

	inCh := make(chan *Segment)
	inspector := NewFrameInspector(4)
	r := NewReassembler(nil, inCh, time.Minute, 4, inspector)
	defer r.Halt()

	inCh <- segs[0]
	inCh <- segs[3]
	inCh <- other[0]

	require.Eventually(func() bool { return inspector.Len() == 2 }, time.Second, time.Millisecond)
	missing, ok := inspector.MissingSegments(1)
	require.True(ok)
	require.Equal(MissingSegments(0b01101000), missing)
	_, ok = inspector.MissingSegments(3)
	require.False(ok)

	for _, s := range []*Segment{segs[1], segs[2], segs[4]} {
		inCh <- s
	}
	res := <-r.Out()
	require.Equal(frames[0], res.Frame)
	require.Equal(1, inspector.Len())
}
