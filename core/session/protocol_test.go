// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testMTU = 462

func newTestCodec(t *testing.T) *Codec {
	c, err := NewCodec(testMTU)
	require.NoError(t, err)
	return c
}

func mustEncode(t *testing.T, c *Codec, m Message) []byte {
	b, err := c.Encode(m)
	require.NoError(t, err)
	return b
}

func TestCodecCapacity(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := NewCodec(SegmentOverhead)
	require.ErrorIs(err, ErrInvalidCapacity)
	_, err = NewCodec(MaxCapacity + 1)
	require.ErrorIs(err, ErrInvalidCapacity)

	c, err := NewCodec(MaxCapacity)
	require.NoError(err)
	require.Equal(1023-SegmentHeaderSize, c.MaxSegmentData())

	c = newTestCodec(t)
	require.Equal(testMTU-SegmentOverhead, c.MaxSegmentData())
	require.Equal((testMTU-HeaderSize)/5, c.MaxRequestEntries())
	require.Equal((testMTU-HeaderSize)/4, c.MaxAckFrames())
	require.Equal(HeaderSize+SegmentHeaderSize, c.MinimumMessageSize())
}

func TestCodecSegment(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	c := newTestCodec(t)

	seg := &Segment{FrameID: 10, SeqIdx: 1, SeqFlags: SeqIndicator(3), Data: []byte("hello world")}
	b := mustEncode(t, c, seg)
	require.Len(b, HeaderSize+SegmentHeaderSize+11)
	require.Equal(byte(Version), b[0])
	require.Equal(byte(TagSegment), b[1])

	m, n, err := c.Decode(b)
	require.NoError(err)
	require.Equal(len(b), n)
	require.Equal(seg, m)

	term := TerminatingSegment(4)
	b = mustEncode(t, c, term)
	require.Len(b, c.MinimumMessageSize())
	m, n, err = c.Decode(b)
	require.NoError(err)
	require.Equal(HeaderSize+SegmentHeaderSize, n)
	require.True(m.(*Segment).SeqFlags.IsTerminating())
	require.Empty(m.(*Segment).Data)

	msgs, n, err := c.DecodeAll(b)
	require.NoError(err)
	require.Len(msgs, 1)
	require.Equal(len(b), n)
}

func TestCodecSegmentBounds(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	c := newTestCodec(t)

	full := &Segment{FrameID: 1, SeqFlags: SeqIndicator(1), Data: make([]byte, c.MaxSegmentData())}
	b := mustEncode(t, c, full)
	require.Len(b, c.Capacity())

	full.Data = append(full.Data, 0)
	_, err := c.Encode(full)
	require.ErrorIs(err, ErrInvalidSegment)

	// A body that fits the wire format but not this codec.
	big, err := NewCodec(MaxCapacity)
	require.NoError(err)
	b = mustEncode(t, big, &Segment{FrameID: 1, SeqFlags: SeqIndicator(1), Data: make([]byte, c.MaxSegmentData()+1)})
	_, n, err := c.Decode(b)
	require.ErrorIs(err, ErrIncorrectMessageLength)
	require.Zero(n)
	_, _, err = big.Decode(b)
	require.NoError(err)
}

func TestCodecRequest(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	c := newTestCodec(t)

	req := NewSegmentRequest(
		FrameInfo{FrameID: 7, Missing: 0b10100000},
		FrameInfo{FrameID: 2, Missing: 0b01000000},
		FrameInfo{FrameID: 9, Missing: 0},
	)
	require.Equal(3, req.Len())
	require.Equal([]FrameID{2, 7}, req.FrameIDs())
	require.Equal([]SegmentID{{2, 1}, {7, 0}, {7, 2}}, req.SegmentIDs())

	b := mustEncode(t, c, req)
	require.Len(b, testMTU)

	m, n, err := c.Decode(b)
	require.NoError(err)
	require.Equal(testMTU, n)
	got := m.(*SegmentRequest)
	require.Equal(req.FrameIDs(), got.FrameIDs())
	require.Equal(MissingSegments(0b10100000), got.Missing(7))

	// Requests beyond the capacity are truncated.
	var frames []FrameInfo
	for i := 1; i <= c.MaxRequestEntries()+10; i++ {
		frames = append(frames, FrameInfo{FrameID: FrameID(i), Missing: 0x80})
	}
	m, _, err = c.Decode(mustEncode(t, c, NewSegmentRequest(frames...)))
	require.NoError(err)
	require.Len(m.(*SegmentRequest).FrameIDs(), c.MaxRequestEntries())
	require.Len(c.NewSegmentRequest(frames).FrameIDs(), c.MaxRequestEntries())
}

func TestCodecAcknowledgements(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	c := newTestCodec(t)

	a := c.NewAcknowledgements()
	require.True(a.Push(3))
	require.True(a.Push(1))
	require.False(a.Push(3))
	require.False(a.Push(0))
	require.True(a.Push(2))
	require.Equal([]FrameID{1, 2, 3}, a.FrameIDs())

	m, n, err := c.Decode(mustEncode(t, c, a))
	require.NoError(err)
	require.Equal(testMTU, n)
	require.Equal([]FrameID{1, 2, 3}, m.(*FrameAcknowledgements).FrameIDs())

	ids := make([]FrameID, 0, 2*c.MaxAckFrames()+1)
	for i := 1; i <= cap(ids); i++ {
		ids = append(ids, FrameID(i))
	}
	acks := c.Acknowledgements(ids)
	require.Len(acks, 3)
	require.True(acks[0].IsFull())
	require.Equal(1, acks[2].Len())
	require.False(acks[2].Push(FrameID(cap(ids))))
}

func TestCodecErrors(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	c := newTestCodec(t)

	b := mustEncode(t, c, &Segment{FrameID: 1, SeqFlags: SeqIndicator(1), Data: []byte{1, 2, 3}})

	m, n, err := c.Decode(b[:c.MinimumMessageSize()-1])
	require.NoError(err)
	require.Nil(m)
	require.Zero(n)

	m, n, err = c.Decode(b[:len(b)-1])
	require.NoError(err)
	require.Nil(m)
	require.Zero(n)

	bad := append([]byte{}, b...)
	bad[0] = 2
	_, n, err = c.Decode(bad)
	require.ErrorIs(err, ErrWrongVersion)
	require.Zero(n)

	bad = append([]byte{}, b...)
	bad[2], bad[3] = 0x05, 0xd0
	_, _, err = c.Decode(bad)
	require.ErrorIs(err, ErrIncorrectMessageLength)

	bad = append([]byte{}, b...)
	bad[1] = 3
	_, _, err = c.Decode(bad)
	require.ErrorIs(err, ErrUnknownMessageTag)

	bad = append([]byte{}, b...)
	bad[HeaderSize+3] = 0
	bad[HeaderSize] = 0
	bad[HeaderSize+1] = 0
	bad[HeaderSize+2] = 0
	_, _, err = c.Decode(bad)
	require.ErrorIs(err, ErrInvalidSegment)

	short := mustEncode(t, c, NewSegmentRequest(FrameInfo{FrameID: 1, Missing: 0x80}))
	short[2], short[3] = 0, 8
	_, _, err = c.Decode(short[:HeaderSize+8])
	require.ErrorIs(err, ErrParse)
}

func TestCodecReservedLengthBits(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := newTestCodec(t)
	b := mustEncode(t, c, &Segment{FrameID: 1, SeqFlags: SeqIndicator(1), Data: []byte{1}})

	// 1024 is below the maximum message size, but sets a reserved bit.
	b[2], b[3] = 0x04, 0x00
	_, n, err := c.Decode(b)
	require.ErrorIs(err, ErrParse)
	require.Zero(n)

	b[2] = 0x80
	_, _, err = c.Decode(b)
	require.ErrorIs(err, ErrIncorrectMessageLength)
}

func TestCodecDecodeAll(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	c := newTestCodec(t)

	var b []byte
	segs, err := Split([]byte("a somewhat longer message"), 5, 1)
	require.NoError(err)
	for _, s := range segs {
		b = append(b, mustEncode(t, c, s)...)
	}
	b = append(b, mustEncode(t, c, NewSegmentRequest(FrameInfo{FrameID: 1, Missing: 0x40}))...)

	msgs, n, err := c.DecodeAll(b[:len(b)-1])
	require.NoError(err)
	require.Len(msgs, len(segs))
	require.Less(n, len(b))

	msgs, n, err = c.DecodeAll(b)
	require.NoError(err)
	require.Len(msgs, len(segs)+1)
	require.Equal(len(b), n)
	require.Equal(TagRequest, msgs[len(msgs)-1].Tag())
}
