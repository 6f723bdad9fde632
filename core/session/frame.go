// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package session implements the session protocol: a byte stream cut into
// frames and segments, carried over an unreliable message transport, with
// optional acknowledgements and retransmissions.
package session

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/katzenpost/hopr/core/monotime"
)

// FrameID identifies a frame within a session.  0 is never a valid id.
type FrameID uint32

// SegmentID identifies a segment within a session.
type SegmentID struct {
	FrameID FrameID
	SeqIdx  uint8
}

func (s SegmentID) String() string {
	return fmt.Sprintf("seg(%d,%d)", s.FrameID, s.SeqIdx)
}

func (s SegmentID) less(o SegmentID) bool {
	if s.FrameID != o.FrameID {
		return s.FrameID < o.FrameID
	}
	return s.SeqIdx < o.SeqIdx
}

const (
	// MaxSeqLen is the maximum number of segments in a frame.
	MaxSeqLen = 0x3f

	seqLenMask        = 0x3f
	seqReservedBit    = 0x40
	seqTerminatingBit = 0x80
)

// SeqIndicator packs the number of segments of a frame (bits 0-5) and the
// terminating flag (bit 7).  Bit 6 is reserved.
type SeqIndicator uint8

// NewSeqIndicator creates an indicator for a frame of n segments.
func NewSeqIndicator(n int, terminating bool) (SeqIndicator, error) {
	if n < 1 || n > MaxSeqLen {
		return 0, fmt.Errorf("%w: sequence length %d", ErrInvalidSegment, n)
	}
	s := SeqIndicator(n)
	if terminating {
		s |= seqTerminatingBit
	}
	return s, nil
}

// Len returns the number of segments in the frame.
func (s SeqIndicator) Len() uint8 {
	return uint8(s) & seqLenMask
}

// IsTerminating returns true if the frame ends the session.
func (s SeqIndicator) IsTerminating() bool {
	return s&seqTerminatingBit != 0
}

func (s SeqIndicator) String() string {
	if s.IsTerminating() {
		return fmt.Sprintf("%d (terminating)", s.Len())
	}
	return fmt.Sprintf("%d", s.Len())
}

// Segment is one wire sized piece of a frame.
type Segment struct {
	FrameID  FrameID
	SeqIdx   uint8
	SeqFlags SeqIndicator
	Data     []byte
}

// TerminatingSegment returns the empty, single segment frame that tells
// the other party the session is over.
func TerminatingSegment(id FrameID) *Segment {
	return &Segment{
		FrameID:  id,
		SeqFlags: SeqIndicator(1) | seqTerminatingBit,
		Data:     []byte{},
	}
}

// ID returns the segment's identifier.
func (s *Segment) ID() SegmentID {
	return SegmentID{FrameID: s.FrameID, SeqIdx: s.SeqIdx}
}

// Len returns the encoded size of the segment.
func (s *Segment) Len() int {
	return SegmentHeaderSize + len(s.Data)
}

// IsLast returns true for the last segment of a frame.
func (s *Segment) IsLast() bool {
	return s.SeqIdx == s.SeqFlags.Len()-1
}

func (s *Segment) String() string {
	return fmt.Sprintf("segment %v/%v (%d bytes)", s.ID(), s.SeqFlags, len(s.Data))
}

func (s *Segment) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(s.FrameID))
	b = append(b, s.SeqIdx, byte(s.SeqFlags))
	return append(b, s.Data...)
}

// Bytes encodes the segment.
func (s *Segment) Bytes() []byte {
	return s.appendTo(make([]byte, 0, s.Len()))
}

// SegmentFromBytes decodes a segment.  The data is copied.
func SegmentFromBytes(b []byte) (*Segment, error) {
	if len(b) < SegmentHeaderSize {
		return nil, ErrInvalidSegment
	}
	s := &Segment{
		FrameID:  FrameID(binary.BigEndian.Uint32(b[0:4])),
		SeqIdx:   b[4],
		SeqFlags: SeqIndicator(b[5]),
		Data:     append([]byte{}, b[SegmentHeaderSize:]...),
	}
	if s.FrameID == 0 || s.SeqIdx >= s.SeqFlags.Len() || s.SeqFlags&seqReservedBit != 0 {
		return nil, ErrInvalidSegment
	}
	return s, nil
}

// Frame is a unit of application data.
type Frame struct {
	FrameID       FrameID
	Data          []byte
	IsTerminating bool
}

func (f *Frame) String() string {
	const excerpt = 16
	var d string
	if len(f.Data) > excerpt {
		d = hex.EncodeToString(f.Data[:excerpt/2]) + ".." + hex.EncodeToString(f.Data[len(f.Data)-excerpt/2:])
	} else {
		d = hex.EncodeToString(f.Data)
	}
	return fmt.Sprintf("frame %d (%d bytes): %s", f.FrameID, len(f.Data), d)
}

// Segment splits the frame into segments of at most maxSegmentSize bytes.
func (f *Frame) Segment(maxSegmentSize int) ([]*Segment, error) {
	segs, err := Split(f.Data, maxSegmentSize, f.FrameID)
	if err != nil {
		return nil, err
	}
	if f.IsTerminating && len(segs) > 0 {
		last := segs[len(segs)-1]
		last.SeqFlags |= seqTerminatingBit
	}
	return segs, nil
}

// Split chops data into segments of at most maxSegmentSize bytes, all
// tagged with frame id.
func Split(data []byte, maxSegmentSize int, id FrameID) ([]*Segment, error) {
	if id == 0 {
		return nil, ErrInvalidFrameID
	}
	if maxSegmentSize <= 0 {
		return nil, ErrInvalidSegmentSize
	}

	n := (len(data) + maxSegmentSize - 1) / maxSegmentSize
	if n > MaxSeqLen {
		return nil, fmt.Errorf("%w: %d segments", ErrDataTooLong, n)
	}
	segs := make([]*Segment, 0, n)
	for i := 0; i < n; i++ {
		end := min((i+1)*maxSegmentSize, len(data))
		segs = append(segs, &Segment{
			FrameID:  id,
			SeqIdx:   uint8(i),
			SeqFlags: SeqIndicator(n),
			Data:     append([]byte(nil), data[i*maxSegmentSize:end]...),
		})
	}
	return segs, nil
}

// MissingSegments is a bitmap of the missing segments of a frame, segment
// 0 in the most significant bit.  Only the first 8 segments of a frame
// can be described.
type MissingSegments uint8

// Set marks segment i as missing.
func (m *MissingSegments) Set(i uint8) {
	if i < MaxSegmentsPerFrame {
		*m |= 0x80 >> i
	}
}

// IsSet returns true if segment i is missing.
func (m MissingSegments) IsSet(i uint8) bool {
	return i < MaxSegmentsPerFrame && m&(0x80>>i) != 0
}

// Count returns the number of missing segments.
func (m MissingSegments) Count() int {
	n := 0
	for i := uint8(0); i < MaxSegmentsPerFrame; i++ {
		if m.IsSet(i) {
			n++
		}
	}
	return n
}

// Indices returns the missing segment indices in increasing order.
func (m MissingSegments) Indices() []uint8 {
	var r []uint8
	for i := uint8(0); i < MaxSegmentsPerFrame; i++ {
		if m.IsSet(i) {
			r = append(r, i)
		}
	}
	return r
}

// FrameInfo describes an incomplete frame.
type FrameInfo struct {
	FrameID FrameID
	Missing MissingSegments
}

// FrameBuilder collects the segments of one frame.
type FrameBuilder struct {
	segments  []*Segment
	frameID   FrameID
	remaining int
	recvBytes int
	lastRecv  time.Duration
}

// NewFrameBuilder starts a frame from its first received segment, which
// must be valid.
func NewFrameBuilder(s *Segment) *FrameBuilder {
	n := int(s.SeqFlags.Len())
	b := &FrameBuilder{
		segments:  make([]*Segment, n),
		frameID:   s.FrameID,
		remaining: n - 1,
		recvBytes: len(s.Data),
		lastRecv:  monotime.Now(),
	}
	b.segments[s.SeqIdx] = s
	return b
}

// Add adds a segment to the frame.
func (b *FrameBuilder) Add(s *Segment) error {
	idx := int(s.SeqIdx)
	if s.FrameID != b.frameID ||
		idx >= len(b.segments) ||
		int(s.SeqFlags.Len()) != len(b.segments) ||
		b.remaining == 0 ||
		b.segments[idx] != nil {
		return ErrInvalidSegment
	}
	b.recvBytes += len(s.Data)
	b.remaining--
	b.segments[idx] = s
	b.lastRecv = monotime.Now()
	return nil
}

// FrameID returns the id of the frame being built.
func (b *FrameBuilder) FrameID() FrameID {
	return b.frameID
}

// IsComplete returns true once every segment was added.
func (b *FrameBuilder) IsComplete() bool {
	return b.remaining == 0
}

// Age returns the time since the last segment was added.
func (b *FrameBuilder) Age() time.Duration {
	return monotime.Since(b.lastRecv)
}

// Missing returns the bitmap of the segments not received yet.
func (b *FrameBuilder) Missing() MissingSegments {
	var m MissingSegments
	for i, s := range b.segments {
		if i >= MaxSegmentsPerFrame {
			break
		}
		if s == nil {
			m.Set(uint8(i))
		}
	}
	return m
}

// Info returns the FrameInfo of the frame.
func (b *FrameBuilder) Info() FrameInfo {
	return FrameInfo{FrameID: b.frameID, Missing: b.Missing()}
}

// Frame concatenates the segments.  The frame is terminating if any of
// its segments is.
func (b *FrameBuilder) Frame() (*Frame, error) {
	f := &Frame{
		FrameID: b.frameID,
		Data:    make([]byte, 0, b.recvBytes),
	}
	for _, s := range b.segments {
		if s == nil {
			return nil, fmt.Errorf("%w: %d", ErrIncompleteFrame, b.frameID)
		}
		f.Data = append(f.Data, s.Data...)
		f.IsTerminating = f.IsTerminating || s.SeqFlags.IsTerminating()
	}
	return f, nil
}
