// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"sync"
)

// SegmentSink consumes segments.
type SegmentSink interface {
	SendSegment(*Segment) error
}

// SegmentSinkFunc adapts a function to a SegmentSink.
type SegmentSinkFunc func(*Segment) error

// SendSegment implements SegmentSink.
func (f SegmentSinkFunc) SendSegment(s *Segment) error {
	return f(s)
}

// ChannelSink returns a SegmentSink that sends to ch, giving up with
// ErrClosed once haltCh is closed.
func ChannelSink(ch chan<- *Segment, haltCh <-chan interface{}) SegmentSink {
	return SegmentSinkFunc(func(s *Segment) error {
		select {
		case ch <- s:
			return nil
		case <-haltCh:
			return ErrClosed
		}
	})
}

// Segmenter buffers written bytes into frames of a fixed size and emits
// every complete frame as segments to its sink.  Frame ids start at 1.
type Segmenter struct {
	sync.Mutex

	sink        SegmentSink
	frame       []byte
	frameSize   int
	maxSegment  int
	frameID     FrameID
	terminating bool
	closed      bool
}

// NewSegmenter creates a segmenter for messages of the codec's capacity.
// The frame size is clamped between the capacity and the largest frame a
// sequence indicator can describe.  If terminating is set, Close sends a
// TerminatingSegment.
func NewSegmenter(c *Codec, sink SegmentSink, frameSize int, terminating bool) *Segmenter {
	maxSegment := c.MaxSegmentData()
	frameSize = max(c.Capacity(), min(frameSize, maxSegment*MaxSeqLen))
	return &Segmenter{
		sink:        sink,
		frame:       make([]byte, 0, frameSize),
		frameSize:   frameSize,
		maxSegment:  maxSegment,
		frameID:     1,
		terminating: terminating,
	}
}

// FrameSize returns the effective frame size.
func (s *Segmenter) FrameSize() int {
	return s.frameSize
}

// NextFrameID returns the id the next frame will carry.
func (s *Segmenter) NextFrameID() FrameID {
	s.Lock()
	defer s.Unlock()
	return s.frameID
}

// Write implements io.Writer.  Data is only sent out once a frame fills
// up, or on Flush.
func (s *Segmenter) Write(p []byte) (int, error) {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for len(p) > 0 {
		w := min(len(p), s.frameSize-len(s.frame))
		s.frame = append(s.frame, p[:w]...)
		p = p[w:]
		n += w
		if len(s.frame) == s.frameSize {
			if err := s.emit(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// Flush sends out the partially filled frame, if any.
func (s *Segmenter) Flush() error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return ErrClosed
	}
	if len(s.frame) == 0 {
		return nil
	}
	return s.emit()
}

// Close closes the segmenter.  Unflushed data is discarded.
func (s *Segmenter) Close() error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.frame = nil
	if s.terminating {
		return s.sink.SendSegment(TerminatingSegment(s.frameID))
	}
	return nil
}

func (s *Segmenter) emit() error {
	segs, err := Split(s.frame, s.maxSegment, s.frameID)
	if err != nil {
		return err
	}
	s.frame = s.frame[:0]
	s.frameID++
	for _, seg := range segs {
		if err := s.sink.SendSegment(seg); err != nil {
			return err
		}
	}
	return nil
}
