// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hopr/core/worker"
)

// SocketConfig parameterizes a Socket.
type SocketConfig struct {
	// FrameSize is the number of bytes buffered before a frame is sent.
	FrameSize int

	// FrameTimeout bounds the reassembly and the reordering of frames.
	FrameTimeout time.Duration

	// MaxBufferedSegments is the number of outgoing segments queued before
	// writes block.
	MaxBufferedSegments int

	// Capacity bounds the incomplete and out of order frames.
	Capacity int

	// FlushImmediately sends out a frame after every Write.
	FlushImmediately bool

	// Observer, if set, is told about every delivered or discarded frame.
	Observer FrameObserver
}

// FrameObserver watches the frames a Socket reconstructs.
type FrameObserver interface {
	FrameCompleted(id FrameID)
	FrameDiscarded(id FrameID)
}

// DefaultSocketConfig returns the default socket configuration.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		FrameSize:           1500,
		FrameTimeout:        800 * time.Millisecond,
		MaxBufferedSegments: 0,
		Capacity:            8192,
		FlushImmediately:    false,
	}
}

// Socket is a reliable-ish byte stream on top of a message transport.
// Written bytes are cut into frames and segments, and received segments
// are reassembled and ordered.  Frames that cannot be reconstructed in
// time are skipped.
type Socket struct {
	worker.Worker

	log *logging.Logger
	id  string

	transport io.ReadWriteCloser
	codec     *Codec
	state     SocketState

	segmenter *Segmenter
	outCh     chan Message
	ctlCh     chan Message
	segCh     chan *Segment

	reconstructor *FrameReconstructor
	lastEmitted   atomic.Uint32

	pr *io.PipeReader
	pw *io.PipeWriter

	writer *worker.Task
	tasks  worker.Group

	flushImmediately bool
	observer         FrameObserver
	closeOnce        sync.Once
	closeErr         error
}

// NewSocket creates a socket speaking the session protocol with codec c
// over transport.  If state is nil the socket is stateless: no
// acknowledgements or retransmissions happen.
func NewSocket(l *logging.Logger, id string, transport io.ReadWriteCloser, c *Codec, state SocketState, cfg SocketConfig) (*Socket, error) {
	s := &Socket{
		log:              loggerOrDiscard(l, "socket"),
		id:               id,
		transport:        transport,
		codec:            c,
		state:            state,
		outCh:            make(chan Message, max(1, cfg.MaxBufferedSegments)),
		ctlCh:            make(chan Message, max(1, cfg.Capacity)),
		segCh:            make(chan *Segment),
		flushImmediately: cfg.FlushImmediately,
		observer:         cfg.Observer,
	}
	s.pr, s.pw = io.Pipe()

	frameSize := cfg.FrameSize
	rcfg := &ReconstructorConfig{
		Timeout:  cfg.FrameTimeout,
		Capacity: cfg.Capacity,
	}
	if state != nil {
		// Retransmission requests can only describe the first segments of
		// a frame.
		frameSize = min(frameSize, c.MaxSegmentData()*MaxSegmentsPerFrame)
		rcfg.Inspector = NewFrameInspector(cfg.Capacity)
		ackCh := make(chan FrameID, cfg.Capacity)
		rcfg.AckCh = ackCh
		if err := state.Run(&SocketComponents{Codec: c, Inspector: rcfg.Inspector, CtlCh: s.ctlCh}); err != nil {
			return nil, err
		}
		s.tasks.Add(s.Spawn("acknowledgements", func() error {
			for id := range ackCh {
				if err := state.FrameComplete(id); err != nil {
					s.log.Errorf("%s: frame complete state update failed: %v", s.id, err)
				}
			}
			return nil
		}))
	}

	r, err := NewFrameReconstructor(s.log, s.segCh, rcfg)
	if err != nil {
		if state != nil {
			state.Stop()
		}
		return nil, err
	}
	s.reconstructor = r
	s.tasks.Add(r.Tasks()...)

	s.segmenter = NewSegmenter(c, SegmentSinkFunc(s.sendSegment), frameSize, true)
	s.writer = s.Spawn("writer", s.writeWorker)
	s.tasks.Add(
		s.writer,
		s.Spawn("reader", s.readWorker),
		s.Spawn("delivery", s.deliveryWorker),
	)
	return s, nil
}

// ID returns the session id.
func (s *Socket) ID() string {
	return s.id
}

// FrameSize returns the effective frame size.
func (s *Socket) FrameSize() int {
	return s.segmenter.FrameSize()
}

// Tasks returns the handles of the socket's Go routines.
func (s *Socket) Tasks() []*worker.Task {
	return s.tasks.Tasks()
}

// Wait blocks until every Go routine of the socket returned and yields
// the first error.
func (s *Socket) Wait() error {
	return s.tasks.Wait()
}

func (s *Socket) sendSegment(seg *Segment) error {
	if s.state != nil {
		if err := s.state.SegmentSent(seg); err != nil {
			s.log.Debugf("%s: outgoing segment state update failed: %v", s.id, err)
		}
	}
	select {
	case s.outCh <- seg:
		return nil
	case <-s.writer.Done():
		if err := s.writer.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
}

// Write implements io.Writer.
func (s *Socket) Write(p []byte) (int, error) {
	n, err := s.segmenter.Write(p)
	if err != nil || !s.flushImmediately {
		return n, err
	}
	return n, s.segmenter.Flush()
}

// Flush sends the buffered partial frame.
func (s *Socket) Flush() error {
	return s.segmenter.Flush()
}

// Read implements io.Reader.  It returns io.EOF once the other party
// closed the session.
func (s *Socket) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Close sends the terminating segment and closes the transport.  Data
// that was not flushed is discarded.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		if s.state != nil {
			s.state.Stop()
		}
		err := s.segmenter.Close()
		close(s.outCh)
		if werr := s.writer.Wait(); err == nil {
			err = werr
		}
		if cerr := s.transport.Close(); err == nil {
			err = cerr
		}
		s.pr.Close()
		s.reconstructor.Halt()
		s.Halt()
		s.closeErr = err
	})
	return s.closeErr
}

func (s *Socket) writeWorker() error {
	for {
		var m Message
		select {
		case <-s.HaltCh():
			return nil
		case seg, ok := <-s.outCh:
			if !ok {
				return nil
			}
			m = seg
		case m = <-s.ctlCh:
		}
		b, err := s.codec.Encode(m)
		if err != nil {
			s.log.Errorf("%s: failed to encode message: %v", s.id, err)
			return err
		}
		if _, err := s.transport.Write(b); err != nil {
			s.log.Errorf("%s: failed to write message: %v", s.id, err)
			return err
		}
	}
}

func (s *Socket) readWorker() error {
	defer close(s.segCh)

	buf := make([]byte, 0, 4*s.codec.Capacity())
	rbuf := make([]byte, s.codec.Capacity())
	for {
		n, err := s.transport.Read(rbuf)
		buf = append(buf, rbuf[:n]...)

		msgs, used, derr := s.codec.DecodeAll(buf)
		buf = append(buf[:0], buf[used:]...)
		if derr != nil {
			s.log.Errorf("%s: unparseable message: %v", s.id, derr)
			buf = buf[:0]
		}
		for _, m := range msgs {
			if !s.dispatch(m) {
				return nil
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			s.log.Debugf("%s: transport read failed: %v", s.id, err)
			return err
		}
	}
}

func (s *Socket) dispatch(m Message) bool {
	if s.state != nil {
		var err error
		switch v := m.(type) {
		case *Segment:
			err = s.state.IncomingSegment(v.ID(), v.SeqFlags)
		case *SegmentRequest:
			err = s.state.IncomingRetransmissionRequest(v)
		case *FrameAcknowledgements:
			err = s.state.IncomingAcknowledgedFrames(v)
		}
		if err != nil {
			s.log.Debugf("%s: incoming message state update failed: %v", s.id, err)
		}
	}

	seg, ok := m.(*Segment)
	if !ok || uint32(seg.FrameID) <= s.lastEmitted.Load() {
		return true
	}
	select {
	case s.segCh <- seg:
		return true
	case <-s.HaltCh():
		return false
	}
}

func (s *Socket) deliveryWorker() error {
	terminated := false
	for res := range s.reconstructor.Out() {
		if terminated {
			continue
		}
		if id, ok := IsFrameDiscarded(res.Err); ok {
			s.log.Debugf("%s: frame %d discarded", s.id, id)
			if s.observer != nil {
				s.observer.FrameDiscarded(id)
			}
			if s.state != nil {
				if err := s.state.FrameDiscarded(id); err != nil {
					s.log.Errorf("%s: frame discarded state update failed: %v", s.id, err)
				}
			}
			continue
		}
		if res.Err != nil {
			s.pw.CloseWithError(res.Err)
			return res.Err
		}

		f := res.Frame
		if s.state != nil {
			if err := s.state.FrameEmitted(f.FrameID); err != nil {
				s.log.Errorf("%s: frame emitted state update failed: %v", s.id, err)
			}
		}
		s.lastEmitted.Store(uint32(f.FrameID))
		if s.observer != nil {
			s.observer.FrameCompleted(f.FrameID)
		}
		if len(f.Data) > 0 {
			if _, err := s.pw.Write(f.Data); err != nil {
				// The reading side was closed.
				terminated = true
				continue
			}
		}
		if f.IsTerminating {
			s.log.Warningf("%s: terminating frame received", s.id)
			s.pw.Close()
			terminated = true
		}
	}
	s.pw.Close()
	return nil
}
