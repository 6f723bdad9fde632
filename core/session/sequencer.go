// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hopr/core/monotime"
	"github.com/katzenpost/hopr/core/queue"
	"github.com/katzenpost/hopr/core/worker"
)

// Sequencer reorders frames by id.  A frame that does not show up within
// the timeout, or while the buffer is full, is reported as discarded and
// skipped.
type Sequencer struct {
	worker.Worker

	log *logging.Logger

	inCh  <-chan *Frame
	outCh chan FrameResult

	buffer      *queue.PriorityQueue[*Frame]
	capacity    int
	timeout     time.Duration
	nextID      FrameID
	lastEmitted time.Duration

	task *worker.Task
}

// NewSequencer starts ordering the frames read from inCh, holding at most
// capacity frames out of order.
func NewSequencer(l *logging.Logger, inCh <-chan *Frame, timeout time.Duration, capacity int) (*Sequencer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: sequencer capacity %d", ErrInvalidCapacity, capacity)
	}
	s := &Sequencer{
		log:         loggerOrDiscard(l, "sequencer"),
		inCh:        inCh,
		outCh:       make(chan FrameResult),
		buffer:      queue.New[*Frame](),
		capacity:    capacity,
		timeout:     timeout,
		nextID:      1,
		lastEmitted: monotime.Now(),
	}
	s.task = s.Spawn("sequencer", s.worker)
	return s, nil
}

// Out returns the channel of ordered frames and discarded frame errors.
func (s *Sequencer) Out() <-chan FrameResult {
	return s.outCh
}

// Task returns the handle of the sequencer's Go routine.
func (s *Sequencer) Task() *worker.Task {
	return s.task
}

func (s *Sequencer) emit(res FrameResult) bool {
	select {
	case s.outCh <- res:
		return true
	case <-s.HaltCh():
		return false
	}
}

func (s *Sequencer) dropStale() {
	for e := s.buffer.Peek(); e != nil && e.Value.FrameID < s.nextID; e = s.buffer.Peek() {
		s.log.Debugf("Dropping duplicate frame %d", e.Value.FrameID)
		s.buffer.Dequeue()
	}
}

func (s *Sequencer) advance() {
	s.nextID++
	s.lastEmitted = monotime.Now()
}

// pop returns the next result to emit, if any.  If force is set a gap at
// the head of the buffer is always reported as a discarded frame.
func (s *Sequencer) pop(force bool) (FrameResult, bool) {
	s.dropStale()
	e := s.buffer.Peek()
	if e == nil {
		return FrameResult{}, false
	}
	if e.Value.FrameID == s.nextID {
		s.buffer.Dequeue()
		s.advance()
		return FrameResult{Frame: e.Value}, true
	}
	if force || monotime.Since(s.lastEmitted) >= s.timeout || s.buffer.Len() >= s.capacity {
		id := s.nextID
		s.advance()
		s.log.Debugf("Discarding frame %d", id)
		return FrameResult{Err: &FrameDiscardedError{FrameID: id}}, true
	}
	return FrameResult{}, false
}

func (s *Sequencer) worker() error {
	defer close(s.outCh)

	ticker := time.NewTicker(s.timeout)
	defer ticker.Stop()

	for {
		for {
			if s.nextID == 0 {
				s.log.Debug("End of frame sequence reached")
				return nil
			}
			res, ok := s.pop(false)
			if !ok {
				break
			}
			if !s.emit(res) {
				return nil
			}
		}

		var timerCh <-chan time.Time
		if s.buffer.Len() > 0 {
			timerCh = ticker.C
		}

		select {
		case <-s.HaltCh():
			return nil
		case <-timerCh:
		case f, ok := <-s.inCh:
			if !ok {
				for s.nextID != 0 {
					res, ok := s.pop(true)
					if !ok {
						break
					}
					if !s.emit(res) {
						return nil
					}
				}
				return nil
			}
			if s.buffer.Len() == 0 {
				s.lastEmitted = monotime.Now()
			}
			if f.FrameID < s.nextID {
				s.log.Errorf("%v: %d", ErrOldFrame, f.FrameID)
				continue
			}
			s.buffer.Enqueue(uint64(f.FrameID), f)
		}
	}
}
