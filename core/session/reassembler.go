// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"io"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hopr/core/worker"
)

// incompleteFrameRatio sizes the frame maps relative to the configured
// capacity.
const incompleteFrameRatio = 2

// FrameResult is either a completed frame or an error, usually a
// FrameDiscardedError.
type FrameResult struct {
	Frame *Frame
	Err   error
}

type frameMap interface {
	get(FrameID) (*FrameBuilder, bool)
	put(*FrameBuilder)
	remove(FrameID)
	len() int
	retain(func(*FrameBuilder) bool)
}

type plainFrameMap map[FrameID]*FrameBuilder

func (m plainFrameMap) get(id FrameID) (*FrameBuilder, bool) {
	b, ok := m[id]
	return b, ok
}

func (m plainFrameMap) put(b *FrameBuilder) {
	m[b.FrameID()] = b
}

func (m plainFrameMap) remove(id FrameID) {
	delete(m, id)
}

func (m plainFrameMap) len() int {
	return len(m)
}

func (m plainFrameMap) retain(keep func(*FrameBuilder) bool) {
	for id, b := range m {
		if !keep(b) {
			delete(m, id)
		}
	}
}

type lockedFrameMap struct {
	sync.RWMutex
	m plainFrameMap
}

func (l *lockedFrameMap) get(id FrameID) (*FrameBuilder, bool) {
	l.RLock()
	defer l.RUnlock()
	return l.m.get(id)
}

func (l *lockedFrameMap) put(b *FrameBuilder) {
	l.Lock()
	defer l.Unlock()
	l.m.put(b)
}

func (l *lockedFrameMap) remove(id FrameID) {
	l.Lock()
	defer l.Unlock()
	l.m.remove(id)
}

func (l *lockedFrameMap) len() int {
	l.RLock()
	defer l.RUnlock()
	return l.m.len()
}

func (l *lockedFrameMap) retain(keep func(*FrameBuilder) bool) {
	l.Lock()
	defer l.Unlock()
	l.m.retain(keep)
}

// FrameInspector gives read access to the incomplete frames of a
// Reassembler from other Go routines.
type FrameInspector struct {
	frames *lockedFrameMap
}

// NewFrameInspector creates an inspector for a reassembler holding up to
// capacity incomplete frames.
func NewFrameInspector(capacity int) *FrameInspector {
	return &FrameInspector{
		frames: &lockedFrameMap{m: make(plainFrameMap, incompleteFrameRatio*capacity+1)},
	}
}

// MissingSegments returns the missing segments of an incomplete frame.
// It returns false if the frame is not being reassembled.
func (i *FrameInspector) MissingSegments(id FrameID) (MissingSegments, bool) {
	i.frames.RLock()
	defer i.frames.RUnlock()
	b, ok := i.frames.m[id]
	if !ok {
		return 0, false
	}
	return b.Missing(), true
}

// Len returns the number of incomplete frames.
func (i *FrameInspector) Len() int {
	return i.frames.len()
}

// Reassembler collects segments arriving in any order into frames.  Frames
// that receive no segment for the timeout are discarded.
type Reassembler struct {
	worker.Worker

	log *logging.Logger

	inCh  <-chan *Segment
	outCh chan FrameResult

	frames   frameMap
	expired  []FrameID
	timeout  time.Duration
	capacity int

	lastExpiration time.Time
	task           *worker.Task
}

// NewReassembler starts reassembling the segments read from inCh.  The
// output channel is closed after inCh is closed and every incomplete
// frame has been reported as discarded.  If inspector is not nil it is
// used to expose the incomplete frames.
func NewReassembler(l *logging.Logger, inCh <-chan *Segment, timeout time.Duration, capacity int, inspector *FrameInspector) *Reassembler {
	r := &Reassembler{
		log:      loggerOrDiscard(l, "reassembler"),
		inCh:     inCh,
		outCh:    make(chan FrameResult),
		timeout:  timeout,
		capacity: capacity,
	}
	if inspector != nil {
		r.frames = inspector.frames
	} else {
		r.frames = make(plainFrameMap, incompleteFrameRatio*capacity+1)
	}
	r.task = r.Spawn("reassembler", r.worker)
	return r
}

// Out returns the channel of reassembled frames.
func (r *Reassembler) Out() <-chan FrameResult {
	return r.outCh
}

// Task returns the handle of the reassembler's Go routine.
func (r *Reassembler) Task() *worker.Task {
	return r.task
}

func (r *Reassembler) expire() {
	r.frames.retain(func(b *FrameBuilder) bool {
		if b.Age() >= r.timeout {
			r.expired = append(r.expired, b.FrameID())
			return false
		}
		return true
	})
	r.lastExpiration = time.Now()
}

func (r *Reassembler) emit(res FrameResult) bool {
	select {
	case r.outCh <- res:
		return true
	case <-r.HaltCh():
		return false
	}
}

func (r *Reassembler) worker() error {
	defer close(r.outCh)

	ticker := time.NewTicker(r.timeout)
	defer ticker.Stop()

	inCh := r.inCh
	for {
		for len(r.expired) > 0 {
			id := r.expired[len(r.expired)-1]
			r.expired = r.expired[:len(r.expired)-1]
			r.log.Debugf("Discarding frame %d", id)
			if !r.emit(FrameResult{Err: &FrameDiscardedError{FrameID: id}}) {
				return nil
			}
		}
		if inCh == nil {
			return nil
		}

		var timerCh <-chan time.Time
		if r.frames.len() > 0 {
			timerCh = ticker.C
		}
		segCh := inCh
		if r.frames.len() > r.capacity {
			r.log.Warning("Reassembler has reached its capacity")
			segCh = nil
		}

		select {
		case <-r.HaltCh():
			return nil
		case <-timerCh:
			r.expire()
		case s, ok := <-segCh:
			if !ok {
				r.log.Debug("Input closed, dumping incomplete frames")
				r.frames.retain(func(b *FrameBuilder) bool {
					r.expired = append(r.expired, b.FrameID())
					return false
				})
				inCh = nil
				continue
			}
			if f := r.onSegment(s); f != nil {
				if !r.emit(FrameResult{Frame: f}) {
					return nil
				}
			}
			if time.Since(r.lastExpiration) >= r.timeout {
				r.expire()
			}
		}
	}
}

func (r *Reassembler) onSegment(s *Segment) *Frame {
	b, ok := r.frames.get(s.FrameID)
	if ok {
		if err := b.Add(s); err != nil {
			r.log.Errorf("Invalid segment %v: %v", s.ID(), err)
			return nil
		}
	} else {
		b = NewFrameBuilder(s)
	}
	if !b.IsComplete() {
		if !ok {
			r.frames.put(b)
		}
		return nil
	}
	if ok {
		r.frames.remove(s.FrameID)
	}
	f, err := b.Frame()
	if err != nil {
		r.log.Errorf("BUG: complete frame %d failed to build: %v", s.FrameID, err)
		return nil
	}
	return f
}

func loggerOrDiscard(l *logging.Logger, module string) *logging.Logger {
	if l != nil {
		return l
	}
	d := logging.MustGetLogger(module)
	d.SetBackend(logging.AddModuleLevel(logging.NewLogBackend(io.Discard, "", 0)))
	return d
}
