// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"sync"
	"time"

	"github.com/katzenpost/hopr/core/queue"
	"github.com/katzenpost/hopr/core/worker"
)

// retriedFrame is a frame scheduled for another retry.
type retriedFrame struct {
	frameID    FrameID
	retryCount int
	maxRetries int
}

func newRetriedFrame(id FrameID, maxRetries int) retriedFrame {
	return retriedFrame{frameID: id, retryCount: 1, maxRetries: maxRetries}
}

// next returns the following retry, if any are left.
func (r retriedFrame) next() (retriedFrame, bool) {
	if r.retryCount >= r.maxRetries {
		return r, false
	}
	r.retryCount++
	return r, true
}

type timerEntry struct {
	frame retriedFrame
	gen   uint64
}

// timerQueue calls action for every frame whose deadline passed.  Pushing
// a frame that is already scheduled is a no-op, and Skip cancels it.
type timerQueue struct {
	worker.Worker

	sync.Mutex
	queue   *queue.PriorityQueue[timerEntry]
	pending map[FrameID]uint64
	gen     uint64

	action func(retriedFrame)
	wakeCh chan struct{}
}

func newTimerQueue(action func(retriedFrame)) *timerQueue {
	return &timerQueue{
		queue:   queue.New[timerEntry](),
		pending: make(map[FrameID]uint64),
		action:  action,
		wakeCh:  make(chan struct{}, 1),
	}
}

func (t *timerQueue) start() {
	t.Go(t.worker)
}

// Push schedules f at the given time.
func (t *timerQueue) Push(f retriedFrame, at time.Time) {
	t.Lock()
	if _, ok := t.pending[f.frameID]; ok {
		t.Unlock()
		return
	}
	t.gen++
	t.pending[f.frameID] = t.gen
	t.queue.Enqueue(uint64(at.UnixNano()), timerEntry{frame: f, gen: t.gen})
	t.Unlock()
	t.wakeup()
}

// Skip cancels the scheduled retry of a frame.
func (t *timerQueue) Skip(id FrameID) {
	t.Lock()
	defer t.Unlock()
	delete(t.pending, id)
}

// Len returns the number of scheduled frames.
func (t *timerQueue) Len() int {
	t.Lock()
	defer t.Unlock()
	return len(t.pending)
}

func (t *timerQueue) wakeup() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

// popDue returns the earliest live entry if it is due, or how long to
// wait for it.
func (t *timerQueue) popDue() (retriedFrame, time.Duration, bool) {
	t.Lock()
	defer t.Unlock()

	for {
		e := t.queue.Peek()
		if e == nil {
			return retriedFrame{}, -1, false
		}
		if gen, ok := t.pending[e.Value.frame.frameID]; !ok || gen != e.Value.gen {
			t.queue.Dequeue()
			continue
		}
		timeLeft := time.Duration(int64(e.Priority) - time.Now().UnixNano())
		if timeLeft > 0 {
			return retriedFrame{}, timeLeft, false
		}
		t.queue.Dequeue()
		delete(t.pending, e.Value.frame.frameID)
		return e.Value.frame, 0, true
	}
}

func (t *timerQueue) worker() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		f, timeLeft, due := t.popDue()
		if due {
			t.action(f)
			continue
		}

		var c <-chan time.Time
		if timeLeft >= 0 {
			timer.Reset(timeLeft)
			c = timer.C
		}
		select {
		case <-t.HaltCh():
			return
		case <-c:
		case <-t.wakeCh:
			timer.Stop()
		}
	}
}
