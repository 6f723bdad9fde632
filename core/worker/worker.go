// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides background worker tasks.
package worker

import (
	"sync"
)

// Worker is a set of managed background go routines.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once

	haltCh chan interface{}
}

// Go executes the function fn in a new Go routine.  Multiple Go routines may
// be started under the same Worker.  It is the function's responsibility to
// monitor the channel returned by `Worker.HaltCh()` and to return.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Spawn is like Go, but for functions that can fail.  The returned Task
// reports the function's result, including a recovered panic.
func (w *Worker) Spawn(name string, fn func() error) *Task {
	t := newTask(name)
	w.Go(func() {
		t.run(fn)
	})
	return t
}

// Halt signals all Go routines started under a Worker to terminate, and waits
// till all go routines have returned.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	select {
	case <-w.haltCh:
	default:
		close(w.haltCh)
	}
	w.Wait()
}

// HaltCh returns the channel that will be closed on a call to Halt.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
}
