// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrTaskPanic is wrapped by the error of a task that panicked.
var ErrTaskPanic = errors.New("worker: task panicked")

// Task is a handle to a single function running under a Worker.
type Task struct {
	name   string
	doneCh chan struct{}
	err    error
}

func newTask(name string) *Task {
	return &Task{
		name:   name,
		doneCh: make(chan struct{}),
	}
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.doneCh)
}

// Name returns the name the task was spawned with.
func (t *Task) Name() string {
	return t.name
}

// Done returns a channel that is closed once the task has returned.
func (t *Task) Done() <-chan struct{} {
	return t.doneCh
}

// Wait blocks until the task returns and yields its error.
func (t *Task) Wait() error {
	<-t.doneCh
	return t.err
}

// Err returns the task's error, or nil if it is still running or succeeded.
func (t *Task) Err() error {
	select {
	case <-t.doneCh:
		return t.err
	default:
		return nil
	}
}

// Run starts fn on its own Go routine and returns its Task.  A panic in fn
// is recovered and reported as the task's error.
func Run(name string, fn func() error) *Task {
	t := newTask(name)
	go t.run(fn)
	return t
}

func (t *Task) run(fn func() error) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrTaskPanic, t.name, r)
		}
		t.finish(err)
	}()
	err = fn()
}

// Group joins a set of tasks.  The zero value is ready to use.
type Group struct {
	sync.Mutex

	g     errgroup.Group
	tasks []*Task
}

// Add adds tasks to the group.
func (g *Group) Add(tasks ...*Task) {
	g.Lock()
	defer g.Unlock()
	for _, t := range tasks {
		g.tasks = append(g.tasks, t)
		g.g.Go(func() error {
			if err := t.Wait(); err != nil {
				return fmt.Errorf("%s: %w", t.name, err)
			}
			return nil
		})
	}
}

// Tasks returns the tasks added so far.
func (g *Group) Tasks() []*Task {
	g.Lock()
	defer g.Unlock()
	return append([]*Task(nil), g.tasks...)
}

// Wait blocks until every task returned and yields the first error.
func (g *Group) Wait() error {
	return g.g.Wait()
}

// WaitAll waits for every task and returns the first error.
func WaitAll(tasks ...*Task) error {
	var g Group
	g.Add(tasks...)
	return g.Wait()
}
