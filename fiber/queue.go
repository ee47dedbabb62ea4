// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package fiber

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/raftcore/internal/base"
)

// Task is a unit of work handed to a dispatcher goroutine from any other
// goroutine. A task is immutable once offered and can be linked into at most
// one queue at a time.
type Task struct {
	name string
	run  func()
	// owner is optional. Tasks for a finished group are always rejected.
	owner *Group
	// failIfGroupStopping rejects the task as soon as the owner starts
	// stopping instead of only once it has finished.
	failIfGroupStopping bool

	next   *Task
	linked bool
}

// NewTask returns a task that runs fn on the dispatcher goroutine.
func NewTask(name string, owner *Group, failIfGroupStopping bool, fn func()) *Task {
	return &Task{
		name:                name,
		run:                 fn,
		owner:               owner,
		failIfGroupStopping: failIfGroupStopping,
	}
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	if t.owner == nil {
		return t.name
	}
	return fmt.Sprintf("%s(group=%s)", t.name, t.owner.name)
}

// Queue is the synchronized FIFO through which other goroutines submit work
// to a dispatcher goroutine.
//
// Offer never blocks. Poll blocks for at most the given timeout and is woken
// as soon as a task is offered to an empty queue.
type Queue struct {
	logger base.Logger

	mu       sync.Mutex
	head     *Task
	tail     *Task
	shutdown bool

	// notify holds at most one pending wakeup.
	notify chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue(logger base.Logger) *Queue {
	if logger == nil {
		logger = base.DefaultLogger
	}
	return &Queue{
		logger: logger,
		notify: make(chan struct{}, 1),
	}
}

// Offer appends t to the queue. It returns false, without queueing, if the
// queue was shut down, if t's owner group has finished, or if t is tagged
// failIfGroupStopping and its owner group is stopping. Offering a task that
// is still linked into a queue is a contract violation and panics.
func (q *Queue) Offer(t *Task) bool {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		q.logger.Warnf("task is not accepted because dispatcher is shutdown: %s", t)
		return false
	}
	if t.linked {
		q.mu.Unlock()
		panic(contractViolationf("fiber: task %s is already in queue", t))
	}
	if g := t.owner; g != nil {
		if g.Finished() {
			q.mu.Unlock()
			q.logger.Warnf("task is not accepted because its group is finished: %s", t)
			return false
		}
		if t.failIfGroupStopping && g.ShouldStop() {
			q.mu.Unlock()
			q.logger.Warnf("task is not accepted because its group is stopping: %s", t)
			return false
		}
	}
	t.linked = true
	wasEmpty := q.head == nil
	if wasEmpty {
		q.head = t
	} else {
		q.tail.next = t
	}
	q.tail = t
	q.mu.Unlock()

	if wasEmpty {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return true
}

func (q *Queue) pollLocked() *Task {
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.next
	if q.head == nil {
		q.tail = nil
	}
	t.next = nil
	t.linked = false
	return t
}

// Poll removes and returns the oldest task, waiting up to timeout for one to
// arrive. It returns nil if the queue is still empty after the timeout.
func (q *Queue) Poll(timeout time.Duration) *Task {
	q.mu.Lock()
	t := q.pollLocked()
	q.mu.Unlock()
	if t != nil || timeout <= 0 {
		return t
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			q.mu.Lock()
			t = q.pollLocked()
			q.mu.Unlock()
			if t != nil {
				return t
			}
		case <-timer.C:
			q.mu.Lock()
			t = q.pollLocked()
			q.mu.Unlock()
			return t
		}
	}
}

// DrainAll removes and returns every queued task in FIFO order. It is atomic
// with respect to concurrent Offer calls.
func (q *Queue) DrainAll() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var tasks []*Task
	for t := q.pollLocked(); t != nil; t = q.pollLocked() {
		tasks = append(tasks, t)
	}
	return tasks
}

// HasTask returns true if a queued task is owned by g.
func (q *Queue) HasTask(g *Group) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for t := q.head; t != nil; t = t.next {
		if t.owner == g {
			return true
		}
	}
	return false
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for t := q.head; t != nil; t = t.next {
		n++
	}
	return n
}

// Shutdown makes every subsequent Offer fail. Tasks already queued stay
// queued and can still be drained.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shutdown = true
}

// finishIfIdle moves a stopping group with no queued task to finished. The
// check and the transition happen under the queue lock so that no task for
// the group can be accepted after the group is seen as idle.
func (q *Queue) finishIfIdle(g *Group) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for t := q.head; t != nil; t = t.next {
		if t.owner == g {
			return false
		}
	}
	return g.state.CompareAndSwap(groupStopping, groupFinished)
}
