// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package fiber

import (
	"time"

	"github.com/cockroachdb/errors"
)

type waiter struct {
	fb    *Fiber
	id    uint64
	timer *timer
}

func (w *waiter) valid() bool {
	return w.fb.state == fiberWaiting && w.fb.waitID == w.id
}

// Condition lets fibers of one group wait until another fiber of the group
// signals them. All methods must be called on the dispatcher goroutine.
type Condition struct {
	name    string
	group   *Group
	waiters []waiter
}

// Name returns the name of the condition.
func (c *Condition) Name() string { return c.name }

// Signal wakes the longest waiting fiber, if any.
func (c *Condition) Signal() {
	for len(c.waiters) > 0 {
		w := c.waiters[0]
		c.waiters[0] = waiter{}
		c.waiters = c.waiters[1:]
		if c.wakeWaiter(w) {
			return
		}
	}
}

// SignalAll wakes every waiting fiber.
func (c *Condition) SignalAll() {
	waiters := c.waiters
	c.waiters = nil
	for _, w := range waiters {
		c.wakeWaiter(w)
	}
}

func (c *Condition) wakeWaiter(w waiter) bool {
	if !w.valid() {
		return false
	}
	if w.timer != nil {
		c.group.dispatcher.cancelTimer(w.timer)
	}
	return w.fb.wake(w.id, nil, nil)
}

// pruneStale drops waiters whose wait ended through a timeout.
func (c *Condition) pruneStale() {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if w.valid() {
			live = append(live, w)
		}
	}
	for i := len(live); i < len(c.waiters); i++ {
		c.waiters[i] = waiter{}
	}
	c.waiters = live
}

// Await suspends the fiber until the condition is signalled.
func (c *Condition) Await(resume func() Step) Step {
	return c.await(0, false, func(any) Step { return resume() })
}

// AwaitTimeout suspends the fiber until the condition is signalled or d
// elapses. On timeout the fiber resumes with an ErrTimeout fault.
func (c *Condition) AwaitTimeout(d time.Duration, resume func() Step) Step {
	return c.await(d, true, func(any) Step { return resume() })
}

// await parks the fiber on the condition. A positive d arms a timer; when it
// fires the fiber resumes normally, or with ErrTimeout if timeoutErr is set.
func (c *Condition) await(d time.Duration, timeoutErr bool, resume func(any) Step) Step {
	return suspend(func(fb *Fiber, id uint64) error {
		if fb.group != c.group {
			return contractViolationf("fiber %s awaits condition %s of group %s",
				fb, c.name, c.group.name)
		}
		w := waiter{fb: fb, id: id}
		if d > 0 {
			w.timer = fb.group.dispatcher.addTimer(d, func() {
				var err error
				if timeoutErr {
					err = errors.Wrapf(ErrTimeout, "await %s", c.name)
				}
				fb.wake(id, nil, err)
			})
		}
		if len(c.waiters) >= 16 {
			c.pruneStale()
		}
		c.waiters = append(c.waiters, w)
		return nil
	}, resume)
}
