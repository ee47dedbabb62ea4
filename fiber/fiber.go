// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package fiber

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

type fiberState uint8

const (
	fiberCreated fiberState = iota
	fiberReady
	fiberRunning
	fiberWaiting
	fiberDone
)

// Fiber is a cooperative thread of execution made of a stack of frames. It
// belongs to exactly one group and only ever runs on that group's dispatcher
// goroutine.
type Fiber struct {
	name   string
	group  *Group
	daemon bool
	entry  Frame

	state fiberState
	top   Frame
	// waitID identifies the current suspension. It is bumped on every
	// suspension so that stale wakeups (an expired timer racing a signal)
	// are ignored.
	waitID   uint64
	resume   func(any) Step
	input    any
	inputErr error

	err  error
	join *Future[struct{}]
}

// NewFiber returns a fiber of g that runs entry once started. Non-daemon
// fibers keep their group from finishing.
func NewFiber(name string, g *Group, entry Frame) *Fiber {
	return &Fiber{name: name, group: g, entry: entry}
}

// NewDaemonFiber returns a fiber that does not keep its group alive. Daemon
// fibers still suspended when the group finishes are abandoned.
func NewDaemonFiber(name string, g *Group, entry Frame) *Fiber {
	return &Fiber{name: name, group: g, entry: entry, daemon: true}
}

// Name returns the name of the fiber.
func (fb *Fiber) Name() string { return fb.name }

// Group returns the group the fiber belongs to.
func (fb *Fiber) Group() *Group { return fb.group }

// Daemon returns true for daemon fibers.
func (fb *Fiber) Daemon() bool { return fb.daemon }

// Started returns true once the fiber has been handed to Group.Start.
func (fb *Fiber) Started() bool { return fb.state != fiberCreated }

// Finished returns true once the bottom frame of the fiber has been drained.
func (fb *Fiber) Finished() bool { return fb.state == fiberDone }

// Err returns the fault that terminated the fiber, if any.
func (fb *Fiber) Err() error { return fb.err }

// String implements fmt.Stringer.
func (fb *Fiber) String() string {
	return fmt.Sprintf("%s/%s", fb.group.name, fb.name)
}

// Join returns a future that completes when the fiber finishes, failing
// with the fiber's fault if it terminated with one. Must be called on the
// dispatcher goroutine.
func (fb *Fiber) Join() *Future[struct{}] {
	if fb.join == nil {
		fb.join = NewFuture[struct{}](fb.group)
		if fb.state == fiberDone {
			fb.completeJoin()
		}
	}
	return fb.join
}

func (fb *Fiber) completeJoin() {
	if fb.err != nil {
		fb.join.CompleteExceptionally(fb.err)
	} else {
		fb.join.Complete(struct{}{})
	}
}

// wake makes a suspended fiber ready again. It returns false if the fiber
// is no longer suspended on the suspension identified by id.
func (fb *Fiber) wake(id uint64, v any, err error) bool {
	if fb.state != fiberWaiting || fb.waitID != id {
		return false
	}
	fb.state = fiberReady
	fb.input = v
	fb.inputErr = err
	fb.group.makeReady(fb)
	return true
}

// run executes the fiber until it suspends or finishes.
func (fb *Fiber) run() {
	fb.state = fiberRunning
	var s Step
	switch {
	case fb.top == nil:
		s = fb.call(fb.entry, nil)
	case fb.inputErr != nil:
		err := fb.inputErr
		fb.inputErr = nil
		fb.input = nil
		s = fb.fault(err)
	default:
		r, v := fb.resume, fb.input
		fb.resume, fb.input = nil, nil
		s = fb.invoke(func() Step { return r(v) })
	}

	for {
		switch s.kind {
		case stepReturn:
			s = fb.ret(s.value)
		case stepCall:
			s = fb.call(s.child, s.resume)
		case stepResume:
			r, v := s.resume, s.value
			s = fb.invoke(func() Step { return r(v) })
		case stepFail:
			err := s.err
			if err == nil {
				err = contractViolationf("fiber %s: Fail called with nil error", fb)
			}
			s = fb.fault(err)
		case stepSuspend:
			fb.state = fiberWaiting
			fb.waitID++
			fb.resume = s.resume
			if err := s.park(fb, fb.waitID); err != nil {
				fb.state = fiberRunning
				fb.resume = nil
				s = fb.fault(err)
				continue
			}
			return
		case stepExit:
			fb.finish(s.err)
			return
		default:
			s = fb.fault(contractViolationf("fiber %s: frame returned an invalid step", fb))
		}
	}
}

// invoke runs one step of the top frame, converting a panic into a fatal
// fault.
func (fb *Fiber) invoke(fn func() Step) (s Step) {
	defer func() {
		if r := recover(); r != nil {
			var err error
			if e, ok := r.(error); ok {
				err = errors.Wrapf(e, "fiber %s panicked", errors.Safe(fb.name))
			} else {
				err = errors.Newf("fiber %s panicked: %v", errors.Safe(fb.name), r)
			}
			s = Fail(Fatal(err))
		}
	}()
	return fn()
}

// call pushes child onto the stack and runs its entry step. resume is
// where the current top frame continues once child returns.
func (fb *Fiber) call(child Frame, resume func(any) Step) Step {
	if child == nil {
		return fb.failOrExit(contractViolationf("fiber %s: call with nil frame", fb))
	}
	caller := fb.top
	if err := child.frameBase().activate(fb, caller); err != nil {
		return fb.failOrExit(err)
	}
	if caller != nil {
		caller.frameBase().resume = resume
	}
	fb.top = child
	return fb.invoke(child.Execute)
}

// failOrExit raises err in the top frame, or terminates the fiber if the
// stack is empty.
func (fb *Fiber) failOrExit(err error) Step {
	if fb.top == nil {
		return Step{kind: stepExit, err: err}
	}
	return fb.fault(err)
}

// ret finishes the top frame normally, running its Finally first.
func (fb *Fiber) ret(v any) Step {
	f := fb.top
	b := f.frameBase()
	if b.finallyCalled {
		// Returning from Finally: deliver the outcome saved before it ran.
		return fb.pop(b.result, b.err)
	}
	if fin, ok := f.(Finalizer); ok {
		b.finallyCalled = true
		b.result, b.err, b.resume = v, nil, nil
		return fb.invoke(fin.Finally)
	}
	return fb.pop(v, nil)
}

// fault delivers err to the top frame.
func (fb *Fiber) fault(err error) Step {
	f := fb.top
	b := f.frameBase()
	if b.finallyCalled {
		return fb.pop(nil, errors.CombineErrors(b.err, err))
	}
	b.resume = nil
	if !b.handleCalled {
		if h, ok := f.(Handler); ok {
			b.handleCalled = true
			return fb.invoke(func() Step { return h.Handle(err) })
		}
	}
	if fin, ok := f.(Finalizer); ok {
		b.finallyCalled = true
		b.result, b.err = nil, err
		return fb.invoke(fin.Finally)
	}
	return fb.pop(nil, err)
}

// pop drains the top frame and hands its outcome to the caller.
func (fb *Fiber) pop(v any, err error) Step {
	b := fb.top.frameBase()
	caller := b.caller
	b.drain()
	fb.top = caller
	if caller == nil {
		return Step{kind: stepExit, value: v, err: err}
	}
	if err != nil {
		return fb.fault(err)
	}
	cb := caller.frameBase()
	r := cb.resume
	cb.resume = nil
	if r == nil {
		return ReturnValue(v)
	}
	return fb.invoke(func() Step { return r(v) })
}

func (fb *Fiber) finish(err error) {
	fb.state = fiberDone
	fb.err = err
	fb.top = nil
	g := fb.group
	g.removeFiber(fb)
	if err != nil {
		if IsFatal(err) {
			g.logger.Errorf("fiber %s failed with fatal error, shutting down group: %+v", fb, err)
			g.RequestShutdown()
		} else {
			g.logger.Warnf("fiber %s failed: %v", fb, err)
		}
	}
	if fb.join != nil {
		fb.completeJoin()
	}
}
