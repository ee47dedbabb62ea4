// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package fiber

import "time"

type stepKind uint8

const (
	stepInvalid stepKind = iota
	stepReturn
	stepCall
	stepResume
	stepFail
	stepSuspend
	// stepExit is produced internally once the bottom frame of a fiber has
	// been drained.
	stepExit
)

// parkFunc registers a suspended fiber with whatever will wake it up. id
// identifies this particular suspension; wakeups carrying a stale id are
// ignored. A non-nil error is delivered to the fiber as a fault instead of
// suspending it.
type parkFunc func(fb *Fiber, id uint64) error

// Step is what a frame returns from each of its execution steps. It tells
// the dispatcher how the fiber continues. The zero Step is invalid.
type Step struct {
	kind   stepKind
	value  any
	err    error
	child  Frame
	resume func(any) Step
	park   parkFunc
}

// Return finishes the current frame without a result.
func Return() Step {
	return Step{kind: stepReturn}
}

// ReturnValue finishes the current frame with result v, which is passed to
// the resume function given by the caller.
func ReturnValue(v any) Step {
	return Step{kind: stepReturn, value: v}
}

// Call runs child on top of the current frame. Once child finishes, resume
// is invoked with its result. A nil resume finishes the current frame with
// child's result. A fault in child is delivered to the current frame instead
// of calling resume.
func Call(child Frame, resume func(any) Step) Step {
	return Step{kind: stepCall, child: child, resume: resume}
}

// CallT is Call with a typed result. A nil result is passed as the zero T.
func CallT[T any](child Frame, resume func(T) Step) Step {
	return Call(child, func(v any) Step {
		t, _ := v.(T)
		return resume(t)
	})
}

// Resume continues the current frame with resume(v) without suspending.
// Unlike calling resume directly it does not grow the goroutine stack, so it
// is the way to loop.
func Resume(v any, resume func(any) Step) Step {
	return Step{kind: stepResume, value: v, resume: resume}
}

// Then continues the current frame with resume() without suspending.
func Then(resume func() Step) Step {
	return Resume(nil, func(any) Step { return resume() })
}

// Fail raises err in the current frame.
func Fail(err error) Step {
	return Step{kind: stepFail, err: err}
}

// Sleep suspends the fiber for at least d.
func Sleep(d time.Duration, resume func() Step) Step {
	return suspend(func(fb *Fiber, id uint64) error {
		fb.group.dispatcher.addTimer(d, func() {
			fb.wake(id, nil, nil)
		})
		return nil
	}, func(any) Step { return resume() })
}

// Yield lets the other ready fibers of the group run before resuming.
func Yield(resume func() Step) Step {
	return suspend(func(fb *Fiber, id uint64) error {
		fb.wake(id, nil, nil)
		return nil
	}, func(any) Step { return resume() })
}

func suspend(park parkFunc, resume func(any) Step) Step {
	return Step{kind: stepSuspend, park: park, resume: resume}
}
