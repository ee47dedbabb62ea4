// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package fiber

// Frame is one activation record on a fiber's stack. Implementations embed
// FrameBase and provide Execute, the entry step of the frame.
//
// A Frame value may be reused for a later call once its previous activation
// has been drained (returned or faulted out of). Reusing it earlier, or from
// another fiber, is a fatal contract violation.
type Frame interface {
	Execute() Step
	frameBase() *FrameBase
}

// Handler is implemented by frames that want to intercept faults raised
// while they are on top of the stack. Handle runs at most once per
// activation. Returning a normal step recovers; returning Fail(err)
// rethrows. Frames that do not implement Handler rethrow every fault.
type Handler interface {
	Handle(err error) Step
}

// Finalizer is implemented by frames that need cleanup. Finally runs exactly
// once per activation after the frame returned or faulted, and may itself
// suspend. Its result is discarded; a fault raised by Finally is combined
// with the fault being propagated, if any.
type Finalizer interface {
	Finally() Step
}

type frameState uint8

const (
	frameFresh frameState = iota
	frameInUse
	frameDrained
)

func (s frameState) String() string {
	switch s {
	case frameFresh:
		return "fresh"
	case frameInUse:
		return "in-use"
	case frameDrained:
		return "drained"
	default:
		return "unknown"
	}
}

// FrameBase carries the bookkeeping the dispatcher needs for every frame.
// It must be embedded by value.
type FrameBase struct {
	fiber  *Fiber
	caller Frame
	// resume is where the frame continues once the child it called returns.
	resume func(any) Step
	state  frameState
	// result and err hold the outcome of the frame while Finally runs.
	result        any
	err           error
	handleCalled  bool
	finallyCalled bool
}

func (b *FrameBase) frameBase() *FrameBase { return b }

// Fiber returns the fiber executing the frame. It is nil until the frame
// has been called.
func (b *FrameBase) Fiber() *Fiber { return b.fiber }

// Group returns the group of the fiber executing the frame.
func (b *FrameBase) Group() *Group {
	if b.fiber == nil {
		return nil
	}
	return b.fiber.group
}

// ShouldStop returns true once the group of the executing fiber is stopping.
func (b *FrameBase) ShouldStop() bool {
	g := b.Group()
	return g != nil && g.ShouldStop()
}

// InUse returns true while the frame is on a fiber's stack.
func (b *FrameBase) InUse() bool { return b.state == frameInUse }

func (b *FrameBase) activate(fb *Fiber, caller Frame) error {
	switch {
	case b.state == frameInUse:
		return contractViolationf("fiber %s: frame is still in use", fb.name)
	case b.fiber != nil && b.fiber != fb:
		return contractViolationf("fiber %s: frame belongs to fiber %s", fb.name, b.fiber.name)
	}
	*b = FrameBase{
		fiber:  fb,
		caller: caller,
		state:  frameInUse,
	}
	return nil
}

func (b *FrameBase) drain() {
	b.caller = nil
	b.resume = nil
	b.result = nil
	b.err = nil
	b.state = frameDrained
}

// FrameFunc adapts a function to the Frame interface.
type FrameFunc struct {
	FrameBase
	fn func(b *FrameBase) Step
}

// NewFrameFunc returns a frame that executes fn.
func NewFrameFunc(fn func(b *FrameBase) Step) *FrameFunc {
	return &FrameFunc{fn: fn}
}

// Execute implements Frame.
func (f *FrameFunc) Execute() Step { return f.fn(&f.FrameBase) }

// CompletedFrame returns a frame that immediately returns v.
func CompletedFrame(v any) Frame {
	return NewFrameFunc(func(*FrameBase) Step { return ReturnValue(v) })
}

// VoidCompletedFrame returns a frame that immediately returns.
func VoidCompletedFrame() Frame {
	return NewFrameFunc(func(*FrameBase) Step { return Return() })
}

// FailedFrame returns a frame that immediately raises err.
func FailedFrame(err error) Frame {
	return NewFrameFunc(func(*FrameBase) Step { return Fail(err) })
}
