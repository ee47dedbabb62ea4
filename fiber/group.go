// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package fiber

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/internal/base"
)

const (
	groupRunning int32 = iota
	groupStopping
	groupFinished
)

// Group is a set of fibers that share state and therefore run on a single
// dispatcher goroutine. A raft group is backed by one Group.
//
// The lifecycle is running -> stopping -> finished. Stopping is requested
// cooperatively through RequestShutdown; the group finishes once no
// non-daemon fiber is alive and no cross-goroutine task for it is queued.
//
// Unless stated otherwise, methods must be called on the dispatcher
// goroutine.
type Group struct {
	name       string
	dispatcher *Dispatcher
	logger     base.Logger

	// state may be read from any goroutine.
	state atomic.Int32

	fibers    map[*Fiber]struct{}
	nonDaemon int
	ready     []*Fiber

	shouldStopCond *Condition
	shutdownCh     chan struct{}
}

func newGroup(name string, d *Dispatcher) *Group {
	g := &Group{
		name:       name,
		dispatcher: d,
		logger:     d.logger,
		fibers:     make(map[*Fiber]struct{}),
		shutdownCh: make(chan struct{}),
	}
	g.shouldStopCond = g.NewCondition(name + "-shouldStop")
	return g
}

// Name returns the name of the group.
func (g *Group) Name() string { return g.name }

// Dispatcher returns the dispatcher running the group.
func (g *Group) Dispatcher() *Dispatcher { return g.dispatcher }

// Logger returns the logger of the group's dispatcher.
func (g *Group) Logger() base.Logger { return g.logger }

// ShouldStop returns true once shutdown has been requested. Safe to call
// from any goroutine.
func (g *Group) ShouldStop() bool { return g.state.Load() >= groupStopping }

// Finished returns true once the group has finished. Safe to call from any
// goroutine.
func (g *Group) Finished() bool { return g.state.Load() == groupFinished }

// ShutdownFuture returns a channel that is closed once the group has
// finished. Safe to call from any goroutine.
func (g *Group) ShutdownFuture() <-chan struct{} { return g.shutdownCh }

// ShouldStopCondition returns the condition signalled when shutdown is
// requested.
func (g *Group) ShouldStopCondition() *Condition { return g.shouldStopCond }

// NewCondition returns a condition bound to the group.
func (g *Group) NewCondition(name string) *Condition {
	return &Condition{name: name, group: g}
}

// Start makes fb runnable. It fails if fb belongs to another group, was
// already started, or if the group has finished.
func (g *Group) Start(fb *Fiber) error {
	switch {
	case fb.group != g:
		return contractViolationf("fiber %s does not belong to group %s", fb.name, g.name)
	case fb.state != fiberCreated:
		return contractViolationf("fiber %s already started", fb)
	case g.Finished():
		return errors.Wrapf(ErrGroupStopped, "start fiber %s", fb)
	}
	g.fibers[fb] = struct{}{}
	if !fb.daemon {
		g.nonDaemon++
	}
	fb.state = fiberReady
	g.makeReady(fb)
	return nil
}

// FireFiber starts a new fiber running frame. Safe to call from any
// goroutine. It returns false if the group is stopping.
func (g *Group) FireFiber(name string, frame Frame) bool {
	return g.dispatcher.queue.Offer(NewTask("fireFiber:"+name, g, true, func() {
		if err := g.Start(NewFiber(name, g, frame)); err != nil {
			g.logger.Warnf("fire fiber %s: %v", name, err)
		}
	}))
}

// RequestShutdown moves a running group to stopping and wakes every fiber
// waiting on the should-stop condition. Running steps and in-flight I/O are
// not interrupted.
func (g *Group) RequestShutdown() {
	if !g.state.CompareAndSwap(groupRunning, groupStopping) {
		return
	}
	g.logger.Infof("request shutdown for group %s", g.name)
	g.shouldStopCond.SignalAll()
}

// FireShutdown posts RequestShutdown to the dispatcher goroutine. Safe to
// call from any goroutine.
func (g *Group) FireShutdown() bool {
	return g.dispatcher.queue.Offer(NewTask("shutdown", g, false, g.RequestShutdown))
}

// Execute runs fn on the dispatcher goroutine. Safe to call from any
// goroutine. Tasks are accepted until the group has finished.
func (g *Group) Execute(fn func()) bool {
	return g.dispatcher.queue.Offer(NewTask("execute", g, false, fn))
}

// ExecuteIfRunning is Execute but rejects fn once the group is stopping.
func (g *Group) ExecuteIfRunning(fn func()) bool {
	return g.dispatcher.queue.Offer(NewTask("execute", g, true, fn))
}

// SleepUntilShouldStop suspends the fiber for d, or until shutdown is
// requested, whichever comes first.
func (g *Group) SleepUntilShouldStop(d time.Duration, resume func() Step) Step {
	if g.ShouldStop() {
		return Then(resume)
	}
	return g.shouldStopCond.await(d, false, func(any) Step { return resume() })
}

func (g *Group) makeReady(fb *Fiber) {
	g.ready = append(g.ready, fb)
}

func (g *Group) removeFiber(fb *Fiber) {
	if _, ok := g.fibers[fb]; !ok {
		return
	}
	delete(g.fibers, fb)
	if !fb.daemon {
		g.nonDaemon--
	}
}

// runReady runs the fibers that were ready when the round started.
// Fibers made ready during the round run in the next one.
func (g *Group) runReady() {
	n := len(g.ready)
	for i := 0; i < n; i++ {
		fb := g.ready[i]
		g.ready[i] = nil
		if fb.state == fiberReady {
			fb.run()
		}
	}
	g.ready = append(g.ready[:0], g.ready[n:]...)
}

func (g *Group) finish() {
	g.logger.Infof("group %s finished", g.name)
	g.ready = nil
	g.fibers = nil
	close(g.shutdownCh)
}
