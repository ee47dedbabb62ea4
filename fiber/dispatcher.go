// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package fiber

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/internal/base"
	"github.com/cockroachdb/raftcore/internal/bufpool"
)

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// PollTimeout bounds how long the dispatcher goroutine blocks waiting for
	// cross-goroutine tasks when no fiber is ready and no timer is due.
	PollTimeout time.Duration
	// Logger defaults to base.DefaultLogger.
	Logger base.Logger
	// BufPool is shared by the components running on the dispatcher.
	BufPool *bufpool.Pool
}

// EnsureDefaults fills in unset options.
func (o *DispatcherOptions) EnsureDefaults() *DispatcherOptions {
	if o.PollTimeout <= 0 {
		o.PollTimeout = 50 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.BufPool == nil {
		o.BufPool = bufpool.New()
	}
	return o
}

// Dispatcher owns one goroutine that runs every fiber of the groups started
// on it.
type Dispatcher struct {
	name   string
	opts   DispatcherOptions
	logger base.Logger
	queue  *Queue

	started atomic.Bool
	done    chan struct{}

	// The fields below are only accessed by the dispatcher goroutine.
	groups   []*Group
	timers   timerHeap
	timerSeq uint64
	stopping bool
}

// NewDispatcher returns a dispatcher. Call Start to launch its goroutine.
func NewDispatcher(name string, opts DispatcherOptions) *Dispatcher {
	opts.EnsureDefaults()
	return &Dispatcher{
		name:   name,
		opts:   opts,
		logger: opts.Logger,
		queue:  NewQueue(opts.Logger),
		done:   make(chan struct{}),
	}
}

// Name returns the name of the dispatcher.
func (d *Dispatcher) Name() string { return d.name }

// Logger returns the dispatcher's logger.
func (d *Dispatcher) Logger() base.Logger { return d.logger }

// BufPool returns the buffer pool shared by the dispatcher's components.
func (d *Dispatcher) BufPool() *bufpool.Pool { return d.opts.BufPool }

// Queue returns the dispatcher's cross-goroutine task queue.
func (d *Dispatcher) Queue() *Queue { return d.queue }

// Start launches the dispatcher goroutine.
func (d *Dispatcher) Start() error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.Newf("dispatcher %s already started", errors.Safe(d.name))
	}
	go d.run()
	return nil
}

// CreateGroup returns a new group bound to the dispatcher. The group does
// not run until passed to StartGroup.
func (d *Dispatcher) CreateGroup(name string) *Group {
	return newGroup(name, d)
}

// StartGroup adds g to the set of groups run by the dispatcher. Safe to call
// from any goroutine.
func (d *Dispatcher) StartGroup(g *Group) error {
	if g.dispatcher != d {
		return errors.AssertionFailedf("group %s belongs to dispatcher %s", g.name, g.dispatcher.name)
	}
	ok := d.queue.Offer(NewTask("startGroup:"+g.name, nil, false, func() {
		d.groups = append(d.groups, g)
		if d.stopping {
			g.RequestShutdown()
		}
	}))
	if !ok {
		return errors.Newf("dispatcher %s is shut down", errors.Safe(d.name))
	}
	return nil
}

// Stop requests shutdown of every group and waits until the dispatcher
// goroutine has exited or ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.started.Load() {
		return nil
	}
	d.queue.Offer(NewTask("stopDispatcher", nil, false, func() {
		d.stopping = true
		for _, g := range d.groups {
			g.RequestShutdown()
		}
	}))
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "stop dispatcher %s", errors.Safe(d.name))
	}
}

// Done returns a channel closed once the dispatcher goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) run() {
	defer close(d.done)
	d.logger.Infof("dispatcher %s started", d.name)
	for {
		now := crtime.NowMono()
		timeout := d.opts.PollTimeout
		if d.hasReady() {
			timeout = 0
		} else if next, ok := d.nextTimer(now); ok && next < timeout {
			timeout = next
		}
		if t := d.queue.Poll(timeout); t != nil {
			d.runTask(t)
			for _, t := range d.queue.DrainAll() {
				d.runTask(t)
			}
		}
		d.fireTimers(crtime.NowMono())
		for _, g := range d.groups {
			g.runReady()
		}
		d.finishGroups()
		if d.stopping && len(d.groups) == 0 {
			break
		}
	}
	d.queue.Shutdown()
	for _, t := range d.queue.DrainAll() {
		d.runTask(t)
	}
	d.logger.Infof("dispatcher %s stopped", d.name)
}

func (d *Dispatcher) hasReady() bool {
	for _, g := range d.groups {
		if len(g.ready) > 0 {
			return true
		}
	}
	return false
}

func (d *Dispatcher) runTask(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("task %s panicked: %v", t, r)
			if t.owner != nil {
				t.owner.RequestShutdown()
			}
		}
	}()
	t.run()
}

// finishGroups removes the stopping groups that have no live non-daemon
// fiber and no queued task.
func (d *Dispatcher) finishGroups() {
	n := 0
	for _, g := range d.groups {
		if g.ShouldStop() && g.nonDaemon == 0 && d.queue.finishIfIdle(g) {
			g.finish()
			continue
		}
		d.groups[n] = g
		n++
	}
	for i := n; i < len(d.groups); i++ {
		d.groups[i] = nil
	}
	d.groups = d.groups[:n]
}
