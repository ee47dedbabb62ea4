// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package raft is the client facing surface of a raft group: admission
// control, linear task submission and lease reads.
package raft

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/fiber"
	"github.com/cockroachdb/raftcore/internal/base"
	"github.com/cockroachdb/raftcore/internal/ioexec"
	"github.com/cockroachdb/raftcore/store"
	"github.com/cockroachdb/raftcore/vfs"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures a group opened with Open.
type Options struct {
	GroupID int
	NodeID  int

	// Config defaults to an empty config with defaults filled in.
	Config *Config

	// FS defaults to vfs.Default.
	FS vfs.FS

	// StateMachine executes committed inputs. Required.
	StateMachine StateMachine

	// Dispatcher runs the group. If nil, the group starts its own and stops
	// it on Close.
	Dispatcher *fiber.Dispatcher

	// Executor runs blocking file I/O. If nil, the group starts one with
	// Config.IOWorkers workers and closes it on Close.
	Executor *ioexec.Executor

	// PendingStat is shared by the groups of a server. If nil, the group
	// gets its own.
	PendingStat *PendingStat

	Logger base.Logger

	// Registerer, if set, receives the metrics of the group.
	Registerer prometheus.Registerer

	logMetrics *store.ChainWriterMetrics
}

// EnsureDefaults fills in unset options.
func (o *Options) EnsureDefaults() *Options {
	if o.Config == nil {
		o.Config = &Config{}
	}
	o.Config.EnsureDefaults()
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.PendingStat == nil {
		o.PendingStat = &PendingStat{}
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	return o
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if o.StateMachine == nil {
		return errors.New("raft: a state machine is required")
	}
	return o.Config.Validate()
}

// Group is a raft group as seen by clients. SubmitLinearTask and
// LeaseReadIndex are safe to call from any goroutine.
type Group struct {
	id     int
	nodeID int
	fg     *fiber.Group
	gate   *Gate
	runner *LinearTaskRunner
	logger base.Logger

	shareStatus atomic.Pointer[ShareStatus]

	mu struct {
		sync.Mutex
		// readyCh is closed while the published status is ready.
		readyCh     chan struct{}
		readyClosed bool
	}

	ownDispatcher *fiber.Dispatcher
	ownExecutor   *ioexec.Executor
}

// Open starts a single-member group: it recovers the status file and the
// raft log from Config.DataDir, replays the log into the state machine and
// becomes leader of a new term. It returns once the group accepts requests.
func Open(ctx context.Context, opts Options) (*Group, error) {
	opts.EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	cfg := opts.Config
	if err := opts.FS.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", cfg.DataDir)
	}

	g := &Group{id: opts.GroupID, nodeID: opts.NodeID, logger: opts.Logger}
	g.mu.readyCh = make(chan struct{})
	g.shareStatus.Store(&ShareStatus{})

	var gateMetrics *GateMetrics
	if opts.Registerer != nil {
		gateMetrics = NewGateMetrics(fmt.Sprint(opts.GroupID))
		opts.logMetrics = store.NewChainWriterMetrics(fmt.Sprintf("raft-log-%d", opts.GroupID))
		if err := errors.CombineErrors(
			gateMetrics.Register(opts.Registerer), opts.logMetrics.Register(opts.Registerer)); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	g.gate = NewGate(opts.PendingStat, cfg.MaxPendingTasks, cfg.MaxPendingBytes, opts.Logger, gateMetrics)

	if opts.Executor == nil {
		opts.Executor = ioexec.New(ioexec.Options{Workers: cfg.IOWorkers, Logger: opts.Logger})
		g.ownExecutor = opts.Executor
	}
	if opts.Dispatcher == nil {
		d := fiber.NewDispatcher(fmt.Sprintf("raft-%d", opts.GroupID), fiber.DispatcherOptions{Logger: opts.Logger})
		if err := d.Start(); err != nil {
			_ = g.closeOwned(ctx)
			return nil, err
		}
		opts.Dispatcher = d
		g.ownDispatcher = d
	}

	g.fg = opts.Dispatcher.CreateGroup(fmt.Sprintf("group-%d", opts.GroupID))
	g.runner = newLinearTaskRunner(g, &opts)
	if err := opts.Dispatcher.StartGroup(g.fg); err != nil {
		_ = g.closeOwned(ctx)
		return nil, err
	}
	initErr := make(chan error, 1)
	if !g.fg.Execute(func() {
		if err := g.runner.start(); err != nil {
			initErr <- err
			g.fg.RequestShutdown()
			return
		}
		g.runner.initDone.RegisterCallback(func(_ struct{}, err error) { initErr <- err })
	}) {
		_ = g.closeOwned(ctx)
		return nil, errInitFailed(opts.GroupID, ErrGroupStopped)
	}
	var err error
	select {
	case err = <-initErr:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		_ = g.Close(ctx)
		return nil, errInitFailed(opts.GroupID, err)
	}
	return g, nil
}

// ID returns the group id.
func (g *Group) ID() int { return g.id }

// Gate returns the admission gate of the group.
func (g *Group) Gate() *Gate { return g.gate }

// FiberGroup returns the fiber group the group runs on.
func (g *Group) FiberGroup() *fiber.Group { return g.fg }

// IsLeader returns true if this member is the leader as currently published.
func (g *Group) IsLeader() bool {
	ss := g.shareStatus.Load()
	return ss.Role == RoleLeader && ss.LeaderID == g.nodeID
}

// ShareStatus returns the last published status.
func (g *Group) ShareStatus() *ShareStatus { return g.shareStatus.Load() }

// PublishShareStatus atomically replaces the status read by client
// goroutines. ss must not be modified afterwards.
func (g *Group) PublishShareStatus(ss *ShareStatus) {
	g.shareStatus.Store(ss)
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case ss.GroupReady && !g.mu.readyClosed:
		close(g.mu.readyCh)
		g.mu.readyClosed = true
	case !ss.GroupReady && g.mu.readyClosed:
		g.mu.readyCh = make(chan struct{})
		g.mu.readyClosed = false
	}
}

func (g *Group) readyCh() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mu.readyCh
}

// SubmitLinearTask submits input for execution in log order. The input is
// released in every outcome. If the group is stopping or the admission gate
// rejects the input, the error is returned and cb is not called. Otherwise
// cb is called exactly once, on the dispatcher goroutine, after the gate
// counters have been released.
func (g *Group) SubmitLinearTask(input *Input, cb Callback) error {
	if input == nil {
		return errors.AssertionFailedf("raft: nil input")
	}
	if g.fg.ShouldStop() {
		input.release()
		return ErrGroupStopped
	}
	release, err := g.gate.Reserve(input.FlowControlSize())
	if err != nil {
		input.release()
		return err
	}
	wrapped := func(index int64, result any, err error) {
		release()
		input.release()
		if cb != nil {
			cb(index, result, err)
		}
	}
	if !g.fg.ExecuteIfRunning(func() { g.runner.submit(input, wrapped) }) {
		release()
		input.release()
		return ErrGroupStopped
	}
	return nil
}

// LeaseReadIndex returns the index up to which the state machine is known
// to reflect every committed entry, for serving a linearizable read without
// going through the log. If the leader is not ready yet it waits until it
// is, or until ctx is done.
func (g *Group) LeaseReadIndex(ctx context.Context) (int64, error) {
	for {
		if g.fg.ShouldStop() {
			return 0, ErrGroupStopped
		}
		ss := g.shareStatus.Load()
		if ss.Role != RoleLeader {
			return 0, &NotLeaderError{LeaderID: ss.LeaderID}
		}
		if ss.GroupReady {
			if crtime.NowMono() > ss.LeaseEnd {
				return 0, &NotLeaderError{LeaderID: ss.LeaderID}
			}
			return ss.LastApplied, nil
		}
		select {
		case <-g.readyCh():
		case <-g.fg.ShutdownFuture():
			return 0, ErrGroupStopped
		case <-ctx.Done():
			return 0, errors.Mark(errors.Wrapf(ctx.Err(), "group %d", g.id), ErrNotReady)
		}
	}
}

// Close stops the group and waits until its files are closed, or until ctx
// is done.
func (g *Group) Close(ctx context.Context) error {
	g.fg.FireShutdown()
	var err error
	select {
	case <-g.fg.ShutdownFuture():
	case <-ctx.Done():
		err = errors.Wrapf(ctx.Err(), "close group %d", g.id)
	}
	return errors.CombineErrors(err, g.closeOwned(ctx))
}

func (g *Group) closeOwned(ctx context.Context) error {
	var err error
	if g.ownDispatcher != nil {
		err = g.ownDispatcher.Stop(ctx)
		g.ownDispatcher = nil
	}
	if g.ownExecutor != nil {
		err = errors.CombineErrors(err, g.ownExecutor.Close())
		g.ownExecutor = nil
	}
	return err
}
