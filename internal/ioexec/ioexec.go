// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package ioexec runs blocking file I/O on a fixed set of worker goroutines
// so that dispatcher goroutines never block on the disk.
package ioexec

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/internal/base"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("ioexec: executor is closed")

// Options configures an Executor.
type Options struct {
	// Workers is the number of worker goroutines. Defaults to 4.
	Workers int
	Logger  base.Logger
}

// EnsureDefaults fills in unset options.
func (o *Options) EnsureDefaults() *Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	return o
}

// Stats is a point-in-time snapshot of executor counters.
type Stats struct {
	Queued    int64
	Running   int64
	Completed int64
}

// Executor is a worker pool. Submit never blocks: jobs are queued without
// bound and picked up in submission order, though with more than one worker
// they may complete in any order.
type Executor struct {
	logger base.Logger
	wg     sync.WaitGroup

	mu struct {
		sync.Mutex
		cond   sync.Cond
		jobs   []func()
		closed bool
	}

	queued    atomic.Int64
	running   atomic.Int64
	completed atomic.Int64
}

// New starts an executor.
func New(opts Options) *Executor {
	opts.EnsureDefaults()
	e := &Executor{logger: opts.Logger}
	e.mu.cond.L = &e.mu.Mutex
	e.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go e.worker()
	}
	return e
}

// Submit queues job for execution on a worker goroutine.
func (e *Executor) Submit(job func()) error {
	if job == nil {
		return errors.AssertionFailedf("ioexec: nil job")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mu.closed {
		return ErrClosed
	}
	e.mu.jobs = append(e.mu.jobs, job)
	e.queued.Add(1)
	e.mu.cond.Signal()
	return nil
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.mu.jobs) == 0 && !e.mu.closed {
			e.mu.cond.Wait()
		}
		if len(e.mu.jobs) == 0 {
			e.mu.Unlock()
			return
		}
		job := e.mu.jobs[0]
		e.mu.jobs[0] = nil
		e.mu.jobs = e.mu.jobs[1:]
		e.mu.Unlock()

		// A job is counted as running before it stops being counted as
		// queued, so that Queued+Running never undercounts.
		e.running.Add(1)
		e.queued.Add(-1)
		e.run(job)
		e.running.Add(-1)
		e.completed.Add(1)
	}
}

func (e *Executor) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("ioexec: job panicked: %v", r)
		}
	}()
	job()
}

// Stats returns the current counters.
func (e *Executor) Stats() Stats {
	return Stats{Queued: e.queued.Load(), Running: e.running.Load(), Completed: e.completed.Load()}
}

// Close rejects further jobs, waits for the queued ones to run and stops
// the workers.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.mu.closed {
		e.mu.Unlock()
		return nil
	}
	e.mu.closed = true
	e.mu.cond.Broadcast()
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}
