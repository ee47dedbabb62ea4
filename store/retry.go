// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package store

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/fiber"
	"github.com/cockroachdb/raftcore/internal/ioexec"
)

// DefaultRetryInterval is the backoff schedule used when none is configured.
var DefaultRetryInterval = []time.Duration{
	100 * time.Millisecond,
	time.Second,
	3 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
}

// retryInterval returns the delay before retry number n (0-based). The last
// entry of the schedule is reused once the schedule is exhausted.
func retryInterval(n int, intervals []time.Duration) time.Duration {
	if n >= len(intervals) {
		return intervals[len(intervals)-1]
	}
	return intervals[n]
}

type attemptResult struct {
	v   any
	err error
}

// attemptFrame runs one attempt of a RetryFrame and turns a retryable fault
// into a result, so the retry frame sees every failure rather than only the
// first one.
type attemptFrame struct {
	fiber.FrameBase
	sub fiber.Frame
}

func (a *attemptFrame) Execute() fiber.Step {
	return fiber.Call(a.sub, func(v any) fiber.Step {
		return fiber.ReturnValue(attemptResult{v: v})
	})
}

func (a *attemptFrame) Handle(err error) fiber.Step {
	if fiber.IsFatal(err) {
		return fiber.Fail(err)
	}
	return fiber.ReturnValue(attemptResult{err: err})
}

// RetryFrame runs sub until it succeeds, sleeping between attempts according
// to a backoff schedule. sub is reused for every attempt. Fatal faults are
// never retried.
//
// With retryForever set, attempts continue until the group is stopping;
// otherwise the frame fails once the schedule is exhausted. Shutdown of the
// group cuts the current backoff short and fails the frame.
type RetryFrame struct {
	fiber.FrameBase
	attempt      attemptFrame
	what         string
	intervals    []time.Duration
	retryForever bool
	retries      int
}

// NewRetryFrame returns a frame retrying sub. what names the operation in
// logs and errors.
func NewRetryFrame(
	what string, sub fiber.Frame, intervals []time.Duration, retryForever bool,
) *RetryFrame {
	return &RetryFrame{
		attempt:      attemptFrame{sub: sub},
		what:         what,
		intervals:    intervals,
		retryForever: retryForever,
	}
}

// Execute implements fiber.Frame.
func (r *RetryFrame) Execute() fiber.Step {
	return fiber.CallT(&r.attempt, r.afterAttempt)
}

// Retries returns the number of retries issued so far.
func (r *RetryFrame) Retries() int { return r.retries }

func (r *RetryFrame) afterAttempt(res attemptResult) fiber.Step {
	if res.err == nil {
		return fiber.ReturnValue(res.v)
	}
	err := res.err
	switch {
	case r.ShouldStop():
		return fiber.Fail(errors.Wrapf(err, "%s: group is stopping, giving up after %d retries",
			errors.Safe(r.what), r.retries))
	case len(r.intervals) == 0:
		return fiber.Fail(errors.Wrapf(err, "%s", errors.Safe(r.what)))
	case !r.retryForever && r.retries >= len(r.intervals):
		return fiber.Fail(errors.Wrapf(err, "%s: giving up after %d retries",
			errors.Safe(r.what), r.retries))
	}
	d := retryInterval(r.retries, r.intervals)
	r.retries++
	g := r.Group()
	g.Logger().Warnf("%s failed, retry %d after %s: %v", r.what, r.retries, d, err)
	return g.SleepUntilShouldStop(d, r.Execute)
}

// ForceFrame flushes a file to stable storage on the I/O executor.
type ForceFrame struct {
	fiber.FrameBase
	file *DtFile
	exec *ioexec.Executor
	// meta also flushes file metadata.
	meta bool
}

// NewForceFrame returns a frame that flushes file.
func NewForceFrame(file *DtFile, exec *ioexec.Executor, meta bool) *ForceFrame {
	return &ForceFrame{file: file, exec: exec, meta: meta}
}

// Execute implements fiber.Frame.
func (f *ForceFrame) Execute() fiber.Step {
	fut := fiber.NewFuture[struct{}](f.Group())
	file, meta := f.file, f.meta
	err := f.exec.Submit(func() {
		var err error
		if meta {
			err = file.File().Sync()
		} else {
			err = file.File().SyncData()
		}
		if err != nil {
			fut.FireCompleteExceptionally(errors.Wrapf(err, "sync %s", file))
		} else {
			fut.FireComplete(struct{}{})
		}
	})
	if err != nil {
		return fiber.Fail(fiber.Fatal(err))
	}
	return fut.Await(func(struct{}) fiber.Step { return fiber.Return() })
}
