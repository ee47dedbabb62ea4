// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package store

import (
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/fiber"
	"github.com/cockroachdb/raftcore/internal/base"
	"github.com/cockroachdb/raftcore/internal/bufpool"
	"github.com/cockroachdb/redact"
)

// ErrFaulted is returned for writes submitted after the writer faulted.
var ErrFaulted = errors.New("chain writer is faulted")

// ErrStopped is returned for writes submitted after Stop.
var ErrStopped = errors.New("chain writer is stopped")

// ChainWriter issues writes in submission order and makes them durable with
// as few syncs as possible.
//
// Writes are handed to the I/O executor as they are submitted and may
// complete in any order; they are acknowledged through the write callback in
// submission order. A write submitted with force is then queued for a sync.
// A dedicated force fiber syncs one task at a time and merges consecutive
// force tasks of the same file into a single sync, acknowledging the last of
// them through the force callback. Callbacks therefore have high water mark
// semantics: a callback for a task covers every earlier task.
//
// A failed write is never retried: the writer faults and the group is shut
// down. A failed sync is retried according to the options and escalated the
// same way once retrying gives up.
//
// Every method must be called on the dispatcher goroutine of the group.
type ChainWriter struct {
	name    string
	group   *fiber.Group
	opts    ChainWriterOptions
	logger  base.Logger
	metrics *ChainWriterMetrics

	writeCallback func(*WriteTask)
	forceCallback func(*WriteTask)

	// writeTasks holds submitted writes in submission order until they and
	// every write before them have completed.
	writeTasks []*WriteTask
	// forceTasks holds completed writes waiting for a sync.
	forceTasks     []*WriteTask
	writeTaskCount int
	forceTaskCount int
	currentForce   *WriteTask
	// unforced accumulates the writes acknowledged since the last force task
	// of each file, so that the next force accounts for them.
	unforced map[*DtFile]unforcedStat

	needForce  *fiber.Condition
	forceFiber *fiber.Fiber
	forceLoop  forceLoopFrame

	stopped bool
	faulted bool
	err     error
}

type unforcedStat struct {
	items int
	bytes int64
}

// NewChainWriter returns a writer whose callbacks run on the dispatcher
// goroutine of g. Either callback may be nil.
func NewChainWriter(
	name string,
	g *fiber.Group,
	opts ChainWriterOptions,
	writeCallback, forceCallback func(*WriteTask),
) (*ChainWriter, error) {
	opts.EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	w := &ChainWriter{
		name:          name,
		group:         g,
		opts:          opts,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		writeCallback: writeCallback,
		forceCallback: forceCallback,
		unforced:      make(map[*DtFile]unforcedStat),
		needForce:     g.NewCondition(name + ":needForce"),
	}
	w.forceLoop.w = w
	return w, nil
}

// Name returns the name of the writer.
func (w *ChainWriter) Name() string { return w.name }

// Start starts the force fiber.
func (w *ChainWriter) Start() error {
	if w.forceFiber != nil {
		return fiber.ContractViolationf("chain writer %s already started", redact.SafeString(w.name))
	}
	w.forceFiber = fiber.NewFiber(w.name+":force", w.group, &w.forceLoop)
	return w.group.Start(w.forceFiber)
}

// Faulted returns true once a write or force has failed for good.
func (w *ChainWriter) Faulted() bool { return w.faulted }

// Err returns the error that faulted the writer, if any.
func (w *ChainWriter) Err() error { return w.err }

// HasTask returns true while writes or forces are in flight or queued.
func (w *ChainWriter) HasTask() bool {
	return w.writeTaskCount > 0 || w.forceTaskCount > 0 ||
		len(w.writeTasks) > 0 || len(w.forceTasks) > 0 || w.currentForce != nil
}

// SubmitWrite writes buf at pos of file. buf is owned by the writer from now
// on, including when an error is returned. A write must start where the
// previous pending write to the same file ended; a violation is fatal to the
// group.
//
// itemCount and lastIndex describe the content of the write and are passed
// back through the callbacks.
func (w *ChainWriter) SubmitWrite(
	file *DtFile, buf *bufpool.Buffer, pos int64, force bool, itemCount int, lastIndex int64,
) error {
	switch {
	case w.faulted:
		buf.Release()
		return errors.Wrapf(ErrFaulted, "%s", redact.SafeString(w.name))
	case w.stopped:
		buf.Release()
		return errors.Wrapf(ErrStopped, "%s", redact.SafeString(w.name))
	}
	n := int64(buf.Len())
	t := &WriteTask{
		File:          file,
		Pos:           pos,
		ExpectNextPos: pos + n,
		Force:         force,
		ItemCount:     itemCount,
		Bytes:         n,
		LastIndex:     lastIndex,
		buf:           buf,
		done:          fiber.NewFuture[struct{}](w.group),
		start:         crtime.NowMono(),
	}
	if prev := w.lastPendingWrite(file); prev != nil && prev.ExpectNextPos != pos {
		err := fiber.ContractViolationf("chain writer %s: file %s: expect next pos %d, but got %d",
			redact.SafeString(w.name), file, prev.ExpectNextPos, pos)
		w.logger.Errorf("%v", err)
		w.markFaulted(err)
		w.group.RequestShutdown()
		w.needForce.Signal()
		buf.Release()
		return err
	}
	file.IncWriters()
	w.writeTasks = append(w.writeTasks, t)
	w.writeTaskCount++
	if n == 0 {
		t.done.Complete(struct{}{})
	} else if err := w.submitIO(t); err != nil {
		t.done.CompleteExceptionally(err)
	}
	t.done.RegisterCallback(func(_ struct{}, err error) {
		w.afterWrite(t, err)
	})
	return nil
}

func (w *ChainWriter) lastPendingWrite(file *DtFile) *WriteTask {
	for i := len(w.writeTasks) - 1; i >= 0; i-- {
		if w.writeTasks[i].File == file {
			return w.writeTasks[i]
		}
	}
	return nil
}

func (w *ChainWriter) submitIO(t *WriteTask) error {
	f, b, pos, done := t.File.File(), t.buf, t.Pos, t.done
	return w.opts.Executor.Submit(func() {
		_, err := f.WriteAt(b.B, pos)
		var ok bool
		if err != nil {
			ok = done.FireCompleteExceptionally(err)
		} else {
			ok = done.FireComplete(struct{}{})
		}
		if !ok {
			// The group is gone and nobody will see the completion.
			b.Release()
		}
	})
}

func (w *ChainWriter) afterWrite(t *WriteTask, err error) {
	t.buf.Release()
	t.buf = nil
	w.writeTaskCount--
	if w.faulted {
		w.removeWriteTask(t)
		t.File.DecWriters()
		if w.writeTaskCount == 0 {
			w.needForce.Signal()
		}
		return
	}
	if err != nil {
		err = errors.Wrapf(err, "chain writer %s: %s", redact.SafeString(w.name), t)
		w.logger.Errorf("write failed: %v", err)
		w.markFaulted(err)
		w.group.RequestShutdown()
		w.needForce.Signal()
		return
	}
	observe(w.metrics.WriteLatency, float64(t.start.Elapsed()))

	var last *WriteTask
	queued := false
	for len(w.writeTasks) > 0 && w.writeTasks[0].done.Done() {
		h := w.writeTasks[0]
		w.writeTasks[0] = nil
		w.writeTasks = w.writeTasks[1:]
		u := w.unforced[h.File]
		if h.Force {
			h.ForceItemCount = u.items + h.ItemCount
			h.ForceBytes = u.bytes + h.Bytes
			delete(w.unforced, h.File)
			w.forceTasks = append(w.forceTasks, h)
			w.forceTaskCount++
			queued = true
		} else {
			w.unforced[h.File] = unforcedStat{items: u.items + h.ItemCount, bytes: u.bytes + h.Bytes}
			h.File.DecWriters()
		}
		last = h
	}
	if last != nil && w.writeCallback != nil {
		w.writeCallback(last)
	}
	if queued || w.stopped {
		w.needForce.Signal()
	}
}

func (w *ChainWriter) removeWriteTask(t *WriteTask) {
	for i, p := range w.writeTasks {
		if p == t {
			w.writeTasks = append(w.writeTasks[:i], w.writeTasks[i+1:]...)
			return
		}
	}
}

func (w *ChainWriter) markFaulted(err error) {
	if w.faulted {
		return
	}
	w.faulted = true
	w.err = err
	w.releaseCompletedWrites()
	if w.metrics.Faults != nil {
		w.metrics.Faults.Inc()
	}
	if w.opts.OnFault != nil {
		w.opts.OnFault(err)
	}
}

// releaseCompletedWrites drops the use counts of the writes that completed
// but are queued behind an incomplete one. Incomplete writes release theirs
// when they complete.
func (w *ChainWriter) releaseCompletedWrites() {
	kept := w.writeTasks[:0]
	for _, p := range w.writeTasks {
		if p.done.Done() {
			p.File.DecWriters()
		} else {
			kept = append(kept, p)
		}
	}
	clear(w.writeTasks[len(kept):])
	w.writeTasks = kept
}

// releaseForceTasks drops every queued force together with its use count.
func (w *ChainWriter) releaseForceTasks() {
	for i, t := range w.forceTasks {
		t.File.DecWriters()
		w.forceTasks[i] = nil
	}
	w.forceTaskCount -= len(w.forceTasks)
	w.forceTasks = w.forceTasks[:0]
}

// Stop asks the force fiber to exit once every pending write and force has
// completed. The returned future completes when it has.
func (w *ChainWriter) Stop() *fiber.Future[struct{}] {
	w.stopped = true
	w.needForce.Signal()
	if w.forceFiber == nil {
		return fiber.CompletedFuture(w.group, struct{}{})
	}
	return w.forceFiber.Join()
}

// forceLoopFrame is the body of the force fiber.
type forceLoopFrame struct {
	fiber.FrameBase
	w     *ChainWriter
	start crtime.Mono
}

var _ fiber.Handler = (*forceLoopFrame)(nil)

func (f *forceLoopFrame) Execute() fiber.Step {
	w := f.w
	if w.faulted {
		w.releaseForceTasks()
		// Keep the group alive until every write has come back from the
		// executor and released its use count.
		if w.writeTaskCount > 0 {
			return w.needForce.Await(f.Execute)
		}
		return fiber.Return()
	}
	if len(w.forceTasks) == 0 {
		if w.stopped && !w.HasTask() {
			return fiber.Return()
		}
		return w.needForce.Await(f.Execute)
	}

	t := w.forceTasks[0]
	w.forceTasks[0] = nil
	w.forceTasks = w.forceTasks[1:]
	for len(w.forceTasks) > 0 && w.forceTasks[0].File == t.File {
		next := w.forceTasks[0]
		w.forceTasks[0] = nil
		w.forceTasks = w.forceTasks[1:]
		next.ForceItemCount += t.ForceItemCount
		next.ForceBytes += t.ForceBytes
		t.File.DecWriters()
		w.forceTaskCount--
		t = next
	}
	w.currentForce = t
	f.start = crtime.NowMono()
	retry := NewRetryFrame("force "+t.String(),
		NewForceFrame(t.File, w.opts.Executor, w.opts.SyncMetadata),
		w.opts.RetryInterval, w.opts.RetryForever)
	return fiber.Call(retry, f.afterForce)
}

func (f *forceLoopFrame) afterForce(any) fiber.Step {
	w := f.w
	t := w.currentForce
	w.currentForce = nil
	t.File.DecWriters()
	w.forceTaskCount--
	observe(w.metrics.ForceLatency, float64(f.start.Elapsed()))
	observe(w.metrics.ForceBatchItems, float64(t.ForceItemCount))
	if w.faulted {
		return fiber.Then(f.Execute)
	}
	if w.forceCallback != nil {
		w.forceCallback(t)
	}
	return fiber.Then(f.Execute)
}

// Handle implements fiber.Handler. A fault reaching the loop is fatal. The
// fiber exits once the writes still in flight have come back.
func (f *forceLoopFrame) Handle(err error) fiber.Step {
	w := f.w
	if t := w.currentForce; t != nil {
		w.currentForce = nil
		t.File.DecWriters()
		w.forceTaskCount--
	}
	w.logger.Errorf("chain writer %s: force failed: %v", w.name, err)
	w.markFaulted(err)
	w.releaseForceTasks()
	w.group.RequestShutdown()
	return f.failAfterWrites(fiber.Fatal(err))
}

func (f *forceLoopFrame) failAfterWrites(err error) fiber.Step {
	if f.w.writeTaskCount > 0 {
		return f.w.needForce.Await(func() fiber.Step { return f.failAfterWrites(err) })
	}
	return fiber.Fail(err)
}
