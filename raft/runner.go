// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package raft

import (
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/fiber"
	"github.com/cockroachdb/raftcore/internal/base"
	"github.com/cockroachdb/raftcore/internal/ioexec"
	"github.com/cockroachdb/raftcore/store"
	"github.com/cockroachdb/raftcore/vfs"
	"github.com/cockroachdb/redact"
)

type pendingTask struct {
	index int64
	term  int64
	// input and cb are nil for heartbeat entries.
	input *Input
	cb    Callback
}

// LinearTaskRunner orders the inputs of a single-member group. Each write is
// assigned the next index, appended to the raft log and, once the log is
// synced up to it, executed by the state machine. Callbacks complete in index
// order.
//
// All methods run on the dispatcher goroutine.
type LinearTaskRunner struct {
	group   *Group
	fg      *fiber.Group
	cfg     *Config
	logger  base.Logger
	fs      vfs.FS
	exec    *ioexec.Executor
	sm      StateMachine
	metrics *store.ChainWriterMetrics

	status   *store.StatusManager
	appender *store.LogAppender

	term        int64
	lastIndex   int64
	lastTerm    int64
	lastApplied int64
	ready       bool
	pending     []pendingTask
	err         error

	// initDone completes once the runner has recovered the log and become
	// leader, or failed to. initCond is signalled at the same time.
	initDone *fiber.Future[struct{}]
	initCond *fiber.Condition
}

func newLinearTaskRunner(g *Group, o *Options) *LinearTaskRunner {
	r := &LinearTaskRunner{
		group:    g,
		fg:       g.fg,
		cfg:      o.Config,
		logger:   o.Logger,
		fs:       o.FS,
		exec:     o.Executor,
		sm:       o.StateMachine,
		metrics:  o.logMetrics,
		initDone: fiber.NewFuture[struct{}](g.fg),
		initCond: g.fg.NewCondition("raftInit"),
	}
	opts := r.writerOptions(nil)
	r.status = store.NewStatusManager(o.FS, o.FS.PathJoin(o.Config.DataDir, o.Config.StatusFile), g.fg, opts)
	return r
}

func (r *LinearTaskRunner) writerOptions(metrics *store.ChainWriterMetrics) store.ChainWriterOptions {
	opts := r.cfg.chainWriterOptions(r.exec)
	opts.Logger = r.logger
	opts.Metrics = metrics
	return opts
}

// start launches the init and shutdown fibers.
func (r *LinearTaskRunner) start() error {
	if err := r.fg.Start(fiber.NewFiber("raftShutdown", r.fg, &shutdownFrame{r: r})); err != nil {
		return err
	}
	return r.fg.Start(fiber.NewFiber("raftInit", r.fg, &initFrame{r: r}))
}

// submit runs on the dispatcher goroutine for every admitted input.
func (r *LinearTaskRunner) submit(in *Input, cb Callback) {
	switch {
	case r.err != nil:
		cb(0, nil, r.err)
		return
	case r.fg.ShouldStop():
		cb(0, nil, ErrGroupStopped)
		return
	case !r.initDone.Done():
		cb(0, nil, ErrNotReady)
		return
	}
	if in.ReadOnly {
		if !r.ready {
			cb(0, nil, ErrNotReady)
			return
		}
		res, err := r.sm.Exec(r.lastApplied, r.term, in)
		cb(r.lastApplied, res, err)
		return
	}
	item := LogItem{
		Type:        store.LogRecordNormal,
		BizType:     in.BizType,
		Term:        r.term,
		Index:       r.lastIndex + 1,
		PrevLogTerm: r.lastTerm,
		Timestamp:   time.Now().UnixMilli(),
		Header:      in.Header,
		Body:        in.Body,
	}
	if err := r.append(item.record(), pendingTask{input: in, cb: cb}); err != nil {
		cb(0, nil, err)
	}
}

func (r *LinearTaskRunner) append(rec store.LogRecord, t pendingTask) error {
	if err := r.appender.Append([]store.LogRecord{rec}, true); err != nil {
		return err
	}
	r.lastIndex, r.lastTerm = rec.Index, rec.Term
	t.index, t.term = rec.Index, rec.Term
	r.pending = append(r.pending, t)
	return nil
}

// onPersisted applies the entries synced up to index. In a single-member
// group an entry is committed as soon as it is durable. Callbacks run once
// the new applied index is published.
func (r *LinearTaskRunner) onPersisted(index int64) {
	n := 0
	for n < len(r.pending) && r.pending[n].index <= index {
		n++
	}
	if n == 0 {
		return
	}
	applied := r.pending[:n:n]
	r.pending = r.pending[n:]
	results := make([]result, n)
	for i := range applied {
		t := &applied[i]
		if t.input != nil {
			results[i].value, results[i].err = r.sm.Exec(t.index, t.term, t.input)
		} else if !r.ready {
			// The leader's first entry is applied: everything committed in
			// earlier terms is visible to reads.
			r.ready = true
			r.logger.Infof("raft group %d ready at index %d term %d", r.group.id, t.index, t.term)
		}
		r.lastApplied = t.index
	}
	r.status.Status().CommitIndex = r.lastApplied
	r.status.PersistAsync(false)
	r.publish()
	for i := range applied {
		if t := &applied[i]; t.cb != nil {
			t.cb(t.index, results[i].value, results[i].err)
		}
	}
}

type result struct {
	value any
	err   error
}

func (r *LinearTaskRunner) publish() {
	r.group.PublishShareStatus(&ShareStatus{
		Role:        RoleLeader,
		LeaderID:    r.group.nodeID,
		LeaseEnd:    crtime.NowMono() + crtime.Mono(r.cfg.LeaseDuration),
		GroupReady:  r.ready,
		LastApplied: r.lastApplied,
	})
}

// fail completes every pending callback with err.
func (r *LinearTaskRunner) fail(err error) {
	if r.err == nil {
		r.err = err
	}
	pending := r.pending
	r.pending = nil
	for _, t := range pending {
		if t.cb != nil {
			t.cb(0, nil, err)
		}
	}
}

func (r *LinearTaskRunner) onLogFault(err error) {
	r.logger.Errorf("raft group %d: log failed: %v", r.group.id, err)
	r.fail(err)
	r.group.PublishShareStatus(&ShareStatus{Role: RoleNone, LastApplied: r.lastApplied})
}

// initFrame recovers the log, replays it into the state machine and makes
// the member leader of a new term.
type initFrame struct {
	fiber.FrameBase
	r   *LinearTaskRunner
	rec store.LogRecovery
}

var _ fiber.Handler = (*initFrame)(nil)

func (f *initFrame) Execute() fiber.Step {
	return fiber.Call(f.r.status.InitStatusFile(), f.afterStatus)
}

func (f *initFrame) afterStatus(any) fiber.Step {
	r := f.r
	fut := fiber.NewFuture[store.LogRecovery](r.fg)
	fs, path := r.fs, r.fs.PathJoin(r.cfg.DataDir, r.cfg.LogFile)
	err := r.exec.Submit(func() {
		rec, err := store.RecoverLog(fs, path)
		if err != nil {
			fut.FireCompleteExceptionally(err)
		} else if !fut.FireComplete(rec) {
			_ = rec.File.Close()
		}
	})
	if err != nil {
		return fiber.Fail(err)
	}
	return fut.Await(f.afterRecover)
}

func (f *initFrame) afterRecover(rec store.LogRecovery) fiber.Step {
	r := f.r
	f.rec = rec
	path := r.fs.PathJoin(r.cfg.DataDir, r.cfg.LogFile)
	if rec.Torn != nil {
		r.logger.Warnf("raft log %s: truncated torn tail at %d: %v", path, rec.End, rec.Torn)
	}
	commit := r.status.Status().CommitIndex
	last := int64(0)
	if n := len(rec.Records); n > 0 {
		last = rec.Records[n-1].Index
		r.lastTerm = rec.Records[n-1].Term
	}
	if last < commit {
		return fiber.Fail(base.CorruptionErrorf("raft log %s ends at %d, before commit index %d",
			redact.SafeString(path), last, commit))
	}
	for i := range rec.Records {
		lr := &rec.Records[i]
		if lr.Type != store.LogRecordNormal {
			continue
		}
		in := &Input{BizType: lr.BizType, Header: lr.Header, Body: lr.Body}
		if _, err := r.sm.Exec(lr.Index, lr.Term, in); err != nil {
			r.logger.Warnf("raft group %d: replay of index %d: %v", r.group.id, lr.Index, err)
		}
	}
	r.lastIndex, r.lastApplied = last, last

	st := r.status.Status()
	st.CurrentTerm++
	st.VotedFor = int64(r.group.nodeID)
	st.CommitIndex = last
	r.term = st.CurrentTerm
	return fiber.Call(r.status.PersistSync(), f.becomeLeader)
}

func (f *initFrame) becomeLeader(any) fiber.Step {
	r := f.r
	path := r.fs.PathJoin(r.cfg.DataDir, r.cfg.LogFile)
	opts := r.writerOptions(r.metrics)
	opts.OnFault = r.onLogFault
	a, err := store.NewLogAppender(path, r.fg, f.rec.File, f.rec.End, r.lastIndex, opts)
	if err != nil {
		return fiber.Fail(err)
	}
	a.OnPersisted = r.onPersisted
	r.appender = a
	if err := a.Start(); err != nil {
		return fiber.Fail(err)
	}
	// The first entry of the term commits the entries of earlier terms.
	hb := store.LogRecord{
		Index:       r.lastIndex + 1,
		Term:        r.term,
		PrevLogTerm: r.lastTerm,
		Type:        store.LogRecordHeartbeat,
		Timestamp:   time.Now().UnixMilli(),
	}
	if err := r.append(hb, pendingTask{}); err != nil {
		return fiber.Fail(err)
	}
	r.logger.Infof("raft group %d: node %d is leader of term %d, last index %d",
		r.group.id, r.group.nodeID, r.term, r.lastIndex)
	r.publish()
	if err := r.fg.Start(fiber.NewDaemonFiber("raftLease", r.fg, &leaseFrame{r: r})); err != nil {
		return fiber.Fail(err)
	}
	r.initDone.Complete(struct{}{})
	r.initCond.SignalAll()
	return fiber.Return()
}

func (f *initFrame) Handle(err error) fiber.Step {
	r := f.r
	r.logger.Errorf("raft group %d: init failed: %v", r.group.id, err)
	if r.err == nil {
		r.err = err
	}
	if r.appender == nil && f.rec.File != nil {
		_ = f.rec.File.Close()
	}
	r.initDone.CompleteExceptionally(err)
	r.initCond.SignalAll()
	r.fg.RequestShutdown()
	return fiber.Return()
}

// leaseFrame extends the leader lease while the log is healthy.
type leaseFrame struct {
	fiber.FrameBase
	r *LinearTaskRunner
}

func (f *leaseFrame) Execute() fiber.Step {
	if f.ShouldStop() || f.r.err != nil {
		return fiber.Return()
	}
	f.r.publish()
	return f.Group().SleepUntilShouldStop(f.r.cfg.LeaseDuration/2, f.Execute)
}

// shutdownFrame waits for the group to stop, fails the inputs still pending
// and closes the files once their writers have drained.
type shutdownFrame struct {
	fiber.FrameBase
	r *LinearTaskRunner
}

func (f *shutdownFrame) Execute() fiber.Step {
	if !f.ShouldStop() {
		return f.Group().ShouldStopCondition().Await(f.Execute)
	}
	return f.awaitInit()
}

func (f *shutdownFrame) awaitInit() fiber.Step {
	if !f.r.initDone.Done() {
		// Init runs to completion; its I/O can not be interrupted.
		return f.r.initCond.Await(f.awaitInit)
	}
	r := f.r
	r.fail(ErrGroupStopped)
	r.group.PublishShareStatus(&ShareStatus{Role: RoleNone, LastApplied: r.lastApplied})
	var closeLog *fiber.Future[struct{}]
	if r.appender != nil {
		closeLog = r.appender.Close()
	} else {
		closeLog = fiber.CompletedFuture(r.fg, struct{}{})
	}
	return closeLog.Await(func(struct{}) fiber.Step {
		return r.status.Close().Await(func(struct{}) fiber.Step {
			r.logger.Infof("raft group %d closed at applied index %d", r.group.id, r.lastApplied)
			return fiber.Return()
		})
	})
}

func (f *shutdownFrame) Handle(err error) fiber.Step {
	f.r.logger.Errorf("raft group %d: close failed: %v", f.r.group.id, err)
	return fiber.Return()
}

// errInitFailed wraps the error returned by Open when the runner could not
// start.
func errInitFailed(groupID int, err error) error {
	return errors.Wrapf(err, "open raft group %d", groupID)
}
