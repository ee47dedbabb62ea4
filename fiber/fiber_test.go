// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package fiber

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/internal/base"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	d      *Dispatcher
	g      *Group
	logger *base.InMemLogger
}

func newTestEnv(t *testing.T) *testEnv {
	logger := &base.InMemLogger{}
	d := NewDispatcher("test", DispatcherOptions{Logger: logger, PollTimeout: 5 * time.Millisecond})
	require.NoError(t, d.Start())
	g := d.CreateGroup("g")
	require.NoError(t, d.StartGroup(g))
	return &testEnv{d: d, g: g, logger: logger}
}

func (e *testEnv) stop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.d.Stop(ctx))
}

// run starts a fiber executing f and waits until it finishes. The frames
// must not call into t: they run on the dispatcher goroutine.
func (e *testEnv) run(t *testing.T, f Frame) error {
	t.Helper()
	errCh := e.start(t, NewFiber("test", e.g, f))
	return waitErr(t, errCh)
}

func (e *testEnv) start(t *testing.T, fb *Fiber) <-chan error {
	errCh := make(chan error, 1)
	require.True(t, e.g.Execute(func() {
		if err := e.g.Start(fb); err != nil {
			errCh <- err
			return
		}
		fb.Join().RegisterCallback(func(_ struct{}, err error) { errCh <- err })
	}))
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for fiber")
		return nil
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}
}

type sumFrame struct {
	FrameBase
	n int
}

func (f *sumFrame) Execute() Step {
	if f.n == 0 {
		return ReturnValue(0)
	}
	return CallT(&sumFrame{n: f.n - 1}, func(v int) Step {
		return ReturnValue(v + f.n)
	})
}

type resultFrame struct {
	FrameBase
	child  Frame
	result any
}

func (f *resultFrame) Execute() Step {
	return Call(f.child, func(v any) Step {
		f.result = v
		return Return()
	})
}

type events []string

func (e *events) add(s string) { *e = append(*e, s) }

type eventFrame struct {
	FrameBase
	name   string
	events *events
	body   func() Step
}

func (f *eventFrame) Execute() Step {
	f.events.add(f.name + ".execute")
	return f.body()
}

type handlingFrame struct {
	eventFrame
	handle func(err error) Step
}

func (f *handlingFrame) Handle(err error) Step {
	f.events.add(f.name + ".handle")
	return f.handle(err)
}

type finallyFrame struct {
	eventFrame
	finally func() Step
}

func (f *finallyFrame) Finally() Step {
	f.events.add(f.name + ".finally")
	if f.finally != nil {
		return f.finally()
	}
	return Return()
}

type fullFrame struct {
	eventFrame
	handle func(err error) Step
}

func (f *fullFrame) Handle(err error) Step {
	f.events.add(f.name + ".handle")
	return f.handle(err)
}

func (f *fullFrame) Finally() Step {
	f.events.add(f.name + ".finally")
	return Return()
}

var errBoom = errors.New("boom")

func TestCallReturn(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	f := &resultFrame{child: &sumFrame{n: 10}}
	require.NoError(t, e.run(t, f))
	require.Equal(t, 55, f.result)
}

func TestDeepStack(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	// The dispatcher is a trampoline: a deep chain of frames does not grow
	// the goroutine stack.
	const n = 200000
	f := &resultFrame{child: &sumFrame{n: n}}
	require.NoError(t, e.run(t, f))
	require.Equal(t, n*(n+1)/2, f.result)

	var count int
	var loop func(any) Step
	loop = func(any) Step {
		count++
		if count == 1000000 {
			return Return()
		}
		return Resume(nil, loop)
	}
	require.NoError(t, e.run(t, NewFrameFunc(func(*FrameBase) Step { return Resume(nil, loop) })))
	require.Equal(t, 1000000, count)
}

func TestHandleFinallyOrder(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	var ev events
	child := &finallyFrame{eventFrame: eventFrame{name: "child", events: &ev,
		body: func() Step { return Fail(errBoom) }}}
	parent := &fullFrame{
		eventFrame: eventFrame{name: "parent", events: &ev},
		handle: func(err error) Step {
			if !errors.Is(err, errBoom) {
				return Fail(err)
			}
			return ReturnValue("recovered")
		},
	}
	parent.body = func() Step {
		return Call(child, func(any) Step {
			ev.add("parent.resumed")
			return Return()
		})
	}
	top := &resultFrame{child: parent}
	require.NoError(t, e.run(t, top))
	require.Equal(t, "recovered", top.result)
	require.Equal(t, events{
		"parent.execute",
		"child.execute",
		"child.finally",
		"parent.handle",
		"parent.finally",
	}, ev)
}

func TestHandlerRunsOncePerActivation(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	var ev events
	second := errors.New("second")
	f := &fullFrame{eventFrame: eventFrame{name: "f", events: &ev,
		body: func() Step { return Fail(errBoom) }}}
	f.handle = func(err error) Step {
		// Recover, then fault again: the handler must not see the second
		// fault.
		return Then(func() Step { return Fail(second) })
	}
	err := e.run(t, f)
	require.ErrorIs(t, err, second)
	require.Equal(t, events{"f.execute", "f.handle", "f.finally"}, ev)
}

func TestHandlerRethrow(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	var ev events
	f := &handlingFrame{
		eventFrame: eventFrame{name: "f", events: &ev, body: func() Step { return Fail(errBoom) }},
		handle:     func(err error) Step { return Fail(err) },
	}
	err := e.run(t, f)
	require.ErrorIs(t, err, errBoom)
	require.False(t, IsFatal(err))
	require.Equal(t, events{"f.execute", "f.handle"}, ev)
	// A non-fatal uncaught fault does not stop the group.
	require.False(t, e.g.ShouldStop())
}

func TestFinallyMaySuspend(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	var ev events
	f := &finallyFrame{eventFrame: eventFrame{name: "f", events: &ev,
		body: func() Step { return ReturnValue(7) }}}
	f.finally = func() Step {
		return Sleep(time.Millisecond, func() Step {
			ev.add("f.slept")
			return ReturnValue("ignored")
		})
	}
	top := &resultFrame{child: f}
	require.NoError(t, e.run(t, top))
	require.Equal(t, 7, top.result)
	require.Equal(t, events{"f.execute", "f.finally", "f.slept"}, ev)
}

func TestFaultInFinally(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	var ev events
	errFinally := errors.New("finally failed")
	f := &finallyFrame{
		eventFrame: eventFrame{name: "f", events: &ev, body: func() Step { return Fail(errBoom) }},
		finally:    func() Step { return Fail(errFinally) },
	}
	err := e.run(t, f)
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, events{"f.execute", "f.finally"}, ev)
}

type selfCallFrame struct {
	FrameBase
}

func (f *selfCallFrame) Execute() Step {
	return Call(f, nil)
}

func TestFrameReuseBeforeDrainIsFatal(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	err := e.run(t, &selfCallFrame{})
	require.Error(t, err)
	require.True(t, IsFatal(err))
	require.Equal(t, SeverityFatal, Classify(err))
	require.True(t, e.g.ShouldStop())
	require.False(t, e.g.ExecuteIfRunning(func() {}))
	require.Contains(t, e.logger.String(), "fatal error, shutting down group")
}

func TestFrameReuseAfterDrain(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	child := &sumFrame{n: 3}
	var results []int
	top := NewFrameFunc(func(*FrameBase) Step {
		return CallT(child, func(v int) Step {
			results = append(results, v)
			return CallT(child, func(v int) Step {
				results = append(results, v)
				return Return()
			})
		})
	})
	require.NoError(t, e.run(t, top))
	require.Equal(t, []int{6, 6}, results)

	// The drained frame still belongs to the first fiber.
	err := e.run(t, child)
	require.True(t, IsFatal(err))
}

func TestPanicIsFatal(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	err := e.run(t, NewFrameFunc(func(*FrameBase) Step {
		panic("kaboom")
	}))
	require.True(t, IsFatal(err))
	require.Contains(t, err.Error(), "kaboom")
	waitClosed(t, e.g.ShutdownFuture())
	require.True(t, e.g.Finished())
	require.False(t, e.g.Execute(func() {}))
}

func TestInvalidStep(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	err := e.run(t, NewFrameFunc(func(*FrameBase) Step { return Step{} }))
	require.True(t, IsFatal(err))
}

func TestCondition(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	var ev events
	cond := e.g.NewCondition("c")
	waiter := NewFiber("waiter", e.g, NewFrameFunc(func(*FrameBase) Step {
		ev.add("wait")
		return cond.Await(func() Step {
			ev.add("signalled")
			return Return()
		})
	}))
	signaller := NewFiber("signaller", e.g, NewFrameFunc(func(*FrameBase) Step {
		ev.add("signal")
		cond.Signal()
		return Return()
	}))
	w := e.start(t, waiter)
	s := e.start(t, signaller)
	require.NoError(t, waitErr(t, s))
	require.NoError(t, waitErr(t, w))
	require.Equal(t, events{"wait", "signal", "signalled"}, ev)
}

func TestConditionAwaitTimeout(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	cond := e.g.NewCondition("c")
	start := time.Now()
	err := e.run(t, NewFrameFunc(func(*FrameBase) Step {
		return cond.AwaitTimeout(20*time.Millisecond, Return)
	}))
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, IsFatal(err))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// A signal before the deadline cancels the timeout.
	var signalled bool
	w := e.start(t, NewFiber("w", e.g, NewFrameFunc(func(*FrameBase) Step {
		return cond.AwaitTimeout(time.Hour, func() Step {
			signalled = true
			return Return()
		})
	})))
	s := e.start(t, NewFiber("s", e.g, NewFrameFunc(func(*FrameBase) Step {
		cond.SignalAll()
		return Return()
	})))
	require.NoError(t, waitErr(t, s))
	require.NoError(t, waitErr(t, w))
	require.True(t, signalled)
}

func TestFutureFireComplete(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	futCh := make(chan *Future[int], 1)
	var got int
	errCh := e.start(t, NewFiber("f", e.g, NewFrameFunc(func(b *FrameBase) Step {
		fut := NewFuture[int](b.Group())
		futCh <- fut
		return fut.Await(func(v int) Step {
			got = v
			return Return()
		})
	})))
	fut := <-futCh
	go fut.FireComplete(42)
	require.NoError(t, waitErr(t, errCh))
	require.Equal(t, 42, got)

	futCh2 := make(chan *Future[int], 1)
	errCh = e.start(t, NewFiber("f2", e.g, NewFrameFunc(func(b *FrameBase) Step {
		fut := NewFuture[int](b.Group())
		futCh2 <- fut
		return fut.Await(func(int) Step { return Return() })
	})))
	go (<-futCh2).FireCompleteExceptionally(errBoom)
	require.ErrorIs(t, waitErr(t, errCh), errBoom)
}

func TestFutureCallbacks(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	var got []int
	done := make(chan struct{})
	require.True(t, e.g.Execute(func() {
		f := NewFuture[int](e.g)
		f.RegisterCallback(func(v int, err error) { got = append(got, v) })
		f.Complete(1)
		// Second completion is ignored.
		f.Complete(2)
		f.RegisterCallback(func(v int, err error) { got = append(got, v*10) })
		close(done)
	}))
	waitClosed(t, done)
	require.Equal(t, []int{1, 10}, got)
	require.Contains(t, e.logger.String(), "future already complete")
}

func TestSleepAndYield(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	start := time.Now()
	require.NoError(t, e.run(t, NewFrameFunc(func(*FrameBase) Step {
		return Sleep(20*time.Millisecond, Return)
	})))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	var ev events
	looper := func(name string) Frame {
		i := 0
		var loop func() Step
		loop = func() Step {
			if i == 3 {
				return Return()
			}
			ev.add(name)
			i++
			return Yield(loop)
		}
		return NewFrameFunc(func(*FrameBase) Step { return loop() })
	}
	errCh := make(chan error, 2)
	require.True(t, e.g.Execute(func() {
		for _, name := range []string{"a", "b"} {
			fb := NewFiber(name, e.g, looper(name))
			if err := e.g.Start(fb); err != nil {
				errCh <- err
				continue
			}
			fb.Join().RegisterCallback(func(_ struct{}, err error) { errCh <- err })
		}
	}))
	require.NoError(t, waitErr(t, errCh))
	require.NoError(t, waitErr(t, errCh))
	require.Equal(t, events{"a", "b", "a", "b", "a", "b"}, ev)
}

func TestGroupShutdown(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	defer e.stop(t)

	// A daemon fiber blocked forever does not keep the group alive; a
	// non-daemon fiber does until it observes the shutdown.
	never := e.g.NewCondition("never")
	var observed atomic.Bool
	require.True(t, e.g.Execute(func() {
		_ = e.g.Start(NewDaemonFiber("daemon", e.g, NewFrameFunc(func(*FrameBase) Step {
			return never.Await(Return)
		})))
		_ = e.g.Start(NewFiber("worker", e.g, NewFrameFunc(func(b *FrameBase) Step {
			return b.Group().SleepUntilShouldStop(time.Hour, func() Step {
				return Sleep(10*time.Millisecond, func() Step {
					observed.Store(b.ShouldStop())
					return Return()
				})
			})
		})))
	}))
	require.True(t, e.g.FireFiber("extra", VoidCompletedFrame()))
	require.True(t, e.g.FireShutdown())
	waitClosed(t, e.g.ShutdownFuture())
	require.True(t, observed.Load())
	require.True(t, e.g.Finished())
	require.False(t, e.g.FireFiber("late", VoidCompletedFrame()))
}

func TestDispatcherStopFinishesGroups(t *testing.T) {
	defer leaktest.AfterTest(t)()
	e := newTestEnv(t)
	g2 := e.d.CreateGroup("g2")
	require.NoError(t, e.d.StartGroup(g2))
	require.NoError(t, e.run(t, CompletedFrame(1)))
	e.stop(t)
	waitClosed(t, e.g.ShutdownFuture())
	waitClosed(t, g2.ShutdownFuture())
	waitClosed(t, e.d.Done())
	require.Error(t, e.d.StartGroup(e.d.CreateGroup("late")))
}
