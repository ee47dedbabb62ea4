// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package fiber

import "github.com/cockroachdb/errors"

// Future is a single-assignment result bound to a group. It is completed
// and observed on the group's dispatcher goroutine; other goroutines
// complete it through FireComplete and FireCompleteExceptionally.
type Future[T any] struct {
	group     *Group
	done      bool
	value     T
	err       error
	callbacks []func(T, error)
	waiters   []waiter
}

// NewFuture returns an incomplete future bound to g.
func NewFuture[T any](g *Group) *Future[T] {
	return &Future[T]{group: g}
}

// CompletedFuture returns a future already completed with v.
func CompletedFuture[T any](g *Group, v T) *Future[T] {
	return &Future[T]{group: g, done: true, value: v}
}

// FailedFuture returns a future already failed with err.
func FailedFuture[T any](g *Group, err error) *Future[T] {
	return &Future[T]{group: g, done: true, err: err}
}

// Group returns the group the future is bound to.
func (f *Future[T]) Group() *Group { return f.group }

// Done returns true once the future is complete.
func (f *Future[T]) Done() bool { return f.done }

// Result returns the value and error of a completed future.
func (f *Future[T]) Result() (T, error) { return f.value, f.err }

// Complete completes the future with v. Completing an already complete
// future is logged and ignored.
func (f *Future[T]) Complete(v T) {
	f.complete(v, nil)
}

// CompleteExceptionally fails the future with err.
func (f *Future[T]) CompleteExceptionally(err error) {
	if err == nil {
		err = errors.AssertionFailedf("future completed exceptionally with nil error")
	}
	var zero T
	f.complete(zero, err)
}

// FireComplete posts Complete to the dispatcher goroutine. Safe to call from
// any goroutine. It returns false if the group has finished.
func (f *Future[T]) FireComplete(v T) bool {
	return f.group.Execute(func() { f.Complete(v) })
}

// FireCompleteExceptionally posts CompleteExceptionally to the dispatcher
// goroutine. Safe to call from any goroutine.
func (f *Future[T]) FireCompleteExceptionally(err error) bool {
	return f.group.Execute(func() { f.CompleteExceptionally(err) })
}

func (f *Future[T]) complete(v T, err error) {
	if f.done {
		f.group.logger.Warnf("future already complete, ignoring result (err=%v)", err)
		return
	}
	f.done, f.value, f.err = true, v, err
	callbacks, waiters := f.callbacks, f.waiters
	f.callbacks, f.waiters = nil, nil
	for _, cb := range callbacks {
		f.runCallback(cb)
	}
	for _, w := range waiters {
		if w.valid() {
			w.fb.wake(w.id, v, err)
		}
	}
}

func (f *Future[T]) runCallback(cb func(T, error)) {
	defer func() {
		if r := recover(); r != nil {
			f.group.logger.Errorf("future callback panicked: %v", r)
		}
	}()
	cb(f.value, f.err)
}

// RegisterCallback arranges for cb to run on the dispatcher goroutine once
// the future completes. It runs immediately if the future is complete.
func (f *Future[T]) RegisterCallback(cb func(T, error)) {
	if f.done {
		f.runCallback(cb)
		return
	}
	f.callbacks = append(f.callbacks, cb)
}

// Await suspends the fiber until the future completes, then continues with
// resume(value), or raises the future's error.
func (f *Future[T]) Await(resume func(T) Step) Step {
	r := func(v any) Step {
		t, _ := v.(T)
		return resume(t)
	}
	if f.done {
		if f.err != nil {
			return Fail(f.err)
		}
		return Resume(f.value, r)
	}
	return suspend(func(fb *Fiber, id uint64) error {
		if fb.group != f.group {
			return contractViolationf("fiber %s awaits a future of group %s", fb, f.group.name)
		}
		f.waiters = append(f.waiters, waiter{fb: fb, id: id})
		return nil
	}, r)
}
