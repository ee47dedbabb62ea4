// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/raftcore/fiber"
	"github.com/cockroachdb/raftcore/internal/base"
	"github.com/cockroachdb/raftcore/internal/ioexec"
	"github.com/cockroachdb/raftcore/vfs"
	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

type testEnv struct {
	d      *fiber.Dispatcher
	g      *fiber.Group
	exec   *ioexec.Executor
	fs     *vfs.MemFS
	logger *base.InMemLogger
}

func newTestEnv(t *testing.T) *testEnv {
	logger := &base.InMemLogger{}
	d := fiber.NewDispatcher("test", fiber.DispatcherOptions{
		Logger:      logger,
		PollTimeout: 5 * time.Millisecond,
	})
	require.NoError(t, d.Start())
	g := d.CreateGroup("g")
	require.NoError(t, d.StartGroup(g))
	return &testEnv{
		d:      d,
		g:      g,
		exec:   ioexec.New(ioexec.Options{Workers: 16, Logger: logger}),
		fs:     vfs.NewMem(),
		logger: logger,
	}
}

func (e *testEnv) close(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, e.d.Stop(ctx))
	require.NoError(t, e.exec.Close())
}

func (e *testEnv) writerOptions() ChainWriterOptions {
	return ChainWriterOptions{
		Executor:      e.exec,
		RetryInterval: []time.Duration{time.Millisecond, time.Millisecond},
		Logger:        e.logger,
	}
}

// do runs fn on the dispatcher goroutine and waits for it to return.
func (e *testEnv) do(t *testing.T, fn func()) {
	t.Helper()
	require.True(t, e.tryDo(t, fn), "group %s has finished", e.g.Name())
}

// tryDo is like do but returns false if the group has finished.
func (e *testEnv) tryDo(t *testing.T, fn func()) bool {
	t.Helper()
	done := make(chan struct{})
	if !e.g.Execute(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for the dispatcher")
	}
	return true
}

// settle gives fibers woken by earlier tasks a chance to run until they
// suspend again. Every round trip through the queue spans at least one
// iteration of the dispatcher loop.
func (e *testEnv) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 4; i++ {
		if !e.tryDo(t, func() {}) {
			return
		}
	}
}

// run starts a fiber executing f and waits until it finishes. Frames run on
// the dispatcher goroutine and must not call into t.
func (e *testEnv) run(t *testing.T, f fiber.Frame) error {
	t.Helper()
	errCh := make(chan error, 1)
	e.do(t, func() {
		fb := fiber.NewFiber("test", e.g, f)
		if err := e.g.Start(fb); err != nil {
			errCh <- err
			return
		}
		fb.Join().RegisterCallback(func(_ struct{}, err error) { errCh <- err })
	})
	return waitErr(t, errCh)
}

// await waits for a future completed on the dispatcher goroutine.
func (e *testEnv) await(t *testing.T, get func() *fiber.Future[struct{}]) error {
	t.Helper()
	errCh := make(chan error, 1)
	e.do(t, func() {
		get().RegisterCallback(func(_ struct{}, err error) { errCh <- err })
	})
	return waitErr(t, errCh)
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timed out")
		return nil
	}
}

// opGate blocks file operations until the test releases them.
type opGate struct {
	mu      sync.Mutex
	blocked map[string][]chan error
}

func newOpGate() *opGate {
	return &opGate{blocked: make(map[string][]chan error)}
}

func (g *opGate) wait(key string) error {
	ch := make(chan error, 1)
	g.mu.Lock()
	g.blocked[key] = append(g.blocked[key], ch)
	g.mu.Unlock()
	return <-ch
}

// release unblocks the oldest operation waiting under key, waiting for it
// to arrive if needed.
func (g *opGate) release(t *testing.T, key string, err error) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.blocked[key]) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", key)
		}
		g.mu.Unlock()
		time.Sleep(time.Millisecond)
		g.mu.Lock()
	}
	ch := g.blocked[key][0]
	g.blocked[key] = g.blocked[key][1:]
	if len(g.blocked[key]) == 0 {
		delete(g.blocked, key)
	}
	ch <- err
}

func (g *opGate) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, chs := range g.blocked {
		n += len(chs)
	}
	return n
}

func (g *opGate) keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var keys []string
	for k, chs := range g.blocked {
		for range chs {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// gatedFile routes writes and syncs of a file through an opGate.
type gatedFile struct {
	vfs.File
	name string
	gate *opGate
}

func (f *gatedFile) WriteAt(p []byte, off int64) (int, error) {
	if err := f.gate.wait(fmt.Sprintf("write %s@%d", f.name, off)); err != nil {
		return 0, err
	}
	return f.File.WriteAt(p, off)
}

func (f *gatedFile) Sync() error {
	if err := f.gate.wait("sync " + f.name); err != nil {
		return err
	}
	return f.File.Sync()
}

func (f *gatedFile) SyncData() error {
	if err := f.gate.wait("sync " + f.name); err != nil {
		return err
	}
	return f.File.SyncData()
}
