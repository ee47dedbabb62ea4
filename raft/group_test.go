// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package raft

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/fiber"
	"github.com/cockroachdb/raftcore/internal/base"
	"github.com/cockroachdb/raftcore/store"
	"github.com/cockroachdb/raftcore/vfs"
	"github.com/cockroachdb/raftcore/vfs/errorfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testTimeout = 10 * time.Second

// kvStateMachine records the bodies it executes. Reads return the number of
// entries applied so far.
type kvStateMachine struct {
	mu      sync.Mutex
	indexes []int64
	bodies  []string
}

func (m *kvStateMachine) Exec(index, term int64, in *Input) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.ReadOnly {
		return len(m.bodies), nil
	}
	m.indexes = append(m.indexes, index)
	m.bodies = append(m.bodies, string(in.Body))
	return index, nil
}

func (m *kvStateMachine) snapshot() ([]int64, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.indexes...), append([]string(nil), m.bodies...)
}

func testOptions(fs vfs.FS, sm StateMachine) Options {
	return Options{
		GroupID: 1,
		NodeID:  7,
		Config: &Config{
			DataDir:         "data",
			IORetryInterval: []time.Duration{time.Millisecond},
		},
		FS:           fs,
		StateMachine: sm,
		Logger:       &base.InMemLogger{},
	}
}

func openGroup(t *testing.T, opts Options) *Group {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	g, err := Open(ctx, opts)
	require.NoError(t, err)
	return g
}

func closeGroup(t *testing.T, g *Group) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, g.Close(ctx))
}

type outcome struct {
	index  int64
	result any
	err    error
}

func submit(t *testing.T, g *Group, in *Input) outcome {
	t.Helper()
	ch := make(chan outcome, 1)
	require.NoError(t, g.SubmitLinearTask(in, func(index int64, res any, err error) {
		ch <- outcome{index, res, err}
	}))
	select {
	case r := <-ch:
		return r
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for the callback")
		return outcome{}
	}
}

func TestGroupSubmitAndRecover(t *testing.T) {
	defer leaktest.AfterTest(t)()
	fs := vfs.NewMem()
	sm := &kvStateMachine{}
	opts := testOptions(fs, sm)
	reg := prometheus.NewRegistry()
	opts.Registerer = reg
	g := openGroup(t, opts)
	require.True(t, g.IsLeader())

	const n = 100
	var released atomic.Int32
	var eg errgroup.Group
	for w := 0; w < 4; w++ {
		eg.Go(func() error {
			for i := 0; i < n/4; i++ {
				errCh := make(chan error, 1)
				in := &Input{
					Body:    []byte(fmt.Sprintf("w%d-%d", w, i)),
					Release: func() { released.Add(1) },
				}
				if err := g.SubmitLinearTask(in, func(_ int64, _ any, err error) { errCh <- err }); err != nil {
					return err
				}
				select {
				case err := <-errCh:
					if err != nil {
						return err
					}
				case <-time.After(testTimeout):
					return errors.New("timed out waiting for the callback")
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.Equal(t, int32(n), released.Load())
	require.Equal(t, int64(0), g.Gate().Stat().Requests())
	require.Equal(t, int64(0), g.Gate().Stat().Bytes())

	// Index 1 is the leader's first entry, so client entries start at 2.
	indexes, bodies := sm.snapshot()
	require.Len(t, bodies, n)
	for i, idx := range indexes {
		require.Equal(t, int64(i+2), idx)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	readIndex, err := g.LeaseReadIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(n+1), readIndex)

	r := submit(t, g, &Input{ReadOnly: true})
	require.NoError(t, r.err)
	require.Equal(t, int64(n+1), r.index)
	require.Equal(t, n, r.result)

	count, err := testutil.GatherAndCount(reg, "raftcore_chain_writer_faults_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
	closeGroup(t, g)

	// Reopening replays the log into a fresh state machine and starts a new
	// term.
	sm2 := &kvStateMachine{}
	g2 := openGroup(t, testOptions(fs, sm2))
	_, bodies2 := sm2.snapshot()
	require.Equal(t, bodies, bodies2)
	readIndex, err = g2.LeaseReadIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(n+2), readIndex)
	require.True(t, g2.IsLeader())

	r = submit(t, g2, &Input{Body: []byte("after restart")})
	require.NoError(t, r.err)
	require.Equal(t, int64(n+3), r.index)
	closeGroup(t, g2)
}

func TestGroupFlowControl(t *testing.T) {
	defer leaktest.AfterTest(t)()
	opts := testOptions(vfs.NewMem(), &kvStateMachine{})
	opts.Config.MaxPendingBytes = 100
	g := openGroup(t, opts)
	defer closeGroup(t, g)

	var released int
	called := false
	err := g.SubmitLinearTask(&Input{
		Body:    make([]byte, 100),
		Release: func() { released++ },
	}, func(int64, any, error) { called = true })
	require.True(t, errors.Is(err, ErrFlowControl), "%v", err)
	require.Equal(t, 1, released)
	require.False(t, called)
	require.Equal(t, int64(0), g.Gate().Stat().Requests())
	require.Equal(t, int64(0), g.Gate().Stat().Bytes())

	r := submit(t, g, &Input{Body: make([]byte, 99)})
	require.NoError(t, r.err)
}

func TestGroupStopped(t *testing.T) {
	defer leaktest.AfterTest(t)()
	g := openGroup(t, testOptions(vfs.NewMem(), &kvStateMachine{}))
	closeGroup(t, g)

	var released int
	err := g.SubmitLinearTask(&Input{Release: func() { released++ }}, nil)
	require.ErrorIs(t, err, ErrGroupStopped)
	require.Equal(t, 1, released)
	_, err = g.LeaseReadIndex(context.Background())
	require.ErrorIs(t, err, ErrGroupStopped)
	require.False(t, g.IsLeader())
}

// TestGroupLogFault checks that a failing raft log fails the pending inputs,
// stops the group and rejects later inputs.
func TestGroupLogFault(t *testing.T) {
	defer leaktest.AfterTest(t)()
	toggle := &errorfs.Toggle{Injector: errorfs.PathMatch("data/raft.log",
		errorfs.OpMatch(errorfs.OpFileSync, errorfs.Always()))}
	g := openGroup(t, testOptions(errorfs.Wrap(vfs.NewMem(), toggle), &kvStateMachine{}))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := g.LeaseReadIndex(ctx)
	require.NoError(t, err)
	toggle.On()

	r := submit(t, g, &Input{Body: []byte("lost")})
	require.ErrorIs(t, r.err, errorfs.ErrInjected)
	select {
	case <-g.FiberGroup().ShutdownFuture():
	case <-time.After(testTimeout):
		t.Fatal("group did not stop")
	}
	err = g.SubmitLinearTask(&Input{}, nil)
	require.ErrorIs(t, err, ErrGroupStopped)
	require.Equal(t, int64(0), g.Gate().Stat().Requests())
	closeGroup(t, g)
}

func TestGroupCorruptStatus(t *testing.T) {
	defer leaktest.AfterTest(t)()
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("data", 0755))
	f, err := fs.Create("data/raft.status")
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("garbage"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = Open(ctx, testOptions(fs, &kvStateMachine{}))
	require.True(t, errors.Is(err, base.ErrCorruption), "%+v", err)
}

// newBareGroup returns a group without a runner, for driving the published
// status by hand.
func newBareGroup(t *testing.T) (*Group, func()) {
	d := fiber.NewDispatcher("test", fiber.DispatcherOptions{Logger: &base.InMemLogger{}})
	require.NoError(t, d.Start())
	fg := d.CreateGroup("bare")
	require.NoError(t, d.StartGroup(fg))
	g := &Group{id: 1, nodeID: 1, fg: fg, logger: &base.InMemLogger{}}
	g.mu.readyCh = make(chan struct{})
	g.shareStatus.Store(&ShareStatus{})
	return g, func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		require.NoError(t, d.Stop(ctx))
	}
}

func TestLeaseReadIndex(t *testing.T) {
	defer leaktest.AfterTest(t)()
	g, stop := newBareGroup(t)
	defer stop()
	ctx := context.Background()

	_, err := g.LeaseReadIndex(ctx)
	require.True(t, errors.Is(err, ErrNotLeader), "%v", err)

	g.PublishShareStatus(&ShareStatus{Role: RoleFollower, LeaderID: 3})
	_, err = g.LeaseReadIndex(ctx)
	var nle *NotLeaderError
	require.True(t, errors.As(err, &nle))
	require.Equal(t, 3, nle.LeaderID)
	require.Equal(t, "not leader, current leader is 3", err.Error())

	// An expired lease is reported as lost leadership.
	g.PublishShareStatus(&ShareStatus{
		Role: RoleLeader, LeaderID: 1, GroupReady: true, LastApplied: 10,
		LeaseEnd: crtime.NowMono() - crtime.Mono(time.Second),
	})
	_, err = g.LeaseReadIndex(ctx)
	require.True(t, errors.Is(err, ErrNotLeader), "%v", err)
	require.True(t, errors.As(err, &nle))
	require.Equal(t, 1, nle.LeaderID)

	g.PublishShareStatus(&ShareStatus{
		Role: RoleLeader, LeaderID: 1, GroupReady: true, LastApplied: 10,
		LeaseEnd: crtime.NowMono() + crtime.Mono(time.Minute),
	})
	idx, err := g.LeaseReadIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(10), idx)

	// A leader that is not ready makes readers wait.
	g.PublishShareStatus(&ShareStatus{Role: RoleLeader, LeaderID: 1})
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = g.LeaseReadIndex(short)
	require.True(t, errors.Is(err, ErrNotReady), "%v", err)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)

	done := make(chan outcome, 1)
	go func() {
		idx, err := g.LeaseReadIndex(ctx)
		done <- outcome{index: idx, err: err}
	}()
	time.Sleep(5 * time.Millisecond)
	g.PublishShareStatus(&ShareStatus{
		Role: RoleLeader, LeaderID: 1, GroupReady: true, LastApplied: 12,
		LeaseEnd: crtime.NowMono() + crtime.Mono(time.Minute),
	})
	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, int64(12), r.index)
	case <-time.After(testTimeout):
		t.Fatal("lease read did not wake up")
	}
}

func TestReadLogItems(t *testing.T) {
	defer leaktest.AfterTest(t)()
	fs := vfs.NewMem()
	opts := testOptions(fs, &kvStateMachine{})
	g := openGroup(t, opts)
	for i := 0; i < 3; i++ {
		r := submit(t, g, &Input{BizType: uint32(i), Body: []byte(fmt.Sprint(i))})
		require.NoError(t, r.err)
	}
	closeGroup(t, g)

	items, err := ReadLogItems(fs, opts.Config.EnsureDefaults())
	require.NoError(t, err)
	require.Len(t, items, 4)
	require.Equal(t, LogItemType(store.LogRecordHeartbeat), items[0].Type)
	for i, it := range items[1:] {
		require.Equal(t, store.LogRecordNormal, it.Type)
		require.Equal(t, int64(i+2), it.Index)
		require.Equal(t, int64(1), it.Term)
		require.Equal(t, uint32(i), it.BizType)
		require.Equal(t, fmt.Sprint(i), string(it.Body))
	}
}
