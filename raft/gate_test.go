// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package raft

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/internal/base"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestGateRequests(t *testing.T) {
	stat := &PendingStat{}
	metrics := NewGateMetrics("1")
	g := NewGate(stat, 3, 1<<20, &base.InMemLogger{}, metrics)

	r1, err := g.Reserve(10)
	require.NoError(t, err)
	r2, err := g.Reserve(20)
	require.NoError(t, err)
	require.Equal(t, int64(2), stat.Requests())
	require.Equal(t, int64(30), stat.Bytes())

	// The third request brings the count to the limit.
	_, err = g.Reserve(5)
	require.True(t, errors.Is(err, ErrFlowControl), "%v", err)
	var fce *FlowControlError
	require.True(t, errors.As(err, &fce))
	require.True(t, fce.Requests)
	require.Equal(t, int64(3), fce.Pending)
	require.Equal(t, "too many pending requests: 3, limit 3", err.Error())
	require.Equal(t, int64(2), stat.Requests())
	require.Equal(t, int64(30), stat.Bytes())
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Rejections.WithLabelValues("requests")))

	// Release is idempotent.
	r1()
	r1()
	require.Equal(t, int64(1), stat.Requests())
	require.Equal(t, int64(20), stat.Bytes())
	r2()
	require.Equal(t, int64(0), stat.Requests())
	require.Equal(t, int64(0), stat.Bytes())
}

func TestGateBytes(t *testing.T) {
	stat := &PendingStat{}
	g := NewGate(stat, 100, 100, &base.InMemLogger{}, nil)

	r1, err := g.Reserve(60)
	require.NoError(t, err)
	_, err = g.Reserve(40)
	require.True(t, errors.Is(err, ErrFlowControl), "%v", err)
	var fce *FlowControlError
	require.True(t, errors.As(err, &fce))
	require.False(t, fce.Requests)
	require.Equal(t, int64(100), fce.Pending)
	require.Equal(t, int64(40), fce.Size)
	// Both counters are restored.
	require.Equal(t, int64(1), stat.Requests())
	require.Equal(t, int64(60), stat.Bytes())

	r2, err := g.Reserve(39)
	require.NoError(t, err)
	r1()
	r2()
	require.Equal(t, int64(0), stat.Requests())
	require.Equal(t, int64(0), stat.Bytes())
}

// TestGateConcurrent checks that the counters return to zero once every
// admitted request is released.
func TestGateConcurrent(t *testing.T) {
	const maxTasks = 16
	stat := &PendingStat{}
	g := NewGate(stat, maxTasks, 1<<40, base.NoopLogger{}, nil)

	var mu sync.Mutex
	var admitted, rejected int
	var eg errgroup.Group
	for w := 0; w < 8; w++ {
		eg.Go(func() error {
			for i := 0; i < 1000; i++ {
				release, err := g.Reserve(int64(i))
				if err != nil {
					if !errors.Is(err, ErrFlowControl) {
						return err
					}
					mu.Lock()
					rejected++
					mu.Unlock()
					continue
				}
				mu.Lock()
				admitted++
				mu.Unlock()
				release()
				release()
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.Equal(t, 8000, admitted+rejected)
	require.Equal(t, int64(0), stat.Requests())
	require.Equal(t, int64(0), stat.Bytes())
}
