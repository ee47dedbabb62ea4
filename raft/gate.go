// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package raft

import (
	"sync/atomic"

	"github.com/cockroachdb/raftcore/internal/base"
	"github.com/cockroachdb/raftcore/internal/invariants"
	"github.com/prometheus/client_golang/prometheus"
)

// PendingStat counts the client requests admitted and not yet completed. It
// may be shared by every group of a server. Only a Gate mutates it.
type PendingStat struct {
	requests atomic.Int64
	bytes    atomic.Int64
}

// Requests returns the number of pending requests.
func (s *PendingStat) Requests() int64 { return s.requests.Load() }

// Bytes returns the flow control size of the pending requests.
func (s *PendingStat) Bytes() int64 { return s.bytes.Load() }

// GateMetrics holds the optional instrumentation of a Gate.
type GateMetrics struct {
	// Rejections counts rejected requests, by the limit that was hit.
	Rejections *prometheus.CounterVec
}

// NewGateMetrics returns gate metrics labeled with the group.
func NewGateMetrics(group string) *GateMetrics {
	return &GateMetrics{
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "raftcore",
			Subsystem:   "gate",
			Name:        "rejections_total",
			Help:        "Number of client requests rejected by flow control.",
			ConstLabels: prometheus.Labels{"group": group},
		}, []string{"limit"}),
	}
}

// Register registers the metrics with r.
func (m *GateMetrics) Register(r prometheus.Registerer) error {
	if m.Rejections == nil {
		return nil
	}
	return r.Register(m.Rejections)
}

func (m *GateMetrics) rejected(limit string) {
	if m != nil && m.Rejections != nil {
		m.Rejections.WithLabelValues(limit).Inc()
	}
}

// Gate bounds the number and total size of in-flight client requests.
// Reserve is safe to call from any goroutine.
type Gate struct {
	stat     *PendingStat
	maxTasks int64
	maxBytes int64
	logger   base.Logger
	metrics  *GateMetrics
}

// NewGate returns a gate admitting requests into stat while the counters
// stay below maxTasks and maxBytes. metrics may be nil.
func NewGate(stat *PendingStat, maxTasks, maxBytes int64, logger base.Logger, metrics *GateMetrics) *Gate {
	if logger == nil {
		logger = base.DefaultLogger
	}
	return &Gate{stat: stat, maxTasks: maxTasks, maxBytes: maxBytes, logger: logger, metrics: metrics}
}

// Stat returns the counters of the gate.
func (g *Gate) Stat() *PendingStat { return g.stat }

// Reserve admits a request of the given flow control size. On success the
// returned release func must be called once the request completes; calling
// it more than once has no further effect. On rejection the counters are
// left unchanged and a *FlowControlError is returned.
//
// The limits apply to the counters after adding the request, so a gate
// configured with maxTasks N admits at most N-1 concurrent requests.
func (g *Gate) Reserve(size int64) (release func(), err error) {
	if n := g.stat.requests.Add(1); n >= g.maxTasks {
		g.stat.requests.Add(-1)
		g.metrics.rejected("requests")
		g.logger.Warnf("flow control: too many pending requests: %d, limit %d", n, g.maxTasks)
		return nil, &FlowControlError{Requests: true, Pending: n, Size: size, Limit: g.maxTasks}
	}
	if b := g.stat.bytes.Add(size); b >= g.maxBytes {
		g.stat.bytes.Add(-size)
		g.stat.requests.Add(-1)
		g.metrics.rejected("bytes")
		g.logger.Warnf("flow control: too many pending bytes: %d (request %d), limit %d", b, size, g.maxBytes)
		return nil, &FlowControlError{Pending: b, Size: size, Limit: g.maxBytes}
	}
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			invariants.CheckNonNegative("pending requests", g.stat.requests.Add(-1))
			invariants.CheckNonNegative("pending bytes", g.stat.bytes.Add(-size))
		}
	}, nil
}
