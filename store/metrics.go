// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package store

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// ChainWriterMetrics holds the optional instrumentation of a ChainWriter.
// Any nil field is skipped.
type ChainWriterMetrics struct {
	// WriteLatency is the time from submission to write completion.
	WriteLatency prometheus.Histogram
	// ForceLatency is the time spent in a (possibly retried) force.
	ForceLatency prometheus.Histogram
	// ForceBatchItems is the number of items covered by one force.
	ForceBatchItems prometheus.Histogram
	// Faults counts write and force failures that faulted the writer.
	Faults prometheus.Counter
}

// NewChainWriterMetrics returns metrics labeled with the writer name.
func NewChainWriterMetrics(writer string) *ChainWriterMetrics {
	labels := prometheus.Labels{"writer": writer}
	latencyBuckets := prometheus.ExponentialBucketsRange(
		float64(10*time.Microsecond), float64(10*time.Second), 30)
	return &ChainWriterMetrics{
		WriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "raftcore",
			Subsystem:   "chain_writer",
			Name:        "write_latency_nanos",
			Help:        "Latency of chain writer writes.",
			ConstLabels: labels,
			Buckets:     latencyBuckets,
		}),
		ForceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "raftcore",
			Subsystem:   "chain_writer",
			Name:        "force_latency_nanos",
			Help:        "Latency of chain writer forces, including retries.",
			ConstLabels: labels,
			Buckets:     latencyBuckets,
		}),
		ForceBatchItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "raftcore",
			Subsystem:   "chain_writer",
			Name:        "force_batch_items",
			Help:        "Number of items made durable by one force.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 16),
		}),
		Faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "raftcore",
			Subsystem:   "chain_writer",
			Name:        "faults_total",
			Help:        "Number of I/O failures that faulted the chain writer.",
			ConstLabels: labels,
		}),
	}
}

// Register registers every non-nil metric with r.
func (m *ChainWriterMetrics) Register(r prometheus.Registerer) error {
	var err error
	for _, c := range []prometheus.Collector{m.WriteLatency, m.ForceLatency, m.ForceBatchItems, m.Faults} {
		if c == nil {
			continue
		}
		err = errors.CombineErrors(err, r.Register(c))
	}
	return err
}

func observe(h prometheus.Histogram, v float64) {
	if h != nil {
		h.Observe(v)
	}
}
