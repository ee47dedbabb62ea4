// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/crlib/crtime"
	"golang.org/x/sync/errgroup"
)

const (
	minLatency = 10 * time.Microsecond
	maxLatency = 10 * time.Second
)

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)
}

// opRecorder records the latencies of one kind of operation issued by one
// worker. Workers own their recorder, so the lock is only contended by ticks.
type opRecorder struct {
	op string
	mu struct {
		sync.Mutex
		hist *hdrhistogram.Histogram
	}
	// rejected counts the operations turned away by flow control.
	rejected atomic.Int64
}

// Since records the latency of an operation started at start.
func (r *opRecorder) Since(start crtime.Mono) {
	elapsed := min(max(start.Elapsed(), minLatency), maxLatency)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.mu.hist.RecordValue(elapsed.Nanoseconds()); err != nil {
		panic(fmt.Sprintf("%s: recording %s: %s", r.op, elapsed, err))
	}
}

// Rejected counts an operation rejected by flow control.
func (r *opRecorder) Rejected() { r.rejected.Add(1) }

// swap returns the histogram filled since the previous swap.
func (r *opRecorder) swap() (*hdrhistogram.Histogram, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.mu.hist
	r.mu.hist = newHistogram()
	return h, r.rejected.Swap(0)
}

// opTick summarizes one kind of operation over a reporting interval.
type opTick struct {
	Op string
	// Interval holds the latencies since the previous tick and Cumulative
	// those since the start of the run.
	Interval   *hdrhistogram.Histogram
	Cumulative *hdrhistogram.Histogram
	// Rejected is the number of flow control rejections in the interval.
	Rejected int64
	Elapsed  time.Duration
}

type opTotals struct {
	hist     *hdrhistogram.Histogram
	rejected int64
	lastTick crtime.Mono
}

// opRegistry merges the recorders of all workers by operation.
type opRegistry struct {
	start crtime.Mono
	mu    struct {
		sync.Mutex
		recorders []*opRecorder
	}
	totals map[string]*opTotals
}

func newOpRegistry() *opRegistry {
	return &opRegistry{start: crtime.NowMono(), totals: make(map[string]*opTotals)}
}

// Recorder returns a new recorder for op.
func (g *opRegistry) Recorder(op string) *opRecorder {
	r := &opRecorder{op: op}
	r.mu.hist = newHistogram()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mu.recorders = append(g.mu.recorders, r)
	return r
}

// Rejections returns the flow control rejections of op reported so far.
func (g *opRegistry) Rejections(op string) int64 {
	if t, ok := g.totals[op]; ok {
		return t.rejected
	}
	return 0
}

// Tick calls fn once per operation, in name order, with the latencies
// recorded since the previous tick. Ticks must not run concurrently.
func (g *opRegistry) Tick(fn func(opTick)) {
	g.mu.Lock()
	recorders := slices.Clone(g.mu.recorders)
	g.mu.Unlock()

	type merged struct {
		hist     *hdrhistogram.Histogram
		rejected int64
	}
	byOp := make(map[string]*merged)
	var ops []string
	for _, r := range recorders {
		h, rejected := r.swap()
		m, ok := byOp[r.op]
		if !ok {
			m = &merged{hist: newHistogram()}
			byOp[r.op] = m
			ops = append(ops, r.op)
		}
		m.hist.Merge(h)
		m.rejected += rejected
	}
	slices.Sort(ops)

	now := crtime.NowMono()
	for _, op := range ops {
		m := byOp[op]
		t, ok := g.totals[op]
		if !ok {
			t = &opTotals{hist: newHistogram(), lastTick: g.start}
			g.totals[op] = t
		}
		t.hist.Merge(m.hist)
		t.rejected += m.rejected
		fn(opTick{
			Op:         op,
			Interval:   m.hist,
			Cumulative: t.hist,
			Rejected:   m.rejected,
			Elapsed:    time.Duration(now - t.lastTick),
		})
		t.lastTick = now
	}
}

type test struct {
	// run starts the workers on g. They return once ctx is done.
	run  func(ctx context.Context, g *errgroup.Group)
	tick func(elapsed time.Duration, i int)
	done func(elapsed time.Duration)
}

// runTest runs t until the duration elapses, a worker fails or the process
// is interrupted. It returns the first worker error.
func runTest(t test) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	t.run(gctx, g)
	workersDone := make(chan error, 1)
	go func() { workersDone <- g.Wait() }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	start := crtime.NowMono()
	for i := 0; ; i++ {
		select {
		case <-ticker.C:
			t.tick(start.Elapsed(), i)

		case err := <-workersDone:
			t.done(start.Elapsed())
			return err
		}
	}
}

func millis(v int64) float64 {
	return time.Duration(v).Seconds() * 1000
}

func printTickHeader() {
	fmt.Println("_elapsed____ops/sec__p50(ms)__p95(ms)__p99(ms)_pMax(ms)_rejected")
}

func printTick(elapsed time.Duration, tick opTick) {
	h := tick.Interval
	fmt.Printf("%8s %10.1f %8.1f %8.1f %8.1f %8.1f %8d %s\n",
		elapsed.Round(time.Second),
		float64(h.TotalCount())/tick.Elapsed.Seconds(),
		millis(h.ValueAtQuantile(50)),
		millis(h.ValueAtQuantile(95)),
		millis(h.ValueAtQuantile(99)),
		millis(h.ValueAtQuantile(100)),
		tick.Rejected,
		tick.Op,
	)
}

func printCumulativeHeader() {
	fmt.Println("\n_elapsed_____ops(total)___ops/sec(cum)__avg(ms)__p50(ms)__p95(ms)__p99(ms)_pMax(ms)")
}

func printCumulative(elapsed time.Duration, tick opTick) {
	h := tick.Cumulative
	fmt.Printf("%7.1fs %14d %14.1f %8.1f %8.1f %8.1f %8.1f %8.1f %s\n",
		elapsed.Seconds(), h.TotalCount(),
		float64(h.TotalCount())/elapsed.Seconds(),
		h.Mean()/float64(time.Millisecond),
		millis(h.ValueAtQuantile(50)),
		millis(h.ValueAtQuantile(95)),
		millis(h.ValueAtQuantile(99)),
		millis(h.ValueAtQuantile(100)),
		tick.Op,
	)
}
