// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package fiber

import (
	"container/heap"
	"time"

	"github.com/cockroachdb/crlib/crtime"
)

type timer struct {
	when  crtime.Mono
	seq   uint64
	fn    func()
	index int // -1 once fired or canceled
}

// timerHeap is a min-heap of timers ordered by deadline, then by creation
// order.
type timerHeap []*timer

var _ heap.Interface = (*timerHeap)(nil)

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when != h[j].when {
		return h[i].when < h[j].when
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// addTimer arranges for fn to run on the dispatcher goroutine after d.
func (d *Dispatcher) addTimer(delay time.Duration, fn func()) *timer {
	d.timerSeq++
	t := &timer{
		when: crtime.NowMono() + crtime.Mono(delay),
		seq:  d.timerSeq,
		fn:   fn,
	}
	heap.Push(&d.timers, t)
	return t
}

func (d *Dispatcher) cancelTimer(t *timer) {
	if t.index >= 0 {
		heap.Remove(&d.timers, t.index)
	}
}

// fireTimers runs every timer whose deadline has passed.
func (d *Dispatcher) fireTimers(now crtime.Mono) {
	for len(d.timers) > 0 && d.timers[0].when <= now {
		t := heap.Pop(&d.timers).(*timer)
		t.fn()
	}
}

// nextTimer returns the time until the earliest deadline.
func (d *Dispatcher) nextTimer(now crtime.Mono) (time.Duration, bool) {
	if len(d.timers) == 0 {
		return 0, false
	}
	return max(time.Duration(d.timers[0].when-now), 0), true
}
