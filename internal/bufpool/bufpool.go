// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package bufpool provides a goroutine-safe pool of byte buffers bucketed by
// power-of-two capacity.
package bufpool

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/raftcore/internal/invariants"
)

const (
	minClassShift = 9  // 512B
	maxClassShift = 22 // 4MiB
	numClasses    = maxClassShift - minClassShift + 1
)

// Buffer is a byte slice borrowed from a Pool. B has length n as requested
// from Get and capacity equal to the buffer's size class.
type Buffer struct {
	B     []byte
	pool  *Pool
	class int8 // -1 if not pooled
	rc    invariants.ReleaseChecker
}

// Len returns len(b.B).
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.B)
}

// Release returns the buffer to its pool. The buffer must not be used after
// Release. Releasing a nil buffer is a no-op.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	b.rc.Release()
	p := b.pool
	if p == nil {
		return
	}
	p.outstanding.Add(-1)
	if b.class < 0 {
		return
	}
	b.B = b.B[:0]
	p.classes[b.class].Put(b)
}

// Pool is a set of sync.Pools, one per size class. The zero value is ready
// to use.
type Pool struct {
	classes     [numClasses]sync.Pool
	outstanding atomic.Int64
}

// New returns a new Pool.
func New() *Pool {
	return &Pool{}
}

func classFor(n int) int {
	if n <= 1<<minClassShift {
		return 0
	}
	shift := bits.Len(uint(n - 1))
	if shift > maxClassShift {
		return -1
	}
	return shift - minClassShift
}

// Get returns a buffer of length n. Buffers larger than the largest size
// class are allocated directly and dropped on release.
func (p *Pool) Get(n int) *Buffer {
	p.outstanding.Add(1)
	c := classFor(n)
	if c < 0 {
		return &Buffer{B: make([]byte, n), pool: p, class: -1}
	}
	if v := p.classes[c].Get(); v != nil {
		b := v.(*Buffer)
		b.rc.Acquire()
		b.B = b.B[:n]
		return b
	}
	return &Buffer{
		B:     make([]byte, n, 1<<(c+minClassShift)),
		pool:  p,
		class: int8(c),
	}
}

// Outstanding returns the number of buffers handed out by Get and not yet
// released.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Wrap returns an unpooled Buffer around b. Releasing it does nothing.
func Wrap(b []byte) *Buffer {
	return &Buffer{B: b, class: -1}
}
