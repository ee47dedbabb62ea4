// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build invariants || race
// +build invariants race

package invariants

import "fmt"

// Enabled is true if we were built with the "invariants" or "race" build tags.
const Enabled = true

// ReleaseChecker is used to check that pooled objects are released exactly
// once per acquisition.
type ReleaseChecker struct {
	released bool
}

// Acquire marks the object as handed out again.
func (c *ReleaseChecker) Acquire() {
	c.released = false
}

// Release panics if called twice without an intervening Acquire (if we were
// built with the "invariants" or "race" build tags).
func (c *ReleaseChecker) Release() {
	if c.released {
		panic("double release")
	}
	c.released = true
}

// AssertNotReleased panics in invariant builds if Release was called.
func (c *ReleaseChecker) AssertNotReleased() {
	if c.released {
		panic("use after release")
	}
}

// CheckNonNegative panics in invariant builds if v is negative.
func CheckNonNegative(name string, v int64) {
	if v < 0 {
		panic(fmt.Sprintf("%s is negative: %d", name, v))
	}
}
