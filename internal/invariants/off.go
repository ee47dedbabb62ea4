// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !invariants && !race

package invariants

// Enabled is true if we were built with the "invariants" or "race" build tags.
const Enabled = false

// ReleaseChecker is used to check that pooled objects are released exactly
// once per acquisition. It is empty and does nothing in non-invariant builds.
type ReleaseChecker struct{}

// Acquire marks the object as handed out again.
func (c *ReleaseChecker) Acquire() {}

// Release panics if called twice without an intervening Acquire (if we were
// built with the "invariants" or "race" build tags).
func (c *ReleaseChecker) Release() {}

// AssertNotReleased panics in invariant builds if Release was called.
func (c *ReleaseChecker) AssertNotReleased() {}

// CheckNonNegative panics in invariant builds if v is negative.
func CheckNonNegative(name string, v int64) {}
