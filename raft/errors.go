// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package raft

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/fiber"
	"github.com/cockroachdb/redact"
)

var (
	// ErrFlowControl marks the rejection of a request by the admission gate.
	// The caller may retry later; the group is not affected.
	ErrFlowControl = errors.New("raft: flow control")

	// ErrNotLeader marks requests that need the leader and reached another
	// member, or a leader whose lease has expired.
	ErrNotLeader = errors.New("raft: not leader")

	// ErrNotReady marks lease reads that gave up waiting for the group to
	// become ready.
	ErrNotReady = errors.New("raft: group not ready")

	// ErrGroupStopped is returned once the group is stopping.
	ErrGroupStopped = fiber.ErrGroupStopped
)

// FlowControlError is returned by the admission gate. It carries the counter
// that exceeded its limit.
type FlowControlError struct {
	// Requests is true if the pending request count hit its limit, false if
	// the pending bytes did.
	Requests bool
	// Pending is the value of the counter including the rejected request.
	Pending int64
	// Size is the flow control size of the rejected request.
	Size int64
	// Limit is the limit that was exceeded.
	Limit int64
}

var _ redact.SafeFormatter = (*FlowControlError)(nil)

// SafeFormat implements redact.SafeFormatter.
func (e *FlowControlError) SafeFormat(w redact.SafePrinter, _ rune) {
	if e.Requests {
		w.Printf("too many pending requests: %d, limit %d", e.Pending, e.Limit)
		return
	}
	w.Printf("too many pending bytes: %d (request %d), limit %d", e.Pending, e.Size, e.Limit)
}

func (e *FlowControlError) Error() string { return redact.Sprint(e).StripMarkers() }

// Is makes errors.Is(err, ErrFlowControl) hold.
func (e *FlowControlError) Is(target error) bool { return target == ErrFlowControl }

// NotLeaderError is returned by operations that need the leader. LeaderID is
// the current leader as known locally, or 0 if unknown.
type NotLeaderError struct {
	LeaderID int
}

var _ redact.SafeFormatter = (*NotLeaderError)(nil)

// SafeFormat implements redact.SafeFormatter.
func (e *NotLeaderError) SafeFormat(w redact.SafePrinter, _ rune) {
	if e.LeaderID == 0 {
		w.Printf("not leader, leader unknown")
		return
	}
	w.Printf("not leader, current leader is %d", e.LeaderID)
}

func (e *NotLeaderError) Error() string { return redact.Sprint(e).StripMarkers() }

// Is makes errors.Is(err, ErrNotLeader) hold.
func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }
