// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package store

import (
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/raftcore/fiber"
	"github.com/cockroachdb/raftcore/internal/bufpool"
	"github.com/cockroachdb/redact"
)

// WriteTask is one write submitted to a ChainWriter.
type WriteTask struct {
	File *DtFile
	// Pos is the offset the buffer is written at and ExpectNextPos the offset
	// the next write to the same file must start at.
	Pos           int64
	ExpectNextPos int64
	Force         bool
	ItemCount     int
	Bytes         int64
	// LastIndex is the highest index covered by the write. Callbacks are
	// invoked with the last task of a batch, so consumers treat it as a high
	// water mark.
	LastIndex int64

	// ForceItemCount and ForceBytes accumulate the writes covered by the
	// force of this task, including writes merged into it.
	ForceItemCount int
	ForceBytes     int64

	buf   *bufpool.Buffer
	done  *fiber.Future[struct{}]
	start crtime.Mono
}

// SafeFormat implements redact.SafeFormatter.
func (t *WriteTask) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("write(file=%s pos=%d len=%d index=%d", t.File, t.Pos, t.Bytes, t.LastIndex)
	if t.Force {
		w.SafeString(" force")
	}
	w.SafeRune(')')
}

// String implements fmt.Stringer.
func (t *WriteTask) String() string {
	return redact.StringWithoutMarkers(t)
}
