// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package store

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/internal/base"
	"github.com/cockroachdb/raftcore/internal/ioexec"
)

// ChainWriterOptions configures a ChainWriter.
type ChainWriterOptions struct {
	// Executor runs the blocking writes and syncs. Required.
	Executor *ioexec.Executor

	// RetryInterval is the backoff schedule for failed forces. The last entry
	// is reused once the schedule is exhausted. Defaults to
	// DefaultRetryInterval.
	RetryInterval []time.Duration

	// RetryForever keeps retrying failed forces until the group is stopping.
	// Otherwise a force fails once RetryInterval is exhausted.
	RetryForever bool

	// SyncMetadata makes forces flush file metadata (fsync instead of
	// fdatasync).
	SyncMetadata bool

	// OnFault is invoked on the dispatcher goroutine when the writer faults.
	OnFault func(err error)

	Logger base.Logger

	// Metrics is optional.
	Metrics *ChainWriterMetrics
}

// EnsureDefaults fills in unset options.
func (o *ChainWriterOptions) EnsureDefaults() *ChainWriterOptions {
	if o.RetryInterval == nil {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.Metrics == nil {
		o.Metrics = &ChainWriterMetrics{}
	}
	return o
}

// Validate checks the options for consistency.
func (o *ChainWriterOptions) Validate() error {
	if o.Executor == nil {
		return errors.New("store: chain writer requires an executor")
	}
	for i, d := range o.RetryInterval {
		if d < 0 {
			return errors.Newf("store: negative retry interval %s at position %d", d, i)
		}
	}
	return nil
}
