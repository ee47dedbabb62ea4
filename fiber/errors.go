// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package fiber

import "github.com/cockroachdb/errors"

// ErrFatal marks errors after which the state shared by the fibers of a group
// can no longer be trusted. A fatal error that escapes a fiber shuts down the
// fiber's whole group.
var ErrFatal = errors.New("fiber: fatal error")

// ErrTimeout is delivered to fibers whose timed wait expired.
var ErrTimeout = errors.New("fiber: timeout")

// ErrGroupStopped is returned by operations that need a running group.
var ErrGroupStopped = errors.New("fiber: group is stopping")

// Severity classifies an error for retry decisions.
type Severity int8

const (
	// SeverityRetryable errors may succeed when the operation is repeated.
	SeverityRetryable Severity = iota
	// SeverityFatal errors must not be retried; the group is shut down.
	SeverityFatal
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case SeverityRetryable:
		return "retryable"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Fatal marks err as fatal. It returns nil if err is nil.
func Fatal(err error) error {
	if err == nil || errors.Is(err, ErrFatal) {
		return err
	}
	return errors.Mark(err, ErrFatal)
}

// IsFatal returns true if err was marked fatal or is an assertion failure.
func IsFatal(err error) bool {
	return err != nil && (errors.Is(err, ErrFatal) || errors.IsAssertionFailure(err))
}

// Classify returns the severity of err.
func Classify(err error) Severity {
	if IsFatal(err) {
		return SeverityFatal
	}
	return SeverityRetryable
}

// contractViolationf returns a fatal assertion error. Contract violations are
// programming errors (reusing a frame that was not drained, offering a task
// twice, non-contiguous writes) and are never recovered from.
func contractViolationf(format string, args ...interface{}) error {
	return Fatal(errors.AssertionFailedf(format, args...))
}

// ContractViolationf is the exported form of contractViolationf for packages
// layered on top of the scheduler.
func ContractViolationf(format string, args ...interface{}) error {
	return Fatal(errors.AssertionFailedWithDepthf(1, format, args...))
}
