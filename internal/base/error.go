// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "github.com/cockroachdb/errors"

// ErrCorruption is a marker for structural corruption: a persisted record
// whose length or framing does not match any record that could have been
// written.
var ErrCorruption = errors.New("raftcore: corruption")

// ErrChecksumMismatch is a marker for a persisted record whose framing is
// intact but whose checksum does not match its content. It is kept distinct
// from ErrCorruption so callers can tell bit rot from torn or truncated files.
var ErrChecksumMismatch = errors.New("raftcore: checksum mismatch")

// MarkCorruptionError marks given error as a corruption error.
func MarkCorruptionError(err error) error {
	if errors.Is(err, ErrCorruption) {
		return err
	}
	return errors.Mark(err, ErrCorruption)
}

// CorruptionErrorf formats according to a format specifier and returns
// the string as an error value that is marked as a corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// ChecksumErrorf formats according to a format specifier and returns the
// string as an error value that is marked as a checksum mismatch.
func ChecksumErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrChecksumMismatch)
}
