// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestCorruptionMarkers(t *testing.T) {
	err := CorruptionErrorf("bad length %d", 7)
	require.True(t, errors.Is(err, ErrCorruption))
	require.False(t, errors.Is(err, ErrChecksumMismatch))
	require.Equal(t, "bad length 7", err.Error())

	err = ChecksumErrorf("crc %x", 0xab)
	require.True(t, errors.Is(err, ErrChecksumMismatch))
	require.False(t, errors.Is(err, ErrCorruption))

	err = MarkCorruptionError(io.ErrUnexpectedEOF)
	require.True(t, errors.Is(err, ErrCorruption))
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	require.Equal(t, err, MarkCorruptionError(err))
}

func TestInMemLogger(t *testing.T) {
	var l InMemLogger
	l.Infof("hello %d", 1)
	l.Warnf("careful\n")
	l.Errorf("broken")
	require.Equal(t, "hello 1\n[WARN] careful\n[ERROR] broken\n", l.String())
	l.Reset()
	require.Equal(t, "", l.String())
}
