// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build linux

package vfs

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

func wrapOSFile(f *os.File) File {
	return &linuxFile{File: f, fd: int(f.Fd())}
}

var _ File = (*linuxFile)(nil)

type linuxFile struct {
	*os.File
	fd int
}

func (f *linuxFile) SyncData() error {
	return errors.WithStack(unix.Fdatasync(f.fd))
}
