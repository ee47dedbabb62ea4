// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package store

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/fiber"
	"github.com/cockroachdb/raftcore/vfs"
	"github.com/cockroachdb/redact"
)

// DtFile is an open file together with the number of writes and forces that
// still reference it. The count is only touched on the dispatcher goroutine
// of the owning group, so it needs no lock. The file may only be closed once
// the count has dropped to zero.
type DtFile struct {
	name    string
	file    vfs.File
	writers int
	drained *fiber.Condition
}

// NewDtFile wraps file. name is used in logs and errors.
func NewDtFile(name string, file vfs.File, g *fiber.Group) *DtFile {
	return &DtFile{
		name:    name,
		file:    file,
		drained: g.NewCondition("noWriters:" + name),
	}
}

// Name returns the name of the file.
func (d *DtFile) Name() string { return d.name }

// File returns the underlying file. It is safe to use from I/O goroutines.
func (d *DtFile) File() vfs.File { return d.file }

// Writers returns the number of writes and forces in flight.
func (d *DtFile) Writers() int { return d.writers }

// IncWriters records a new in-flight write or force.
func (d *DtFile) IncWriters() {
	d.writers++
}

// DecWriters releases one in-flight write or force. Releasing more than was
// acquired is a contract violation.
func (d *DtFile) DecWriters() {
	if d.writers <= 0 {
		panic(fiber.ContractViolationf("file %s: writer count would go negative", redact.SafeString(d.name)))
	}
	d.writers--
	if d.writers == 0 {
		d.drained.SignalAll()
	}
}

// AwaitNoWriters suspends the fiber until no write or force references the
// file.
func (d *DtFile) AwaitNoWriters(resume func() fiber.Step) fiber.Step {
	if d.writers == 0 {
		return fiber.Then(resume)
	}
	return d.drained.Await(func() fiber.Step {
		return d.AwaitNoWriters(resume)
	})
}

// Close closes the underlying file. It fails while writes are in flight.
func (d *DtFile) Close() error {
	if d.writers > 0 {
		return errors.Newf("file %s: cannot close with %d writers in flight",
			redact.SafeString(d.name), d.writers)
	}
	return d.file.Close()
}

// SafeFormat implements redact.SafeFormatter.
func (d *DtFile) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s", redact.SafeString(d.name))
}

// String implements fmt.Stringer.
func (d *DtFile) String() string {
	return redact.StringWithoutMarkers(d)
}
