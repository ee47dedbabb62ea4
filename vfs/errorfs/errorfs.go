// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package errorfs wraps a vfs.FS and injects errors into selected
// operations, for testing the I/O failure paths.
package errorfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/vfs"
)

// ErrInjected is an error artificially injected for testing fs error paths.
var ErrInjected = errors.New("injected error")

// Op is an enum describing the type of operation.
type Op int

const (
	// OpCreate describes a create file operation.
	OpCreate Op = iota
	// OpOpen describes a read-only file open operation.
	OpOpen
	// OpOpenReadWrite describes a read-write file open operation.
	OpOpenReadWrite
	// OpRemove describes a remove file operation.
	OpRemove
	// OpRename describes a rename operation.
	OpRename
	// OpMkdirAll describes a make directory including parents operation.
	OpMkdirAll
	// OpList describes a list directory operation.
	OpList
	// OpStat describes a path-based stat operation.
	OpStat
	// OpFileClose describes a close file operation.
	OpFileClose
	// OpFileReadAt describes a file positional read operation.
	OpFileReadAt
	// OpFileWriteAt describes a file positional write operation.
	OpFileWriteAt
	// OpFileStat describes a file stat operation.
	OpFileStat
	// OpFileSync describes a file sync or data sync operation.
	OpFileSync
	// OpFileTruncate describes a file truncate operation.
	OpFileTruncate
)

var opNames = [...]string{
	OpCreate:        "create",
	OpOpen:          "open",
	OpOpenReadWrite: "open-read-write",
	OpRemove:        "remove",
	OpRename:        "rename",
	OpMkdirAll:      "mkdir-all",
	OpList:          "list",
	OpStat:          "stat",
	OpFileClose:     "close",
	OpFileReadAt:    "read-at",
	OpFileWriteAt:   "write-at",
	OpFileStat:      "file-stat",
	OpFileSync:      "sync",
	OpFileTruncate:  "truncate",
}

// String implements fmt.Stringer.
func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// OpKind returns the operation's kind.
func (o Op) OpKind() OpKind {
	switch o {
	case OpOpen, OpList, OpStat, OpFileReadAt, OpFileStat:
		return OpKindRead
	case OpCreate, OpOpenReadWrite, OpRemove, OpRename, OpMkdirAll, OpFileClose,
		OpFileWriteAt, OpFileSync, OpFileTruncate:
		return OpKindWrite
	default:
		panic(fmt.Sprintf("unrecognized op %v\n", o))
	}
}

// OpKind is an enum describing whether an operation is a read or write
// operation.
type OpKind int

const (
	// OpKindRead describes read operations.
	OpKindRead OpKind = iota
	// OpKindWrite describes write operations.
	OpKindWrite
)

// Injector injects errors into FS operations.
type Injector interface {
	// MaybeError is invoked by an errorfs before an operation is executed. It
	// is passed an enum indicating the type of operation and a path of the
	// subject file or directory. If the operation takes two paths (Rename),
	// the original source path is provided.
	MaybeError(op Op, path string) error
}

// InjectorFunc implements the Injector interface for a function with
// MaybeError's signature.
type InjectorFunc func(Op, string) error

// MaybeError implements the Injector interface.
func (f InjectorFunc) MaybeError(op Op, path string) error { return f(op, path) }

// Always returns an injector that always injects an error.
func Always() Injector {
	return InjectorFunc(func(Op, string) error { return errors.WithStack(ErrInjected) })
}

// OnIndex constructs an injector that returns an error on the (n+1)-th
// invocation of its MaybeError function that reaches it.
func OnIndex(index int32, next Injector) *InjectIndex {
	ii := &InjectIndex{next: next}
	ii.index.Store(index)
	return ii
}

// InjectIndex implements Injector, injecting an error at a specific index.
type InjectIndex struct {
	index atomic.Int32
	next  Injector
}

// Index returns the index at which the error will be injected.
func (ii *InjectIndex) Index() int32 { return ii.index.Load() }

// SetIndex sets the index at which the error will be injected.
func (ii *InjectIndex) SetIndex(v int32) { ii.index.Store(v) }

// MaybeError implements the Injector interface.
func (ii *InjectIndex) MaybeError(op Op, path string) error {
	if ii.index.Add(-1) != -1 {
		return nil
	}
	return ii.next.MaybeError(op, path)
}

// Counted returns an injector that delegates to next for the first n
// operations reaching it and lets every later operation through. Injected
// reports how many errors were produced.
func Counted(n int32, next Injector) *CountedInjector {
	c := &CountedInjector{next: next}
	c.remaining.Store(n)
	return c
}

// CountedInjector implements Injector, injecting at most a fixed number of
// errors.
type CountedInjector struct {
	remaining atomic.Int32
	injected  atomic.Int32
	next      Injector
}

// MaybeError implements the Injector interface.
func (c *CountedInjector) MaybeError(op Op, path string) error {
	if c.remaining.Load() <= 0 {
		return nil
	}
	err := c.next.MaybeError(op, path)
	if err != nil {
		if c.remaining.Add(-1) < 0 {
			return nil
		}
		c.injected.Add(1)
	}
	return err
}

// Injected returns the number of errors injected so far.
func (c *CountedInjector) Injected() int32 { return c.injected.Load() }

// OpMatch returns an injector that injects an error for operations of type
// op for which the provided next injector injects an error.
func OpMatch(op Op, next Injector) Injector {
	return InjectorFunc(func(o Op, path string) error {
		if o == op {
			return next.MaybeError(o, path)
		}
		return nil
	})
}

// PathMatch returns an injector that injects an error on file paths that
// match the provided pattern (according to filepath.Match) and for which the
// provided next injector injects an error.
func PathMatch(pattern string, next Injector) Injector {
	return InjectorFunc(func(op Op, path string) error {
		if matched, err := filepath.Match(pattern, path); err != nil {
			// Only possible error is ErrBadPattern, indicating an issue with
			// the test itself.
			panic(err)
		} else if matched {
			return next.MaybeError(op, path)
		}
		return nil
	})
}

// Toggle is an injector that can be switched on and off at runtime.
type Toggle struct {
	Injector
	on atomic.Bool
}

// On enables injection.
func (t *Toggle) On() { t.on.Store(true) }

// Off disables injection.
func (t *Toggle) Off() { t.on.Store(false) }

// MaybeError implements the Injector interface.
func (t *Toggle) MaybeError(op Op, path string) error {
	if !t.on.Load() {
		return nil
	}
	return t.Injector.MaybeError(op, path)
}

// FS implements vfs.FS, injecting errors into the wrapped FS.
type FS struct {
	fs  vfs.FS
	inj Injector
}

var _ vfs.FS = (*FS)(nil)

// Wrap wraps an existing vfs.FS implementation, returning a new vfs.FS
// implementation which shadows operations to the provided FS. It uses the
// provided Injector for deciding when to inject errors.
func Wrap(fs vfs.FS, inj Injector) *FS {
	return &FS{fs: fs, inj: inj}
}

// Unwrap returns the FS implementation underlying fs.
func (fs *FS) Unwrap() vfs.FS {
	return fs.fs
}

// Create implements FS.Create.
func (fs *FS) Create(name string) (vfs.File, error) {
	if err := fs.inj.MaybeError(OpCreate, name); err != nil {
		return nil, err
	}
	f, err := fs.fs.Create(name)
	if err != nil {
		return nil, err
	}
	return &errorFile{name, f, fs.inj}, nil
}

// OpenReadWrite implements FS.OpenReadWrite.
func (fs *FS) OpenReadWrite(name string) (vfs.File, error) {
	if err := fs.inj.MaybeError(OpOpenReadWrite, name); err != nil {
		return nil, err
	}
	f, err := fs.fs.OpenReadWrite(name)
	if err != nil {
		return nil, err
	}
	return &errorFile{name, f, fs.inj}, nil
}

// Open implements FS.Open.
func (fs *FS) Open(name string) (vfs.File, error) {
	if err := fs.inj.MaybeError(OpOpen, name); err != nil {
		return nil, err
	}
	f, err := fs.fs.Open(name)
	if err != nil {
		return nil, err
	}
	return &errorFile{name, f, fs.inj}, nil
}

// PathJoin implements FS.PathJoin.
func (fs *FS) PathJoin(elem ...string) string {
	return fs.fs.PathJoin(elem...)
}

// Remove implements FS.Remove.
func (fs *FS) Remove(name string) error {
	if err := fs.inj.MaybeError(OpRemove, name); err != nil {
		return err
	}
	return fs.fs.Remove(name)
}

// Rename implements FS.Rename.
func (fs *FS) Rename(oldname, newname string) error {
	if err := fs.inj.MaybeError(OpRename, oldname); err != nil {
		return err
	}
	return fs.fs.Rename(oldname, newname)
}

// MkdirAll implements FS.MkdirAll.
func (fs *FS) MkdirAll(dir string, perm os.FileMode) error {
	if err := fs.inj.MaybeError(OpMkdirAll, dir); err != nil {
		return err
	}
	return fs.fs.MkdirAll(dir, perm)
}

// List implements FS.List.
func (fs *FS) List(dir string) ([]string, error) {
	if err := fs.inj.MaybeError(OpList, dir); err != nil {
		return nil, err
	}
	return fs.fs.List(dir)
}

// Stat implements FS.Stat.
func (fs *FS) Stat(name string) (os.FileInfo, error) {
	if err := fs.inj.MaybeError(OpStat, name); err != nil {
		return nil, err
	}
	return fs.fs.Stat(name)
}

// errorFile implements vfs.File. The interface is implemented on the pointer
// type to allow pointer equality comparisons.
type errorFile struct {
	path string
	file vfs.File
	inj  Injector
}

func (f *errorFile) Close() error {
	// We don't inject errors during close as those calls should never fail in
	// practice.
	return f.file.Close()
}

func (f *errorFile) ReadAt(p []byte, off int64) (int, error) {
	if err := f.inj.MaybeError(OpFileReadAt, f.path); err != nil {
		return 0, err
	}
	return f.file.ReadAt(p, off)
}

func (f *errorFile) WriteAt(p []byte, off int64) (int, error) {
	if err := f.inj.MaybeError(OpFileWriteAt, f.path); err != nil {
		return 0, err
	}
	return f.file.WriteAt(p, off)
}

func (f *errorFile) Stat() (os.FileInfo, error) {
	if err := f.inj.MaybeError(OpFileStat, f.path); err != nil {
		return nil, err
	}
	return f.file.Stat()
}

func (f *errorFile) Sync() error {
	if err := f.inj.MaybeError(OpFileSync, f.path); err != nil {
		return err
	}
	return f.file.Sync()
}

func (f *errorFile) SyncData() error {
	if err := f.inj.MaybeError(OpFileSync, f.path); err != nil {
		return err
	}
	return f.file.SyncData()
}

func (f *errorFile) Truncate(size int64) error {
	if err := f.inj.MaybeError(OpFileTruncate, f.path); err != nil {
		return err
	}
	return f.file.Truncate(size)
}
