// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

// NewMem returns a new memory-backed FS implementation.
//
// Every file remembers the content it had at its last Sync or SyncData, so
// that CrashClone can produce the state a real disk would be left in after
// a crash.
func NewMem() *MemFS {
	return &MemFS{
		files: make(map[string]*memNode),
		dirs:  map[string]struct{}{"/": {}, ".": {}},
	}
}

// MemFS implements FS.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memNode
	dirs  map[string]struct{}
}

var _ FS = &MemFS{}

type memNode struct {
	mu      sync.Mutex
	data    []byte
	synced  []byte
	modTime time.Time
	syncs   int
}

func clean(name string) string {
	return path.Clean(strings.ReplaceAll(name, "\\", "/"))
}

func (y *MemFS) parentExistsLocked(name string) bool {
	_, ok := y.dirs[path.Dir(name)]
	return ok
}

func notExist(op, name string) error {
	return errors.WithStack(&os.PathError{Op: op, Path: name, Err: oserror.ErrNotExist})
}

// Create implements FS.Create.
func (y *MemFS) Create(name string) (File, error) {
	name = clean(name)
	y.mu.Lock()
	defer y.mu.Unlock()
	if !y.parentExistsLocked(name) {
		return nil, notExist("create", name)
	}
	n, ok := y.files[name]
	if !ok {
		n = &memNode{}
		y.files[name] = n
	}
	n.mu.Lock()
	n.data = n.data[:0]
	n.modTime = time.Now()
	n.mu.Unlock()
	return &memFile{name: name, n: n, write: true}, nil
}

// OpenReadWrite implements FS.OpenReadWrite.
func (y *MemFS) OpenReadWrite(name string) (File, error) {
	name = clean(name)
	y.mu.Lock()
	defer y.mu.Unlock()
	n, ok := y.files[name]
	if !ok {
		if !y.parentExistsLocked(name) {
			return nil, notExist("open", name)
		}
		n = &memNode{modTime: time.Now()}
		y.files[name] = n
	}
	return &memFile{name: name, n: n, write: true}, nil
}

// Open implements FS.Open.
func (y *MemFS) Open(name string) (File, error) {
	name = clean(name)
	y.mu.Lock()
	defer y.mu.Unlock()
	n, ok := y.files[name]
	if !ok {
		return nil, notExist("open", name)
	}
	return &memFile{name: name, n: n}, nil
}

// Remove implements FS.Remove.
func (y *MemFS) Remove(name string) error {
	name = clean(name)
	y.mu.Lock()
	defer y.mu.Unlock()
	if _, ok := y.files[name]; ok {
		delete(y.files, name)
		return nil
	}
	if _, ok := y.dirs[name]; ok {
		prefix := name + "/"
		for f := range y.files {
			if strings.HasPrefix(f, prefix) {
				return errors.Newf("vfs: directory %s is not empty", name)
			}
		}
		delete(y.dirs, name)
		return nil
	}
	return notExist("remove", name)
}

// Rename implements FS.Rename.
func (y *MemFS) Rename(oldname, newname string) error {
	oldname, newname = clean(oldname), clean(newname)
	y.mu.Lock()
	defer y.mu.Unlock()
	n, ok := y.files[oldname]
	if !ok {
		return notExist("rename", oldname)
	}
	if !y.parentExistsLocked(newname) {
		return notExist("rename", newname)
	}
	delete(y.files, oldname)
	y.files[newname] = n
	return nil
}

// MkdirAll implements FS.MkdirAll.
func (y *MemFS) MkdirAll(dir string, perm os.FileMode) error {
	dir = clean(dir)
	y.mu.Lock()
	defer y.mu.Unlock()
	for d := dir; ; d = path.Dir(d) {
		if _, ok := y.files[d]; ok {
			return errors.Newf("vfs: %s is a file", d)
		}
		y.dirs[d] = struct{}{}
		if d == "/" || d == "." {
			return nil
		}
	}
}

// List implements FS.List.
func (y *MemFS) List(dir string) ([]string, error) {
	dir = clean(dir)
	y.mu.Lock()
	defer y.mu.Unlock()
	if _, ok := y.dirs[dir]; !ok {
		return nil, notExist("list", dir)
	}
	var names []string
	add := func(p string) {
		if p != dir && path.Dir(p) == dir {
			names = append(names, path.Base(p))
		}
	}
	for f := range y.files {
		add(f)
	}
	for d := range y.dirs {
		add(d)
	}
	sort.Strings(names)
	return names, nil
}

// Stat implements FS.Stat.
func (y *MemFS) Stat(name string) (os.FileInfo, error) {
	name = clean(name)
	y.mu.Lock()
	defer y.mu.Unlock()
	if n, ok := y.files[name]; ok {
		return n.stat(name), nil
	}
	if _, ok := y.dirs[name]; ok {
		return &memFileInfo{name: path.Base(name), dir: true}, nil
	}
	return nil, notExist("stat", name)
}

// PathJoin implements FS.PathJoin.
func (*MemFS) PathJoin(elem ...string) string {
	return path.Join(elem...)
}

// SyncCount returns the number of Sync and SyncData calls issued against the
// named file.
func (y *MemFS) SyncCount(name string) int {
	y.mu.Lock()
	n, ok := y.files[clean(name)]
	y.mu.Unlock()
	if !ok {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.syncs
}

// CrashClone returns a copy of the file system as it would be found after a
// crash at this moment: every file holds the content of its last sync.
// Directory operations are treated as durable.
func (y *MemFS) CrashClone() *MemFS {
	y.mu.Lock()
	defer y.mu.Unlock()
	c := NewMem()
	for d := range y.dirs {
		c.dirs[d] = struct{}{}
	}
	for name, n := range y.files {
		n.mu.Lock()
		c.files[name] = &memNode{
			data:    slices.Clone(n.synced),
			synced:  slices.Clone(n.synced),
			modTime: n.modTime,
		}
		n.mu.Unlock()
	}
	return c
}

// String dumps the names and sizes of the files, sorted by name.
func (y *MemFS) String() string {
	y.mu.Lock()
	defer y.mu.Unlock()
	names := make([]string, 0, len(y.files))
	for name := range y.files {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		n := y.files[name]
		n.mu.Lock()
		fmt.Fprintf(&b, "%s: %d bytes (%d synced)\n", name, len(n.data), len(n.synced))
		n.mu.Unlock()
	}
	return b.String()
}

func (n *memNode) stat(name string) *memFileInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return &memFileInfo{name: path.Base(name), size: int64(len(n.data)), modTime: n.modTime}
}

type memFile struct {
	name   string
	n      *memNode
	write  bool
	closed atomic.Bool
}

var _ File = (*memFile)(nil)

func (f *memFile) checkOpen() error {
	if f.closed.Load() {
		return errors.WithStack(os.ErrClosed)
	}
	return nil
}

func (f *memFile) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return errors.WithStack(os.ErrClosed)
	}
	return nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if off >= int64(len(f.n.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	if !f.write {
		return 0, errors.New("vfs: file was not opened for writing")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(f.n.data)) {
		oldLen := len(f.n.data)
		f.n.data = slices.Grow(f.n.data, int(end)-oldLen)[:end]
		clear(f.n.data[oldLen:])
	}
	copy(f.n.data[off:], p)
	f.n.modTime = time.Now()
	return len(p), nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	return f.n.stat(f.name), nil
}

func (f *memFile) Sync() error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	f.n.synced = slices.Clone(f.n.data)
	f.n.syncs++
	return nil
}

func (f *memFile) SyncData() error {
	return f.Sync()
}

func (f *memFile) Truncate(size int64) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if size <= int64(len(f.n.data)) {
		f.n.data = f.n.data[:size]
	} else {
		f.n.data = append(f.n.data, make([]byte, size-int64(len(f.n.data)))...)
	}
	return nil
}

// memFileInfo implements os.FileInfo for a memFile.
type memFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	dir     bool
}

var _ os.FileInfo = (*memFileInfo)(nil)

func (f *memFileInfo) Name() string       { return f.name }
func (f *memFileInfo) Size() int64        { return f.size }
func (f *memFileInfo) ModTime() time.Time { return f.modTime }
func (f *memFileInfo) IsDir() bool        { return f.dir }
func (f *memFileInfo) Sys() interface{}   { return nil }

func (f *memFileInfo) Mode() os.FileMode {
	if f.dir {
		return os.ModeDir | 0755
	}
	return 0644
}
