// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package store

import (
	"bytes"
	"encoding/hex"
	"hash/crc32"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/fiber"
	"github.com/cockroachdb/raftcore/internal/base"
	"github.com/cockroachdb/raftcore/vfs"
	"github.com/cockroachdb/redact"
)

// StatusFileSize is the fixed size of a status file.
const StatusFileSize = 4096

// The layout of a status file is:
//
//	[0:8)    lower case hex CRC-32C of [9:StatusFileSize)
//	[8]      '\n'
//	[9:...)  key=value lines sorted by key, padded with '\n'
const (
	checksumLen   = 8
	statusDataOff = checksumLen + 1
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// EncodeStatus serializes props into a status file image.
func EncodeStatus(props map[string]string, dst []byte) error {
	if len(dst) != StatusFileSize {
		return errors.AssertionFailedf("status buffer has length %d", len(dst))
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(quoteStatus(k))
		b.WriteByte('=')
		b.WriteString(quoteStatus(props[k]))
		b.WriteByte('\n')
	}
	if statusDataOff+b.Len() > StatusFileSize {
		return errors.Newf("status properties need %d bytes, more than %d",
			statusDataOff+b.Len(), StatusFileSize)
	}
	n := copy(dst[statusDataOff:], b.String())
	for i := statusDataOff + n; i < len(dst); i++ {
		dst[i] = '\n'
	}
	dst[checksumLen] = '\n'
	var sum [4]byte
	crc := crc32.Checksum(dst[statusDataOff:], crcTable)
	sum[0], sum[1], sum[2], sum[3] = byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc)
	hex.Encode(dst[:checksumLen], sum[:])
	return nil
}

// DecodeStatus parses a status file image. An empty image decodes to no
// properties. A wrong length or malformed line is reported as
// base.ErrCorruption and a checksum mismatch as base.ErrChecksumMismatch.
func DecodeStatus(data []byte) (map[string]string, error) {
	props := make(map[string]string)
	if len(data) == 0 {
		return props, nil
	}
	if len(data) != StatusFileSize {
		return nil, base.CorruptionErrorf("status file has length %d, expected %d",
			len(data), StatusFileSize)
	}
	if data[checksumLen] != '\n' {
		return nil, base.CorruptionErrorf("status file checksum is not terminated")
	}
	var sum [4]byte
	if _, err := hex.Decode(sum[:], data[:checksumLen]); err != nil {
		return nil, base.ChecksumErrorf("status file checksum %q is malformed",
			redact.SafeString(data[:checksumLen]))
	}
	want := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	if got := crc32.Checksum(data[statusDataOff:], crcTable); got != want {
		return nil, base.ChecksumErrorf("status file checksum mismatch: %08x != %08x", got, want)
	}
	for _, line := range bytes.Split(data[statusDataOff:], []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		k, v, err := parseStatusLine(string(line))
		if err != nil {
			return nil, base.MarkCorruptionError(err)
		}
		props[k] = v
	}
	return props, nil
}

func quoteStatus(s string) string {
	if strings.ContainsAny(s, "=\n\\\"") {
		return strconv.Quote(s)
	}
	return s
}

func unquoteStatus(s string) (value, rest string, err error) {
	if !strings.HasPrefix(s, `"`) {
		value, rest, _ = strings.Cut(s, "=")
		return value, rest, nil
	}
	q, err := strconv.QuotedPrefix(s)
	if err != nil {
		return "", "", errors.Wrapf(err, "status line %q", s)
	}
	value, err = strconv.Unquote(q)
	return value, s[len(q):], errors.Wrapf(err, "status line %q", s)
}

func parseStatusLine(line string) (key, value string, err error) {
	if strings.HasPrefix(line, `"`) {
		var rest string
		if key, rest, err = unquoteStatus(line); err != nil {
			return "", "", err
		}
		if !strings.HasPrefix(rest, "=") {
			return "", "", errors.Newf("status line %q has no separator", line)
		}
		line = rest[1:]
	} else {
		var ok bool
		if key, line, ok = strings.Cut(line, "="); !ok {
			return "", "", errors.Newf("status line %q has no separator", line)
		}
	}
	if strings.HasPrefix(line, `"`) {
		var rest string
		if value, rest, err = unquoteStatus(line); err != nil {
			return "", "", err
		}
		if rest != "" {
			return "", "", errors.Newf("status line has trailing bytes %q", rest)
		}
		return key, value, nil
	}
	return key, line, nil
}

type statusWaiter struct {
	version int64
	force   bool
	fut     *fiber.Future[struct{}]
}

// StatusFile is a small set of properties persisted in place in a fixed
// size, checksummed file.
//
// At most one write of the file is in flight. Updates issued meanwhile are
// folded into the next write, which carries the latest properties and is
// forced if any of the folded updates asked for it. Each update gets a
// version; the chain writer reports the highest version written and forced,
// which resolves every update at or below it.
//
// All methods must be called on the dispatcher goroutine of the group.
type StatusFile struct {
	fs    vfs.FS
	path  string
	group *fiber.Group
	opts  ChainWriterOptions

	props  map[string]string
	file   *DtFile
	writer *ChainWriter

	version        int64
	pendingVersion int64
	pendingForce   bool
	submitted      int64
	inflight       bool
	written        int64
	forced         int64
	waiters        []statusWaiter
	err            error
	closed         *fiber.Future[struct{}]
}

// NewStatusFile returns a status file at path. Init must be called before
// any other method.
func NewStatusFile(fs vfs.FS, path string, g *fiber.Group, opts ChainWriterOptions) *StatusFile {
	opts.EnsureDefaults()
	return &StatusFile{
		fs:    fs,
		path:  path,
		group: g,
		opts:  opts,
		props: make(map[string]string),
	}
}

// Path returns the path of the file.
func (s *StatusFile) Path() string { return s.path }

// Properties returns the property map. Changes are persisted by Update.
func (s *StatusFile) Properties() map[string]string { return s.props }

// Err returns the error that failed the file, if any.
func (s *StatusFile) Err() error { return s.err }

type statusInitResult struct {
	file vfs.File
	data []byte
}

// Init returns a frame that opens the file, creating it if needed, and
// loads its properties.
func (s *StatusFile) Init() fiber.Frame {
	return fiber.NewFrameFunc(func(b *fiber.FrameBase) fiber.Step {
		if s.file != nil {
			return fiber.Fail(fiber.ContractViolationf("status file %s initialized twice",
				redact.SafeString(s.path)))
		}
		fut := fiber.NewFuture[statusInitResult](b.Group())
		fs, path := s.fs, s.path
		err := s.opts.Executor.Submit(func() {
			r, err := readStatusFile(fs, path)
			if err != nil {
				fut.FireCompleteExceptionally(err)
			} else if !fut.FireComplete(r) {
				_ = r.file.Close()
			}
		})
		if err != nil {
			return fiber.Fail(err)
		}
		return fut.Await(func(r statusInitResult) fiber.Step {
			props, err := DecodeStatus(r.data)
			if err != nil {
				_ = r.file.Close()
				return fiber.Fail(errors.Wrapf(err, "status file %s", redact.SafeString(s.path)))
			}
			s.props = props
			s.file = NewDtFile(s.path, r.file, s.group)
			opts := s.opts
			opts.OnFault = s.fail
			w, err := NewChainWriter("status:"+s.path, s.group, opts, s.afterWrite, s.afterForce)
			if err != nil {
				return fiber.Fail(err)
			}
			s.writer = w
			if err := w.Start(); err != nil {
				return fiber.Fail(err)
			}
			return fiber.Return()
		})
	})
}

func readStatusFile(fs vfs.FS, path string) (statusInitResult, error) {
	f, err := fs.OpenReadWrite(path)
	if err != nil {
		return statusInitResult{}, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return statusInitResult{}, err
	}
	data := make([]byte, fi.Size())
	if _, err := f.ReadAt(data, 0); err != nil && err != io.EOF {
		_ = f.Close()
		return statusInitResult{}, err
	}
	return statusInitResult{file: f, data: data}, nil
}

// Update persists the current properties. The returned future completes
// once a write covering this update has completed and, when force is set,
// has been synced.
func (s *StatusFile) Update(force bool) *fiber.Future[struct{}] {
	fut := fiber.NewFuture[struct{}](s.group)
	switch {
	case s.err != nil:
		fut.CompleteExceptionally(s.err)
		return fut
	case s.writer == nil:
		fut.CompleteExceptionally(fiber.ContractViolationf("status file %s is not initialized",
			redact.SafeString(s.path)))
		return fut
	}
	s.version++
	s.waiters = append(s.waiters, statusWaiter{version: s.version, force: force, fut: fut})
	s.pendingVersion = s.version
	s.pendingForce = s.pendingForce || force
	if !s.inflight {
		s.flush()
	}
	return fut
}

func (s *StatusFile) flush() {
	buf := s.group.Dispatcher().BufPool().Get(StatusFileSize)
	if err := EncodeStatus(s.props, buf.B); err != nil {
		buf.Release()
		// Only the updates folded into this write are affected.
		kept := s.waiters[:0]
		for _, w := range s.waiters {
			if w.version > s.submitted {
				w.fut.CompleteExceptionally(err)
			} else {
				kept = append(kept, w)
			}
		}
		clear(s.waiters[len(kept):])
		s.waiters = kept
		s.pendingVersion, s.pendingForce = 0, false
		return
	}
	version, force := s.pendingVersion, s.pendingForce
	s.pendingVersion, s.pendingForce = 0, false
	s.submitted = version
	s.inflight = true
	if err := s.writer.SubmitWrite(s.file, buf, 0, force, 1, version); err != nil {
		s.fail(err)
	}
}

func (s *StatusFile) afterWrite(t *WriteTask) {
	s.inflight = false
	s.written = max(s.written, t.LastIndex)
	s.resolve(s.written, false)
	if s.pendingVersion != 0 {
		s.flush()
	}
}

func (s *StatusFile) afterForce(t *WriteTask) {
	s.forced = max(s.forced, t.LastIndex)
	s.resolve(s.forced, true)
}

// resolve completes the waiters up to version. With forced unset only the
// waiters that did not ask for a force are completed.
func (s *StatusFile) resolve(version int64, forced bool) {
	kept := s.waiters[:0]
	for _, w := range s.waiters {
		if w.version > version || (w.force && !forced) {
			kept = append(kept, w)
			continue
		}
		w.fut.Complete(struct{}{})
	}
	clear(s.waiters[len(kept):])
	s.waiters = kept
}

func (s *StatusFile) fail(err error) {
	if s.err != nil {
		return
	}
	s.err = errors.Wrapf(err, "status file %s", redact.SafeString(s.path))
	s.inflight = false
	s.pendingVersion, s.pendingForce = 0, false
	waiters := s.waiters
	s.waiters = nil
	for _, w := range waiters {
		w.fut.CompleteExceptionally(s.err)
	}
}

// Close stops the writer, waits for in-flight I/O and closes the file.
func (s *StatusFile) Close() *fiber.Future[struct{}] {
	switch {
	case s.closed != nil:
		return s.closed
	case s.writer == nil:
		return fiber.CompletedFuture(s.group, struct{}{})
	}
	s.closed = closeFile(s.group, s.file, s.writer)
	return s.closed
}

// closeFile stops w and closes file once no write references it.
func closeFile(g *fiber.Group, file *DtFile, w *ChainWriter) *fiber.Future[struct{}] {
	done := fiber.NewFuture[struct{}](g)
	cf := &closeFileFrame{file: file, stop: w.Stop(), done: done}
	if err := g.Start(fiber.NewFiber("close:"+file.Name(), g, cf)); err != nil {
		done.CompleteExceptionally(err)
	}
	return done
}

// closeFileFrame waits for a stopped writer and then closes its file.
type closeFileFrame struct {
	fiber.FrameBase
	file *DtFile
	stop *fiber.Future[struct{}]
	done *fiber.Future[struct{}]
	err  error
}

func (f *closeFileFrame) Execute() fiber.Step {
	return f.stop.Await(func(struct{}) fiber.Step { return f.closeFile() })
}

// Handle implements fiber.Handler. The file is closed even if the writer
// failed.
func (f *closeFileFrame) Handle(err error) fiber.Step {
	f.err = err
	return f.closeFile()
}

func (f *closeFileFrame) closeFile() fiber.Step {
	return f.file.AwaitNoWriters(func() fiber.Step {
		if err := errors.CombineErrors(f.err, f.file.Close()); err != nil {
			f.done.CompleteExceptionally(err)
		} else {
			f.done.Complete(struct{}{})
		}
		return fiber.Return()
	})
}
