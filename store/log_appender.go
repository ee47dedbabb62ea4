// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package store

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/fiber"
	"github.com/cockroachdb/raftcore/internal/base"
	"github.com/cockroachdb/raftcore/internal/bufpool"
	"github.com/cockroachdb/raftcore/vfs"
	"github.com/cockroachdb/redact"
)

// LogRecordType is the type of a log record.
type LogRecordType uint8

const (
	// LogRecordNormal carries a client request.
	LogRecordNormal LogRecordType = iota + 1
	// LogRecordHeartbeat is appended by a new leader to commit the entries of
	// earlier terms.
	LogRecordHeartbeat
)

// LogRecord is one entry of the raft log.
type LogRecord struct {
	Index       int64
	Term        int64
	PrevLogTerm int64
	Type        LogRecordType
	BizType     uint32
	Timestamp   int64
	Header      []byte
	Body        []byte
}

// The encoding of a record is:
//
//	+----------+---------+------------------------------------------------+
//	| len (4B) | xxh(8B) | payload (len bytes)                            |
//	+----------+---------+------------------------------------------------+
//
// where xxh is the xxhash64 of the payload, and the payload is index (8B),
// term (8B), prevLogTerm (8B), type (1B), bizType (4B), timestamp (8B),
// header length (4B), header and body, all fixed-width fields little endian.
const (
	recordHeaderLen  = 4 + 8
	recordFixedLen   = 8 + 8 + 8 + 1 + 4 + 8 + 4
	maxRecordPayload = 1 << 30
)

// EncodedLen returns the number of bytes r occupies in a log file.
func (r *LogRecord) EncodedLen() int {
	return recordHeaderLen + recordFixedLen + len(r.Header) + len(r.Body)
}

func (r *LogRecord) encode(dst []byte) int {
	p := dst[recordHeaderLen:]
	binary.LittleEndian.PutUint64(p[0:], uint64(r.Index))
	binary.LittleEndian.PutUint64(p[8:], uint64(r.Term))
	binary.LittleEndian.PutUint64(p[16:], uint64(r.PrevLogTerm))
	p[24] = byte(r.Type)
	binary.LittleEndian.PutUint32(p[25:], r.BizType)
	binary.LittleEndian.PutUint64(p[29:], uint64(r.Timestamp))
	binary.LittleEndian.PutUint32(p[37:], uint32(len(r.Header)))
	n := recordFixedLen
	n += copy(p[n:], r.Header)
	n += copy(p[n:], r.Body)
	binary.LittleEndian.PutUint32(dst[0:], uint32(n))
	binary.LittleEndian.PutUint64(dst[4:], xxhash.Sum64(p[:n]))
	return recordHeaderLen + n
}

func decodeRecord(src []byte, off int64) (LogRecord, int, error) {
	if len(src) < recordHeaderLen {
		return LogRecord{}, 0, base.CorruptionErrorf("log record at %d: short header", off)
	}
	n := int(binary.LittleEndian.Uint32(src[0:]))
	if n < recordFixedLen || n > maxRecordPayload {
		return LogRecord{}, 0, base.CorruptionErrorf("log record at %d: invalid length %d", off, n)
	}
	if len(src) < recordHeaderLen+n {
		return LogRecord{}, 0, base.CorruptionErrorf("log record at %d: need %d bytes, have %d",
			off, recordHeaderLen+n, len(src))
	}
	p := src[recordHeaderLen : recordHeaderLen+n]
	if want, got := binary.LittleEndian.Uint64(src[4:]), xxhash.Sum64(p); want != got {
		return LogRecord{}, 0, base.ChecksumErrorf("log record at %d: checksum mismatch: %016x != %016x",
			off, got, want)
	}
	hl := int(binary.LittleEndian.Uint32(p[37:]))
	if hl > n-recordFixedLen {
		return LogRecord{}, 0, base.CorruptionErrorf("log record at %d: header length %d exceeds record", off, hl)
	}
	r := LogRecord{
		Index:       int64(binary.LittleEndian.Uint64(p[0:])),
		Term:        int64(binary.LittleEndian.Uint64(p[8:])),
		PrevLogTerm: int64(binary.LittleEndian.Uint64(p[16:])),
		Type:        LogRecordType(p[24]),
		BizType:     binary.LittleEndian.Uint32(p[25:]),
		Timestamp:   int64(binary.LittleEndian.Uint64(p[29:])),
	}
	if hl > 0 {
		r.Header = append([]byte(nil), p[recordFixedLen:recordFixedLen+hl]...)
	}
	if body := p[recordFixedLen+hl:]; len(body) > 0 {
		r.Body = append([]byte(nil), body...)
	}
	return r, recordHeaderLen + n, nil
}

// ReadLog decodes every record of the log file at path. It returns the
// records and the offset just past the last one.
func ReadLog(fs vfs.FS, path string) ([]LogRecord, int64, error) {
	data, err := vfs.ReadAll(fs, path)
	if err != nil {
		return nil, 0, err
	}
	var recs []LogRecord
	var off int64
	for int(off) < len(data) {
		r, n, err := decodeRecord(data[off:], off)
		if err != nil {
			return recs, off, errors.Wrapf(err, "log %s", redact.SafeString(path))
		}
		if len(recs) > 0 && r.Index != recs[len(recs)-1].Index+1 {
			return recs, off, base.CorruptionErrorf("log %s: index %d follows %d",
				redact.SafeString(path), r.Index, recs[len(recs)-1].Index)
		}
		recs = append(recs, r)
		off += int64(n)
	}
	return recs, off, nil
}

// LogRecovery is the state of a log file found by RecoverLog.
type LogRecovery struct {
	// File is open for reading and writing.
	File    vfs.File
	Records []LogRecord
	// End is the offset just past the last record, where appends resume.
	End int64
	// Torn is the decode error of the tail that was truncated, if any.
	Torn error
}

// RecoverLog opens the log file at path, creating it if needed, and decodes
// its records. A tail that does not decode is taken to be a write torn by a
// crash; it is truncated and reported in Torn. It performs blocking I/O.
func RecoverLog(fs vfs.FS, path string) (LogRecovery, error) {
	f, err := fs.OpenReadWrite(path)
	if err != nil {
		return LogRecovery{}, err
	}
	recs, end, err := ReadLog(fs, path)
	if err != nil {
		if !errors.Is(err, base.ErrCorruption) && !errors.Is(err, base.ErrChecksumMismatch) {
			_ = f.Close()
			return LogRecovery{}, err
		}
		if terr := f.Truncate(end); terr != nil {
			_ = f.Close()
			return LogRecovery{}, errors.CombineErrors(terr, err)
		}
		if serr := f.Sync(); serr != nil {
			_ = f.Close()
			return LogRecovery{}, errors.CombineErrors(serr, err)
		}
	}
	return LogRecovery{File: f, Records: recs, End: end, Torn: err}, nil
}

// LogAppender appends records to a raft log file through a ChainWriter and
// tracks how far the log has been written and synced.
//
// All methods must be called on the dispatcher goroutine of the group.
type LogAppender struct {
	group  *fiber.Group
	pool   *bufpool.Pool
	file   *DtFile
	writer *ChainWriter

	nextPos        int64
	lastIndex      int64
	writtenIndex   int64
	persistedIndex int64
	persisted      *fiber.Condition
	closed         *fiber.Future[struct{}]

	// OnPersisted, if set, is invoked with the new persisted index each time
	// it advances.
	OnPersisted func(index int64)
}

// NewLogAppender returns an appender that writes file starting at pos.
// lastIndex is the index of the last record already in the file, and is
// considered persisted.
func NewLogAppender(
	name string, g *fiber.Group, file vfs.File, pos, lastIndex int64, opts ChainWriterOptions,
) (*LogAppender, error) {
	a := &LogAppender{
		group:          g,
		pool:           g.Dispatcher().BufPool(),
		file:           NewDtFile(name, file, g),
		nextPos:        pos,
		lastIndex:      lastIndex,
		writtenIndex:   lastIndex,
		persistedIndex: lastIndex,
		persisted:      g.NewCondition("persisted:" + name),
	}
	onFault := opts.OnFault
	opts.OnFault = func(err error) {
		a.persisted.SignalAll()
		if onFault != nil {
			onFault(err)
		}
	}
	w, err := NewChainWriter(name, g, opts, a.afterWrite, a.afterForce)
	if err != nil {
		return nil, err
	}
	a.writer = w
	return a, nil
}

// Start starts the underlying writer.
func (a *LogAppender) Start() error { return a.writer.Start() }

// LastIndex returns the index of the last appended record.
func (a *LogAppender) LastIndex() int64 { return a.lastIndex }

// WrittenIndex returns the index up to which records have been written.
func (a *LogAppender) WrittenIndex() int64 { return a.writtenIndex }

// PersistedIndex returns the index up to which records have been synced.
func (a *LogAppender) PersistedIndex() int64 { return a.persistedIndex }

// Err returns the error that faulted the appender, if any.
func (a *LogAppender) Err() error { return a.writer.Err() }

// Append appends records, whose indexes must follow LastIndex without gaps.
// With force set the records are synced once written.
func (a *LogAppender) Append(records []LogRecord, force bool) error {
	if len(records) == 0 {
		return nil
	}
	size := 0
	for i := range records {
		if records[i].Index != a.lastIndex+int64(i)+1 {
			return fiber.ContractViolationf("append index %d, expected %d",
				records[i].Index, a.lastIndex+int64(i)+1)
		}
		size += records[i].EncodedLen()
	}
	buf := a.pool.Get(size)
	n := 0
	for i := range records {
		n += records[i].encode(buf.B[n:])
	}
	last := records[len(records)-1].Index
	if err := a.writer.SubmitWrite(a.file, buf, a.nextPos, force, len(records), last); err != nil {
		return err
	}
	a.nextPos += int64(size)
	a.lastIndex = last
	return nil
}

func (a *LogAppender) afterWrite(t *WriteTask) {
	a.writtenIndex = max(a.writtenIndex, t.LastIndex)
}

func (a *LogAppender) afterForce(t *WriteTask) {
	if t.LastIndex <= a.persistedIndex {
		return
	}
	a.persistedIndex = t.LastIndex
	a.persisted.SignalAll()
	if a.OnPersisted != nil {
		a.OnPersisted(a.persistedIndex)
	}
}

// AwaitPersisted suspends the fiber until index has been synced. It faults
// if the appender has failed.
func (a *LogAppender) AwaitPersisted(index int64, resume func() fiber.Step) fiber.Step {
	if a.persistedIndex >= index {
		return fiber.Then(resume)
	}
	if err := a.writer.Err(); err != nil {
		return fiber.Fail(err)
	}
	return a.persisted.Await(func() fiber.Step {
		return a.AwaitPersisted(index, resume)
	})
}

// Close stops the writer, waits for in-flight I/O and closes the file.
func (a *LogAppender) Close() *fiber.Future[struct{}] {
	if a.closed == nil {
		a.closed = closeFile(a.group, a.file, a.writer)
	}
	return a.closed
}
