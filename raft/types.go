// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package raft

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/raftcore/store"
	"github.com/cockroachdb/raftcore/vfs"
)

// Input is a client request submitted to a group.
type Input struct {
	BizType uint32
	Header  []byte
	Body    []byte
	// ReadOnly requests are executed against the state machine at the lease
	// read index without going through the log.
	ReadOnly bool
	// Release, if set, is called exactly once when the group is done with
	// the input, whether it was executed or rejected.
	Release func()

	released atomic.Bool
}

// FlowControlSize is the size charged to the admission gate.
func (in *Input) FlowControlSize() int64 {
	return int64(len(in.Header) + len(in.Body))
}

func (in *Input) release() {
	if in.Release != nil && in.released.CompareAndSwap(false, true) {
		in.Release()
	}
}

// Callback receives the outcome of a submitted input: the log index it was
// executed at and the state machine result, or an error. It runs on the
// dispatcher goroutine and must not block.
type Callback func(index int64, result any, err error)

// StateMachine executes committed inputs. Exec is called on the dispatcher
// goroutine in index order.
type StateMachine interface {
	Exec(index, term int64, input *Input) (any, error)
}

// LogItemType is the type of a log item.
type LogItemType = store.LogRecordType

// LogItem is a raft log entry as exchanged between members.
type LogItem struct {
	Type        LogItemType
	BizType     uint32
	Term        int64
	Index       int64
	PrevLogTerm int64
	Timestamp   int64
	Header      []byte
	Body        []byte
}

func (it *LogItem) record() store.LogRecord {
	return store.LogRecord{
		Index:       it.Index,
		Term:        it.Term,
		PrevLogTerm: it.PrevLogTerm,
		Type:        it.Type,
		BizType:     it.BizType,
		Timestamp:   it.Timestamp,
		Header:      it.Header,
		Body:        it.Body,
	}
}

func logItemFromRecord(r *store.LogRecord) LogItem {
	return LogItem{
		Type:        r.Type,
		BizType:     r.BizType,
		Term:        r.Term,
		Index:       r.Index,
		PrevLogTerm: r.PrevLogTerm,
		Timestamp:   r.Timestamp,
		Header:      r.Header,
		Body:        r.Body,
	}
}

// ReadLogItems returns the items of the raft log of a closed group. A torn
// tail is reported as an error along with the items before it.
func ReadLogItems(fs vfs.FS, cfg *Config) ([]LogItem, error) {
	recs, _, err := store.ReadLog(fs, fs.PathJoin(cfg.DataDir, cfg.LogFile))
	items := make([]LogItem, len(recs))
	for i := range recs {
		items[i] = logItemFromRecord(&recs[i])
	}
	return items, err
}

// AppendReq is the request a leader sends to replicate log items.
type AppendReq struct {
	GroupID      int
	Term         int64
	LeaderID     int
	LeaderCommit int64
	PrevLogIndex int64
	PrevLogTerm  int64
	Items        []LogItem
}

// Role is the raft role of a member.
type Role int8

const (
	RoleNone Role = iota
	RoleFollower
	RoleCandidate
	RoleLeader
	RoleObserver
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RoleObserver:
		return "observer"
	default:
		return fmt.Sprintf("Role(%d)", int8(r))
	}
}

// ShareStatus is the part of the raft status read by client goroutines. It
// is immutable once published.
type ShareStatus struct {
	Role     Role
	LeaderID int
	// LeaseEnd is the time until which the leader may serve lease reads.
	LeaseEnd crtime.Mono
	// GroupReady is set once the leader has applied every entry committed
	// before its term.
	GroupReady  bool
	LastApplied int64
}
