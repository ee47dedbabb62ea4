// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package store

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/fiber"
	"github.com/cockroachdb/raftcore/internal/base"
	"github.com/cockroachdb/raftcore/vfs"
)

// Keys of the raft status fields in the status file.
const (
	KeyCurrentTerm = "currentTerm"
	KeyVotedFor    = "votedFor"
	KeyCommitIndex = "commitIndex"
)

// RaftStatus is the raft state that must survive a restart.
type RaftStatus struct {
	CurrentTerm int64
	VotedFor    int64
	CommitIndex int64
}

// StatusManager persists the RaftStatus of a group, together with free form
// properties, in a StatusFile.
type StatusManager struct {
	logger base.Logger
	file   *StatusFile
	status RaftStatus

	// pending counts the updates issued and not yet completed.
	pending  int
	updated  *fiber.Condition
	updateFn func(struct{}, error)
}

// NewStatusManager returns a manager of the status file at path.
func NewStatusManager(fs vfs.FS, path string, g *fiber.Group, opts ChainWriterOptions) *StatusManager {
	opts.EnsureDefaults()
	m := &StatusManager{
		logger:  opts.Logger,
		file:    NewStatusFile(fs, path, g, opts),
		updated: g.NewCondition("statusUpdated:" + path),
	}
	m.updateFn = m.updateDone
	return m
}

// Status returns the raft status. Changes are persisted by PersistAsync or
// PersistSync.
func (m *StatusManager) Status() *RaftStatus { return &m.status }

// Properties returns the property map of the underlying file.
func (m *StatusManager) Properties() map[string]string { return m.file.Properties() }

// InitStatusFile returns a frame that loads the status file and the raft
// status stored in it.
func (m *StatusManager) InitStatusFile() fiber.Frame {
	return fiber.NewFrameFunc(func(*fiber.FrameBase) fiber.Step {
		return fiber.Call(m.file.Init(), func(any) fiber.Step {
			props := m.file.Properties()
			var err error
			for _, f := range []struct {
				key string
				dst *int64
			}{
				{KeyCurrentTerm, &m.status.CurrentTerm},
				{KeyVotedFor, &m.status.VotedFor},
				{KeyCommitIndex, &m.status.CommitIndex},
			} {
				v, ok := props[f.key]
				if !ok {
					continue
				}
				n, perr := strconv.ParseInt(v, 10, 64)
				if perr != nil {
					err = errors.CombineErrors(err, base.MarkCorruptionError(
						errors.Wrapf(perr, "status file %s: key %s", m.file.Path(), f.key)))
					continue
				}
				*f.dst = n
			}
			if err != nil {
				return m.file.Close().Await(func(struct{}) fiber.Step { return fiber.Fail(err) })
			}
			m.logger.Infof("loaded status file %s: term=%d votedFor=%d commitIndex=%d",
				m.file.Path(), m.status.CurrentTerm, m.status.VotedFor, m.status.CommitIndex)
			return fiber.Return()
		})
	})
}

func (m *StatusManager) copyStatus() {
	props := m.file.Properties()
	props[KeyCurrentTerm] = strconv.FormatInt(m.status.CurrentTerm, 10)
	props[KeyVotedFor] = strconv.FormatInt(m.status.VotedFor, 10)
	props[KeyCommitIndex] = strconv.FormatInt(m.status.CommitIndex, 10)
}

func (m *StatusManager) updateDone(_ struct{}, err error) {
	if err != nil {
		m.logger.Errorf("update status file %s: %v", m.file.Path(), err)
	}
	m.pending--
	if m.pending == 0 {
		m.updated.SignalAll()
	}
}

// PersistAsync persists the raft status and properties without waiting.
func (m *StatusManager) PersistAsync(force bool) *fiber.Future[struct{}] {
	m.copyStatus()
	m.pending++
	fut := m.file.Update(force)
	fut.RegisterCallback(m.updateFn)
	return fut
}

// PersistSync returns a frame that persists and syncs the raft status and
// properties.
func (m *StatusManager) PersistSync() fiber.Frame {
	return fiber.NewFrameFunc(func(*fiber.FrameBase) fiber.Step {
		return m.PersistAsync(true).Await(func(struct{}) fiber.Step {
			return fiber.Return()
		})
	})
}

// WaitUpdateFinish suspends the fiber until every update issued so far has
// completed. It faults if the status file failed.
func (m *StatusManager) WaitUpdateFinish(resume func() fiber.Step) fiber.Step {
	if m.pending == 0 {
		if err := m.file.Err(); err != nil {
			return fiber.Fail(err)
		}
		return fiber.Then(resume)
	}
	return m.updated.Await(func() fiber.Step {
		return m.WaitUpdateFinish(resume)
	})
}

// Close closes the status file once in-flight updates have completed.
func (m *StatusManager) Close() *fiber.Future[struct{}] {
	return m.file.Close()
}
