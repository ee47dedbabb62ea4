// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package raft

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/internal/ioexec"
	"github.com/cockroachdb/raftcore/store"
	"gopkg.in/yaml.v3"
)

// Default limits of the admission gate.
const (
	DefaultMaxPendingTasks = 2000
	DefaultMaxPendingBytes = 256 << 20
)

// Config is the configuration of a raft group. The zero value is usable once
// EnsureDefaults has been called.
type Config struct {
	// MaxPendingTasks bounds the number of admitted and not yet completed
	// client requests.
	MaxPendingTasks int64 `yaml:"maxPendingTasks"`
	// MaxPendingBytes bounds the total flow control size of those requests.
	MaxPendingBytes int64 `yaml:"maxPendingBytes"`
	// IORetryInterval is the backoff schedule for failed forces, for example
	// [100ms, 1s, 3s].
	IORetryInterval []time.Duration `yaml:"ioRetryInterval"`
	// IORetryForever retries failed forces until the group stops instead of
	// failing once IORetryInterval is exhausted.
	IORetryForever bool `yaml:"ioRetryForever"`
	// SyncMetadata forces with fsync rather than fdatasync.
	SyncMetadata bool `yaml:"syncMetadata"`
	// DataDir holds the files of the group.
	DataDir string `yaml:"dataDir"`
	// StatusFile is the name of the status file within DataDir.
	StatusFile string `yaml:"statusFile"`
	// LogFile is the name of the raft log file within DataDir.
	LogFile string `yaml:"logFile"`
	// IOWorkers is the number of goroutines running blocking file I/O.
	IOWorkers int `yaml:"ioWorkers"`
	// LeaseDuration is how long a leader may serve lease reads after it last
	// confirmed its leadership.
	LeaseDuration time.Duration `yaml:"leaseDuration"`
}

// LoadConfig reads a YAML config file and fills in defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML config and fills in defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureDefaults fills in unset fields.
func (c *Config) EnsureDefaults() *Config {
	if c.MaxPendingTasks == 0 {
		c.MaxPendingTasks = DefaultMaxPendingTasks
	}
	if c.MaxPendingBytes == 0 {
		c.MaxPendingBytes = DefaultMaxPendingBytes
	}
	if c.IORetryInterval == nil {
		c.IORetryInterval = store.DefaultRetryInterval
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.StatusFile == "" {
		c.StatusFile = "raft.status"
	}
	if c.LogFile == "" {
		c.LogFile = "raft.log"
	}
	if c.IOWorkers == 0 {
		c.IOWorkers = 4
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 5 * time.Second
	}
	return c
}

// Validate checks the config for consistency.
func (c *Config) Validate() error {
	switch {
	case c.MaxPendingTasks <= 1:
		return errors.Newf("raft: maxPendingTasks must be greater than 1, got %d", c.MaxPendingTasks)
	case c.MaxPendingBytes <= 0:
		return errors.Newf("raft: maxPendingBytes must be positive, got %d", c.MaxPendingBytes)
	case c.IOWorkers <= 0:
		return errors.Newf("raft: ioWorkers must be positive, got %d", c.IOWorkers)
	case c.LeaseDuration < time.Millisecond:
		// The lease fiber renews every leaseDuration/2 and must not spin.
		return errors.Newf("raft: leaseDuration must be at least 1ms, got %s", c.LeaseDuration)
	case c.StatusFile == c.LogFile:
		return errors.Newf("raft: statusFile and logFile are both %q", c.LogFile)
	}
	for i, d := range c.IORetryInterval {
		if d < 0 {
			return errors.Newf("raft: negative ioRetryInterval %s at position %d", d, i)
		}
	}
	return nil
}

// chainWriterOptions returns the writer options derived from the config.
func (c *Config) chainWriterOptions(exec *ioexec.Executor) store.ChainWriterOptions {
	return store.ChainWriterOptions{
		Executor:      exec,
		RetryInterval: c.IORetryInterval,
		RetryForever:  c.IORetryForever,
		SyncMetadata:  c.SyncMetadata,
	}
}
