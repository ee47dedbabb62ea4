// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
)

// Logger defines an interface for writing log messages.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// DefaultLogger logs to the Go stdlib logs.
var DefaultLogger defaultLogger

type defaultLogger struct{}

var _ Logger = DefaultLogger

// Infof implements the Logger.Infof interface.
func (defaultLogger) Infof(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
}

// Warnf implements the Logger.Warnf interface.
func (defaultLogger) Warnf(format string, args ...interface{}) {
	_ = log.Output(2, "[WARN] "+fmt.Sprintf(format, args...))
}

// Errorf implements the Logger.Errorf interface.
func (defaultLogger) Errorf(format string, args ...interface{}) {
	_ = log.Output(2, "[ERROR] "+fmt.Sprintf(format, args...))
}

// Fatalf implements the Logger.Fatalf interface.
func (defaultLogger) Fatalf(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// NoopLogger is a Logger that does nothing.
type NoopLogger struct{}

var _ Logger = NoopLogger{}

// Infof implements the Logger.Infof interface.
func (NoopLogger) Infof(format string, args ...interface{}) {}

// Warnf implements the Logger.Warnf interface.
func (NoopLogger) Warnf(format string, args ...interface{}) {}

// Errorf implements the Logger.Errorf interface.
func (NoopLogger) Errorf(format string, args ...interface{}) {}

// Fatalf implements the Logger.Fatalf interface.
func (NoopLogger) Fatalf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

// InMemLogger implements Logger using an in-memory buffer (used for testing).
// The buffer can be read via String() and cleared via Reset().
type InMemLogger struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

var _ Logger = (*InMemLogger)(nil)

// Reset clears the internal buffer.
func (b *InMemLogger) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// String returns the current internal buffer.
func (b *InMemLogger) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Infof is part of the Logger interface.
func (b *InMemLogger) Infof(format string, args ...interface{}) {
	b.logf("", format, args...)
}

// Warnf is part of the Logger interface.
func (b *InMemLogger) Warnf(format string, args ...interface{}) {
	b.logf("[WARN] ", format, args...)
}

// Errorf is part of the Logger interface.
func (b *InMemLogger) Errorf(format string, args ...interface{}) {
	b.logf("[ERROR] ", format, args...)
}

// Fatalf is part of the Logger interface.
func (b *InMemLogger) Fatalf(format string, args ...interface{}) {
	b.logf("[FATAL] ", format, args...)
	runtime.Goexit()
}

func (b *InMemLogger) logf(prefix, format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(prefix)
	b.buf.WriteString(s)
	if n := len(s); n == 0 || s[n-1] != '\n' {
		b.buf.WriteByte('\n')
	}
}
