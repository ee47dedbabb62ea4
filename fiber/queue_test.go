// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package fiber

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/raftcore/internal/base"
	"github.com/stretchr/testify/require"
)

func TestQueue(t *testing.T) {
	logger := &base.InMemLogger{}
	d := NewDispatcher("test", DispatcherOptions{Logger: logger})
	q := d.queue
	groups := map[string]*Group{}
	var tasks []*Task

	datadriven.RunTest(t, "testdata/queue", func(t *testing.T, td *datadriven.TestData) string {
		logger.Reset()
		var buf strings.Builder
		switch td.Cmd {
		case "group":
			var name, state string
			td.ScanArgs(t, "name", &name)
			g, ok := groups[name]
			if !ok {
				g = d.CreateGroup(name)
				groups[name] = g
			}
			if td.MaybeScanArgs(t, "state", &state) {
				switch state {
				case "stopping":
					g.state.Store(groupStopping)
				case "finished":
					g.state.Store(groupFinished)
				default:
					td.Fatalf(t, "unknown state %q", state)
				}
			}
			return ""

		case "offer":
			var name, group string
			td.ScanArgs(t, "name", &name)
			td.MaybeScanArgs(t, "group", &group)
			var g *Group
			if group != "" {
				g = groups[group]
			}
			task := NewTask(name, g, td.HasArg("fail-if-stopping"), func() {})
			tasks = append(tasks, task)
			if q.Offer(task) {
				buf.WriteString("accepted\n")
			} else {
				buf.WriteString("rejected\n")
			}
			buf.WriteString(logger.String())

		case "reoffer":
			var name string
			td.ScanArgs(t, "name", &name)
			for _, task := range tasks {
				if task.name == name {
					func() {
						defer func() {
							if r := recover(); r != nil {
								err := r.(error)
								fmt.Fprintf(&buf, "panic: fatal=%t\n", IsFatal(err))
							}
						}()
						fmt.Fprintf(&buf, "accepted=%t\n", q.Offer(task))
					}()
				}
			}

		case "poll":
			if task := q.Poll(0); task != nil {
				fmt.Fprintf(&buf, "%s\n", task)
			} else {
				buf.WriteString("empty\n")
			}

		case "drain":
			for _, task := range q.DrainAll() {
				fmt.Fprintf(&buf, "%s\n", task)
			}
			if buf.Len() == 0 {
				buf.WriteString("empty\n")
			}

		case "has-task":
			var group string
			td.ScanArgs(t, "group", &group)
			fmt.Fprintf(&buf, "%t\n", q.HasTask(groups[group]))

		case "len":
			fmt.Fprintf(&buf, "%d\n", q.Len())

		case "shutdown":
			q.Shutdown()
			return ""

		default:
			td.Fatalf(t, "unknown command %s", td.Cmd)
		}
		return buf.String()
	})
}

func TestQueuePollWakesOnOffer(t *testing.T) {
	q := NewQueue(base.NoopLogger{})
	var wg sync.WaitGroup
	wg.Add(1)
	var got *Task
	start := time.Now()
	go func() {
		defer wg.Done()
		got = q.Poll(10 * time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	task := NewTask("t", nil, false, func() {})
	require.True(t, q.Offer(task))
	wg.Wait()
	require.Equal(t, task, got)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestQueuePollTimeout(t *testing.T) {
	q := NewQueue(base.NoopLogger{})
	start := time.Now()
	require.Nil(t, q.Poll(20*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueueConcurrentOffer(t *testing.T) {
	q := NewQueue(base.NoopLogger{})
	const producers, perProducer = 4, 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if !q.Offer(NewTask(fmt.Sprintf("%d-%d", p, i), nil, false, func() {})) {
					t.Errorf("offer %d-%d rejected", p, i)
				}
			}
		}(p)
	}
	wg.Wait()

	// FIFO per producer.
	next := make([]int, producers)
	for _, task := range q.DrainAll() {
		var p, i int
		_, err := fmt.Sscanf(task.name, "%d-%d", &p, &i)
		require.NoError(t, err)
		require.Equal(t, next[p], i)
		next[p]++
	}
	for p := range next {
		require.Equal(t, perProducer, next[p])
	}
}
