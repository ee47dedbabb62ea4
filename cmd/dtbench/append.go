// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/raftcore/internal/base"
	"github.com/cockroachdb/raftcore/raft"
	"github.com/cockroachdb/tokenbucket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var appendCmd = &cobra.Command{
	Use:   "append <dir>",
	Short: "run the linear task benchmark against a single-member group",
	Long: `
Opens a single-member raft group in <dir> and submits writes from
--concurrency goroutines. Every write is appended to the raft log, synced and
executed by a state machine that only counts bytes. Requests rejected by flow
control are retried.
`,
	Args: cobra.ExactArgs(1),
	RunE: runAppend,
}

var appendConfig = struct {
	valueSize   int
	readOnly    bool
	metricsAddr string
	rate        float64
}{
	valueSize: 128,
}

// rateLimiter paces the writes of all workers. A nil limiter does not pace.
type rateLimiter struct {
	mu sync.Mutex
	tb tokenbucket.TokenBucket
}

func newRateLimiter(opsPerSec float64) *rateLimiter {
	if opsPerSec <= 0 {
		return nil
	}
	l := &rateLimiter{}
	l.tb.Init(tokenbucket.TokensPerSecond(opsPerSec), tokenbucket.Tokens(max(opsPerSec/10, 1)))
	return l
}

func (l *rateLimiter) wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	for {
		l.mu.Lock()
		ok, d := l.tb.TryToFulfill(1)
		l.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// countingStateMachine counts the inputs and bytes it executes.
type countingStateMachine struct {
	items atomic.Int64
	bytes atomic.Int64
}

func (m *countingStateMachine) Exec(index, term int64, in *raft.Input) (any, error) {
	if in.ReadOnly {
		return m.items.Load(), nil
	}
	m.items.Add(1)
	m.bytes.Add(int64(len(in.Body)))
	return nil, nil
}

func loadConfig(dir string) (*raft.Config, error) {
	cfg := &raft.Config{}
	if configPath != "" {
		var err error
		if cfg, err = raft.LoadConfig(configPath); err != nil {
			return nil, err
		}
	}
	cfg.DataDir = dir
	return cfg.EnsureDefaults(), nil
}

func runAppend(cmd *cobra.Command, args []string) error {
	dir := args[0]
	if wipe {
		fmt.Printf("wiping %s\n", dir)
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}
	var logger base.Logger = base.NoopLogger{}
	if verbose {
		logger = base.DefaultLogger
	}
	reg := prometheus.NewRegistry()
	if appendConfig.metricsAddr != "" {
		srv := &http.Server{
			Addr:    appendConfig.metricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("metrics server: %v", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	fmt.Printf("dir %s\nconcurrency %d\nvalue %d\n", dir, concurrency, appendConfig.valueSize)

	sm := &countingStateMachine{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	g, err := raft.Open(ctx, raft.Options{
		GroupID:      1,
		NodeID:       1,
		Config:       cfg,
		StateMachine: sm,
		Logger:       logger,
		Registerer:   reg,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := g.Close(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}()

	ops := newOpRegistry()
	limiter := newRateLimiter(appendConfig.rate)
	err = runTest(test{
		run: func(ctx context.Context, eg *errgroup.Group) {
			for i := 0; i < concurrency; i++ {
				writes := ops.Recorder("write")
				reads := ops.Recorder("read")
				eg.Go(func() error {
					return appendWorker(ctx, g, limiter, writes, reads)
				})
			}
		},
		tick: func(elapsed time.Duration, i int) {
			if i%20 == 0 {
				printTickHeader()
			}
			ops.Tick(func(tick opTick) { printTick(elapsed, tick) })
		},
		done: func(elapsed time.Duration) {
			printCumulativeHeader()
			ops.Tick(func(tick opTick) { printCumulative(elapsed, tick) })
			fmt.Printf("\napplied %d items, %d bytes; %d flow control rejections\n",
				sm.items.Load(), sm.bytes.Load(), ops.Rejections("write"))
		},
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	return err
}

func appendWorker(
	ctx context.Context,
	g *raft.Group,
	limiter *rateLimiter,
	writes, reads *opRecorder,
) error {
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	done := make(chan error, 1)
	for ctx.Err() == nil {
		if appendConfig.readOnly && rng.IntN(2) == 0 {
			start := crtime.NowMono()
			if _, err := g.LeaseReadIndex(ctx); err != nil {
				return err
			}
			reads.Since(start)
			continue
		}
		if err := limiter.wait(ctx); err != nil {
			return err
		}
		body := make([]byte, appendConfig.valueSize)
		for i := range body {
			body[i] = byte(rng.Uint32())
		}
		start := crtime.NowMono()
		err := g.SubmitLinearTask(&raft.Input{Body: body}, func(_ int64, _ any, err error) {
			done <- err
		})
		if errors.Is(err, raft.ErrFlowControl) {
			writes.Rejected()
			time.Sleep(time.Millisecond)
			continue
		} else if err != nil {
			return err
		}
		select {
		case err := <-done:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		writes.Since(start)
	}
	return ctx.Err()
}
