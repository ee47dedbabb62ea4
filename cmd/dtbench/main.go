// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// dtbench drives the raft log pipeline and the admission gate of a
// single-member group, and inspects the files such a group leaves behind.
package main

import (
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	concurrency int
	configPath  string
	duration    time.Duration
	verbose     bool
	wipe        bool
)

var rootCmd = &cobra.Command{
	Use:   "dtbench [command] (flags)",
	Short: "raftcore benchmarking/introspection tool",
	Long:  ``,
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		appendCmd,
		dumpCmd,
	)

	for _, cmd := range []*cobra.Command{appendCmd} {
		cmd.Flags().IntVarP(
			&concurrency, "concurrency", "c", 1, "number of concurrent submitters")
		cmd.Flags().DurationVarP(
			&duration, "duration", "d", 10*time.Second, "the duration to run (0, run forever)")
		cmd.Flags().BoolVarP(
			&verbose, "verbose", "v", false, "enable verbose event logging")
		cmd.Flags().BoolVarP(
			&wipe, "wipe", "w", false, "wipe the data directory before starting")
	}
	for _, cmd := range []*cobra.Command{appendCmd, dumpCmd} {
		cmd.Flags().StringVar(
			&configPath, "config", "", "YAML group config; dataDir is replaced by the <dir> argument")
	}

	appendCmd.Flags().IntVar(
		&appendConfig.valueSize, "value", appendConfig.valueSize, "size of each submitted value")
	appendCmd.Flags().BoolVar(
		&appendConfig.readOnly, "lease-reads", false, "interleave lease reads with the writes")
	appendCmd.Flags().Float64Var(
		&appendConfig.rate, "rate", 0, "maximum writes per second across all submitters (0, unlimited)")
	appendCmd.Flags().StringVar(
		&appendConfig.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	dumpCmd.Flags().BoolVar(
		&dumpConfig.bodies, "bodies", false, "print log item headers and bodies")

	if err := rootCmd.Execute(); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}
