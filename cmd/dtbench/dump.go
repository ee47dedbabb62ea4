// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"fmt"
	"slices"

	"github.com/cockroachdb/raftcore/raft"
	"github.com/cockroachdb/raftcore/store"
	"github.com/cockroachdb/raftcore/vfs"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var dumpCmd = &cobra.Command{
	Use:   "dump <dir>",
	Short: "print the status file and raft log of a closed group",
	Args:  cobra.ExactArgs(1),
	RunE:  runDump,
}

var dumpConfig struct {
	bodies bool
}

func itemTypeString(t raft.LogItemType) string {
	switch t {
	case store.LogRecordNormal:
		return "normal"
	case store.LogRecordHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

func runDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args[0])
	if err != nil {
		return err
	}
	fs := vfs.Default
	stdout := cmd.OutOrStdout()

	statusPath := fs.PathJoin(cfg.DataDir, cfg.StatusFile)
	data, err := vfs.ReadAll(fs, statusPath)
	if err != nil {
		return err
	}
	props, err := store.DecodeStatus(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s:\n", statusPath)
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(stdout, "  %s=%s\n", k, props[k])
	}

	items, err := raft.ReadLogItems(fs, cfg)
	fmt.Fprintf(stdout, "%s: %d items\n", fs.PathJoin(cfg.DataDir, cfg.LogFile), len(items))
	tbl := tablewriter.NewWriter(stdout)
	header := []string{"Index", "Term", "PrevTerm", "Type", "Biz", "Len"}
	if dumpConfig.bodies {
		header = append(header, "Header", "Body")
	}
	tbl.SetHeader(header)
	for i := range items {
		it := &items[i]
		row := []string{
			fmt.Sprint(it.Index),
			fmt.Sprint(it.Term),
			fmt.Sprint(it.PrevLogTerm),
			itemTypeString(it.Type),
			fmt.Sprint(it.BizType),
			fmt.Sprint(len(it.Header) + len(it.Body)),
		}
		if dumpConfig.bodies {
			row = append(row, fmt.Sprintf("%q", it.Header), fmt.Sprintf("%q", it.Body))
		}
		tbl.Append(row)
	}
	tbl.Render()
	if err != nil {
		fmt.Fprintf(stdout, "log ends with: %v\n", err)
	}
	return nil
}
