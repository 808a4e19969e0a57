// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/zjc5415/lvm2/lib/dmtable"
	"github.com/zjc5415/lvm2/lib/jsonutil"
	"github.com/zjc5415/lvm2/lib/sector"
)

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "export",
			Short: "Dump the demo stack's target tables as JSON",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: runExport,
	})
}

// entryDump is one compiled table entry, JSON-encoded for a debug
// dump. High is wrapped in jsonutil.Binary so that it round-trips
// through binstruct's fixed-width encoding rather than JSON's
// floating-point-safe-integer rules, which matters once sector counts
// approach 2^53.
type entryDump struct {
	High jsonutil.Binary[sector.Sector]
	Kind string
}

type tableDump struct {
	Name    string
	UUID    string
	Fanout  int
	Entries []entryDump
}

func dumpTable(name, uuid string, table *dmtable.Table) tableDump {
	dump := tableDump{Name: name, UUID: uuid, Fanout: table.Fanout()}
	for _, e := range table.Entries() {
		dump.Entries = append(dump.Entries, entryDump{
			High: jsonutil.Binary[sector.Sector]{Val: e.High},
			Kind: e.Target.Kind.String(),
		})
	}
	return dump
}

func runExport(ctx context.Context, cmd *cobra.Command, args []string) error {
	stack, err := buildDemoStack()
	if err != nil {
		return err
	}

	var dumps []tableDump
	for _, dev := range stack.registry.Devices() {
		table := dev.InactiveTable
		if table == nil {
			table = dev.LiveTable
		}
		if table == nil {
			continue
		}
		dumps = append(dumps, dumpTable(dev.Name, dev.UUID, table))
	}

	return lowmemjson.NewEncoder(os.Stdout).Encode(dumps)
}
