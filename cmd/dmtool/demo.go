// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/zjc5415/lvm2/lib/dmdevice"
	"github.com/zjc5415/lvm2/lib/dmgraph"
	"github.com/zjc5415/lvm2/lib/dmkernel"
	"github.com/zjc5415/lvm2/lib/dmplan"
	"github.com/zjc5415/lvm2/lib/dmtable"
	"github.com/zjc5415/lvm2/lib/dmtarget"
	"github.com/zjc5415/lvm2/lib/sector"
)

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "demo",
			Short: "Build a mirror-over-linear-legs stack and walk it through preload/activate/suspend/deactivate",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: runDemo,
	})
}

// buildLinear stages and completes a single-entry linear table over
// backing device ref, sized to match the referenced area.
func buildLinear(deviceSize sector.Sector, ref dmtarget.DeviceRef, offset uint64) (*dmtable.Table, error) {
	b := dmtable.NewBuilder(dmtable.DefaultFanout)
	b.Start()
	if err := b.AddEntry(deviceSize-1, dmtarget.Target{
		Kind:   dmtarget.Linear,
		Linear: dmtarget.LinearParams{Area: dmtarget.TargetArea{Device: ref, Offset: offset}},
	}); err != nil {
		return nil, err
	}
	return b.Complete(deviceSize)
}

// demoStack is the mirror-over-linear-legs device stack shared by the
// demo and export subcommands.
type demoStack struct {
	registry *dmdevice.Registry
	tree     *dmgraph.Tree
	prefix   string
}

func buildDemoStack() (*demoStack, error) {
	registry := dmdevice.NewRegistry()

	const prefix = "admin-"
	const size = sector.Sector(1024)

	legA, err := registry.OpenOrCreate("lv_leg_a", prefix+"leg-a")
	if err != nil {
		return nil, err
	}
	legB, err := registry.OpenOrCreate("lv_leg_b", prefix+"leg-b")
	if err != nil {
		return nil, err
	}
	top, err := registry.OpenOrCreate("lv_top", prefix+"top")
	if err != nil {
		return nil, err
	}

	legATable, err := buildLinear(size, dmtarget.DeviceRef{Name: "pv0", UUID: "pv-0"}, 16)
	if err != nil {
		return nil, err
	}
	legBTable, err := buildLinear(size, dmtarget.DeviceRef{Name: "pv0", UUID: "pv-0"}, 32)
	if err != nil {
		return nil, err
	}
	if err := registry.SetTable(legA, legATable); err != nil {
		return nil, err
	}
	if err := registry.SetTable(legB, legBTable); err != nil {
		return nil, err
	}

	topBuilder := dmtable.NewBuilder(dmtable.DefaultFanout)
	topBuilder.Start()
	if err := topBuilder.AddEntry(size-1, dmtarget.Target{
		Kind: dmtarget.Mirror,
		Mirror: dmtarget.MirrorParams{
			LogType: "core",
			Areas: []dmtarget.TargetArea{
				{Device: dmtarget.DeviceRef{Name: legA.Name, UUID: legA.UUID}},
				{Device: dmtarget.DeviceRef{Name: legB.Name, UUID: legB.UUID}},
			},
		},
	}); err != nil {
		return nil, err
	}
	topTable, err := topBuilder.Complete(size)
	if err != nil {
		return nil, err
	}
	if err := registry.SetTable(top, topTable); err != nil {
		return nil, err
	}

	tree, err := dmgraph.Build(registry)
	if err != nil {
		return nil, err
	}

	return &demoStack{registry: registry, tree: tree, prefix: prefix}, nil
}

func runDemo(ctx context.Context, cmd *cobra.Command, args []string) error {
	stack, err := buildDemoStack()
	if err != nil {
		return err
	}
	registry := stack.registry
	backend := dmkernel.NewFakeBackend()
	dispatcher := &dmkernel.Dispatcher{Backend: backend}
	prefix := stack.prefix
	tree := stack.tree

	top, ok := registry.Lookup("lv_top")
	if !ok {
		return fmt.Errorf("demo: lv_top vanished from its own registry")
	}

	fmt.Println("-- preload --")
	if res := dmplan.PreloadChildren(ctx, registry, dispatcher, tree.Root(), prefix, false); printResult(res) {
		return res.Err()
	}

	fmt.Println("-- activate --")
	if res := dmplan.ActivateChildren(ctx, registry, dispatcher, tree.Root(), prefix); printResult(res) {
		return res.Err()
	}

	fmt.Printf("lv_top live: %v\n", registry.Info(top).LiveTable)

	fmt.Println("-- suspend --")
	printResult(dmplan.SuspendChildren(ctx, registry, dispatcher, tree.Root(), prefix))

	fmt.Println("-- deactivate --")
	printResult(dmplan.DeactivateChildren(ctx, registry, dispatcher, tree.Root(), prefix))

	return nil
}

func printResult(res dmplan.Result) bool {
	for _, ns := range res.PerNode {
		switch {
		case ns.Err != nil:
			fmt.Printf("  %-16s %v\n", ns.UUID, ns.Err)
		case ns.Skipped:
			fmt.Printf("  %-16s skipped\n", ns.UUID)
		default:
			fmt.Printf("  %-16s ok\n", ns.UUID)
		}
	}
	fmt.Printf("overall: %v\n", res.Overall)
	return res.Overall != dmplan.Success
}
