// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package dmgraph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjc5415/lvm2/lib/dmdevice"
	"github.com/zjc5415/lvm2/lib/dmerr"
	"github.com/zjc5415/lvm2/lib/dmgraph"
	"github.com/zjc5415/lvm2/lib/dmtable"
	"github.com/zjc5415/lvm2/lib/dmtarget"
)

func linearOver(ref dmtarget.DeviceRef) *dmtable.Table {
	b := dmtable.NewBuilder(dmtable.DefaultFanout)
	b.Start()
	_ = b.AddEntry(9, dmtarget.Target{
		Kind:   dmtarget.Linear,
		Linear: dmtarget.LinearParams{Area: dmtarget.TargetArea{Device: ref}},
	})
	table, _ := b.Complete(10)
	return table
}

func mirrorOver(refs ...dmtarget.DeviceRef) *dmtable.Table {
	areas := make([]dmtarget.TargetArea, len(refs))
	for i, r := range refs {
		areas[i] = dmtarget.TargetArea{Device: r}
	}
	b := dmtable.NewBuilder(dmtable.DefaultFanout)
	b.Start()
	_ = b.AddEntry(9, dmtarget.Target{
		Kind:   dmtarget.Mirror,
		Mirror: dmtarget.MirrorParams{LogType: "core", Areas: areas},
	})
	table, _ := b.Complete(10)
	return table
}

func TestBuildLinksChildrenAndParents(t *testing.T) {
	t.Parallel()
	registry := dmdevice.NewRegistry()

	legA, err := registry.OpenOrCreate("lv_leg_a", "uuid-leg-a")
	require.NoError(t, err)
	legB, err := registry.OpenOrCreate("lv_leg_b", "uuid-leg-b")
	require.NoError(t, err)
	top, err := registry.OpenOrCreate("lv_top", "uuid-top")
	require.NoError(t, err)

	// legA and legB bottom out on a raw PV that is never registered
	// as a mapped device -- Build must not error over this.
	rawPV := dmtarget.DeviceRef{Name: "pv0", UUID: "pv-0"}
	require.NoError(t, registry.SetTable(legA, linearOver(rawPV)))
	require.NoError(t, registry.SetTable(legB, linearOver(rawPV)))
	require.NoError(t, registry.SetTable(top, mirrorOver(
		dmtarget.DeviceRef{Name: legA.Name, UUID: legA.UUID},
		dmtarget.DeviceRef{Name: legB.Name, UUID: legB.UUID},
	)))

	tree, err := dmgraph.Build(registry)
	require.NoError(t, err)

	topNode, ok := tree.FindByUUID("uuid-top")
	require.True(t, ok)
	children := topNode.Children(false)
	assert.Len(t, children, 2)

	legANode, ok := tree.FindByUUID("uuid-leg-a")
	require.True(t, ok)
	// legA has no in-registry backing device, so its only child is
	// the sentinel root's padding edge.
	assert.Equal(t, 1, legANode.NumChildren(false))
	parents := legANode.Children(true)
	require.Len(t, parents, 1)
	assert.Same(t, topNode, parents[0])
}

func TestBuildDetectsCycle(t *testing.T) {
	t.Parallel()
	registry := dmdevice.NewRegistry()

	a, err := registry.OpenOrCreate("lv_a", "uuid-a")
	require.NoError(t, err)
	b, err := registry.OpenOrCreate("lv_b", "uuid-b")
	require.NoError(t, err)

	require.NoError(t, registry.SetTable(a, linearOver(dmtarget.DeviceRef{Name: b.Name, UUID: b.UUID})))
	require.NoError(t, registry.SetTable(b, linearOver(dmtarget.DeviceRef{Name: a.Name, UUID: a.UUID})))

	_, err = dmgraph.Build(registry)
	assert.True(t, dmerr.Is(err, dmerr.CyclicDependency))
}

func TestBuildIsolatedDeviceIsNotACycle(t *testing.T) {
	t.Parallel()
	registry := dmdevice.NewRegistry()
	dev, err := registry.OpenOrCreate("lv_standalone", "uuid-standalone")
	require.NoError(t, err)
	require.NoError(t, registry.SetTable(dev, linearOver(dmtarget.DeviceRef{Name: "pv0", UUID: "pv-0"})))

	tree, err := dmgraph.Build(registry)
	require.NoError(t, err)

	node, ok := tree.FindByUUID("uuid-standalone")
	require.True(t, ok)
	assert.Equal(t, 1, node.NumChildren(false))
	assert.Equal(t, 1, node.NumChildren(true))
	assert.Same(t, tree.Root(), node.Children(false)[0])
	assert.Same(t, tree.Root(), node.Children(true)[0])
}

func TestInScope(t *testing.T) {
	t.Parallel()
	registry := dmdevice.NewRegistry()
	dev, err := registry.OpenOrCreate("admin-top", "admin-top-uuid")
	require.NoError(t, err)
	require.NoError(t, registry.SetTable(dev, linearOver(dmtarget.DeviceRef{Name: "pv0", UUID: "pv-0"})))

	tree, err := dmgraph.Build(registry)
	require.NoError(t, err)

	assert.True(t, tree.Root().InScope("admin-"))

	node, ok := tree.FindByUUID("admin-top-uuid")
	require.True(t, ok)
	assert.True(t, node.InScope("admin-"))
	assert.False(t, node.InScope("other-"))
}

func TestFindByMajorMinor(t *testing.T) {
	t.Parallel()
	registry := dmdevice.NewRegistry()
	dev, err := registry.OpenOrCreate("lv_top", "uuid-top")
	require.NoError(t, err)
	require.NoError(t, registry.SetTable(dev, linearOver(dmtarget.DeviceRef{Name: "pv0", UUID: "pv-0"})))
	registry.Realize(dev, 253, 4)

	tree, err := dmgraph.Build(registry)
	require.NoError(t, err)

	node, ok := tree.Find(253, 4)
	require.True(t, ok)
	assert.Equal(t, "uuid-top", node.UUID)

	_, ok = tree.Find(253, 99)
	assert.False(t, ok)
}
