// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package dmplan_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjc5415/lvm2/lib/dmdevice"
	"github.com/zjc5415/lvm2/lib/dmgraph"
	"github.com/zjc5415/lvm2/lib/dmkernel"
	"github.com/zjc5415/lvm2/lib/dmplan"
	"github.com/zjc5415/lvm2/lib/dmtable"
	"github.com/zjc5415/lvm2/lib/dmtarget"
)

const prefix = "admin-"

func linearTable(t *testing.T, ref dmtarget.DeviceRef) *dmtable.Table {
	t.Helper()
	b := dmtable.NewBuilder(dmtable.DefaultFanout)
	b.Start()
	require.NoError(t, b.AddEntry(9, dmtarget.Target{
		Kind:   dmtarget.Linear,
		Linear: dmtarget.LinearParams{Area: dmtarget.TargetArea{Device: ref}},
	}))
	table, err := b.Complete(10)
	require.NoError(t, err)
	return table
}

func mirrorTable(t *testing.T, refs ...dmtarget.DeviceRef) *dmtable.Table {
	t.Helper()
	areas := make([]dmtarget.TargetArea, len(refs))
	for i, r := range refs {
		areas[i] = dmtarget.TargetArea{Device: r}
	}
	b := dmtable.NewBuilder(dmtable.DefaultFanout)
	b.Start()
	require.NoError(t, b.AddEntry(9, dmtarget.Target{
		Kind:   dmtarget.Mirror,
		Mirror: dmtarget.MirrorParams{LogType: "core", Areas: areas},
	}))
	table, err := b.Complete(10)
	require.NoError(t, err)
	return table
}

// buildMirrorStack builds a mirror-over-two-linear-legs stack
// identical in shape to cmd/dmtool demo's, every device named with
// the admin- prefix so the whole stack is in scope.
func buildMirrorStack(t *testing.T) (*dmdevice.Registry, *dmgraph.Tree) {
	t.Helper()
	registry := dmdevice.NewRegistry()

	legA, err := registry.OpenOrCreate("lv_leg_a", prefix+"leg-a")
	require.NoError(t, err)
	legB, err := registry.OpenOrCreate("lv_leg_b", prefix+"leg-b")
	require.NoError(t, err)
	top, err := registry.OpenOrCreate("lv_top", prefix+"top")
	require.NoError(t, err)

	rawPV := dmtarget.DeviceRef{Name: "pv0", UUID: "pv-0"}
	require.NoError(t, registry.SetTable(legA, linearTable(t, rawPV)))
	require.NoError(t, registry.SetTable(legB, linearTable(t, rawPV)))
	require.NoError(t, registry.SetTable(top, mirrorTable(t,
		dmtarget.DeviceRef{Name: legA.Name, UUID: legA.UUID},
		dmtarget.DeviceRef{Name: legB.Name, UUID: legB.UUID},
	)))

	tree, err := dmgraph.Build(registry)
	require.NoError(t, err)
	return registry, tree
}

func assertAllOK(t *testing.T, res dmplan.Result) {
	t.Helper()
	assert.Equal(t, dmplan.Success, res.Overall)
	for _, ns := range res.PerNode {
		assert.NoError(t, ns.Err, "node %s", ns.UUID)
	}
}

func TestFullActivationLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry, tree := buildMirrorStack(t)
	backend := dmkernel.NewFakeBackend()
	disp := &dmkernel.Dispatcher{Backend: backend}

	preload := dmplan.PreloadChildren(ctx, registry, disp, tree.Root(), prefix, false)
	assertAllOK(t, preload)

	activate := dmplan.ActivateChildren(ctx, registry, disp, tree.Root(), prefix)
	assertAllOK(t, activate)

	top, ok := registry.Lookup("lv_top")
	require.True(t, ok)
	assert.True(t, registry.Info(top).LiveTable)
	legA, ok := registry.Lookup("lv_leg_a")
	require.True(t, ok)
	assert.True(t, registry.Info(legA).LiveTable)

	suspend := dmplan.SuspendChildren(ctx, registry, disp, tree.Root(), prefix)
	assertAllOK(t, suspend)
	assert.True(t, registry.Info(top).Suspended)

	deactivate := dmplan.DeactivateChildren(ctx, registry, disp, tree.Root(), prefix)
	assertAllOK(t, deactivate)

	_, ok = registry.Lookup("lv_top")
	assert.False(t, ok)
	_, ok = registry.Lookup("lv_leg_a")
	assert.False(t, ok)
}

func TestPreloadOrdersChildrenBeforeParents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry, tree := buildMirrorStack(t)
	disp := &dmkernel.Dispatcher{Backend: dmkernel.NewFakeBackend()}

	res := dmplan.PreloadChildren(ctx, registry, disp, tree.Root(), prefix, false)
	assertAllOK(t, res)

	var order []string
	for _, ns := range res.PerNode {
		order = append(order, ns.UUID)
	}
	topIdx, legAIdx, legBIdx := -1, -1, -1
	for i, u := range order {
		switch u {
		case prefix + "top":
			topIdx = i
		case prefix + "leg-a":
			legAIdx = i
		case prefix + "leg-b":
			legBIdx = i
		}
	}
	require.NotEqual(t, -1, topIdx)
	require.NotEqual(t, -1, legAIdx)
	require.NotEqual(t, -1, legBIdx)
	assert.Less(t, legAIdx, topIdx)
	assert.Less(t, legBIdx, topIdx)
}

func TestReloadThenResumeAfterRealized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry, tree := buildMirrorStack(t)
	disp := &dmkernel.Dispatcher{Backend: dmkernel.NewFakeBackend()}

	assertAllOK(t, dmplan.PreloadChildren(ctx, registry, disp, tree.Root(), prefix, true))

	legA, ok := registry.Lookup("lv_leg_a")
	require.True(t, ok)
	assert.True(t, legA.Realized)
	assert.True(t, registry.Info(legA).LiveTable)

	// Stage a replacement table on the already-realized leg and
	// preload again: this must go through RELOAD, not CREATE.
	rawPV := dmtarget.DeviceRef{Name: "pv0", UUID: "pv-0"}
	require.NoError(t, registry.SetTable(legA, linearTable(t, rawPV)))
	res := dmplan.PreloadChildren(ctx, registry, disp, tree.Root(), prefix, false)
	assertAllOK(t, res)
	assert.True(t, registry.Info(legA).InactiveTable)
}

// suspendRecorder wraps a Backend and records the header flags of
// every SUSPEND request it forwards, by device UUID.
type suspendRecorder struct {
	dmkernel.Backend
	flags map[string]dmkernel.HeaderFlags
}

func (r *suspendRecorder) Do(ctx context.Context, req dmkernel.Request) (dmkernel.Response, error) {
	if req.Op == dmkernel.Suspend {
		r.flags[req.UUID] = req.Flags
	}
	return r.Backend.Do(ctx, req)
}

func TestSuspendLockfsOnlyAtTopOfStack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry, tree := buildMirrorStack(t)
	rec := &suspendRecorder{Backend: dmkernel.NewFakeBackend(), flags: make(map[string]dmkernel.HeaderFlags)}
	disp := &dmkernel.Dispatcher{Backend: rec}
	require.Equal(t, dmplan.Success, dmplan.PreloadChildren(ctx, registry, disp, tree.Root(), prefix, true).Overall)

	res := dmplan.SuspendChildren(ctx, registry, disp, tree.Root(), prefix)
	assertAllOK(t, res)

	require.Contains(t, rec.flags, prefix+"top")
	require.Contains(t, rec.flags, prefix+"leg-a")
	require.Contains(t, rec.flags, prefix+"leg-b")
	assert.Zero(t, rec.flags[prefix+"top"]&dmkernel.FlagSkipLockfs)
	assert.NotZero(t, rec.flags[prefix+"leg-a"]&dmkernel.FlagSkipLockfs)
	assert.NotZero(t, rec.flags[prefix+"leg-b"]&dmkernel.FlagSkipLockfs)
}

func TestDeactivateScopedByPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry := dmdevice.NewRegistry()

	inScope, err := registry.OpenOrCreate("lv_in", "admin-in")
	require.NoError(t, err)
	outOfScope, err := registry.OpenOrCreate("lv_out", "other-out")
	require.NoError(t, err)

	rawPV := dmtarget.DeviceRef{Name: "pv0", UUID: "pv-0"}
	require.NoError(t, registry.SetTable(inScope, linearTable(t, rawPV)))
	require.NoError(t, registry.SetTable(outOfScope, linearTable(t, rawPV)))

	tree, err := dmgraph.Build(registry)
	require.NoError(t, err)

	disp := &dmkernel.Dispatcher{Backend: dmkernel.NewFakeBackend()}
	require.Equal(t, dmplan.Success, dmplan.PreloadChildren(ctx, registry, disp, tree.Root(), "admin-", true).Overall)

	res := dmplan.DeactivateChildren(ctx, registry, disp, tree.Root(), "admin-")
	assertAllOK(t, res)

	_, ok := registry.Lookup("lv_in")
	assert.False(t, ok)
	// out-of-scope device still holds the inactive table staged above,
	// but no walk acts on it: it was never realized and is not
	// removed.
	_, ok = registry.Lookup("lv_out")
	assert.True(t, ok)
}

func TestDeactivateRecordsBusyPerNode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry, tree := buildMirrorStack(t)
	disp := &dmkernel.Dispatcher{Backend: dmkernel.NewFakeBackend()}
	require.Equal(t, dmplan.Success, dmplan.PreloadChildren(ctx, registry, disp, tree.Root(), prefix, true).Overall)

	legA, ok := registry.Lookup("lv_leg_a")
	require.True(t, ok)
	legA.OpenCount = 1

	res := dmplan.DeactivateChildren(ctx, registry, disp, tree.Root(), prefix)
	assert.Equal(t, dmplan.PartialFailure, res.Overall)

	var sawBusy bool
	for _, ns := range res.PerNode {
		if ns.UUID == legA.UUID {
			sawBusy = true
			assert.Error(t, ns.Err)
			assert.False(t, ns.Skipped)
		}
	}
	assert.True(t, sawBusy)
	assert.Error(t, res.Err())
}

func TestDeactivateDeferredRemoveIsSkippedNotFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry, tree := buildMirrorStack(t)
	disp := &dmkernel.Dispatcher{Backend: dmkernel.NewFakeBackend()}
	require.Equal(t, dmplan.Success, dmplan.PreloadChildren(ctx, registry, disp, tree.Root(), prefix, true).Overall)

	legA, ok := registry.Lookup("lv_leg_a")
	require.True(t, ok)
	legA.OpenCount = 1
	legA.Flags |= dmdevice.DeferredRemove

	res := dmplan.DeactivateChildren(ctx, registry, disp, tree.Root(), prefix)
	for _, ns := range res.PerNode {
		if ns.UUID == legA.UUID {
			assert.True(t, ns.Skipped)
		}
	}
	// A deferred-remove skip is not counted in Err()'s aggregate.
	assert.NoError(t, res.Err())
}

func TestChildrenUseUUID(t *testing.T) {
	t.Parallel()
	_, tree := buildMirrorStack(t)
	assert.True(t, dmplan.ChildrenUseUUID(tree.Root(), prefix))
	assert.False(t, dmplan.ChildrenUseUUID(tree.Root(), "nonexistent-"))
}
