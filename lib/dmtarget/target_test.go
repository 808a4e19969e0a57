// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package dmtarget_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zjc5415/lvm2/lib/dmtarget"
)

func TestKindString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "linear", dmtarget.Linear.String())
	assert.Equal(t, "mirror", dmtarget.Mirror.String())
	assert.Equal(t, "Kind(99)", dmtarget.Kind(99).String())
}

func TestAreas(t *testing.T) {
	t.Parallel()

	leg := dmtarget.DeviceRef{Name: "leg-a", UUID: "uuid-a"}
	linear := dmtarget.Target{Kind: dmtarget.Linear, Linear: dmtarget.LinearParams{Area: dmtarget.TargetArea{Device: leg, Offset: 10}}}
	assert.Equal(t, []dmtarget.TargetArea{{Device: leg, Offset: 10}}, linear.Areas())

	origin := dmtarget.DeviceRef{Name: "origin", UUID: "uuid-origin"}
	cow := dmtarget.DeviceRef{Name: "cow", UUID: "uuid-cow"}
	snap := dmtarget.Target{Kind: dmtarget.Snapshot, Snapshot: dmtarget.SnapshotParams{Origin: origin, CowStore: cow}}
	assert.Equal(t, []dmtarget.TargetArea{{Device: origin}, {Device: cow}}, snap.Areas())

	errTarget := dmtarget.Target{Kind: dmtarget.Error}
	assert.Nil(t, errTarget.Areas())
}

func TestTypeString(t *testing.T) {
	t.Parallel()
	linear := dmtarget.Target{Kind: dmtarget.Linear}
	assert.Equal(t, "linear", linear.TypeString())

	custom := dmtarget.Target{Kind: dmtarget.Custom, Custom: dmtarget.CustomParams{TypeName: "thin-pool"}}
	assert.Equal(t, "thin-pool", custom.TypeString())
}

func TestParamString(t *testing.T) {
	t.Parallel()

	leg := dmtarget.DeviceRef{Name: "leg-a", UUID: "uuid-a"}
	linear := dmtarget.Target{Kind: dmtarget.Linear, Linear: dmtarget.LinearParams{Area: dmtarget.TargetArea{Device: leg, Offset: 16}}}
	assert.Equal(t, "uuid-a 16", linear.ParamString())

	legA := dmtarget.DeviceRef{Name: "leg-a", UUID: "uuid-a"}
	legB := dmtarget.DeviceRef{Name: "leg-b", UUID: "uuid-b"}
	mirror := dmtarget.Target{
		Kind: dmtarget.Mirror,
		Mirror: dmtarget.MirrorParams{
			LogType: "core",
			Areas: []dmtarget.TargetArea{
				{Device: legA, Offset: 0},
				{Device: legB, Offset: 0},
			},
		},
	}
	assert.Equal(t, "core 0 2 uuid-a 0 uuid-b 0", mirror.ParamString())

	origin := dmtarget.DeviceRef{Name: "origin", UUID: "uuid-origin"}
	cow := dmtarget.DeviceRef{Name: "cow", UUID: "uuid-cow"}
	snap := dmtarget.Target{
		Kind: dmtarget.Snapshot,
		Snapshot: dmtarget.SnapshotParams{
			Origin:     origin,
			CowStore:   cow,
			Persistent: true,
			ChunkSize:  8,
		},
	}
	assert.Equal(t, "uuid-origin uuid-cow P 8", snap.ParamString())

	zero := dmtarget.Target{Kind: dmtarget.Zero}
	assert.Equal(t, "", zero.ParamString())
}
