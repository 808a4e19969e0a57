// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package dmtable_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjc5415/lvm2/lib/dmerr"
	"github.com/zjc5415/lvm2/lib/dmtable"
	"github.com/zjc5415/lvm2/lib/dmtarget"
	"github.com/zjc5415/lvm2/lib/sector"
)

func linearTarget(name string, offset uint64) dmtarget.Target {
	return dmtarget.Target{
		Kind: dmtarget.Linear,
		Linear: dmtarget.LinearParams{
			Area: dmtarget.TargetArea{Device: dmtarget.DeviceRef{Name: name, UUID: name}, Offset: offset},
		},
	}
}

func TestBuilderLifecycle(t *testing.T) {
	t.Parallel()
	b := dmtable.NewBuilder(dmtable.DefaultFanout)
	assert.Equal(t, dmtable.Empty, b.State())

	// AddEntry before Start is a state violation.
	err := b.AddEntry(10, linearTarget("x", 0))
	assert.True(t, dmerr.Is(err, dmerr.StateViolation))

	b.Start()
	assert.Equal(t, dmtable.Loading, b.State())

	require.NoError(t, b.AddEntry(9, linearTarget("x", 0)))
	// Out-of-order high_sector is rejected.
	err = b.AddEntry(9, linearTarget("x", 10))
	assert.True(t, dmerr.Is(err, dmerr.InvalidArgument))
	err = b.AddEntry(5, linearTarget("x", 10))
	assert.True(t, dmerr.Is(err, dmerr.InvalidArgument))

	require.NoError(t, b.AddEntry(19, linearTarget("x", 10)))

	// Complete with a mismatched device size is rejected.
	_, err = b.Complete(30)
	assert.True(t, dmerr.Is(err, dmerr.InvalidArgument))

	table, err := b.Complete(20)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, sector.Sector(20), table.DeviceSize())
	assert.Equal(t, dmtable.Empty, b.State())

	// Completing twice without an intervening Start fails.
	_, err = b.Complete(20)
	assert.True(t, dmerr.Is(err, dmerr.StateViolation))
}

func TestBuilderAbandon(t *testing.T) {
	t.Parallel()
	b := dmtable.NewBuilder(dmtable.DefaultFanout)
	b.Start()
	require.NoError(t, b.AddEntry(10, linearTarget("x", 0)))
	b.Abandon()
	assert.Equal(t, dmtable.Empty, b.State())

	_, err := b.Complete(10)
	assert.True(t, dmerr.Is(err, dmerr.StateViolation))
}

func TestCompleteRequiresAtLeastOneEntry(t *testing.T) {
	t.Parallel()
	b := dmtable.NewBuilder(dmtable.DefaultFanout)
	b.Start()
	_, err := b.Complete(10)
	assert.True(t, dmerr.Is(err, dmerr.InvalidArgument))
}

// buildSingleLeg stages a table of n single-sector entries over
// distinct offsets on the same backing device, for exercising the
// index compiler across several fan-out-driven depths.
func buildSingleLeg(t *testing.T, n, fanout int) *dmtable.Table {
	t.Helper()
	b := dmtable.NewBuilder(fanout)
	b.Start()
	for i := 0; i < n; i++ {
		require.NoError(t, b.AddEntry(sector.Sector(i), linearTarget("x", uint64(i))))
	}
	table, err := b.Complete(sector.Sector(n))
	require.NoError(t, err)
	return table
}

func TestFindSingleLevel(t *testing.T) {
	t.Parallel()
	// fanout=7, n=5 entries: depth should be 1 (one leaf level, no
	// parent needed since leafCount == 1).
	table := buildSingleLeg(t, 5, 7)
	assert.Equal(t, 1, table.Depth())
	require.NoError(t, table.Coverage())

	for i := 0; i < 5; i++ {
		e, err := table.Find(sector.Sector(i))
		require.NoError(t, err)
		assert.Equal(t, sector.Sector(i), e.High)
	}
}

func TestFindMultiLevel(t *testing.T) {
	t.Parallel()
	// fanout=2, n=20 entries: leafCount = ceil(20/2) = 10 nodes,
	// which needs a parent level (depth = 1 + ceil(log_3(10)) = 1+3 = wait
	// verify via IntLog: we just assert depth > 1 and every entry
	// resolves to itself, rather than hand-deriving depth.
	table := buildSingleLeg(t, 20, 2)
	assert.Greater(t, table.Depth(), 1)
	require.NoError(t, table.Coverage())

	for i := 0; i < 20; i++ {
		e, err := table.Find(sector.Sector(i))
		require.NoError(t, err)
		assert.Equal(t, sector.Sector(i), e.High, "sector %d", i)
		assert.Equal(t, uint64(i), e.Target.Linear.Area.Offset)
	}
}

func TestFindOutOfRange(t *testing.T) {
	t.Parallel()
	table := buildSingleLeg(t, 5, 7)
	_, err := table.Find(5)
	assert.True(t, dmerr.Is(err, dmerr.InvalidArgument))
	_, err = table.Find(100)
	assert.True(t, dmerr.Is(err, dmerr.InvalidArgument))
}

func TestFindWithCache(t *testing.T) {
	t.Parallel()
	table := buildSingleLeg(t, 20, 2)
	table.EnableCache(8)

	for i := 0; i < 20; i++ {
		e, err := table.Find(sector.Sector(i))
		require.NoError(t, err)
		assert.Equal(t, sector.Sector(i), e.High)
	}
	// Second pass exercises the cache-hit path; result must be
	// identical to the uncached lookup.
	for i := 0; i < 20; i++ {
		e, err := table.Find(sector.Sector(i))
		require.NoError(t, err)
		assert.Equal(t, sector.Sector(i), e.High)
	}
}
