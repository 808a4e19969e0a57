// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package dmtable

import (
	"github.com/zjc5415/lvm2/lib/containers"
	"github.com/zjc5415/lvm2/lib/dmerr"
	"github.com/zjc5415/lvm2/lib/sector"
)

// Table is a completed, committed target table: a sorted, disjoint
// set of entries covering a device from sector 0 to deviceSize-1,
// plus the compiled B-tree index used to resolve lookups in
// O(depth).
type Table struct {
	fanout     int
	entries    []Entry
	index      *index
	deviceSize sector.Sector
	readOnly   bool

	// cache accelerates repeat Find calls over the same hot sector
	// range (e.g. sustained sequential I/O landing in the same
	// target) without changing Find's observable result. It is
	// invalidated whenever the table itself is replaced, never
	// mutated in place.
	cache *containers.LRUCache[sector.Sector, int]
}

// Fanout returns the table's B-tree fan-out (K).
func (t *Table) Fanout() int { return t.fanout }

// ReadOnly reports whether this table was built with SetReadOnly(true).
func (t *Table) ReadOnly() bool { return t.readOnly }

// Depth returns the compiled index's depth.
func (t *Table) Depth() int { return t.index.depth }

// Len returns the number of entries in the table.
func (t *Table) Len() int { return len(t.entries) }

// DeviceSize returns the device size this table was compiled for, in
// sectors.
func (t *Table) DeviceSize() sector.Sector { return t.deviceSize }

// Entries returns the table's entries in high_sector order. The
// returned slice must not be mutated.
func (t *Table) Entries() []Entry { return t.entries }

// EnableCache lazily attaches a bounded read-through lookup cache of
// the given size to this table. It is optional: Find works without
// it, just without the cache's acceleration for repeated lookups in
// the same range.
func (t *Table) EnableCache(size int) {
	t.cache = containers.NewLRUCache[sector.Sector, int](size)
}

// Find returns the target that owns the given sector: start at level
// 0 node 0, scan up to fanout keys for the first key >= sector (or
// fanout if none), and use that as the child index into the next
// level; repeat until the leaf level, where the found index is the
// entry index. Sectors at or beyond the device size are a malformed
// request, not a lookup miss, and report InvalidArgument.
func (t *Table) Find(s sector.Sector) (Entry, error) {
	if s >= t.deviceSize {
		return Entry{}, dmerr.Errorf(dmerr.InvalidArgument, "dmtable: Find: sector %v is out of range (device size %v)", s, t.deviceSize)
	}

	if t.cache != nil {
		if idx, ok := t.cache.Get(s); ok {
			return t.entries[idx], nil
		}
	}

	idx := t.findIndex(s)

	if t.cache != nil {
		t.cache.Add(s, idx)
	}
	return t.entries[idx], nil
}

// findIndex performs the branchless-in-spirit B-tree descent and
// returns the entry index, without the cache or device-size check.
func (t *Table) findIndex(s sector.Sector) int {
	node := 0
	for l := 0; l < t.index.depth; l++ {
		level := t.index.levels[l]
		base := node * t.fanout
		found := t.fanout
		for c := 0; c < t.fanout; c++ {
			if level[base+c] >= s {
				found = c
				break
			}
		}
		if l == t.index.depth-1 {
			return node*t.fanout + found
		}
		node = node*(t.fanout+1) + found
	}
	// Unreachable for a well-formed index (depth >= 1, coverage
	// invariant guarantees some key >= s at every level).
	return len(t.entries) - 1
}

// Coverage verifies the coverage invariant: highs is strictly
// monotonic, entries are contiguous from 0, and the last high_sector
// equals deviceSize-1. It's a diagnostic, not something Find depends
// on at runtime.
func (t *Table) Coverage() error {
	if len(t.entries) == 0 {
		return dmerr.Errorf(dmerr.InvalidArgument, "dmtable: Coverage: table has no entries")
	}
	var prev sector.Sector
	for i, e := range t.entries {
		if i > 0 && e.High <= prev {
			return dmerr.Errorf(dmerr.InvalidArgument, "dmtable: Coverage: highs not strictly increasing at entry %d", i)
		}
		prev = e.High
	}
	if prev != t.deviceSize-1 {
		return dmerr.Errorf(dmerr.InvalidArgument, "dmtable: Coverage: last high_sector %v != device_size-1 (%v)", prev, t.deviceSize-1)
	}
	return nil
}
