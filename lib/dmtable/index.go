// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package dmtable

import (
	"github.com/zjc5415/lvm2/lib/dmerr"
	"github.com/zjc5415/lvm2/lib/sector"
)

// index is the implicit B-tree derived from a table's committed
// highs: depth flat arrays, one per level, each a dense array of
// keys. Level depth-1 is conceptually "borrowed" from the entries
// themselves; we still materialise it as its own level array so that
// Find's per-level loop is uniform, but its values are always
// identical to entries[i].High.
type index struct {
	fanout int
	depth  int
	counts []int
	// levels[l] has counts[l]*fanout keys; levels[depth-1][i] ==
	// entries[i].High for i < len(entries), and sector.Max for the
	// padding beyond it.
	levels [][]sector.Sector
}

// compileIndex builds the implicit B-tree index for a committed,
// strictly-increasing set of entries.
func compileIndex(entries []Entry, fanout int) (*index, error) {
	if fanout < 1 {
		return nil, dmerr.Errorf(dmerr.InvalidArgument, "dmtable: compileIndex: fanout must be >= 1, got %d", fanout)
	}
	n := sector.Sector(len(entries))
	k := sector.Sector(fanout)

	leafCount, err := sector.DivUp(n, k)
	if err != nil {
		return nil, err
	}

	depth := 1
	if leafCount > 1 {
		d, err := sector.IntLog(k+1, leafCount)
		if err != nil {
			return nil, err
		}
		depth = 1 + d
	}

	counts := make([]int, depth)
	counts[depth-1] = int(leafCount)
	for l := depth - 2; l >= 0; l-- {
		c, err := sector.DivUp(sector.Sector(counts[l+1]), k+1)
		if err != nil {
			return nil, err
		}
		counts[l] = int(c)
	}

	levels := make([][]sector.Sector, depth)

	// Level depth-1 is the leaf level: fanout keys per node, the
	// i-th node's keys are entries[i*fanout : i*fanout+fanout].High,
	// padded with sector.Max.
	leafLevel := make([]sector.Sector, counts[depth-1]*fanout)
	for i := range leafLevel {
		if i < len(entries) {
			leafLevel[i] = entries[i].High
		} else {
			leafLevel[i] = sector.Max
		}
	}
	levels[depth-1] = leafLevel

	// Non-leaf levels, built bottom-up so `high` can recurse into
	// the level it already computed.
	for l := depth - 2; l >= 0; l-- {
		thisLevel := make([]sector.Sector, counts[l]*fanout)
		for i := range thisLevel {
			thisLevel[i] = sector.Max
		}
		for node := 0; node < counts[l]; node++ {
			for c := 0; c < fanout; c++ {
				// Node `node`'s c-th key is the highest key
				// reachable through the c-th child of this
				// node on level l+1; consecutive nodes skip
				// one child slot for the "rightmost child
				// greater than all keys in this node".
				childIndex := node*(fanout+1) + c
				thisLevel[node*fanout+c] = high(levels, counts, fanout, l+1, childIndex)
			}
		}
		levels[l] = thisLevel
	}

	return &index{fanout: fanout, depth: depth, counts: counts, levels: levels}, nil
}

// high returns the highest key reachable via child `n` of level `l`:
// sector.Max if n is beyond that level's populated nodes, the leaf
// key directly if l is the leaf level, or otherwise (recursively) the
// highest key reachable via that node's rightmost child slot, which is
// sector.Max when that slot is beyond the next level's populated nodes.
func high(levels [][]sector.Sector, counts []int, fanout, l, n int) sector.Sector {
	if n >= counts[l] {
		return sector.Max
	}
	if l == len(levels)-1 {
		return levels[l][(n+1)*fanout-1]
	}
	return high(levels, counts, fanout, l+1, (n+1)*(fanout+1)-1)
}
