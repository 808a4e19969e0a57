// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dmgraph builds the device dependency tree: a DAG with one
// node per mapped device plus a sentinel root, edges meaning "this
// device's target areas reference that device as backing storage."
// The tree is always ephemeral -- built fresh from the registry
// before an orchestrated operation, walked, and discarded.
package dmgraph

import (
	"github.com/zjc5415/lvm2/lib/containers"
	"github.com/zjc5415/lvm2/lib/dmdevice"
	"github.com/zjc5415/lvm2/lib/dmerr"
	"github.com/zjc5415/lvm2/lib/dmtable"
)

// Node is one tree node: either the sentinel root (Device == nil) or
// the node for one mapped device. children holds the devices this
// node's table references as backing storage; parents holds the
// devices that stack on top of this one. Both adjacency lists are
// indices into the owning Tree's node arena, not raw pointers, so the
// tree can be discarded and rebuilt without invalidating device-side
// state.
type Node struct {
	UUID   string
	Device *dmdevice.Device

	children []int
	parents  []int

	tree *Tree
}

// Children returns the devices this node's target areas reference as
// backing storage if inverted is false, or the devices stacked on top
// of this node if inverted is true.
func (n *Node) Children(inverted bool) []*Node {
	idxs := n.children
	if inverted {
		idxs = n.parents
	}
	out := make([]*Node, len(idxs))
	for i, idx := range idxs {
		out[i] = n.tree.arena[idx]
	}
	return out
}

// NumChildren is len(n.Children(inverted)) without the allocation.
func (n *Node) NumChildren(inverted bool) int {
	if inverted {
		return len(n.parents)
	}
	return len(n.children)
}

// InScope reports whether n's UUID begins with prefix. The root is
// always in scope.
func (n *Node) InScope(prefix string) bool {
	if n.Device == nil {
		return true
	}
	return len(n.UUID) >= len(prefix) && n.UUID[:len(prefix)] == prefix
}

// Tree is one build's worth of dependency DAG.
type Tree struct {
	arena []*Node
	root  *Node

	byUUID       map[string]int
	byMajorMinor map[majorMinor]int
}

type majorMinor struct{ Major, Minor uint32 }

// Root returns the sentinel root node.
func (t *Tree) Root() *Node { return t.root }

// FindByUUID returns the node for the device with the given UUID.
func (t *Tree) FindByUUID(uuid string) (*Node, bool) {
	idx, ok := t.byUUID[uuid]
	if !ok {
		return nil, false
	}
	return t.arena[idx], true
}

// Find returns the node for the realized device at (major, minor).
func (t *Tree) Find(major, minor uint32) (*Node, bool) {
	idx, ok := t.byMajorMinor[majorMinor{major, minor}]
	if !ok {
		return nil, false
	}
	return t.arena[idx], true
}

// Nodes returns every non-root node, in the order Build inserted them
// (registry name order).
func (t *Tree) Nodes() []*Node {
	return t.arena[1:]
}

// Build constructs the dependency tree from the registry's current
// device set: one node per device, edges from each device's
// live-or-inactive table's target areas to the backing devices they
// reference, and the sentinel root as parent of every parentless node
// and child of every childless node. A cycle among device references
// fails the whole build with CyclicDependency; no partial tree is
// returned.
func Build(registry *dmdevice.Registry) (*Tree, error) {
	devices := registry.Devices()

	t := &Tree{
		byUUID:       make(map[string]int, len(devices)+1),
		byMajorMinor: make(map[majorMinor]int, len(devices)),
	}
	t.root = &Node{tree: t}
	t.arena = append(t.arena, t.root)

	for _, dev := range devices {
		n := &Node{UUID: dev.UUID, Device: dev, tree: t}
		idx := len(t.arena)
		t.arena = append(t.arena, n)
		t.byUUID[dev.UUID] = idx
		if dev.Realized {
			t.byMajorMinor[majorMinor{dev.Major, dev.Minor}] = idx
		}
	}

	edgeSeen := make(map[int]containers.Set[int], len(t.arena))
	for i := range t.arena {
		edgeSeen[i] = containers.NewSet[int]()
	}
	for i := 1; i < len(t.arena); i++ {
		n := t.arena[i]
		if n.Device.LiveTable != nil {
			if err := linkAreas(t, n, i, n.Device.LiveTable.Entries(), edgeSeen); err != nil {
				return nil, err
			}
		}
		if n.Device.InactiveTable != nil {
			if err := linkAreas(t, n, i, n.Device.InactiveTable.Entries(), edgeSeen); err != nil {
				return nil, err
			}
		}
	}

	// Cycle detection runs over the real device-to-device edges only,
	// before the root sentinel's padding edges are added below --
	// otherwise an isolated device (no parents and no children) would
	// round-trip through root in both directions and look cyclic.
	if err := detectCycles(t); err != nil {
		return nil, err
	}

	for i := 1; i < len(t.arena); i++ {
		n := t.arena[i]
		if len(n.parents) == 0 {
			n.parents = append(n.parents, 0)
			t.root.children = append(t.root.children, i)
		}
		if len(n.children) == 0 {
			n.children = append(n.children, 0)
			t.root.parents = append(t.root.parents, i)
		}
	}

	return t, nil
}

// linkAreas adds a forward edge from n to every backing device
// referenced by entries' targets, skipping duplicates (two stripe
// legs on the same backing device collapse to one edge). A
// target area whose device UUID isn't in the registry at all refers
// to a raw physical volume outside this engine's mapped-device world
// (not every backing store is itself a mapped device) and is silently
// skipped rather than treated as an error: only a reference to a
// *known* device that turns out to form a cycle is fatal.
func linkAreas(t *Tree, n *Node, idx int, entries []dmtable.Entry, edgeSeen map[int]containers.Set[int]) error {
	for _, e := range entries {
		for _, area := range e.Target.Areas() {
			childIdx, ok := t.byUUID[area.Device.UUID]
			if !ok {
				continue
			}
			if edgeSeen[idx].Has(childIdx) {
				continue
			}
			edgeSeen[idx].Insert(childIdx)
			n.children = append(n.children, childIdx)
			t.arena[childIdx].parents = append(t.arena[childIdx].parents, idx)
		}
	}
	return nil
}

func detectCycles(t *Tree) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(t.arena))
	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		for _, c := range t.arena[i].children {
			switch color[c] {
			case gray:
				return dmerr.Errorf(dmerr.CyclicDependency, "dmgraph: Build: cycle detected involving device %q", t.arena[i].UUID)
			case white:
				if err := visit(c); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}
	for i := range t.arena {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}
