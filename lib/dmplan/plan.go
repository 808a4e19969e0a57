// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dmplan implements the activation planner: the four scoped,
// topologically-ordered walks that stage, promote, quiesce, and tear
// down a sub-DAG of mapped devices, driving the dmkernel control
// dispatcher at each node.
package dmplan

import (
	"context"
	"sort"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"github.com/zjc5415/lvm2/lib/dmdevice"
	"github.com/zjc5415/lvm2/lib/dmerr"
	"github.com/zjc5415/lvm2/lib/dmgraph"
	"github.com/zjc5415/lvm2/lib/dmkernel"
)

// nodeCtx tags ctx with the walk operation and node UUID so that dlog
// lines emitted for this node can be correlated back to the walk that
// produced them. The dispatcher's own logging goes through
// dmkernel.Config.LogCallback and does not carry these fields.
func nodeCtx(ctx context.Context, op, uuid string) context.Context {
	ctx = dlog.WithField(ctx, "dmplan.walk.op", op)
	ctx = dlog.WithField(ctx, "dmplan.walk.uuid", uuid)
	return ctx
}

// NodeStatus is one node's outcome from a walk.
type NodeStatus struct {
	UUID    string
	Skipped bool // no table in the slot the walk acts on, or Busy-with-deferred-remove
	Err     error
}

// Overall is the aggregate outcome of a walk.
type Overall int

const (
	Success Overall = iota
	PartialFailure
)

func (o Overall) String() string {
	if o == Success {
		return "Success"
	}
	return "PartialFailure"
}

// Result is what every planner operation returns: the overall
// outcome plus the per-node statuses that produced it.
type Result struct {
	Overall Overall
	PerNode []NodeStatus
}

// Err returns a derror.MultiError of every node's failure, or nil if
// every node succeeded or was cleanly skipped.
func (r Result) Err() error {
	var errs derror.MultiError
	for _, ns := range r.PerNode {
		if ns.Err != nil && !ns.Skipped {
			errs = append(errs, ns.Err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func newResult(statuses []NodeStatus) Result {
	overall := Success
	for _, ns := range statuses {
		if ns.Err != nil && !ns.Skipped {
			overall = PartialFailure
		}
	}
	return Result{Overall: overall, PerNode: statuses}
}

// childrenFirstOrder returns node's in-scope descendants reachable
// via forward "references as backing storage" edges, in post-order:
// every node is appended only after all the backing devices it
// references have been. This is the order preload/activate need: for
// an edge from a dependent P to its backing device C, C must be
// visited before P, an inverted topological walk from leaves upward
// relative to the direction dependents stack on top of their backing
// devices. Sibling children are visited in ascending (major, minor)
// order for determinism; unrealized devices sort after realized ones
// in encounter order, since they have no (major, minor) yet.
func childrenFirstOrder(node *dmgraph.Node, prefix string) []*dmgraph.Node {
	seen := make(map[*dmgraph.Node]bool)
	var out []*dmgraph.Node
	var visit func(n *dmgraph.Node)
	visit = func(n *dmgraph.Node) {
		children := append([]*dmgraph.Node(nil), n.Children(false)...)
		sort.SliceStable(children, func(i, j int) bool {
			di, dj := children[i].Device, children[j].Device
			if di == nil || dj == nil {
				return dj != nil
			}
			if di.Realized != dj.Realized {
				return di.Realized
			}
			if di.Major != dj.Major {
				return di.Major < dj.Major
			}
			return di.Minor < dj.Minor
		})
		for _, c := range children {
			if seen[c] {
				continue
			}
			seen[c] = true
			visit(c)
		}
		if n.Device != nil && n.InScope(prefix) {
			out = append(out, n)
		}
	}
	visit(node)
	return out
}

// parentsFirstOrder is childrenFirstOrder reversed: a valid
// roots-first forward topological order, used by suspend/deactivate
// so a dependent P is suspended before its backing device C.
func parentsFirstOrder(node *dmgraph.Node, prefix string) []*dmgraph.Node {
	children := childrenFirstOrder(node, prefix)
	out := make([]*dmgraph.Node, len(children))
	for i, n := range children {
		out[len(children)-1-i] = n
	}
	return out
}

// PreloadChildren performs an inverted topological walk from leaves
// upward: for each in-scope node with an inactive table, it compiles
// and submits a CREATE (if the device isn't yet realized) or RELOAD
// (if it is); if resumeAfter is true it also resumes the subtree.
// Cancellation is checked at every node boundary; a cancelled walk
// returns PartialFailure with the remaining nodes unvisited.
func PreloadChildren(ctx context.Context, registry *dmdevice.Registry, dispatcher *dmkernel.Dispatcher, node *dmgraph.Node, prefix string, resumeAfter bool) Result {
	nodes := childrenFirstOrder(node, prefix)
	statuses := make([]NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			statuses = append(statuses, NodeStatus{UUID: n.UUID, Err: dmerr.Wrap(dmerr.Interrupted, err, "dmplan: PreloadChildren: cancelled")})
			continue
		}
		dev := n.Device
		if dev.InactiveTable == nil {
			statuses = append(statuses, NodeStatus{UUID: n.UUID, Skipped: true})
			continue
		}
		nctx := nodeCtx(ctx, "preload", n.UUID)
		var err error
		if dev.Realized {
			dlog.Debugf(nctx, "reloading %s", dev.Name)
			err = dispatcher.Reload(nctx, dev)
		} else {
			dlog.Debugf(nctx, "creating %s", dev.Name)
			err = dispatcher.Create(nctx, registry, dev)
		}
		statuses = append(statuses, NodeStatus{UUID: n.UUID, Err: err})
		if err == nil && resumeAfter {
			if rerr := dispatcher.Resume(nctx, dev); rerr == nil {
				_ = registry.Resume(dev)
			} else {
				statuses = append(statuses, NodeStatus{UUID: n.UUID, Err: rerr})
			}
		}
	}
	return newResult(statuses)
}

// ActivateChildren performs an inverted topological walk: for each
// in-scope node with an inactive table, it issues RESUME, promoting
// inactive to live and bumping the event counter. Children resume
// before parents.
func ActivateChildren(ctx context.Context, registry *dmdevice.Registry, dispatcher *dmkernel.Dispatcher, node *dmgraph.Node, prefix string) Result {
	nodes := childrenFirstOrder(node, prefix)
	statuses := make([]NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			statuses = append(statuses, NodeStatus{UUID: n.UUID, Err: dmerr.Wrap(dmerr.Interrupted, err, "dmplan: ActivateChildren: cancelled")})
			continue
		}
		dev := n.Device
		if dev.InactiveTable == nil {
			statuses = append(statuses, NodeStatus{UUID: n.UUID, Skipped: true})
			continue
		}
		nctx := nodeCtx(ctx, "activate", n.UUID)
		dlog.Debugf(nctx, "resuming %s", dev.Name)
		err := dispatcher.Resume(nctx, dev)
		if err == nil {
			err = registry.Resume(dev)
		}
		statuses = append(statuses, NodeStatus{UUID: n.UUID, Err: err})
	}
	return newResult(statuses)
}

// SuspendChildren performs a forward topological walk (roots-first
// within scope): it issues SUSPEND with the lockfs hint only for
// nodes at the top of the stack (no in-scope parent), so filesystems
// are quiesced once rather than redundantly per layer.
func SuspendChildren(ctx context.Context, registry *dmdevice.Registry, dispatcher *dmkernel.Dispatcher, node *dmgraph.Node, prefix string) Result {
	nodes := parentsFirstOrder(node, prefix)
	statuses := make([]NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			statuses = append(statuses, NodeStatus{UUID: n.UUID, Err: dmerr.Wrap(dmerr.Interrupted, err, "dmplan: SuspendChildren: cancelled")})
			continue
		}
		dev := n.Device
		if dev.LiveTable == nil {
			statuses = append(statuses, NodeStatus{UUID: n.UUID, Skipped: true})
			continue
		}
		nctx := nodeCtx(ctx, "suspend", n.UUID)
		lockfs := !hasInScopeParent(n, prefix)
		dlog.Debugf(nctx, "suspending %s (lockfs=%v)", dev.Name, lockfs)
		err := dispatcher.Suspend(nctx, dev, lockfs)
		if err == nil {
			err = registry.Suspend(dev)
		}
		statuses = append(statuses, NodeStatus{UUID: n.UUID, Err: err})
	}
	return newResult(statuses)
}

// DeactivateChildren performs a forward walk: for each in-scope node
// with OpenCount == 0, it issues REMOVE; a node with OpenCount > 0 is
// skipped and recorded Busy. The operation as a whole succeeds iff
// every in-scope node was either removed or deferred.
func DeactivateChildren(ctx context.Context, registry *dmdevice.Registry, dispatcher *dmkernel.Dispatcher, node *dmgraph.Node, prefix string) Result {
	nodes := parentsFirstOrder(node, prefix)
	statuses := make([]NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			statuses = append(statuses, NodeStatus{UUID: n.UUID, Err: dmerr.Wrap(dmerr.Interrupted, err, "dmplan: DeactivateChildren: cancelled")})
			continue
		}
		dev := n.Device
		nctx := nodeCtx(ctx, "deactivate", n.UUID)
		if dev.OpenCount > 0 {
			deferred := dev.Flags.Has(dmdevice.DeferredRemove)
			dlog.Debugf(nctx, "device %s busy (open=%d, deferred=%v)", dev.Name, dev.OpenCount, deferred)
			statuses = append(statuses, NodeStatus{
				UUID:    n.UUID,
				Skipped: deferred,
				Err:     dmerr.Errorf(dmerr.Busy, "dmplan: DeactivateChildren: device %q has %d open references", dev.Name, dev.OpenCount),
			})
			continue
		}
		dlog.Debugf(nctx, "removing %s", dev.Name)
		err := dispatcher.Remove(nctx, dev, dev.Flags.Has(dmdevice.DeferredRemove))
		if err == nil {
			err = registry.Remove(dev)
		}
		statuses = append(statuses, NodeStatus{UUID: n.UUID, Err: err})
	}
	return newResult(statuses)
}

// ChildrenUseUUID is a scoped probe: it returns true as soon as any
// in-scope descendant is found, short-circuiting the walk, and false
// only after a complete clean walk finds none.
func ChildrenUseUUID(node *dmgraph.Node, prefix string) bool {
	seen := make(map[*dmgraph.Node]bool)
	var visit func(n *dmgraph.Node) bool
	visit = func(n *dmgraph.Node) bool {
		for _, c := range n.Children(false) {
			if seen[c] {
				continue
			}
			seen[c] = true
			if c.Device != nil && c.InScope(prefix) {
				return true
			}
			if visit(c) {
				return true
			}
		}
		return false
	}
	return visit(node)
}

func hasInScopeParent(n *dmgraph.Node, prefix string) bool {
	for _, p := range n.Children(true) {
		if p.Device != nil && p.InScope(prefix) {
			return true
		}
	}
	return false
}
