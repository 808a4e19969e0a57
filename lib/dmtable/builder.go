// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dmtable implements the target table engine: an append-only
// builder that stages (high_sector, target) entries for one device, a
// compiler that turns the committed entries into a flat multi-level
// implicit B-tree, and a lookup that walks that index in O(depth) to
// resolve a sector to a target.
package dmtable

import (
	"github.com/zjc5415/lvm2/lib/containers"
	"github.com/zjc5415/lvm2/lib/dmerr"
	"github.com/zjc5415/lvm2/lib/dmtarget"
	"github.com/zjc5415/lvm2/lib/sector"
)

// State is the lifecycle stage of a Builder.
type State int

const (
	// Empty is the zero value: no table has been started.
	Empty State = iota
	// Loading: entries are being appended.
	Loading
	// Loaded names a sealed table. A Builder never reports it:
	// Complete hands the sealed table back as a *Table and returns
	// the builder to Empty.
	Loaded
)

// Entry is one (high_sector, target) pair. Entries in a committed
// table are disjoint and strictly increasing by High.
type Entry struct {
	High   sector.Sector
	Target dmtarget.Target
}

// Builder accumulates the entries of one target table. It is not
// safe for concurrent use -- the engine is single-threaded
// cooperative, and callers serialise their own transactions.
type Builder struct {
	fanout   int
	state    State
	entries  []Entry
	readOnly bool
	// pool recycles the backing arrays of abandoned/superseded
	// staging buffers instead of letting GC reclaim every
	// doubling.
	pool containers.SlicePool[Entry]
}

// NewBuilder returns a Builder with the given B-tree fan-out (keys
// per node; callers normally pass DefaultFanout).
func NewBuilder(fanout int) *Builder {
	return &Builder{fanout: fanout}
}

// DefaultFanout is the typical number of keys per B-tree node, chosen
// so a node fits in a cache line alongside metadata.
const DefaultFanout = 7

// State reports the builder's current lifecycle stage.
func (b *Builder) State() State { return b.state }

// Start transitions the builder to Loading, discarding any previous
// in-progress table and pre-reserving fanout slots.
func (b *Builder) Start() {
	if b.entries != nil {
		b.pool.Put(b.entries[:0])
	}
	b.entries = b.pool.Get(b.fanout)[:0]
	b.state = Loading
	b.readOnly = false
}

// SetReadOnly marks the table under construction as read-only. A
// read-only table compiled with this set propagates that flag onto
// the resulting Table, which the dispatcher consults before loading a
// writable replacement table onto a device record flagged
// dmdevice.ReadOnly.
func (b *Builder) SetReadOnly(ro bool) { b.readOnly = ro }

// AddEntry appends one (high_sector, target) entry. It fails with
// OutOfOrder (an InvalidArgument) if high_sector does not strictly
// exceed the previous entry's -- this is the invariant that lets the
// index compiler skip a sort.
func (b *Builder) AddEntry(high sector.Sector, target dmtarget.Target) error {
	if b.state != Loading {
		return dmerr.Errorf(dmerr.StateViolation, "dmtable: AddEntry: builder is not in Loading state")
	}
	if n := len(b.entries); n > 0 && high <= b.entries[n-1].High {
		return dmerr.Errorf(dmerr.InvalidArgument, "dmtable: AddEntry: high_sector %v is not greater than previous %v (out of order)", high, b.entries[n-1].High)
	}
	b.entries = b.growAppend(b.entries, Entry{High: high, Target: target})
	return nil
}

// growAppend implements the doubling growth policy: when capacity is
// exhausted, the backing array is doubled rather than grown by one,
// giving amortised O(1) appends.
func (b *Builder) growAppend(s []Entry, e Entry) []Entry {
	if len(s) == cap(s) {
		newCap := cap(s) * 2
		if newCap == 0 {
			newCap = b.fanout
		}
		grown := b.pool.Get(newCap)[:len(s)]
		copy(grown, s)
		b.pool.Put(s[:0])
		s = grown
	}
	return append(s, e)
}

// Abandon frees the in-progress buffer and returns the builder to the
// Empty state.
func (b *Builder) Abandon() {
	if b.entries != nil {
		b.pool.Put(b.entries[:0])
	}
	b.entries = nil
	b.state = Empty
}

// Complete seals the table: it validates coverage, compiles the
// implicit B-tree index, and returns the resulting Table. The
// builder itself returns to Empty so it can be reused for the next
// table. Complete on a Loading builder with no entries is
// rejected with InvalidArgument (n >= 1 is a table invariant);
// calling Complete twice without an intervening Start is a
// StateViolation.
func (b *Builder) Complete(deviceSize sector.Sector) (*Table, error) {
	if b.state != Loading {
		return nil, dmerr.Errorf(dmerr.StateViolation, "dmtable: Complete: builder is not in Loading state")
	}
	if len(b.entries) == 0 {
		return nil, dmerr.Errorf(dmerr.InvalidArgument, "dmtable: Complete: table must have at least one entry")
	}
	last := b.entries[len(b.entries)-1]
	if last.High != deviceSize-1 {
		return nil, dmerr.Errorf(dmerr.InvalidArgument, "dmtable: Complete: last high_sector %v does not equal device_size-1 (%v)", last.High, deviceSize-1)
	}

	entries := make([]Entry, len(b.entries))
	copy(entries, b.entries)

	idx, err := compileIndex(entries, b.fanout)
	if err != nil {
		return nil, err
	}

	t := &Table{
		fanout:     b.fanout,
		entries:    entries,
		index:      idx,
		deviceSize: deviceSize,
		readOnly:   b.readOnly,
	}

	b.pool.Put(b.entries[:0])
	b.entries = nil
	b.state = Empty
	return t, nil
}
