// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dmdevice implements the mapped-device registry: the set of
// device records addressable by name, by UUID, and (once realised) by
// (major, minor), each holding a live table slot serving I/O and an
// inactive slot staging a replacement.
package dmdevice

import (
	"github.com/zjc5415/lvm2/lib/dmtable"
	"github.com/zjc5415/lvm2/lib/dmtarget"
)

// Flags is the device-record state bitset.
type Flags uint16

const (
	Loading Flags = 1 << iota
	Loaded
	Live
	Suspended
	InactivePresent
	ReadOnly
	DeferredRemove
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Slot names which table slot an operation targets.
type Slot int

const (
	Inactive Slot = iota
	LiveSlot
)

// Device is one mapped-device record. Its tree-node back-link is by
// UUID, not by pointer (see DESIGN.md): rebuilding the dependency tree
// never invalidates a Device.
type Device struct {
	Name string
	UUID string

	Major, Minor uint32
	Realized     bool

	Flags Flags

	LiveTable     *dmtable.Table
	InactiveTable *dmtable.Table

	EventNr   uint64
	OpenCount int

	// OnEvent, if set, is invoked by the dispatcher after any opcode
	// that bumps EventNr, mirroring a target's dm_table_event callback
	// registration. It carries no target-kind-specific semantics; it's
	// ambient plumbing for a caller that wants to react to state
	// changes (e.g. a mirror resync completing).
	OnEvent func(dmtarget.DeviceRef, uint32)
}

// Ref returns dev's stable (Name, UUID) identity as a DeviceRef, the
// shape OnEvent is called with.
func (d *Device) Ref() dmtarget.DeviceRef {
	return dmtarget.DeviceRef{Name: d.Name, UUID: d.UUID}
}

// Info is the read-only snapshot returned by Registry.Info, matching
// the kernel boundary's response info structure field for field.
type Info struct {
	Exists        bool
	Suspended     bool
	LiveTable     bool
	InactiveTable bool
	OpenCount     int
	EventNr       uint64
	Major, Minor  uint32
	ReadOnly      bool
	TargetCount   int
}

func (d *Device) info() Info {
	info := Info{
		Exists:        true,
		Suspended:     d.Flags.Has(Suspended),
		LiveTable:     d.LiveTable != nil,
		InactiveTable: d.InactiveTable != nil,
		OpenCount:     d.OpenCount,
		EventNr:       d.EventNr,
		Major:         d.Major,
		Minor:         d.Minor,
		ReadOnly:      d.Flags.Has(ReadOnly),
	}
	if d.LiveTable != nil {
		info.TargetCount = d.LiveTable.Len()
	} else if d.InactiveTable != nil {
		info.TargetCount = d.InactiveTable.Len()
	}
	return info
}
