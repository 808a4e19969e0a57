// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dmtarget defines the tagged-variant target records that a
// target table is built from: a Target names a kind and carries
// kind-specific parameters plus zero or more target areas (backing
// device references). The engine never interprets a target beyond
// recording it and, eventually, serialising it to the kernel
// boundary's wire format (see dmkernel) -- new kinds need only a new
// enum value and a formatter, per the "tagged variant instead of one
// polymorphic base" design note.
package dmtarget

import "fmt"

// Kind identifies which driver a Target is dispatched to.
type Kind int

const (
	Linear Kind = iota
	Striped
	Mirror
	SnapshotOrigin
	Snapshot
	Error
	Zero
	Custom
)

func (k Kind) String() string {
	switch k {
	case Linear:
		return "linear"
	case Striped:
		return "striped"
	case Mirror:
		return "mirror"
	case SnapshotOrigin:
		return "snapshot-origin"
	case Snapshot:
		return "snapshot"
	case Error:
		return "error"
	case Zero:
		return "zero"
	case Custom:
		return "custom"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// DeviceRef names a backing device by both its human display name
// and its stable UUID -- the name may change, the UUID is the key
// used to resolve the reference against the registry.
type DeviceRef struct {
	Name string
	UUID string
}

// TargetArea is one backing-device reference inside a target: a
// target may have several (e.g. stripe legs, mirror legs).
type TargetArea struct {
	Device DeviceRef
	Offset uint64 // sector offset on Device
}

// Linear target: a single contiguous range on one backing device.
type LinearParams struct {
	Area TargetArea
}

// Striped target: data interleaved in ChunkSize-sector chunks across
// Areas in round-robin order.
type StripedParams struct {
	StripeCount uint32
	ChunkSize   uint64 // sectors
	Areas       []TargetArea
}

// Mirror target: identical data replicated across Areas, with an
// out-of-band log (core/disk/userspace, named by LogType) tracking
// which regions are in sync.
type MirrorParams struct {
	Areas     []TargetArea
	LogType   string
	LogParams []string
}

// SnapshotOrigin target: a passthrough to Origin that also fans
// writes out to any snapshots taken of it (snapshot bookkeeping lives
// below the kernel boundary; this just records the reference).
type SnapshotOriginParams struct {
	Origin DeviceRef
}

// Snapshot target: a copy-on-write view of Origin, with changed
// blocks stored in CowStore.
type SnapshotParams struct {
	Origin     DeviceRef
	CowStore   DeviceRef
	Persistent bool
	ChunkSize  uint64 // sectors
}

// Error target: discards all I/O over its range. Used to retire a
// broken leg in place without shrinking the table.
type ErrorParams struct{}

// Zero target: reads as zero-filled, discards writes.
type ZeroParams struct{}

// Custom target: an out-of-tree kind addressed only by name, with the
// parameter string passed through to the kernel boundary unparsed.
type CustomParams struct {
	TypeName  string
	Areas     []TargetArea
	RawParams string
}

// Target is one entry's payload: a Kind selects which of the
// following fields is populated. Exactly one of the Params fields is
// meaningful for a given Kind; the others are left zero.
type Target struct {
	Kind           Kind
	Linear         LinearParams
	Striped        StripedParams
	Mirror         MirrorParams
	SnapshotOrigin SnapshotOriginParams
	Snapshot       SnapshotParams
	Error          ErrorParams
	Zero           ZeroParams
	Custom         CustomParams
}

// Areas returns every backing-device reference this target carries,
// in the order the dependency tree and the wire-format payload should
// enumerate them.
func (t Target) Areas() []TargetArea {
	switch t.Kind {
	case Linear:
		return []TargetArea{t.Linear.Area}
	case Striped:
		return t.Striped.Areas
	case Mirror:
		return t.Mirror.Areas
	case SnapshotOrigin:
		return []TargetArea{{Device: t.SnapshotOrigin.Origin}}
	case Snapshot:
		return []TargetArea{{Device: t.Snapshot.Origin}, {Device: t.Snapshot.CowStore}}
	case Error, Zero:
		return nil
	case Custom:
		return t.Custom.Areas
	default:
		return nil
	}
}

// TypeString returns the kernel-boundary target-type string: the
// well-known kind name, or the registered name for a Custom target.
func (t Target) TypeString() string {
	if t.Kind == Custom {
		return t.Custom.TypeName
	}
	return t.Kind.String()
}

// ParamString formats this target's parameters the way the kernel
// boundary expects them: a single pre-formatted string, opaque to
// everything above the driver. The engine never parses this back.
func (t Target) ParamString() string {
	switch t.Kind {
	case Linear:
		a := t.Linear.Area
		return fmt.Sprintf("%s %d", a.Device.UUID, a.Offset)
	case Striped:
		s := fmt.Sprintf("%d %d", t.Striped.StripeCount, t.Striped.ChunkSize)
		for _, a := range t.Striped.Areas {
			s += fmt.Sprintf(" %s %d", a.Device.UUID, a.Offset)
		}
		return s
	case Mirror:
		s := fmt.Sprintf("%s %d", t.Mirror.LogType, len(t.Mirror.LogParams))
		for _, p := range t.Mirror.LogParams {
			s += " " + p
		}
		s += fmt.Sprintf(" %d", len(t.Mirror.Areas))
		for _, a := range t.Mirror.Areas {
			s += fmt.Sprintf(" %s %d", a.Device.UUID, a.Offset)
		}
		return s
	case SnapshotOrigin:
		return t.SnapshotOrigin.Origin.UUID
	case Snapshot:
		mode := "P"
		if !t.Snapshot.Persistent {
			mode = "N"
		}
		return fmt.Sprintf("%s %s %s %d", t.Snapshot.Origin.UUID, t.Snapshot.CowStore.UUID, mode, t.Snapshot.ChunkSize)
	case Error, Zero:
		return ""
	case Custom:
		return t.Custom.RawParams
	default:
		return ""
	}
}
