// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dmkernel implements the external kernel boundary: a Backend
// seam carrying one ioctl-equivalent operation per call, a Config of
// process-wide knobs, and a Dispatcher that packages planner
// operations into requests and folds their responses back into
// device records.
package dmkernel

import "context"

// Opcode is one ioctl-equivalent operation code.
type Opcode int

const (
	Create Opcode = iota
	Reload
	Remove
	RemoveAll
	Suspend
	Resume
	InfoOp
	Deps
	Rename
	Version
	Status
	Table
	WaitEvent
	List
	Clear
	Mknodes
	ListVersions
	TargetMsg
)

func (o Opcode) String() string {
	switch o {
	case Create:
		return "CREATE"
	case Reload:
		return "RELOAD"
	case Remove:
		return "REMOVE"
	case RemoveAll:
		return "REMOVE_ALL"
	case Suspend:
		return "SUSPEND"
	case Resume:
		return "RESUME"
	case InfoOp:
		return "INFO"
	case Deps:
		return "DEPS"
	case Rename:
		return "RENAME"
	case Version:
		return "VERSION"
	case Status:
		return "STATUS"
	case Table:
		return "TABLE"
	case WaitEvent:
		return "WAITEVENT"
	case List:
		return "LIST"
	case Clear:
		return "CLEAR"
	case Mknodes:
		return "MKNODES"
	case ListVersions:
		return "LIST_VERSIONS"
	case TargetMsg:
		return "TARGET_MSG"
	default:
		return "UNKNOWN"
	}
}

// HeaderFlags mirrors the control header's flag bits.
type HeaderFlags uint32

const (
	FlagReadOnly HeaderFlags = 1 << iota
	FlagNoOpenCount
	FlagSkipLockfs
	FlagDeferredRemove
)

// TargetSpec is one serialised target row of a CREATE/RELOAD payload:
// `[(start_sector, length_sectors, target_type_string,
// params_string)]*`.
type TargetSpec struct {
	Start, Length uint64
	Type          string
	Params        string
}

// Request is one operation sent across the kernel boundary: a fixed
// header (name, UUID, major/minor, event counter, flags) plus an
// operation-specific variable payload.
type Request struct {
	Op           Opcode
	Name, UUID   string
	Major, Minor uint32
	EventNr      uint64
	Flags        HeaderFlags

	Targets []TargetSpec // CREATE, RELOAD
	NewName string       // RENAME
	Message string       // TARGET_MSG
}

// DevID is a (major, minor) pair as returned in a DEPS response.
type DevID struct{ Major, Minor uint32 }

// NameRecord is one record of a LIST-style linked names response.
type NameRecord struct {
	Dev  DevID
	Name string
}

// VersionRecord is one record of a LIST_VERSIONS response.
type VersionRecord struct {
	Major, Minor, Patch uint32
	Name                string
}

// TargetRow is one decoded row of a STATUS or TABLE response.
type TargetRow struct {
	Start, Length uint64
	Type          string
	Params        string
}

// InfoResponse mirrors the control boundary's response info structure
// field for field.
type InfoResponse struct {
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

// Response is the decoded result of one Request.
type Response struct {
	Info     InfoResponse
	Deps     []DevID
	Names    []NameRecord
	Versions []VersionRecord
	Rows     []TargetRow
}

// Backend is the ioctl-equivalent seam: everything above this
// interface is kernel-agnostic. IoctlBackend and FakeBackend are the
// two implementations.
type Backend interface {
	Do(ctx context.Context, req Request) (Response, error)
}
