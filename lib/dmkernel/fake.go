// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package dmkernel

import (
	"context"
	"sync"

	"github.com/zjc5415/lvm2/lib/dmerr"
)

type fakeDevice struct {
	major, minor  uint32
	suspended     bool
	liveTable     []TargetSpec
	inactiveTable []TargetSpec
	openCount     int
	eventNr       uint64
	readOnly      bool
}

// FakeBackend is an in-memory simulation of the kernel boundary, used
// by tests and by cmd/dmtool's demo and export commands. It assigns
// (major, minor) sequentially, and applies each opcode's documented
// state transition without touching any real device.
type FakeBackend struct {
	mu        sync.Mutex
	byUUID    map[string]*fakeDevice
	nextMinor uint32
}

// NewFakeBackend returns an empty FakeBackend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{byUUID: make(map[string]*fakeDevice), nextMinor: 0}
}

func (b *FakeBackend) Do(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, dmerr.Wrap(dmerr.Interrupted, err, "dmkernel: FakeBackend: %s: context cancelled", req.Op)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch req.Op {
	case Create:
		if _, exists := b.byUUID[req.UUID]; exists {
			return Response{}, dmerr.Errorf(dmerr.StateViolation, "dmkernel: FakeBackend: CREATE: device %q already exists", req.UUID)
		}
		dev := &fakeDevice{major: 253, minor: b.nextMinor, inactiveTable: req.Targets, readOnly: req.Flags&FlagReadOnly != 0}
		b.nextMinor++
		b.byUUID[req.UUID] = dev
		return Response{Info: b.infoOf(dev)}, nil

	case Reload:
		dev, ok := b.byUUID[req.UUID]
		if !ok {
			return Response{}, dmerr.Errorf(dmerr.NotFound, "dmkernel: FakeBackend: RELOAD: no such device %q", req.UUID)
		}
		dev.inactiveTable = req.Targets
		return Response{Info: b.infoOf(dev)}, nil

	case Suspend:
		dev, ok := b.byUUID[req.UUID]
		if !ok {
			return Response{}, dmerr.Errorf(dmerr.NotFound, "dmkernel: FakeBackend: SUSPEND: no such device %q", req.UUID)
		}
		dev.suspended = true
		return Response{Info: b.infoOf(dev)}, nil

	case Resume:
		dev, ok := b.byUUID[req.UUID]
		if !ok {
			return Response{}, dmerr.Errorf(dmerr.NotFound, "dmkernel: FakeBackend: RESUME: no such device %q", req.UUID)
		}
		if dev.inactiveTable != nil {
			dev.liveTable = dev.inactiveTable
			dev.inactiveTable = nil
			dev.eventNr++
		}
		dev.suspended = false
		return Response{Info: b.infoOf(dev)}, nil

	case Remove:
		dev, ok := b.byUUID[req.UUID]
		if !ok {
			return Response{}, dmerr.Errorf(dmerr.NotFound, "dmkernel: FakeBackend: REMOVE: no such device %q", req.UUID)
		}
		if dev.openCount > 0 && req.Flags&FlagDeferredRemove == 0 {
			return Response{}, dmerr.Errorf(dmerr.Busy, "dmkernel: FakeBackend: REMOVE: device %q is open (%d references)", req.UUID, dev.openCount)
		}
		delete(b.byUUID, req.UUID)
		return Response{}, nil

	case InfoOp:
		dev, ok := b.byUUID[req.UUID]
		if !ok {
			return Response{Info: InfoResponse{Exists: false}}, nil
		}
		return Response{Info: b.infoOf(dev)}, nil

	case Status, Table:
		dev, ok := b.byUUID[req.UUID]
		if !ok {
			return Response{}, dmerr.Errorf(dmerr.NotFound, "dmkernel: FakeBackend: %s: no such device %q", req.Op, req.UUID)
		}
		rows := dev.liveTable
		if req.Op == Table && dev.inactiveTable != nil {
			rows = dev.inactiveTable
		}
		out := make([]TargetRow, len(rows))
		for i, r := range rows {
			out[i] = TargetRow{Start: r.Start, Length: r.Length, Type: r.Type, Params: r.Params}
		}
		return Response{Rows: out}, nil

	case Rename:
		dev, ok := b.byUUID[req.UUID]
		if !ok {
			return Response{}, dmerr.Errorf(dmerr.NotFound, "dmkernel: FakeBackend: RENAME: no such device %q", req.UUID)
		}
		return Response{Info: b.infoOf(dev)}, nil

	default:
		return Response{}, dmerr.Errorf(dmerr.KernelError, "dmkernel: FakeBackend: unsupported opcode %s", req.Op)
	}
}

// SetOpenCount lets tests simulate an externally-held open reference,
// exercising the Busy/DeferredRemove path of REMOVE.
func (b *FakeBackend) SetOpenCount(uuid string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dev, ok := b.byUUID[uuid]; ok {
		dev.openCount = n
	}
}

func (b *FakeBackend) infoOf(dev *fakeDevice) InfoResponse {
	return InfoResponse{
		Exists:        true,
		Suspended:     dev.suspended,
		LiveTable:     dev.liveTable != nil,
		InactiveTable: dev.inactiveTable != nil,
		OpenCount:     dev.openCount,
		EventNr:       dev.eventNr,
		Major:         dev.major,
		Minor:         dev.minor,
		ReadOnly:      dev.readOnly,
		TargetCount:   len(dev.liveTable),
	}
}
