// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package dmkernel

import (
	"context"

	"github.com/zjc5415/lvm2/lib/dmdevice"
	"github.com/zjc5415/lvm2/lib/dmerr"
	"github.com/zjc5415/lvm2/lib/dmtable"
)

// Dispatcher packages each per-node planner operation into a Request,
// submits it to a Backend with one retry on Interrupted, and folds the
// response back into the device record: after CREATE/RELOAD/RESUME it
// writes back the reported event counter and, if the device has one
// registered, invokes its OnEvent hook.
type Dispatcher struct {
	Backend Backend
}

func fireEvent(dev *dmdevice.Device, eventNr uint64) {
	dev.EventNr = eventNr
	if dev.OnEvent != nil {
		dev.OnEvent(dev.Ref(), uint32(eventNr))
	}
}

func (d *Dispatcher) do(ctx context.Context, req Request) (Response, error) {
	resp, err := d.Backend.Do(ctx, req)
	if dmerr.Is(err, dmerr.Interrupted) {
		logf(7, "dmkernel: Dispatcher: %s %s: interrupted, retrying", req.Op, req.Name)
		resp, err = d.Backend.Do(ctx, req)
	}
	if err != nil && !dmerr.Is(err, dmerr.Interrupted) {
		logf(3, "dmkernel: Dispatcher: %s %s: %v", req.Op, req.Name, err)
	}
	return resp, err
}

// tableToSpecs serialises a committed table into the wire-format
// rows: start_sector, length_sectors, target_type_string,
// params_string.
func tableToSpecs(table *dmtable.Table) []TargetSpec {
	entries := table.Entries()
	specs := make([]TargetSpec, len(entries))
	var start uint64
	for i, e := range entries {
		length := uint64(e.High) - start + 1
		specs[i] = TargetSpec{
			Start:  start,
			Length: length,
			Type:   e.Target.TypeString(),
			Params: e.Target.ParamString(),
		}
		start = uint64(e.High) + 1
	}
	return specs
}

// Create issues CREATE for dev's staged inactive table, and realizes
// dev's (major, minor) in registry from the response. The read-only
// status of the staged table becomes dev's fixed read-only status for
// the rest of its lifetime.
func (d *Dispatcher) Create(ctx context.Context, registry *dmdevice.Registry, dev *dmdevice.Device) error {
	if dev.InactiveTable == nil {
		return dmerr.Errorf(dmerr.StateViolation, "dmkernel: Create: device %q has no staged table", dev.Name)
	}
	var flags HeaderFlags
	if dev.InactiveTable.ReadOnly() {
		flags |= FlagReadOnly
	}
	resp, err := d.do(ctx, Request{Op: Create, Name: dev.Name, UUID: dev.UUID, Flags: flags, Targets: tableToSpecs(dev.InactiveTable)})
	if err != nil {
		return err
	}
	registry.Realize(dev, resp.Info.Major, resp.Info.Minor)
	if resp.Info.ReadOnly {
		dev.Flags |= dmdevice.ReadOnly
	}
	fireEvent(dev, resp.Info.EventNr)
	return nil
}

// Reload issues RELOAD for dev's already-realized device. A device
// whose read-only status was established at CREATE refuses a
// writable replacement table.
func (d *Dispatcher) Reload(ctx context.Context, dev *dmdevice.Device) error {
	if dev.InactiveTable == nil {
		return dmerr.Errorf(dmerr.StateViolation, "dmkernel: Reload: device %q has no staged table", dev.Name)
	}
	if dev.Flags.Has(dmdevice.ReadOnly) && !dev.InactiveTable.ReadOnly() {
		return dmerr.Errorf(dmerr.StateViolation, "dmkernel: Reload: device %q is read-only; refusing a writable table", dev.Name)
	}
	resp, err := d.do(ctx, Request{
		Op: Reload, Name: dev.Name, UUID: dev.UUID,
		Major: dev.Major, Minor: dev.Minor,
		Targets: tableToSpecs(dev.InactiveTable),
	})
	if err != nil {
		return err
	}
	fireEvent(dev, resp.Info.EventNr)
	return nil
}

// Suspend issues SUSPEND, optionally with the lockfs hint.
func (d *Dispatcher) Suspend(ctx context.Context, dev *dmdevice.Device, lockfs bool) error {
	flags := HeaderFlags(0)
	if !lockfs {
		flags |= FlagSkipLockfs
	}
	_, err := d.do(ctx, Request{Op: Suspend, Name: dev.Name, UUID: dev.UUID, Major: dev.Major, Minor: dev.Minor, Flags: flags})
	return err
}

// Resume issues RESUME, promoting dev's inactive table to live at the
// kernel boundary and bumping its event counter.
func (d *Dispatcher) Resume(ctx context.Context, dev *dmdevice.Device) error {
	resp, err := d.do(ctx, Request{Op: Resume, Name: dev.Name, UUID: dev.UUID, Major: dev.Major, Minor: dev.Minor})
	if err != nil {
		return err
	}
	fireEvent(dev, resp.Info.EventNr)
	return nil
}

// Remove issues REMOVE, optionally with the deferred-remove flag.
func (d *Dispatcher) Remove(ctx context.Context, dev *dmdevice.Device, deferred bool) error {
	flags := HeaderFlags(0)
	if deferred {
		flags |= FlagDeferredRemove
	}
	_, err := d.do(ctx, Request{Op: Remove, Name: dev.Name, UUID: dev.UUID, Major: dev.Major, Minor: dev.Minor, Flags: flags})
	return err
}

// StatusRows issues STATUS and returns the decoded target rows.
func (d *Dispatcher) StatusRows(ctx context.Context, dev *dmdevice.Device) ([]TargetRow, error) {
	resp, err := d.do(ctx, Request{Op: Status, Name: dev.Name, UUID: dev.UUID, Major: dev.Major, Minor: dev.Minor})
	if err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// TableRows issues TABLE and returns the decoded target rows.
func (d *Dispatcher) TableRows(ctx context.Context, dev *dmdevice.Device) ([]TargetRow, error) {
	resp, err := d.do(ctx, Request{Op: Table, Name: dev.Name, UUID: dev.UUID, Major: dev.Major, Minor: dev.Minor})
	if err != nil {
		return nil, err
	}
	return resp.Rows, nil
}
