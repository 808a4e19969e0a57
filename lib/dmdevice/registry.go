// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package dmdevice

import (
	"sync"

	"github.com/zjc5415/lvm2/lib/containers"
	"github.com/zjc5415/lvm2/lib/dmerr"
	"github.com/zjc5415/lvm2/lib/dmtable"
)

type majorMinor struct{ Major, Minor uint32 }

// Registry is the single global registry of mapped devices, keyed
// simultaneously by name and by UUID, with (major, minor) populated
// once a device is realized at activation. The core is
// single-threaded cooperative and a single lock guards the registry;
// mu is that lock. byMajorMinor is additionally kept as a SyncMap so
// that the control dispatcher and a logging callback can resolve a
// realized device by kernel identity without contending on mu.
type Registry struct {
	mu     sync.Mutex
	byName containers.SortedMap[containers.NativeOrdered[string], *Device]
	byUUID containers.SortedMap[containers.NativeOrdered[string], *Device]

	byMajorMinor containers.SyncMap[majorMinor, *Device]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// OpenOrCreate returns the device named name with the given uuid,
// creating it if neither is already known. name and uuid must agree
// with any existing record for the other key, or this fails with
// InvalidArgument.
func (r *Registry) OpenOrCreate(name, uuid string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byName, hasName := r.byName.Load(containers.NativeOrdered[string]{Val: name})
	byUUID, hasUUID := r.byUUID.Load(containers.NativeOrdered[string]{Val: uuid})

	switch {
	case hasName && hasUUID:
		if byName != byUUID {
			return nil, dmerr.Errorf(dmerr.InvalidArgument, "dmdevice: OpenOrCreate: name %q and uuid %q refer to different devices", name, uuid)
		}
		return byName, nil
	case hasName:
		return nil, dmerr.Errorf(dmerr.InvalidArgument, "dmdevice: OpenOrCreate: name %q already bound to a different uuid", name)
	case hasUUID:
		return nil, dmerr.Errorf(dmerr.InvalidArgument, "dmdevice: OpenOrCreate: uuid %q already bound to a different name", uuid)
	}

	dev := &Device{Name: name, UUID: uuid}
	r.byName.Store(containers.NativeOrdered[string]{Val: name}, dev)
	r.byUUID.Store(containers.NativeOrdered[string]{Val: uuid}, dev)
	return dev, nil
}

// Lookup finds a device by its display name.
func (r *Registry) Lookup(name string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName.Load(containers.NativeOrdered[string]{Val: name})
}

// LookupUUID finds a device by its stable UUID.
func (r *Registry) LookupUUID(uuid string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byUUID.Load(containers.NativeOrdered[string]{Val: uuid})
}

// LookupMajorMinor finds a realized device by its kernel identity.
func (r *Registry) LookupMajorMinor(major, minor uint32) (*Device, bool) {
	return r.byMajorMinor.Load(majorMinor{major, minor})
}

// Devices returns every device in the registry, ordered by name for
// deterministic iteration (used by dmgraph.Build so tree construction
// doesn't depend on map iteration order).
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Device
	r.byName.Range(func(_ containers.NativeOrdered[string], dev *Device) bool {
		out = append(out, dev)
		return true
	})
	return out
}

// Info returns a read-only snapshot of dev's state.
func (r *Registry) Info(dev *Device) Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return dev.info()
}

// SetTable stages table into dev's inactive slot, replacing any table
// already staged there. It never writes the live slot: live is only
// ever populated by Resume, as part of a committed activation.
func (r *Registry) SetTable(dev *Device, table *dmtable.Table) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev.InactiveTable = table
	dev.Flags |= InactivePresent
	return nil
}

// Realize records the (major, minor) the kernel boundary assigned
// dev on CREATE, and indexes it for LookupMajorMinor.
func (r *Registry) Realize(dev *Device, major, minor uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev.Major, dev.Minor = major, minor
	dev.Realized = true
	r.byMajorMinor.Store(majorMinor{major, minor}, dev)
}

// Resume promotes dev's inactive table to live, atomically (from the
// registry's point of view): the old live table is retired, the
// event counter increments by one, and dev is marked Live and no
// longer Suspended. It fails with StateViolation if dev has no
// inactive table to promote.
func (r *Registry) Resume(dev *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev.InactiveTable == nil {
		return dmerr.Errorf(dmerr.StateViolation, "dmdevice: Resume: device %q has no inactive table", dev.Name)
	}
	dev.LiveTable = dev.InactiveTable
	dev.InactiveTable = nil
	dev.EventNr++
	dev.Flags = dev.Flags &^ (InactivePresent | Suspended)
	dev.Flags |= Live
	return nil
}

// Suspend marks dev's live table as suspended (I/O quiesced, table
// swaps deferred). It fails with StateViolation if dev has no live
// table.
func (r *Registry) Suspend(dev *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev.LiveTable == nil {
		return dmerr.Errorf(dmerr.StateViolation, "dmdevice: Suspend: device %q has no live table to suspend", dev.Name)
	}
	dev.Flags |= Suspended
	return nil
}

// Rename changes dev's display name, re-keying the name index.
func (r *Registry) Rename(dev *Device, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName.Load(containers.NativeOrdered[string]{Val: newName}); exists {
		return dmerr.Errorf(dmerr.InvalidArgument, "dmdevice: Rename: name %q already in use", newName)
	}
	r.byName.Delete(containers.NativeOrdered[string]{Val: dev.Name})
	dev.Name = newName
	r.byName.Store(containers.NativeOrdered[string]{Val: newName}, dev)
	return nil
}

// Remove deletes dev from the registry. It fails with Busy if
// OpenCount > 0, unless dev.Flags has DeferredRemove set, in which
// case it returns nil and leaves dev registered; a later Remove call
// made once OpenCount is 0 deletes it.
func (r *Registry) Remove(dev *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev.OpenCount > 0 {
		if !dev.Flags.Has(DeferredRemove) {
			return dmerr.Errorf(dmerr.Busy, "dmdevice: Remove: device %q has %d open references", dev.Name, dev.OpenCount)
		}
		return nil
	}
	r.byName.Delete(containers.NativeOrdered[string]{Val: dev.Name})
	r.byUUID.Delete(containers.NativeOrdered[string]{Val: dev.UUID})
	if dev.Realized {
		r.byMajorMinor.Delete(majorMinor{dev.Major, dev.Minor})
	}
	dev.LiveTable = nil
	dev.InactiveTable = nil
	dev.Flags = 0
	return nil
}
