// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build linux

package dmkernel

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zjc5415/lvm2/lib/containers"
	"github.com/zjc5415/lvm2/lib/dmerr"
)

var bufPool = containers.SyncPool[*bytes.Buffer]{
	New: func() *bytes.Buffer { return new(bytes.Buffer) },
}

// header is the fixed portion of every request/response, laid out as:
// interface version, total data size and payload start offset, target
// count, open count, flags, event counter, padding, (major, minor),
// name, UUID, and alignment padding. The variable payload trails it
// at DataStart.
type header struct {
	Version   [3]uint32
	DataSize  uint32
	DataStart uint32

	TargetCount uint32
	OpenCount   int32
	Flags       uint32
	EventNr     uint32
	_padding    uint32

	Major, Minor uint32

	Name [128]byte
	UUID [129]byte
	_    [7]byte // alignment
}

const ioctlMagic = 0xfd

// opcodeNumber maps an Opcode to the ioctl command number the real
// device-mapper control device expects for it. This mirrors the
// kernel's DM_*_CMD numbering closely enough to exercise the same
// ioctl dispatch shape; it is not asserted to be byte-identical to
// any particular kernel header.
func opcodeNumber(op Opcode) uintptr {
	return uintptr(ioctlMagic)<<8 | uintptr(op)
}

// IoctlBackend is the real kernel boundary: it opens the
// device-mapper control node and issues one ioctl per Request.
type IoctlBackend struct {
	once sync.Once
	fd   int
	err  error
}

// NewIoctlBackend opens /dev/mapper/control (or Config.DMDir's
// equivalent control node) lazily, on first use.
func NewIoctlBackend() *IoctlBackend {
	return &IoctlBackend{}
}

func (b *IoctlBackend) open() {
	b.once.Do(func() {
		path := GetConfig().DMDir + "/control"
		fd, err := unix.Open(path, os.O_RDWR, 0)
		if err != nil {
			b.err = dmerr.Wrap(dmerr.KernelError, err, "dmkernel: IoctlBackend: open %s", path)
			return
		}
		b.fd = fd
	})
}

func (b *IoctlBackend) Do(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, dmerr.Wrap(dmerr.Interrupted, err, "dmkernel: IoctlBackend: %s: context cancelled", req.Op)
	}

	b.open()
	if b.err != nil {
		return Response{}, b.err
	}

	logf(7, "dmkernel: IoctlBackend: %s %s", req.Op, req.Name)

	payload := encodePayload(req)

	hdr := header{
		Major:       req.Major,
		Minor:       req.Minor,
		EventNr:     uint32(req.EventNr),
		Flags:       uint32(req.Flags),
		DataSize:    uint32(binary.Size(header{}) + len(payload)),
		DataStart:   uint32(binary.Size(header{})),
		TargetCount: uint32(len(req.Targets)),
	}
	copy(hdr.Name[:], req.Name)
	copy(hdr.UUID[:], req.UUID)

	buf, _ := bufPool.Get()
	buf.Reset()
	defer bufPool.Put(buf)
	if err := binary.Write(buf, binary.LittleEndian, hdr); err != nil {
		return Response{}, dmerr.Wrap(dmerr.KernelError, err, "dmkernel: IoctlBackend: encode header")
	}
	buf.Write(payload)

	bufBytes := buf.Bytes()
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), opcodeNumber(req.Op), uintptr(unsafe.Pointer(&bufBytes[0])))
	if errno == unix.EINTR {
		return Response{}, dmerr.Errorf(dmerr.Interrupted, "dmkernel: IoctlBackend: %s: interrupted", req.Op)
	}
	if errno != 0 {
		logf(3, "dmkernel: IoctlBackend: %s %s: %s", req.Op, req.Name, errno)
		return Response{}, dmerr.Wrap(dmerr.KernelError, errno, "dmkernel: IoctlBackend: %s", req.Op)
	}

	var respHdr header
	if err := binary.Read(bytes.NewReader(bufBytes), binary.LittleEndian, &respHdr); err != nil {
		return Response{}, dmerr.Wrap(dmerr.KernelError, err, "dmkernel: IoctlBackend: decode response header")
	}
	rows := decodeRows(bufBytes[respHdr.DataStart:respHdr.DataSize])

	return Response{
		Info: InfoResponse{
			Exists:      true,
			Major:       respHdr.Major,
			Minor:       respHdr.Minor,
			EventNr:     uint64(respHdr.EventNr),
			OpenCount:   int(respHdr.OpenCount),
			ReadOnly:    respHdr.Flags&uint32(FlagReadOnly) != 0,
			Suspended:   false,
			TargetCount: int(respHdr.TargetCount),
		},
		Rows: rows,
	}, nil
}

func encodePayload(req Request) []byte {
	var buf bytes.Buffer
	for _, t := range req.Targets {
		fmt.Fprintf(&buf, "%d %d %s %s\x00", t.Start, t.Length, t.Type, t.Params)
	}
	if req.Op == Rename {
		buf.WriteString(req.NewName)
		buf.WriteByte(0)
	}
	if req.Op == TargetMsg {
		buf.WriteString(req.Message)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func decodeRows(payload []byte) []TargetRow {
	var rows []TargetRow
	for _, line := range bytes.Split(payload, []byte{0}) {
		if len(line) == 0 {
			continue
		}
		var start, length uint64
		var typ, params string
		n, _ := fmt.Sscanf(string(line), "%d %d %s %s", &start, &length, &typ, &params)
		if n < 3 {
			continue
		}
		rows = append(rows, TargetRow{Start: start, Length: length, Type: typ, Params: params})
	}
	return rows
}
