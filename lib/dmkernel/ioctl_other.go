// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !linux

package dmkernel

import (
	"context"

	"github.com/zjc5415/lvm2/lib/dmerr"
)

// IoctlBackend is unavailable outside Linux; use FakeBackend instead.
type IoctlBackend struct{}

func NewIoctlBackend() *IoctlBackend { return &IoctlBackend{} }

func (b *IoctlBackend) Do(ctx context.Context, req Request) (Response, error) {
	return Response{}, dmerr.Errorf(dmerr.KernelError, "dmkernel: IoctlBackend: not supported on this platform")
}
