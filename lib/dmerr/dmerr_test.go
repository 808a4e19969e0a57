// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package dmerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zjc5415/lvm2/lib/dmerr"
)

func TestErrorf(t *testing.T) {
	t.Parallel()
	err := dmerr.Errorf(dmerr.NotFound, "device %q not found", "lv_top")
	assert.EqualError(t, err, `NotFound: device "lv_top" not found`)
	assert.Nil(t, err.Unwrap())
}

func TestWrapUnwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("ioctl failed")
	err := dmerr.Wrap(dmerr.KernelError, cause, "create device")
	assert.EqualError(t, err, "KernelError: create device: ioctl failed")
	assert.Same(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestIs(t *testing.T) {
	t.Parallel()
	inner := dmerr.Errorf(dmerr.Busy, "device open")
	outer := dmerr.Wrap(dmerr.StateViolation, inner, "remove device")

	assert.True(t, dmerr.Is(outer, dmerr.StateViolation))
	assert.True(t, dmerr.Is(outer, dmerr.Busy))
	assert.False(t, dmerr.Is(outer, dmerr.NotFound))
	assert.False(t, dmerr.Is(errors.New("plain"), dmerr.NotFound))
	assert.False(t, dmerr.Is(nil, dmerr.NotFound))
}

func TestKindString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "InvalidArgument", dmerr.InvalidArgument.String())
	assert.Equal(t, "Interrupted", dmerr.Interrupted.String())
	assert.Equal(t, "Kind(99)", dmerr.Kind(99).String())
}
