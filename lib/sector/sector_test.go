// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package sector_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zjc5415/lvm2/lib/dmerr"
	"github.com/zjc5415/lvm2/lib/sector"
)

func TestFormat(t *testing.T) {
	t.Parallel()
	s := sector.Sector(4096)
	assert.Equal(t, "0x0000000000001000", fmt.Sprintf("%v", s)) // 16 hex digits
	assert.Equal(t, "4096", fmt.Sprintf("%d", s))
}

func TestAddSub(t *testing.T) {
	t.Parallel()
	a := sector.Sector(10)
	b := sector.Sector(3)
	assert.Equal(t, sector.Sector(13), a.Add(b))
	assert.Equal(t, sector.Sector(7), a.Sub(b))
}

func TestRoundUp(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n, step, want sector.Sector
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
	}
	for _, tt := range tests {
		got, err := sector.RoundUp(tt.n, tt.step)
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := sector.RoundUp(5, 0)
	assert.True(t, dmerr.Is(err, dmerr.InvalidArgument))

	_, err = sector.RoundUp(sector.Max-1, 8)
	var dmErr *dmerr.Error
	assert.ErrorAs(t, err, &dmErr)
	assert.Equal(t, dmerr.ArithmeticOverflow, dmErr.Kind)
}

func TestDivUp(t *testing.T) {
	t.Parallel()
	got, err := sector.DivUp(17, 8)
	assert.NoError(t, err)
	assert.Equal(t, sector.Sector(3), got)

	got, err = sector.DivUp(16, 8)
	assert.NoError(t, err)
	assert.Equal(t, sector.Sector(2), got)
}

func TestIntLog(t *testing.T) {
	t.Parallel()
	tests := []struct {
		base, n sector.Sector
		want    int
	}{
		{2, 0, 0},
		{2, 1, 0},
		{2, 2, 1},
		{2, 3, 2},
		{2, 4, 2},
		{10, 100, 2},
		{10, 101, 3},
	}
	for _, tt := range tests {
		got, err := sector.IntLog(tt.base, tt.n)
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got, "base=%d n=%d", tt.base, tt.n)
	}

	_, err := sector.IntLog(1, 10)
	assert.Error(t, err)
}
