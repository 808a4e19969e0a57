// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sector implements the 64-bit sector arithmetic that every
// other part of the engine builds on: a Sector is an unsigned count
// of 512-byte units. RoundUp and DivUp report overflow as
// ArithmeticOverflow; Add and Sub do not check and wrap.
package sector

import (
	"fmt"
	"math"

	"github.com/zjc5415/lvm2/lib/dmerr"
	"github.com/zjc5415/lvm2/lib/fmtutil"
)

// Sector is a count of 512-byte units.
type Sector uint64

// Max is the all-ones sentinel that sorts after any real sector
// value; the B-tree index compiler uses it to pad the right edge of
// a level.
const Max Sector = math.MaxUint64

func formatSector(s uint64, f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		str := fmt.Sprintf("0x%016x", s)
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), str)
	default:
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), s)
	}
}

// Format implements fmt.Formatter so that log lines and CLI output
// render sectors as fixed-width hex by default.
func (s Sector) Format(f fmt.State, verb rune) { formatSector(uint64(s), f, verb) }

// Add returns s+d; it does not check for overflow. Only the derived
// RoundUp/DivUp operations below need the check.
func (s Sector) Add(d Sector) Sector { return s + d }

// Sub returns s-d.
func (s Sector) Sub(d Sector) Sector { return s - d }

// RoundUp rounds n up to the next multiple of step (step must be
// positive). It reports ArithmeticOverflow if n is within step of
// the uint64 range.
func RoundUp(n, step Sector) (Sector, error) {
	if step == 0 {
		return 0, dmerr.Errorf(dmerr.InvalidArgument, "sector: RoundUp: step must be positive")
	}
	rem := uint64(n) % uint64(step)
	if rem == 0 {
		return n, nil
	}
	delta := uint64(step) - rem
	if uint64(n) > math.MaxUint64-delta {
		return 0, dmerr.Errorf(dmerr.ArithmeticOverflow, "sector: RoundUp(%d, %d): overflow", n, step)
	}
	return n + Sector(delta), nil
}

// DivUp returns ceil(n/step).
func DivUp(n, step Sector) (Sector, error) {
	rounded, err := RoundUp(n, step)
	if err != nil {
		return 0, err
	}
	return rounded / step, nil
}

// IntLog returns the smallest non-negative k such that base^k >= n,
// computed by iterated DivUp (per the algorithm spelled out for the
// B-tree index compiler's depth calculation) rather than by computing
// base^k directly, so it never overflows for any representable n.
// base must be >= 2.
func IntLog(base, n Sector) (int, error) {
	if base < 2 {
		return 0, dmerr.Errorf(dmerr.InvalidArgument, "sector: IntLog: base must be >= 2, got %d", base)
	}
	k := 0
	for rem := n; rem > 1; k++ {
		next, err := DivUp(rem, base)
		if err != nil {
			return 0, err
		}
		rem = next
	}
	return k, nil
}
