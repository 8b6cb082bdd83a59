// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package bitvec implements a growable bit vector used to track
// per-group and per-id boolean properties (marks, processed flags)
// without allocating a bool per entry.
package bitvec

import "github.com/archlayer/recompose/ints"

// A Vector is a growable set of bits addressed by a non-negative index.
// The zero value is an empty vector.
type Vector struct {
	words []uint64
}

// Grow ensures the vector can address bit index n-1 without reallocating.
func (v *Vector) Grow(n int) {
	need := (n + 63) / 64
	if need <= len(v.words) {
		return
	}
	grown := make([]uint64, need)
	copy(grown, v.words)
	v.words = grown
}

// Set sets bit i.
func (v *Vector) Set(i int) {
	v.Grow(i + 1)
	ints.SetBit(v.words, i)
}

// Clear clears bit i.
func (v *Vector) Clear(i int) {
	if i/64 >= len(v.words) {
		return
	}
	ints.ClearBit(v.words, i)
}

// Test reports whether bit i is set.
func (v *Vector) Test(i int) bool {
	if i/64 >= len(v.words) {
		return false
	}
	return ints.TestBit(v.words, i)
}

// Len returns the number of bits currently addressable.
func (v *Vector) Len() int {
	return len(v.words) * 64
}

// Reset clears every bit without releasing the backing storage.
func (v *Vector) Reset() {
	for i := range v.words {
		v.words[i] = 0
	}
}

// Any reports whether any bit in [lo, hi) is set.
func (v *Vector) Any(lo, hi int) bool {
	for i := lo; i < hi; i++ {
		if v.Test(i) {
			return true
		}
	}
	return false
}
