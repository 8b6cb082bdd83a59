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

// Package idset implements a compact set of monotonically-increasing
// snapshot identifiers. The snapshot system's own id allocation and
// versioning is out of scope for this module (see spec.md §1); this
// type is the shape the core needs to hold "the set of snapshot ids
// visible as of the last apply" without depending on that system's
// internals.
package idset

import "github.com/archlayer/recompose/internal/bitvec"

// Set is a dense set of small non-negative ids backed by a bit vector,
// with a sparse overflow map for ids far from the dense range (the
// snapshot id space is monotonic but a long-lived recomposer may retain
// references spanning a wide range after GC of intermediate ids).
type Set struct {
	lowerBound int
	dense      bitvec.Vector
	overflow   map[int]struct{}
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{overflow: make(map[int]struct{})}
}

// Add records id as a member of the set.
func (s *Set) Add(id int) {
	rel := id - s.lowerBound
	if rel >= 0 && rel < 1<<20 {
		s.dense.Set(rel)
		return
	}
	s.overflow[id] = struct{}{}
}

// Contains reports whether id is a member of the set.
func (s *Set) Contains(id int) bool {
	rel := id - s.lowerBound
	if rel >= 0 && rel < s.dense.Len() {
		return s.dense.Test(rel)
	}
	if rel >= 0 && rel < 1<<20 {
		return false
	}
	_, ok := s.overflow[id]
	return ok
}

// Remove deletes id from the set, if present.
func (s *Set) Remove(id int) {
	rel := id - s.lowerBound
	if rel >= 0 && rel < s.dense.Len() {
		s.dense.Clear(rel)
		return
	}
	delete(s.overflow, id)
}

// Count returns the number of members, counting both the dense window
// and the overflow map.
func (s *Set) Count() int {
	n := len(s.overflow)
	for i := 0; i < s.dense.Len(); i++ {
		if s.dense.Test(i) {
			n++
		}
	}
	return n
}

// Rebase discards membership information below newLowerBound and shifts
// the dense window forward, reclaiming space for ids that can never be
// queried again (the composer/recomposer retire ids in FIFO order).
// Ids held in the overflow map are left as they are.
func (s *Set) Rebase(newLowerBound int) {
	if newLowerBound <= s.lowerBound {
		return
	}
	shift := newLowerBound - s.lowerBound
	var kept bitvec.Vector
	for i := shift; i < s.dense.Len(); i++ {
		if s.dense.Test(i) {
			kept.Set(i - shift)
		}
	}
	s.lowerBound = newLowerBound
	s.dense = kept
}
