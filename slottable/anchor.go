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

package slottable

import "math"

// invalidAnchorLocation is the I32_MIN sentinel of spec.md §3.4: an
// Anchor holding this value has been invalidated (its group was removed).
const invalidAnchorLocation = math.MinInt32

// parentAnchorPivot makes the negative (end-relative) encoding of
// parentAnchor/dataAnchor never collide with -1, so -1 can be reserved
// to mean "no parent" (root) without ambiguity (spec.md §9 "Gap-buffer
// arithmetic").
const parentAnchorPivot = -2

// Anchor is a relocatable reference into a SlotTable: it survives
// insertions and removals anywhere before the anchored position by
// switching between a front-relative and an end-relative encoding
// whenever its containing region crosses the gap (spec.md §3.4).
//
// An Anchor is exclusively owned by the table that created it until
// Writer.MoveFrom transfers ownership.
type Anchor struct {
	location int32
}

// Valid reports whether the anchor still refers to a live group.
func (a Anchor) Valid() bool { return a.location != invalidAnchorLocation }

// encodeAnchorLocation encodes a logical group index as a §3.4 Anchor
// location: non-negative while index is before the group gap, negative
// (end-relative) once the gap has moved past it.
func encodeAnchorLocation(index, gapStart, logicalSize int) int32 {
	if index < gapStart {
		return int32(index)
	}
	return int32(-(logicalSize - index))
}

// decodeAnchorLocation is the inverse of encodeAnchorLocation.
func decodeAnchorLocation(location int32, gapStart, logicalSize int) int {
	if location >= 0 {
		return int(location)
	}
	return logicalSize + int(location)
}

// encodeStructuralAnchor encodes parentAnchor/dataAnchor per spec.md
// §3.3: non-negative = front-relative index; negative =
// -(logicalSize - index - pivot). The pivot keeps the formula from
// ever producing -1 for any in-range index, so -1 is safe to reserve
// as the "no parent" sentinel on parentAnchor.
func encodeStructuralAnchor(index, gapStart, logicalSize int) int32 {
	if index < gapStart {
		return int32(index)
	}
	return int32(-(logicalSize - index - parentAnchorPivot))
}

// decodeStructuralAnchor is the inverse of encodeStructuralAnchor. It
// does not special-case -1; callers that use -1 as "no parent" must
// check for it themselves before decoding.
func decodeStructuralAnchor(encoded int32, gapStart, logicalSize int) int {
	if encoded >= 0 {
		return int(encoded)
	}
	return logicalSize + int(encoded) - parentAnchorPivot
}
