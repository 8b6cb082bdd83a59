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

import "github.com/archlayer/recompose/rterrors"

// Verify walks the whole table checking the structural invariants of
// spec.md §8.1 (P1-P5). It is meant for tests and debug builds, not the
// hot path: every check here is already maintained incrementally by
// Writer.
func Verify(t *SlotTable) error {
	n := t.groups.logicalSize()
	for i := 0; i < n; i++ {
		rec := t.group(i)
		end := i + int(rec.Size)

		// P1: every group's span is fully contained within its parent's span.
		if end > n {
			return rterrors.NewStructural("group", i, "size within table", "overruns table")
		}
		if rec.ParentAnchor != -1 {
			parent := decodeStructuralAnchor(rec.ParentAnchor, t.groups.gapStart, t.groups.logicalSize())
			if parent < 0 || parent >= i {
				return rterrors.NewStructural("group", i, "parent before self", "parent index invalid")
			}
			prec := t.group(parent)
			if i >= parent+int(prec.Size) {
				return rterrors.NewStructural("group", i, "contained in parent span", "outside parent span")
			}
		}

		// P2: nodeCount is the sum of immediate children's contribution.
		wantNodeCount := int32(0)
		if rec.IsNode() {
			wantNodeCount = 1
		} else {
			c := i + 1
			for c < end {
				child := t.group(c)
				if child.IsNode() {
					wantNodeCount++
				} else {
					wantNodeCount += child.NodeCount()
				}
				c += int(child.Size)
			}
		}
		if rec.NodeCount() != wantNodeCount {
			return rterrors.NewStructural("group", i, "matching nodeCount", "stale nodeCount")
		}

		// P3: containsMark reflects mark(g) or any descendant mark.
		wantMark := rec.Mark()
		if !wantMark {
			c := i + 1
			for c < end {
				child := t.group(c)
				if child.Mark() || child.ContainsMark() {
					wantMark = true
					break
				}
				c += int(child.Size)
			}
		}
		if rec.ContainsMark() != wantMark {
			return rterrors.NewStructural("group", i, "matching containsMark", "stale containsMark")
		}

		// P4 (partial): dataAnchor decodes to a position within the slot
		// array; disjointness and ordering of the ranges are not checked.
		dataStart := decodeStructuralAnchor(rec.DataAnchor, t.slots.gapStart, t.slots.logicalSize())
		if dataStart < 0 || dataStart > t.slots.logicalSize() {
			return rterrors.NewStructural("group", i, "dataAnchor within slots", "dataAnchor out of range")
		}
	}

	// P5: every registered anchor decodes to a valid live group index.
	for _, a := range t.anchors {
		if !a.Valid() {
			continue
		}
		idx := decodeAnchorLocation(a.location, t.groups.gapStart, t.groups.logicalSize())
		if idx < 0 || idx >= n {
			return rterrors.NewStructural("anchor", idx, "within table", "decoded out of range")
		}
	}
	return nil
}
