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

// Package slottable implements the gap-buffered, anchor-indexed forest
// of groups that backs one Composition: the persistent representation
// of what the last execution produced, and the sole source of truth
// the recomposition scheduler uses to apply the minimum set of edits.
package slottable

// LiveEditInvalidKey is the sentinel key bashCurrentGroup writes over a
// group's key to force the composer to discard it on the next pass.
const LiveEditInvalidKey int32 = -3

// Record is a group's fixed-width record: five machine integers,
// matching spec.md §3.1 bit-for-bit in the info word (§9 "Bit layout"
// is normative for any binary-format compatibility test).
type Record struct {
	Key          int32
	Info         int32
	ParentAnchor int32 // encoded per §3.3; -1 means "no parent" (root)
	Size         int32
	DataAnchor   int32 // encoded per §3.3
}

// info bit layout, normative per spec.md §9:
//
//	bit30       isNode
//	bit29       hasObjectKey
//	bit28       hasAux
//	bit27       mark
//	bit26       containsMark
//	bits 0-25   nodeCount
const (
	infoIsNode       int32 = 1 << 30
	infoHasObjectKey int32 = 1 << 29
	infoHasAux       int32 = 1 << 28
	infoMark         int32 = 1 << 27
	infoContainsMark int32 = 1 << 26
	infoNodeCountMax int32 = (1 << 26) - 1
)

func packInfo(isNode, hasObjectKey, hasAux, mark, containsMark bool, nodeCount int32) int32 {
	var info int32
	if isNode {
		info |= infoIsNode
	}
	if hasObjectKey {
		info |= infoHasObjectKey
	}
	if hasAux {
		info |= infoHasAux
	}
	if mark {
		info |= infoMark
	}
	if containsMark {
		info |= infoContainsMark
	}
	if nodeCount < 0 {
		nodeCount = 0
	}
	if nodeCount > infoNodeCountMax {
		nodeCount = infoNodeCountMax
	}
	info |= nodeCount
	return info
}

// IsNode reports whether this group's first reserved slot is a node value.
func (r Record) IsNode() bool { return r.Info&infoIsNode != 0 }

// HasObjectKey reports whether this group reserves a slot for an object key.
func (r Record) HasObjectKey() bool { return r.Info&infoHasObjectKey != 0 }

// HasAux reports whether this group reserves a slot for an aux value.
func (r Record) HasAux() bool { return r.Info&infoHasAux != 0 }

// Mark reports the user-settable mark flag.
func (r Record) Mark() bool { return r.Info&infoMark != 0 }

// ContainsMark reports whether this group or any descendant is marked.
func (r Record) ContainsMark() bool { return r.Info&infoContainsMark != 0 }

// NodeCount is the number of applier nodes transitively under this group.
func (r Record) NodeCount() int32 { return r.Info & infoNodeCountMax }

// ReservedSlotCount is the number of leading slot cells this group owns
// before user memo slots begin: popcount of isNode/hasObjectKey/hasAux.
func (r Record) ReservedSlotCount() int {
	n := 0
	if r.IsNode() {
		n++
	}
	if r.HasObjectKey() {
		n++
	}
	if r.HasAux() {
		n++
	}
	return n
}

func (r *Record) setMark(v bool) {
	if v {
		r.Info |= infoMark
	} else {
		r.Info &^= infoMark
	}
}

func (r *Record) setContainsMark(v bool) {
	if v {
		r.Info |= infoContainsMark
	} else {
		r.Info &^= infoContainsMark
	}
}

func (r *Record) setNodeCount(n int32) {
	if n < 0 {
		n = 0
	}
	if n > infoNodeCountMax {
		n = infoNodeCountMax
	}
	r.Info = (r.Info &^ infoNodeCountMax) | n
}
