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

// Reader is a read-only cursor over a SlotTable (spec.md §4.1 "Reader
// operations"). Many readers may be open concurrently; none may be open
// while a Writer is open. Every method that returns an error returns
// ErrConcurrentMisuse once the reader is closed or the table's Writer
// has opened (bumping Version); the index-based accessors and
// ExtractKeys do not check.
type Reader struct {
	table   *SlotTable
	version int

	index     int // cursor: the group about to be entered/skipped
	slotIndex int // cursor: the next slot Next() will return

	parentStack []int
	endStack    []int
	emptyDepth  int
	closed      bool
}

// Close releases the reader; it is an error (not fatal, but a no-op
// guard) to use a Reader after Close.
func (r *Reader) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.table.closeReader()
}

func (r *Reader) checkVersion() error {
	if r.closed || r.version != r.table.version {
		return rterrors.ErrConcurrentMisuse
	}
	return nil
}

// KeyAndInfo identifies a child group without descending into it;
// returned by ExtractKeys for composer-side key diffing.
type KeyAndInfo struct {
	Index     int
	Key       int32
	ObjectKey any
	IsNode    bool
}

// StartGroup enters the group at the cursor, pushing it as the new
// parent frame and resetting the slot cursor to that group's own
// reserved+memo slot window.
func (r *Reader) StartGroup() error {
	if err := r.checkVersion(); err != nil {
		return err
	}
	rec := r.table.group(r.index)
	r.parentStack = append(r.parentStack, r.index)
	r.endStack = append(r.endStack, r.index+int(rec.Size))
	r.slotIndex = decodeStructuralAnchor(rec.DataAnchor, r.table.slots.gapStart, r.table.slots.logicalSize())
	r.index++
	return nil
}

// EndGroup pops the current parent frame, leaving the cursor at the
// frame's end (its next sibling, or the grandparent's boundary).
func (r *Reader) EndGroup() error {
	if err := r.checkVersion(); err != nil {
		return err
	}
	n := len(r.endStack)
	end := r.endStack[n-1]
	r.endStack = r.endStack[:n-1]
	r.parentStack = r.parentStack[:len(r.parentStack)-1]
	r.index = end
	return nil
}

// SkipGroup skips the entire subtree at the cursor without entering
// it, returning the skipped group's record so the caller can inspect
// key/size without a StartGroup/EndGroup pair.
func (r *Reader) SkipGroup() (Record, error) {
	if err := r.checkVersion(); err != nil {
		return Record{}, err
	}
	rec := r.table.group(r.index)
	r.index += int(rec.Size)
	r.slotIndex = r.dataAnchorAt(r.index)
	return rec, nil
}

// SkipToGroupEnd advances the cursor to the end of the current parent
// frame without popping it; a matching EndGroup is still required.
func (r *Reader) SkipToGroupEnd() error {
	if err := r.checkVersion(); err != nil {
		return err
	}
	end := r.endStack[len(r.endStack)-1]
	r.index = end
	r.slotIndex = r.dataAnchorAt(end)
	return nil
}

// Reposition jumps the cursor directly to index, used for anchor-based
// random access. The parent stack is left untouched; call RestoreParent
// afterward to re-synchronize it.
func (r *Reader) Reposition(index int) error {
	if err := r.checkVersion(); err != nil {
		return err
	}
	r.index = index
	r.slotIndex = r.dataAnchorAt(index)
	return nil
}

// RestoreParent rebuilds the parent stack so that index's structural
// parent (per its ParentAnchor) is the new top frame.
func (r *Reader) RestoreParent(index int) error {
	if err := r.checkVersion(); err != nil {
		return err
	}
	var chain []int
	cur := index
	for cur != -1 {
		chain = append(chain, cur)
		rec := r.table.group(cur)
		if rec.ParentAnchor == -1 {
			break
		}
		cur = decodeStructuralAnchor(rec.ParentAnchor, r.table.groups.gapStart, r.table.groups.logicalSize())
	}
	// chain is child-to-root; rebuild root-to-child.
	parents := make([]int, 0, len(chain)+1)
	parents = append(parents, -1)
	for i := len(chain) - 1; i >= 0; i-- {
		parents = append(parents, chain[i])
	}
	ends := make([]int, len(parents))
	for i, p := range parents {
		if p == -1 {
			ends[i] = r.table.groups.logicalSize()
			continue
		}
		rec := r.table.group(p)
		ends[i] = p + int(rec.Size)
	}
	r.parentStack = parents
	r.endStack = ends
	return nil
}

func (r *Reader) dataAnchorAt(groupIndex int) int {
	if groupIndex >= r.table.groups.logicalSize() {
		return r.table.slots.logicalSize()
	}
	rec := r.table.group(groupIndex)
	return decodeStructuralAnchor(rec.DataAnchor, r.table.slots.gapStart, r.table.slots.logicalSize())
}

// BeginEmpty enters a mode where Next always returns Empty and slot
// reads are suppressed, nestable. Used while scanning for keys that
// may or may not exist without disturbing the real slot cursor.
func (r *Reader) BeginEmpty() { r.emptyDepth++ }

// EndEmpty exits one level of empty-scanning mode.
func (r *Reader) EndEmpty() {
	if r.emptyDepth > 0 {
		r.emptyDepth--
	}
}

// Next reads the slot cell at the current slot cursor and advances it,
// or returns Empty while in empty-scanning mode or past the table end.
func (r *Reader) Next() (any, error) {
	if err := r.checkVersion(); err != nil {
		return nil, err
	}
	if r.emptyDepth > 0 {
		return Empty, nil
	}
	if r.slotIndex >= r.table.slots.logicalSize() {
		return Empty, nil
	}
	v := r.table.slots.get(r.slotIndex)
	r.slotIndex++
	return v, nil
}

// Get returns the slot cell at an absolute slot index, independent of
// the running cursor.
func (r *Reader) Get(i int) (any, error) {
	if err := r.checkVersion(); err != nil {
		return nil, err
	}
	if i < 0 || i >= r.table.slots.logicalSize() {
		return nil, nil
	}
	return r.table.slots.get(i), nil
}

// GroupKey returns the key of the group at idx.
func (r *Reader) GroupKey(idx int) int32 { return r.table.group(idx).Key }

// GroupSize returns the total span (self included) of the group at idx.
func (r *Reader) GroupSize(idx int) int { return int(r.table.group(idx).Size) }

// Parent returns the structural parent group index of idx, or -1 at the root.
func (r *Reader) Parent(idx int) int {
	rec := r.table.group(idx)
	if rec.ParentAnchor == -1 {
		return -1
	}
	return decodeStructuralAnchor(rec.ParentAnchor, r.table.groups.gapStart, r.table.groups.logicalSize())
}

// IsNode reports whether the group at idx is a node group.
func (r *Reader) IsNode(idx int) bool { return r.table.group(idx).IsNode() }

// Node returns the node value reserved slot of the group at idx, or
// nil if the group is not a node group.
func (r *Reader) Node(idx int) any {
	rec := r.table.group(idx)
	if !rec.IsNode() {
		return nil
	}
	return r.table.slots.get(decodeStructuralAnchor(rec.DataAnchor, r.table.slots.gapStart, r.table.slots.logicalSize()))
}

// GroupAux returns the aux reserved slot of the group at idx, or nil
// if the group has none.
func (r *Reader) GroupAux(idx int) any {
	rec := r.table.group(idx)
	if !rec.HasAux() {
		return nil
	}
	offset := 0
	if rec.IsNode() {
		offset++
	}
	if rec.HasObjectKey() {
		offset++
	}
	base := decodeStructuralAnchor(rec.DataAnchor, r.table.slots.gapStart, r.table.slots.logicalSize())
	return r.table.slots.get(base + offset)
}

// ExtractKeys collects the key/objectKey/isNode of every direct child
// of the current parent frame, without entering any of them. Used by
// the composer front-end for positional/keyed diffing (out of scope
// algorithm, see spec.md §1); this is the contract surface it needs.
func (r *Reader) ExtractKeys() []KeyAndInfo {
	end := r.endStack[len(r.endStack)-1]
	var out []KeyAndInfo
	i := r.index
	for i < end {
		rec := r.table.group(i)
		var objectKey any
		if rec.HasObjectKey() {
			base := decodeStructuralAnchor(rec.DataAnchor, r.table.slots.gapStart, r.table.slots.logicalSize())
			offset := 0
			if rec.IsNode() {
				offset++
			}
			objectKey = r.table.slots.get(base + offset)
		}
		out = append(out, KeyAndInfo{Index: i, Key: rec.Key, ObjectKey: objectKey, IsNode: rec.IsNode()})
		i += int(rec.Size)
	}
	return out
}
