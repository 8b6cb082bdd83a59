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

// GroupSpec describes a group about to be started by Writer.StartGroup.
type GroupSpec struct {
	Key          int32
	IsNode       bool
	Node         any // reserved node-value slot, used iff IsNode
	HasObjectKey bool
	ObjectKey    any // reserved object-key slot, used iff HasObjectKey
	HasAux       bool
	Aux          any // reserved aux slot, used iff HasAux
}

func (s GroupSpec) reservedCount() int {
	n := 0
	if s.IsNode {
		n++
	}
	if s.HasObjectKey {
		n++
	}
	if s.HasAux {
		n++
	}
	return n
}

type writerFrame struct {
	groupIndex int
	inserting  bool
}

type deferredWrite struct {
	index int
	value any
}

// Writer is the single exclusive mutator of a SlotTable (spec.md §4.1
// "Writer operations and invariants"). Opening a Writer requires no
// outstanding Reader and no other Writer (spec.md §7 category 3).
type Writer struct {
	table       *SlotTable
	closed      bool
	insertDepth int

	cursor     int
	slotCursor int

	frames []writerFrame // frames[0] is the synthetic root, groupIndex == -1

	// deferred slot writes, keyed by the owning frame's groupIndex
	// (spec.md §4.1.2): a write to a slot not at the current cursor is
	// queued instead of thrashing the gap, and flushed in EndGroup.
	deferred map[int][]deferredWrite
}

// Close releases the writer.
func (w *Writer) Close() {
	if w.closed {
		return
	}
	w.closed = true
	w.table.closeWriter()
}

func (w *Writer) checkOpen() error {
	if w.closed {
		return rterrors.ErrConcurrentMisuse
	}
	return nil
}

func (w *Writer) currentParent() int {
	return w.frames[len(w.frames)-1].groupIndex
}

// BeginInsert enters nestable insertion mode: groups started while
// inserting are newly allocated rather than required to pre-exist.
func (w *Writer) BeginInsert() { w.insertDepth++ }

// EndInsert exits one level of insertion mode.
func (w *Writer) EndInsert() {
	if w.insertDepth > 0 {
		w.insertDepth--
	}
}

// Inserting reports whether the writer is currently in insertion mode.
func (w *Writer) Inserting() bool { return w.insertDepth > 0 }

// Cursor returns the writer's current group cursor.
func (w *Writer) Cursor() int { return w.cursor }

// StartGroup begins spec, allocating a new group record when inserting
// or entering the pre-existing one at the cursor otherwise, and returns
// the group's index.
func (w *Writer) StartGroup(spec GroupSpec) (int, error) {
	if err := w.checkOpen(); err != nil {
		return 0, err
	}
	if w.insertDepth > 0 {
		groupIdx := w.cursor
		w.insertGroupsAt(groupIdx, 1)
		reserved := spec.reservedCount()
		dataStart := w.slotCursor
		w.insertSlotsAt(dataStart, reserved)
		off := dataStart
		if spec.IsNode {
			w.table.slots.set(off, spec.Node)
			off++
		}
		if spec.HasObjectKey {
			w.table.slots.set(off, spec.ObjectKey)
			off++
		}
		if spec.HasAux {
			w.table.slots.set(off, spec.Aux)
			off++
		}
		parentIdx := w.currentParent()
		parentAnchor := int32(-1)
		if parentIdx != -1 {
			parentAnchor = encodeStructuralAnchor(parentIdx, w.table.groups.gapStart, w.table.groups.logicalSize())
		}
		rec := Record{
			Key:          spec.Key,
			Info:         packInfo(spec.IsNode, spec.HasObjectKey, spec.HasAux, false, false, 0),
			ParentAnchor: parentAnchor,
			Size:         1,
			DataAnchor:   encodeStructuralAnchor(dataStart, w.table.slots.gapStart, w.table.slots.logicalSize()),
		}
		w.table.groups.set(groupIdx, rec)
		w.frames = append(w.frames, writerFrame{groupIndex: groupIdx, inserting: true})
		w.cursor++
		w.slotCursor += reserved
		return groupIdx, nil
	}

	groupIdx := w.cursor
	rec := w.table.group(groupIdx)
	w.frames = append(w.frames, writerFrame{groupIndex: groupIdx, inserting: false})
	w.slotCursor = decodeStructuralAnchor(rec.DataAnchor, w.table.slots.gapStart, w.table.slots.logicalSize())
	w.cursor++
	return groupIdx, nil
}

// EndGroup closes the innermost open group, fixing up Size, NodeCount
// (spec.md §8.1 P2), and ContainsMark (spec.md §8.1 P3) by scanning the
// group's now-final direct children. Not opening every intermediate
// ancestor via §4.1.1's seek-based shortcut is a documented
// simplification (see DESIGN.md); every ancestor on a mutated path
// must be explicitly started and ended here.
func (w *Writer) EndGroup() error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if len(w.frames) == 0 {
		return rterrors.NewStructural("writer", w.cursor, "open frame", "none")
	}
	frame := w.frames[len(w.frames)-1]
	w.frames = w.frames[:len(w.frames)-1]
	w.flushDeferred(frame.groupIndex)

	rec := w.table.group(frame.groupIndex)
	rec.Size = int32(w.cursor - frame.groupIndex)
	if rec.IsNode() {
		rec.setNodeCount(1)
	} else {
		rec.setNodeCount(w.scanChildNodeCount(frame.groupIndex, w.cursor))
	}
	rec.setContainsMark(rec.Mark() || w.scanChildrenContainMark(frame.groupIndex, w.cursor))
	w.table.groups.set(frame.groupIndex, rec)
	return nil
}

func (w *Writer) scanChildNodeCount(parentIdx, end int) int32 {
	var sum int32
	i := parentIdx + 1
	for i < end {
		c := w.table.group(i)
		if c.IsNode() {
			sum++
		} else {
			sum += c.NodeCount()
		}
		i += int(c.Size)
	}
	return sum
}

func (w *Writer) scanChildrenContainMark(parentIdx, end int) bool {
	i := parentIdx + 1
	for i < end {
		c := w.table.group(i)
		if c.Mark() || c.ContainsMark() {
			return true
		}
		i += int(c.Size)
	}
	return false
}

// insertGroupsAt inserts n zero-value group records at logical index,
// repatching every live ParentAnchor and every registered Anchor that
// falls at or after the insertion point.
func (w *Writer) insertGroupsAt(at, n int) {
	oldGS, oldLS := w.table.groups.gapStart, w.table.groups.logicalSize()
	w.table.groups.insertAt(at, n)
	w.table.repatchParentAnchors(at, n, oldGS, oldLS)
	w.table.repatchAnchorsShift(at, n, oldGS, oldLS)
}

// insertSlotsAt inserts n nil slot cells at logical index, repatching
// every live DataAnchor that falls at or after the insertion point.
func (w *Writer) insertSlotsAt(at, n int) {
	oldGS, oldLS := w.table.slots.gapStart, w.table.slots.logicalSize()
	w.table.slots.insertAt(at, n)
	w.table.repatchDataAnchors(at, n, oldGS, oldLS)
}

func (w *Writer) removeGroupsAt(at, n int) {
	oldGS, oldLS := w.table.groups.gapStart, w.table.groups.logicalSize()
	w.table.invalidateAnchorsIn(at, at+n, oldGS, oldLS)
	w.table.groups.removeAt(at, n)
	w.table.repatchParentAnchors(at+n, -n, oldGS, oldLS)
	w.table.repatchAnchorsShift(at+n, -n, oldGS, oldLS)
}

func (w *Writer) removeSlotsAt(at, n int) {
	oldGS, oldLS := w.table.slots.gapStart, w.table.slots.logicalSize()
	w.table.slots.removeAt(at, n)
	w.table.repatchDataAnchors(at+n, -n, oldGS, oldLS)
}

// RemoveGroup removes the group at the cursor and its entire subtree.
// Must be called at a group start, outside insertion mode (spec.md §4.1).
func (w *Writer) RemoveGroup() error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if w.insertDepth > 0 {
		return rterrors.ErrConcurrentMisuse
	}
	g := w.cursor
	rec := w.table.group(g)
	size := int(rec.Size)
	groupEnd := g + size
	dataStart := decodeStructuralAnchor(rec.DataAnchor, w.table.slots.gapStart, w.table.slots.logicalSize())
	var dataEnd int
	if groupEnd < w.table.groups.logicalSize() {
		dataEnd = decodeStructuralAnchor(w.table.group(groupEnd).DataAnchor, w.table.slots.gapStart, w.table.slots.logicalSize())
	} else {
		dataEnd = w.table.slots.logicalSize()
	}
	slotCount := dataEnd - dataStart

	w.removeGroupsAt(g, size)
	w.removeSlotsAt(dataStart, slotCount)

	w.cursor = g
	w.slotCursor = dataStart
	return nil
}

// BashCurrentGroup overwrites the current group's key with the
// LiveEditInvalidKey sentinel, forcing the composer to discard it on
// the next pass (spec.md §4.1, §6.4).
func (w *Writer) BashCurrentGroup() error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	rec := w.table.group(w.cursor)
	rec.Key = LiveEditInvalidKey
	w.table.groups.set(w.cursor, rec)
	return nil
}

// BashGroupAt has the same effect as BashCurrentGroup but at an
// arbitrary group index instead of the cursor, for invalidation sweeps
// (InvalidateGroupsWithKey) that touch several non-adjacent groups
// without moving the cursor between them.
func (w *Writer) BashGroupAt(idx int) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	rec := w.table.group(idx)
	rec.Key = LiveEditInvalidKey
	w.table.groups.set(idx, rec)
	return nil
}

// MarkGroup sets the user mark bit on the group at idx. ContainsMark of
// every open ancestor is recomputed lazily at their next EndGroup.
func (w *Writer) MarkGroup(idx int) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	rec := w.table.group(idx)
	rec.setMark(true)
	w.table.groups.set(idx, rec)
	return nil
}

// InvalidateGroupsWithKey sweeps the whole table for groups whose key
// equals targetKey and returns the index of each matching group itself,
// in table order (nil when none match). It does not modify the table;
// the caller bashes or marks the returned groups.
func (w *Writer) InvalidateGroupsWithKey(targetKey int32) []int {
	var matches []int
	n := w.table.groups.logicalSize()
	for i := 0; i < n; i++ {
		rec := w.table.group(i)
		if rec.Key == targetKey {
			matches = append(matches, i)
		}
	}
	return matches
}

// Write stores v at the writer's current slot cursor and advances it,
// behaving like the composer's sequential "next memo slot" writes.
// While inserting, a new slot cell is first inserted at the cursor.
func (w *Writer) Write(v any) {
	if w.insertDepth > 0 {
		at := w.slotCursor
		w.insertSlotsAt(at, 1)
		// groups before the group cursor keep a data start equal to the
		// insertion point; only later groups shift past the new cell.
		gs, ls := w.table.slots.gapStart, w.table.slots.logicalSize()
		for g := 0; g < w.cursor; g++ {
			rec := w.table.group(g)
			if decodeStructuralAnchor(rec.DataAnchor, gs, ls) == at+1 {
				rec.DataAnchor = encodeStructuralAnchor(at, gs, ls)
				w.table.groups.set(g, rec)
			}
		}
	}
	w.table.slots.set(w.slotCursor, v)
	w.slotCursor++
}

// UpdateSlot stores v at an absolute slot index. If index is not the
// current cursor, the write is deferred into the owning frame's queue
// and flushed at EndGroup (spec.md §4.1.2), avoiding gap thrashing when
// many slots are touched out of order in an already-populated parent.
func (w *Writer) UpdateSlot(index int, v any) {
	if index == w.slotCursor {
		w.table.slots.set(index, v)
		return
	}
	owner := w.currentParent()
	if w.deferred == nil {
		w.deferred = make(map[int][]deferredWrite)
	}
	w.deferred[owner] = append(w.deferred[owner], deferredWrite{index: index, value: v})
}

func (w *Writer) flushDeferred(groupIdx int) {
	if w.deferred == nil {
		return
	}
	pending, ok := w.deferred[groupIdx]
	if !ok {
		return
	}
	delete(w.deferred, groupIdx)
	for _, d := range pending {
		w.table.slots.set(d.index, d.value)
	}
}
