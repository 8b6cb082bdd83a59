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

import (
	"sync"

	"github.com/archlayer/recompose/rterrors"
)

// Empty is the sentinel slot value surfaced by Reader.Next while the
// reader is between BeginEmpty/EndEmpty (spec.md §4.1 "Reader
// operations"). It is a dedicated singleton type, not a raw opaque
// pointer, per spec.md §9 Open Question (a).
type emptySentinel struct{}

// Empty is returned by Reader.Next for every slot read while the
// reader is in "empty" scanning mode.
var Empty = emptySentinel{}

// ScopeInvalidated is the sentinel an invalidations map stores for a
// scope that must recompose unconditionally, as opposed to mapping to
// a specific DerivedState instance that must merely re-check (spec.md
// §3.5, §9 Open Question (a)).
type scopeInvalidatedSentinel struct{}

var ScopeInvalidated = scopeInvalidatedSentinel{}

// SlotTable is the persistent, gap-buffered forest of groups produced
// by the last execution of one composition (spec.md §2, §4.1).
//
// Multiple readers, or exactly one writer, may be open at a time, never
// mixed (spec.md §4.1 "Concurrency contract"). The zero value is not
// usable; construct with New.
type SlotTable struct {
	mu sync.Mutex // guards readerCount, writerOpen, version, sourceInfo

	groups *gapBuffer[Record]
	slots  *gapBuffer[any]

	anchors []*Anchor // kept sorted by decoded index ascending

	readerCount int
	writerOpen  bool
	version     int

	sourceInfo map[int]string // optional group -> source position (tooling stub, §1 excludes tooling internals)
}

// New returns an empty SlotTable with small initial capacity.
func New() *SlotTable {
	return &SlotTable{
		groups:     newGapBuffer[Record](16),
		slots:      newGapBuffer[any](16),
		sourceInfo: make(map[int]string),
	}
}

// GroupCount returns the number of live group records.
func (t *SlotTable) GroupCount() int { return t.groups.logicalSize() }

// SlotCount returns the number of live slot cells.
func (t *SlotTable) SlotCount() int { return t.slots.logicalSize() }

// Version is bumped every time a Writer is opened; outstanding Reader
// iterators compare against the version they captured to detect
// concurrent modification (spec.md §4.1).
func (t *SlotTable) Version() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// SetSourceInfo records an opaque source-position string for a group,
// used only to reconstruct composition stack traces (spec.md §7); the
// tracking algorithm itself is out of scope (spec.md §1).
func (t *SlotTable) SetSourceInfo(group int, info string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sourceInfo[group] = info
}

// SourceInfo returns the source-position string recorded for group, if any.
func (t *SlotTable) SourceInfo(group int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sourceInfo[group]
	return s, ok
}

// OpenReader acquires a read-only view. Any number of readers may be
// open concurrently, but never while a Writer is open.
func (t *SlotTable) OpenReader() (*Reader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writerOpen {
		return nil, rterrors.ErrConcurrentMisuse
	}
	t.readerCount++
	return &Reader{table: t, version: t.version, parentStack: []int{-1}, endStack: []int{t.groups.logicalSize()}}, nil
}

// OpenWriter acquires exclusive write access. Fails fast if a writer is
// already open or any reader is outstanding (spec.md §7 category 3).
func (t *SlotTable) OpenWriter() (*Writer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writerOpen || t.readerCount > 0 {
		return nil, rterrors.ErrConcurrentMisuse
	}
	t.writerOpen = true
	t.version++
	w := &Writer{
		table:  t,
		frames: []writerFrame{{groupIndex: -1, inserting: false}},
	}
	return w, nil
}

func (t *SlotTable) closeReader() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readerCount > 0 {
		t.readerCount--
	}
}

func (t *SlotTable) closeWriter() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writerOpen = false
}

// group returns a copy of the live record at logical index idx.
func (t *SlotTable) group(idx int) Record { return t.groups.get(idx) }

// Anchor returns the owned Anchor for group index idx, creating and
// registering a new one (kept sorted by decoded index) if none exists
// yet for that exact index.
func (t *SlotTable) Anchor(idx int) *Anchor {
	logicalSize := t.groups.logicalSize()
	loc := encodeAnchorLocation(idx, t.groups.gapStart, logicalSize)
	// search for an existing anchor at the same decoded index.
	for _, a := range t.anchors {
		if a.Valid() && decodeAnchorLocation(a.location, t.groups.gapStart, logicalSize) == idx {
			return a
		}
	}
	a := &Anchor{location: loc}
	t.insertAnchorSorted(a, idx)
	return a
}

func (t *SlotTable) insertAnchorSorted(a *Anchor, idx int) {
	logicalSize := t.groups.logicalSize()
	lo, hi := 0, len(t.anchors)
	for lo < hi {
		mid := (lo + hi) / 2
		midIdx := decodeAnchorLocation(t.anchors[mid].location, t.groups.gapStart, logicalSize)
		if midIdx < idx {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	t.anchors = append(t.anchors, nil)
	copy(t.anchors[lo+1:], t.anchors[lo:])
	t.anchors[lo] = a
}

// IndexFor decodes an Anchor's current logical group index. Returns
// (-1, false) if the anchor has been invalidated.
func (t *SlotTable) IndexFor(a *Anchor) (int, bool) {
	if !a.Valid() {
		return -1, false
	}
	return decodeAnchorLocation(a.location, t.groups.gapStart, t.groups.logicalSize()), true
}

// repatchAnchorsShift re-derives every registered anchor's encoding
// after a structural change to the group gap buffer that inserted or
// removed elements at logical position boundary. delta is the signed
// change in logical index for every anchor at or after boundary (+n
// for an n-element insertion, -n for an n-element removal — removed
// anchors in the affected range must already have been invalidated by
// the caller via invalidateAnchorsIn before this runs).
// oldGapStart/oldLogicalSize describe the group buffer immediately
// before the change; the current t.groups fields describe it
// immediately after. Only anchors whose encoding actually changes are
// rewritten (spec.md §8.2 boundary behavior).
func (t *SlotTable) repatchAnchorsShift(boundary, delta, oldGapStart, oldLogicalSize int) {
	newGapStart, newLogicalSize := t.groups.gapStart, t.groups.logicalSize()
	for _, a := range t.anchors {
		if !a.Valid() {
			continue
		}
		idx := decodeAnchorLocation(a.location, oldGapStart, oldLogicalSize)
		if idx >= boundary {
			idx += delta
		}
		newLoc := encodeAnchorLocation(idx, newGapStart, newLogicalSize)
		if newLoc != a.location {
			a.location = newLoc
		}
	}
}

// repatchParentAnchors fixes up every live group's ParentAnchor field
// after an n-element insertion/removal at logical position boundary in
// the group gap buffer (delta = +n insert, -n remove). The root
// sentinel -1 is left untouched.
func (t *SlotTable) repatchParentAnchors(boundary, delta, oldGapStart, oldLogicalSize int) {
	newGapStart, newLogicalSize := t.groups.gapStart, t.groups.logicalSize()
	n := t.groups.logicalSize()
	for i := 0; i < n; i++ {
		rec := t.groups.get(i)
		if rec.ParentAnchor == -1 {
			continue
		}
		idx := decodeStructuralAnchor(rec.ParentAnchor, oldGapStart, oldLogicalSize)
		if idx >= boundary {
			idx += delta
		}
		newAnchor := encodeStructuralAnchor(idx, newGapStart, newLogicalSize)
		if newAnchor != rec.ParentAnchor {
			rec.ParentAnchor = newAnchor
			t.groups.set(i, rec)
		}
	}
}

// repatchDataAnchors fixes up every live group's DataAnchor field after
// an n-element insertion/removal at logical position boundary in the
// slot gap buffer (delta = +n insert, -n remove).
func (t *SlotTable) repatchDataAnchors(boundary, delta, oldSlotGapStart, oldSlotLogicalSize int) {
	newGapStart, newLogicalSize := t.slots.gapStart, t.slots.logicalSize()
	n := t.groups.logicalSize()
	for i := 0; i < n; i++ {
		rec := t.groups.get(i)
		idx := decodeStructuralAnchor(rec.DataAnchor, oldSlotGapStart, oldSlotLogicalSize)
		if idx >= boundary {
			idx += delta
		}
		newAnchor := encodeStructuralAnchor(idx, newGapStart, newLogicalSize)
		if newAnchor != rec.DataAnchor {
			rec.DataAnchor = newAnchor
			t.groups.set(i, rec)
		}
	}
}

// invalidateAnchorsIn marks every anchor whose decoded index falls in
// [lo, hi) as invalid (removed), per spec.md §4.1 Writer.removeGroup.
func (t *SlotTable) invalidateAnchorsIn(lo, hi, gapStart, logicalSize int) {
	kept := t.anchors[:0]
	for _, a := range t.anchors {
		if !a.Valid() {
			continue
		}
		idx := decodeAnchorLocation(a.location, gapStart, logicalSize)
		if idx >= lo && idx < hi {
			a.location = invalidAnchorLocation
			continue
		}
		kept = append(kept, a)
	}
	t.anchors = kept
}
