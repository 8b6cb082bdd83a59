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
	"errors"
	"testing"

	"github.com/archlayer/recompose/rterrors"
)

func buildLinear(t *testing.T, table *SlotTable) {
	t.Helper()
	w, err := table.OpenWriter()
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w.Close()
	w.BeginInsert()
	for i := 0; i < 3; i++ {
		if _, err := w.StartGroup(GroupSpec{Key: int32(100 + i)}); err != nil {
			t.Fatalf("StartGroup: %v", err)
		}
		w.Write(i)
		if err := w.EndGroup(); err != nil {
			t.Fatalf("EndGroup: %v", err)
		}
	}
	w.EndInsert()
	if err := Verify(table); err != nil {
		t.Fatalf("Verify after build: %v", err)
	}
}

func TestWriterInsertAndRead(t *testing.T) {
	table := New()
	buildLinear(t, table)

	if table.GroupCount() != 3 {
		t.Fatalf("GroupCount = %d, want 3", table.GroupCount())
	}

	r, err := table.OpenReader()
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()
	keys := r.ExtractKeys()
	if len(keys) != 3 {
		t.Fatalf("ExtractKeys len = %d, want 3", len(keys))
	}
	for i, k := range keys {
		if k.Key != int32(100+i) {
			t.Errorf("keys[%d].Key = %d, want %d", i, k.Key, 100+i)
		}
	}
}

func TestWriterRemoveGroup(t *testing.T) {
	table := New()
	buildLinear(t, table)

	w, err := table.OpenWriter()
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	anchor := table.Anchor(0) // the group RemoveGroup removes
	if err := w.RemoveGroup(); err != nil {
		t.Fatalf("RemoveGroup: %v", err)
	}
	w.Close()

	if table.GroupCount() != 2 {
		t.Fatalf("GroupCount after remove = %d, want 2", table.GroupCount())
	}
	if anchor.Valid() {
		t.Errorf("anchor for removed group should be invalidated")
	}
	if err := Verify(table); err != nil {
		t.Fatalf("Verify after remove: %v", err)
	}
}

func TestAnchorSurvivesEarlierRemoval(t *testing.T) {
	table := New()
	buildLinear(t, table)
	anchor := table.Anchor(2) // the last group

	w, err := table.OpenWriter()
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if err := w.RemoveGroup(); err != nil { // removes group 0
		t.Fatalf("RemoveGroup: %v", err)
	}
	w.Close()

	if !anchor.Valid() {
		t.Fatalf("anchor should survive removal of an earlier sibling")
	}
	idx, ok := table.IndexFor(anchor)
	if !ok || idx != 1 {
		t.Fatalf("IndexFor = (%d, %v), want (1, true)", idx, ok)
	}
}

func TestNestedGroupsNodeCountAndSize(t *testing.T) {
	table := New()
	w, err := table.OpenWriter()
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	w.BeginInsert()
	if _, err := w.StartGroup(GroupSpec{Key: 1, IsNode: true, Node: "root"}); err != nil {
		t.Fatalf("StartGroup root: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := w.StartGroup(GroupSpec{Key: int32(10 + i), IsNode: true, Node: i}); err != nil {
			t.Fatalf("StartGroup child: %v", err)
		}
		if err := w.EndGroup(); err != nil {
			t.Fatalf("EndGroup child: %v", err)
		}
	}
	if err := w.EndGroup(); err != nil {
		t.Fatalf("EndGroup root: %v", err)
	}
	w.EndInsert()
	w.Close()

	if err := Verify(table); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	root := table.group(0)
	if root.Size != 3 {
		t.Errorf("root.Size = %d, want 3", root.Size)
	}
	if root.NodeCount() != 1 {
		t.Errorf("root.NodeCount() = %d, want 1 (root itself is a node)", root.NodeCount())
	}
}

func TestOpenWriterRejectsConcurrentAccess(t *testing.T) {
	table := New()
	w1, err := table.OpenWriter()
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	defer w1.Close()

	if _, err := table.OpenWriter(); !errors.Is(err, rterrors.ErrConcurrentMisuse) {
		t.Errorf("second OpenWriter error = %v, want ErrConcurrentMisuse", err)
	}
	if _, err := table.OpenReader(); !errors.Is(err, rterrors.ErrConcurrentMisuse) {
		t.Errorf("OpenReader while writer open = %v, want ErrConcurrentMisuse", err)
	}
}

func TestOpenWriterBlockedByOutstandingReader(t *testing.T) {
	table := New()
	buildLinear(t, table)

	r, err := table.OpenReader()
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	if _, err := table.OpenWriter(); !errors.Is(err, rterrors.ErrConcurrentMisuse) {
		t.Errorf("OpenWriter with outstanding reader = %v, want ErrConcurrentMisuse", err)
	}
	r.Close()

	w, err := table.OpenWriter()
	if err != nil {
		t.Fatalf("OpenWriter after reader closed: %v", err)
	}
	w.Close()
}

func TestReaderDetectsConcurrentModification(t *testing.T) {
	table := New()
	buildLinear(t, table)

	r, err := table.OpenReader()
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	r.Close()

	w, err := table.OpenWriter()
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	w.Close()

	if err := r.StartGroup(); !errors.Is(err, rterrors.ErrConcurrentMisuse) {
		t.Errorf("StartGroup on stale reader = %v, want ErrConcurrentMisuse", err)
	}
}

func TestMoveGroup(t *testing.T) {
	table := New()
	buildLinear(t, table)

	w, err := table.OpenWriter()
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if err := w.MoveGroup(2); err != nil { // move the third group to the front
		t.Fatalf("MoveGroup: %v", err)
	}
	w.Close()

	if err := Verify(table); err != nil {
		t.Fatalf("Verify after move: %v", err)
	}
	r, err := table.OpenReader()
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()
	keys := r.ExtractKeys()
	want := []int32{102, 100, 101}
	for i, k := range keys {
		if k.Key != want[i] {
			t.Errorf("keys[%d] = %d, want %d", i, k.Key, want[i])
		}
	}
}
