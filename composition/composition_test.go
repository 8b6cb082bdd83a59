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

package composition

import (
	"errors"
	"testing"

	"github.com/archlayer/recompose/applier"
	"github.com/archlayer/recompose/changelist"
	"github.com/archlayer/recompose/composer"
	"github.com/archlayer/recompose/slottable"
)

type fakeComposer struct {
	recomposeFn func(table *slottable.SlotTable, invalid []*composer.RecomposeScope, cl *changelist.ChangeList, cb composer.Callback) (bool, error)
	calls       int
}

func (f *fakeComposer) Recompose(table *slottable.SlotTable, invalid []*composer.RecomposeScope, cl *changelist.ChangeList, cb composer.Callback) (bool, error) {
	f.calls++
	if f.recomposeFn == nil {
		return false, nil
	}
	return f.recomposeFn(table, invalid, cl, cb)
}

type fakeScheduler struct {
	scheduled []*Composition
}

func (s *fakeScheduler) ScheduleComposition(c *Composition) {
	s.scheduled = append(s.scheduled, c)
}

func newTestComposition(fc *fakeComposer) (*Composition, *applier.Node) {
	root := &applier.Node{Value: "root"}
	app := applier.NewRecordingApplier(root, nil)
	return New(fc, app, nil), root
}

func TestNewStartsRunning(t *testing.T) {
	c, _ := newTestComposition(&fakeComposer{})
	if c.State() != StateRunning {
		t.Fatalf("State() = %v, want Running", c.State())
	}
}

func TestRecomposeInvokesComposer(t *testing.T) {
	fc := &fakeComposer{}
	c, _ := newTestComposition(fc)
	changed, err := c.Recompose()
	if err != nil {
		t.Fatalf("Recompose returned error: %v", err)
	}
	if changed {
		t.Fatal("Recompose reported changed=true for a no-op composer")
	}
	if fc.calls != 1 {
		t.Fatalf("composer called %d times, want 1", fc.calls)
	}
}

func TestRecomposeOnDisposedIsError(t *testing.T) {
	c, _ := newTestComposition(&fakeComposer{})
	if err := c.Dispose(); err != nil {
		t.Fatalf("Dispose returned error: %v", err)
	}
	if _, err := c.Recompose(); err == nil {
		t.Fatal("Recompose on a disposed composition returned nil error")
	}
}

func TestRecomposePropagatesComposerError(t *testing.T) {
	wantCause := errors.New("boom")
	fc := &fakeComposer{recomposeFn: func(*slottable.SlotTable, []*composer.RecomposeScope, *changelist.ChangeList, composer.Callback) (bool, error) {
		return false, wantCause
	}}
	c, _ := newTestComposition(fc)

	_, err := c.Recompose()
	if err == nil {
		t.Fatal("Recompose returned nil error for a failing composer")
	}
	if !errors.Is(err, wantCause) {
		t.Fatalf("Recompose error = %v, want it to wrap %v", err, wantCause)
	}
	if c.State() != StateInconsistent {
		t.Fatalf("State() after composer error = %v, want Inconsistent", c.State())
	}
}

func TestRecordModificationsOfAccumulatesAcrossFrames(t *testing.T) {
	c, _ := newTestComposition(&fakeComposer{})
	c.RecordModificationsOf([]any{"a"})
	c.RecordModificationsOf([]any{"b", "c"})

	drained := c.drainPending()
	got := map[any]bool{}
	for _, v := range drained {
		got[v] = true
	}
	for _, want := range []any{"a", "b", "c"} {
		if !got[want] {
			t.Fatalf("drainPending() = %v, missing %v", drained, want)
		}
	}

	if more := c.drainPending(); len(more) != 0 {
		t.Fatalf("second drainPending() = %v, want empty (slot reset)", more)
	}
}

func TestRecordModificationsOfEmptyIsNoop(t *testing.T) {
	c, _ := newTestComposition(&fakeComposer{})
	c.RecordModificationsOf(nil)
	if got := c.drainPending(); got != nil {
		t.Fatalf("drainPending() = %v, want nil after recording zero values", got)
	}
}

func TestInvalidateIgnoresNilAndUnusedScope(t *testing.T) {
	c, _ := newTestComposition(&fakeComposer{})
	if got := c.Invalidate(nil, nil); got != Ignored {
		t.Fatalf("Invalidate(nil) = %v, want Ignored", got)
	}
	unused := &composer.RecomposeScope{Valid: true, Used: false}
	if got := c.Invalidate(unused, nil); got != Ignored {
		t.Fatalf("Invalidate(unused scope) = %v, want Ignored", got)
	}
}

func TestInvalidateSchedulesWhenSchedulerSet(t *testing.T) {
	c, _ := newTestComposition(&fakeComposer{})
	sched := &fakeScheduler{}
	c.SetScheduler(sched)

	scope := &composer.RecomposeScope{Valid: true, Used: true}
	got := c.Invalidate(scope, nil)
	if got != Scheduled {
		t.Fatalf("Invalidate() = %v, want Scheduled", got)
	}
	if scope.Valid {
		t.Fatal("Invalidate did not clear scope.Valid")
	}
	if len(sched.scheduled) != 1 || sched.scheduled[0] != c {
		t.Fatalf("scheduler.scheduled = %v, want [c]", sched.scheduled)
	}
}

func TestInvalidateDeferredWithoutScheduler(t *testing.T) {
	c, _ := newTestComposition(&fakeComposer{})
	scope := &composer.RecomposeScope{Valid: true, Used: true}
	if got := c.Invalidate(scope, nil); got != Deferred {
		t.Fatalf("Invalidate() = %v, want Deferred", got)
	}
}

func TestInvalidateFollowsRedirect(t *testing.T) {
	c, _ := newTestComposition(&fakeComposer{})
	target := &composer.RecomposeScope{Valid: true, Used: true}
	redirect := &composer.RecomposeScope{Valid: true, Used: true, RedirectTo: target}

	c.Invalidate(redirect, nil)

	if !redirect.Valid {
		t.Fatal("redirecting scope's own Valid changed, want untouched")
	}
	if target.Valid {
		t.Fatal("Invalidate did not propagate through RedirectTo")
	}
}

func TestApplyChangesDrainsChangeList(t *testing.T) {
	fc := &fakeComposer{recomposeFn: func(_ *slottable.SlotTable, _ []*composer.RecomposeScope, cl *changelist.ChangeList, _ composer.Callback) (bool, error) {
		child := &applier.Node{Value: "child"}
		cl.Record(changelist.OpInsertBottomUp, changelist.IntArg(0), changelist.NodeArg(child))
		return true, nil
	}}
	c, root := newTestComposition(fc)

	if _, err := c.Recompose(); err != nil {
		t.Fatalf("Recompose returned error: %v", err)
	}
	if err := c.ApplyChanges(); err != nil {
		t.Fatalf("ApplyChanges returned error: %v", err)
	}
	if len(root.Children) != 1 || root.Children[0].Value != "child" {
		t.Fatalf("root.Children = %v, want one child node", root.Children)
	}
}

func TestInvalidateGroupsWithKeyBashesMatchingGroups(t *testing.T) {
	const targetKey int32 = 7
	built := false
	fc := &fakeComposer{recomposeFn: func(table *slottable.SlotTable, _ []*composer.RecomposeScope, _ *changelist.ChangeList, _ composer.Callback) (bool, error) {
		if built {
			return false, nil
		}
		w, err := table.OpenWriter()
		if err != nil {
			return false, err
		}
		defer w.Close()
		w.BeginInsert()
		defer w.EndInsert()
		if _, err := w.StartGroup(slottable.GroupSpec{Key: targetKey}); err != nil {
			return false, err
		}
		if err := w.EndGroup(); err != nil {
			return false, err
		}
		if _, err := w.StartGroup(slottable.GroupSpec{Key: 99}); err != nil {
			return false, err
		}
		if err := w.EndGroup(); err != nil {
			return false, err
		}
		built = true
		return true, nil
	}}
	c, _ := newTestComposition(fc)
	if _, err := c.Recompose(); err != nil {
		t.Fatalf("Recompose returned error: %v", err)
	}

	n, err := c.InvalidateGroupsWithKey(targetKey)
	if err != nil {
		t.Fatalf("InvalidateGroupsWithKey returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("InvalidateGroupsWithKey() = %d, want 1", n)
	}

	r, err := c.table.OpenReader()
	if err != nil {
		t.Fatalf("OpenReader returned error: %v", err)
	}
	defer r.Close()
	if got := r.GroupKey(0); got != slottable.LiveEditInvalidKey {
		t.Fatalf("GroupKey(0) = %d, want LiveEditInvalidKey (%d)", got, slottable.LiveEditInvalidKey)
	}
	if got := r.GroupKey(1); got != 99 {
		t.Fatalf("GroupKey(1) = %d, want untouched (99)", got)
	}
}

func TestDeactivateReactivate(t *testing.T) {
	c, _ := newTestComposition(&fakeComposer{})
	c.Deactivate()
	if c.State() != StateDeactivated {
		t.Fatalf("State() after Deactivate = %v, want Deactivated", c.State())
	}
	c.Reactivate()
	if c.State() != StateRunning {
		t.Fatalf("State() after Reactivate = %v, want Running", c.State())
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	c, _ := newTestComposition(&fakeComposer{})
	if err := c.Dispose(); err != nil {
		t.Fatalf("first Dispose returned error: %v", err)
	}
	if err := c.Dispose(); err != nil {
		t.Fatalf("second Dispose returned error: %v", err)
	}
	if c.State() != StateDisposed {
		t.Fatalf("State() = %v, want Disposed", c.State())
	}
}
