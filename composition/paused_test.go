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
	"github.com/archlayer/recompose/rterrors"
	"github.com/archlayer/recompose/slottable"
)

// pausableComposer reports one invalid scope on its first call (as if a
// suspension point were hit mid-pass) and completes cleanly on the
// second, recording one node per call.
type pausableComposer struct {
	calls int
}

func (p *pausableComposer) Recompose(table *slottable.SlotTable, invalid []*composer.RecomposeScope, cl *changelist.ChangeList, cb composer.Callback) (bool, error) {
	p.calls++
	n := &applier.Node{Value: p.calls}
	cl.Record(changelist.OpInsertBottomUp, changelist.IntArg(0), changelist.NodeArg(n))
	if p.calls == 1 {
		cb.ReportPausedScope(&composer.RecomposeScope{Used: true, Valid: false})
	}
	return true, nil
}

type fakeRememberable struct{ abandoned *bool }

func (f fakeRememberable) OnRemembered() {}
func (f fakeRememberable) OnForgotten()  {}
func (f fakeRememberable) OnAbandoned()  { *f.abandoned = true }

func newPausableComposition(t *testing.T) (*Composition, *applier.Node, *pausableComposer) {
	t.Helper()
	cc := &pausableComposer{}
	root := &applier.Node{Value: "root"}
	app := applier.NewRecordingApplier(root, nil)
	c := New(cc, app, nil)
	return c, root, cc
}

func TestPausedCompositionResumeTwiceThenApply(t *testing.T) {
	c, root, _ := newPausableComposition(t)
	pc := c.SetPausableContent()
	if pc.State() != PausedInitialPending {
		t.Fatalf("State() = %v, want InitialPending", pc.State())
	}

	paused := false
	if err := pc.Resume(func() bool { paused = true; return true }); err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	if !paused {
		t.Fatal("shouldPause never invoked")
	}
	if pc.ReadyToApply() {
		t.Fatal("ReadyToApply true though a scope is still pending")
	}

	changed, err := c.Recompose()
	if err != nil {
		t.Fatalf("Recompose returned error: %v", err)
	}
	if changed {
		t.Fatal("Recompose reported a change while a paused composition owns the composer")
	}

	if err := pc.Resume(nil); err != nil {
		t.Fatalf("second Resume returned error: %v", err)
	}
	if !pc.ReadyToApply() {
		t.Fatal("ReadyToApply false after the pending scope resumed")
	}

	if err := pc.Apply(); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if len(root.Children) != 2 {
		t.Fatalf("root.Children = %v, want 2 applied nodes", root.Children)
	}
	if pc.State() != PausedApplied {
		t.Fatalf("State() = %v, want Applied", pc.State())
	}

	if _, err := c.Recompose(); err != nil {
		t.Fatalf("Recompose after Apply returned error: %v", err)
	}
}

func TestPausedCompositionCancelDispatchesAbandonsAndMarksInconsistent(t *testing.T) {
	c, _, _ := newPausableComposition(t)
	pc := c.SetPausableContent()

	var abandoned bool
	c.remember.Remember(fakeRememberable{abandoned: &abandoned})

	pc.Cancel()

	if !abandoned {
		t.Fatal("Cancel did not dispatch OnAbandoned for the pending remember")
	}
	if c.State() != StateInconsistent {
		t.Fatalf("State() = %v, want Inconsistent after Cancel", c.State())
	}
	if pc.State() != PausedCancelled {
		t.Fatalf("State() = %v, want Cancelled", pc.State())
	}
}

func TestPausedCompositionMisuseErrors(t *testing.T) {
	c, _, _ := newPausableComposition(t)
	pc := c.SetPausableContent()

	if err := pc.Apply(); !errors.Is(err, rterrors.ErrPausedMisuse) {
		t.Fatalf("Apply() before any Resume = %v, want ErrPausedMisuse", err)
	}

	if err := pc.Resume(func() bool { return true }); err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	if err := pc.Apply(); !errors.Is(err, rterrors.ErrPausedMisuse) {
		t.Fatalf("Apply() with a pending scope = %v, want ErrPausedMisuse", err)
	}

	if err := pc.Resume(nil); err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	if err := pc.Apply(); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if err := pc.Resume(nil); !errors.Is(err, rterrors.ErrPausedMisuse) {
		t.Fatalf("Resume() after Apply = %v, want ErrPausedMisuse", err)
	}
}
