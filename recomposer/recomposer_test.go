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

package recomposer

import (
	"errors"
	"testing"

	"github.com/archlayer/recompose/applier"
	"github.com/archlayer/recompose/changelist"
	"github.com/archlayer/recompose/composer"
	"github.com/archlayer/recompose/composition"
	"github.com/archlayer/recompose/slottable"
)

type manualClock struct{}

func (manualClock) WithFrameNanos(func(int64)) {}

type countingComposer struct {
	runs int
	fail error
}

func (c *countingComposer) Recompose(table *slottable.SlotTable, invalid []*composer.RecomposeScope, cl *changelist.ChangeList, cb composer.Callback) (bool, error) {
	c.runs++
	if c.fail != nil {
		return false, c.fail
	}
	n := &applier.Node{Value: c.runs}
	cl.Record(changelist.OpInsertBottomUp, changelist.IntArg(0), changelist.NodeArg(n))
	return true, nil
}

func newTestSetup(t *testing.T, fail error) (*Recomposer, *composition.Composition, *applier.Node, *countingComposer) {
	t.Helper()
	root := &applier.Node{Value: "root"}
	app := applier.NewRecordingApplier(root, nil)
	cc := &countingComposer{fail: fail}
	c := composition.New(cc, app, nil)
	r := New(manualClock{}, nil, nil)
	return r, c, root, cc
}

func TestNewIsInactive(t *testing.T) {
	r := New(manualClock{}, nil, nil)
	if r.State() != Inactive {
		t.Fatalf("State() = %v, want Inactive", r.State())
	}
}

func TestAddCompositionInvalidatesImmediately(t *testing.T) {
	r, c, _, cc := newTestSetup(t, nil)
	r.AddComposition(c)
	r.Start()
	defer r.Close()

	if err := r.RunOnce(0); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if cc.runs != 1 {
		t.Fatalf("composer ran %d times on the first frame, want 1", cc.runs)
	}
}

func TestScheduleCompositionTransitionsToPendingWork(t *testing.T) {
	r, c, _, _ := newTestSetup(t, nil)
	r.AddComposition(c)
	r.Start()
	defer r.Close()

	// drain the initial AddComposition invalidation first.
	if err := r.RunOnce(0); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	r.ScheduleComposition(c)
	if got := r.State(); got != PendingWork {
		t.Fatalf("State() after ScheduleComposition = %v, want PendingWork", got)
	}
}

func TestRemoveCompositionFiltersStaleInvalidation(t *testing.T) {
	r, c, _, cc := newTestSetup(t, nil)
	r.AddComposition(c)
	r.RemoveComposition(c)
	r.Start()
	defer r.Close()

	if err := r.RunOnce(0); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if cc.runs != 0 {
		t.Fatalf("composer ran %d times for a removed composition, want 0", cc.runs)
	}
}

func TestRunOnceAppliesChangesToApplier(t *testing.T) {
	r, c, root, _ := newTestSetup(t, nil)
	r.AddComposition(c)
	r.Start()
	defer r.Close()

	if err := r.RunOnce(0); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if len(root.Children) != 1 {
		t.Fatalf("root.Children = %v, want one applied child", root.Children)
	}
}

func TestRunOnceRecordsComposerError(t *testing.T) {
	wantCause := errors.New("composer exploded")
	r, c, _, _ := newTestSetup(t, wantCause)
	r.AddComposition(c)
	r.Start()
	defer r.Close()

	err := r.RunOnce(0)
	if err == nil {
		t.Fatal("RunOnce returned nil error for a failing composer")
	}

	errState := r.ErrorState()
	if errState == nil {
		t.Fatal("ErrorState() is nil after a composer error")
	}
	if errState.Recoverable {
		t.Fatal("ErrorState().Recoverable = true, want false (composer errors are not recoverable)")
	}
}

func TestDeriveStateIdleWhenNoWork(t *testing.T) {
	r, c, _, _ := newTestSetup(t, nil)
	r.AddComposition(c)
	r.Start()
	defer r.Close()

	if err := r.RunOnce(0); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	// RunOnce drains the invalidation queue without itself refreshing
	// r.state (only ScheduleComposition/Start/recordError and the apply
	// observer do); recompute it the same way AwaitWorkAvailable would.
	r.mu.Lock()
	got := r.deriveStateLocked()
	r.mu.Unlock()
	if got != Idle {
		t.Fatalf("deriveStateLocked() after draining all work = %v, want Idle", got)
	}
}

func TestCloseTransitionsToShutDown(t *testing.T) {
	r, c, _, _ := newTestSetup(t, nil)
	r.AddComposition(c)
	r.Start()
	r.Close()

	if got := r.State(); got != ShutDown {
		t.Fatalf("State() after Close = %v, want ShutDown", got)
	}
}

func TestCancelTransitionsToShutDown(t *testing.T) {
	r, c, _, _ := newTestSetup(t, nil)
	r.AddComposition(c)
	r.Start()
	r.Cancel()

	if got := r.State(); got != ShutDown {
		t.Fatalf("State() after Cancel = %v, want ShutDown", got)
	}
}

func TestSchedulerStateString(t *testing.T) {
	if PendingWork.String() != "PendingWork" {
		t.Fatalf("PendingWork.String() = %q, want %q", PendingWork.String(), "PendingWork")
	}
	if SchedulerState(99).String() != "Unknown" {
		t.Fatalf("unknown state String() = %q, want %q", SchedulerState(99).String(), "Unknown")
	}
}
