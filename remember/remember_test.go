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

package remember

import (
	"testing"

	"github.com/archlayer/recompose/retain"
)

// retainProbe implements RetainHolder, recording the order its four
// retain-lifecycle callbacks fire in.
type retainProbe struct {
	key    retain.RetainKey
	value  any
	events *[]string
}

func (p *retainProbe) OnRemembered() {}
func (p *retainProbe) OnForgotten()  {}
func (p *retainProbe) OnAbandoned()  {}

func (p *retainProbe) RetainKey() retain.RetainKey { return p.key }
func (p *retainProbe) Value() any                  { return p.value }
func (p *retainProbe) OnRetained()                 { *p.events = append(*p.events, "retained") }
func (p *retainProbe) OnEnteredComposition()       { *p.events = append(*p.events, "entered") }
func (p *retainProbe) OnExitedComposition()        { *p.events = append(*p.events, "exited") }
func (p *retainProbe) OnRetired()                  { *p.events = append(*p.events, "retired") }

func eqStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRetainHolderEnteringFiresRetainedOnceThenEntered(t *testing.T) {
	scope := retain.NewControlledRetainScope()
	d := New(nil, scope)
	var events []string
	h := &retainProbe{key: retain.HashRetainKey(1, "x"), value: "v", events: &events}

	d.Remember(h)
	d.Dispatch()
	if want := []string{"retained", "entered"}; !eqStrings(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}

	// a second remember pass for the same identity must not re-fire
	// OnRetained (spec.md §8.1 P10: "onRetained fires exactly once").
	d.Remember(h)
	d.Dispatch()
	if want := []string{"retained", "entered", "entered"}; !eqStrings(events, want) {
		t.Fatalf("events = %v, want %v (no second OnRetained)", events, want)
	}
}

func TestRetainHolderForgottenWhileKeepingBuffersValueForReuse(t *testing.T) {
	scope := retain.NewControlledRetainScope()
	d := New(nil, scope)
	var events []string
	key := retain.HashRetainKey(1, "x")
	h := &retainProbe{key: key, value: "payload", events: &events}

	d.Remember(h)
	d.Dispatch()

	scope.StartKeeping()
	d.Forget(h)
	d.Dispatch()
	if want := []string{"retained", "entered", "exited"}; !eqStrings(events, want) {
		t.Fatalf("events = %v, want %v (kept exit must not retire)", events, want)
	}

	computed := false
	got := scope.GetOrCompute(key, func() any { computed = true; return "recomputed" })
	if computed {
		t.Fatal("GetOrCompute invoked compute though the value was buffered by the kept forget")
	}
	if got != "payload" {
		t.Fatalf("GetOrCompute() = %v, want the buffered value", got)
	}
}

func TestRetainHolderForgottenWithoutKeepingRetiresImmediately(t *testing.T) {
	scope := retain.NewControlledRetainScope()
	d := New(nil, scope)
	var events []string
	h := &retainProbe{key: retain.HashRetainKey(1, "x"), value: "v", events: &events}

	d.Remember(h)
	d.Dispatch()
	d.Forget(h)
	d.Dispatch()

	if want := []string{"retained", "entered", "exited", "retired"}; !eqStrings(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

func TestRetainHolderAbandonedFiresOnlyRetired(t *testing.T) {
	d := New(nil, retain.NewControlledRetainScope())
	var events []string
	h := &retainProbe{key: retain.HashRetainKey(1, "x"), value: "v", events: &events}

	d.Abandon(h)
	d.DispatchAbandons()

	if want := []string{"retired"}; !eqStrings(events, want) {
		t.Fatalf("events = %v, want %v (abandoned fires onRetired alone, never onExitedComposition)", events, want)
	}
}

type probe struct {
	name       string
	rememberAt *[]string
	forgetAt   *[]string
	abandonAt  *[]string
}

func (p probe) OnRemembered() { *p.rememberAt = append(*p.rememberAt, p.name) }
func (p probe) OnForgotten()  { *p.forgetAt = append(*p.forgetAt, p.name) }
func (p probe) OnAbandoned() {
	if p.abandonAt != nil {
		*p.abandonAt = append(*p.abandonAt, p.name)
	}
}

func TestDispatchOrdering(t *testing.T) {
	var remembered, forgotten, effects []string
	d := New(nil, nil)

	outer := probe{name: "outer", rememberAt: &remembered, forgetAt: &forgotten}
	inner := probe{name: "inner", rememberAt: &remembered, forgetAt: &forgotten}

	d.Remember(outer)
	d.Remember(inner)
	d.Forget(outer)
	d.Forget(inner)
	d.Effect(func() { effects = append(effects, "e1") })
	d.Effect(func() { effects = append(effects, "e2") })

	d.Dispatch()

	if got := remembered; len(got) != 2 || got[0] != "outer" || got[1] != "inner" {
		t.Fatalf("remembered order = %v, want [outer inner] (FIFO)", got)
	}
	if got := forgotten; len(got) != 2 || got[0] != "inner" || got[1] != "outer" {
		t.Fatalf("forgotten order = %v, want [inner outer] (LIFO)", got)
	}
	if got := effects; len(got) != 2 || got[0] != "e1" || got[1] != "e2" {
		t.Fatalf("effects order = %v, want [e1 e2] (FIFO, after remember/forget)", got)
	}
}

func TestDispatchResetsQueues(t *testing.T) {
	var remembered, forgotten []string
	d := New(nil, nil)
	d.Remember(probe{name: "a", rememberAt: &remembered, forgetAt: &forgotten})
	d.Dispatch()

	remembered = nil
	d.Dispatch() // nothing queued the second time
	if len(remembered) != 0 {
		t.Fatalf("second Dispatch() re-fired stale callbacks: %v", remembered)
	}
}

func TestAbandonDoesNotFireDuringDispatch(t *testing.T) {
	var remembered, forgotten, abandoned []string
	d := New(nil, nil)
	d.Abandon(probe{name: "leaked", rememberAt: &remembered, forgetAt: &forgotten, abandonAt: &abandoned})
	d.Dispatch()

	if len(abandoned) != 0 {
		t.Fatalf("abandoned = %v, want none (Dispatch must not flush abandons; see DispatchAbandons)", abandoned)
	}
}

func TestDispatchAbandonsFiresOnAbandoned(t *testing.T) {
	var remembered, forgotten, abandoned []string
	d := New(nil, nil)
	d.Abandon(probe{name: "leaked", rememberAt: &remembered, forgetAt: &forgotten, abandonAt: &abandoned})
	d.DispatchAbandons()

	if len(abandoned) != 1 || abandoned[0] != "leaked" {
		t.Fatalf("abandoned = %v, want [leaked]", abandoned)
	}
	if len(remembered) != 0 || len(forgotten) != 0 {
		t.Fatal("remembered/forgotten fired for an abandoned value, want neither (onAbandoned is distinct)")
	}
}

func TestResetWithoutDispatchDropsQueues(t *testing.T) {
	var remembered, forgotten []string
	d := New(nil, nil)
	d.Remember(probe{name: "a", rememberAt: &remembered, forgetAt: &forgotten})
	d.Effect(func() { t.Fatal("effect ran after Reset discarded the pass") })
	d.Reset()
	d.Dispatch()

	if len(remembered) != 0 {
		t.Fatalf("remembered = %v, want none (Reset must discard the queued remember)", remembered)
	}
}

func TestCallbackPanicDoesNotStopDispatch(t *testing.T) {
	var remembered, forgotten []string
	d := New(nil, nil)
	d.Remember(panicProbe{})
	d.Remember(probe{name: "after-panic", rememberAt: &remembered, forgetAt: &forgotten})
	d.Dispatch() // must not panic out of the test

	if len(remembered) != 1 || remembered[0] != "after-panic" {
		t.Fatalf("remembered = %v, want [after-panic] (dispatch continues past a panicking callback)", remembered)
	}
}

type panicProbe struct{}

func (panicProbe) OnRemembered() { panic("boom") }
func (panicProbe) OnForgotten()  {}
func (panicProbe) OnAbandoned()  {}

func TestExtractRememberSetIsDefensiveCopy(t *testing.T) {
	var remembered, forgotten []string
	d := New(nil, nil)
	d.Remember(probe{name: "a", rememberAt: &remembered, forgetAt: &forgotten})

	got := d.ExtractRememberSet()
	if len(got) != 1 {
		t.Fatalf("ExtractRememberSet() len = %d, want 1", len(got))
	}
	got[0] = probe{name: "mutated", rememberAt: &remembered, forgetAt: &forgotten}

	d.Dispatch()
	if len(remembered) != 1 || remembered[0] != "a" {
		t.Fatalf("remembered = %v, want [a] (mutating the extracted copy must not affect dispatch)", remembered)
	}
}
