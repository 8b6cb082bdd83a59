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

// Package retain implements the RetainScope family of spec.md §4.5: a
// counted "keeping" state that, when active, buffers the value a group
// computed right before it disappeared from a composition pass so an
// identically-keyed group reappearing later reuses it instead of
// recomputing, plus the onRetained/onEnteredComposition/
// onExitedComposition/onRetired lifecycle that drives a held value
// through that round trip.
package retain

import (
	"encoding/binary"
	"sync"

	"github.com/dchest/siphash"
)

// hashKey0/hashKey1 are the fixed siphash key pair HashRetainKey hashes
// every (key, objectKey) pair with, so equal inputs give equal
// RetainKeys across runs.
var hashKey0, hashKey1 uint64 = 0x9ae16a3b2f90404f, 0xc949d7c7509e6557

// RetainKey is a stable, collision-resistant fingerprint of a (key,
// objectKey) pair, used to recognize "the same
// logical group reappeared elsewhere" across a recomposition.
type RetainKey uint64

// HashRetainKey derives a RetainKey from a structural key and an
// optional object key's string form.
func HashRetainKey(key int32, objectKey string) RetainKey {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[:4], uint32(key))
	binary.LittleEndian.PutUint64(buf[4:], uint64(len(objectKey)))
	h := siphash.Hash(hashKey0, hashKey1, buf[:])
	if objectKey != "" {
		h ^= siphash.Hash(hashKey0, hashKey1, []byte(objectKey))
	}
	return RetainKey(h)
}

// Scope is the value-storage and keeping-state contract of spec.md
// §4.5. While the scope is "keeping" (a counted state: StartKeeping/
// StopKeeping), a group that exits composition has its value buffered
// under its RetainKey instead of torn down, and a later GetOrCompute
// call with the same key returns that exact buffered value — identity-
// equal to what was saved — instead of invoking its compute function.
type Scope interface {
	// StartKeeping/StopKeeping manage the counted keeping window: while
	// the count is above zero, ShouldKeepExiting reports true and
	// Save/GetOrCompute participate in the buffering round trip.
	StartKeeping()
	StopKeeping()

	// ShouldKeepExiting reports whether a group absent from the new
	// pass should have its value buffered (via Save) rather than
	// immediately retired.
	ShouldKeepExiting(key RetainKey) bool

	// Save buffers v under key, called by a holder's onForgotten
	// handling when ShouldKeepExiting(key) is true.
	Save(key RetainKey, v any)

	// GetOrCompute returns the value buffered under key if Save was
	// called for it since the last GetOrCompute, removing it from the
	// buffer; otherwise it invokes compute and returns the fresh value.
	GetOrCompute(key RetainKey, compute func() any) any

	// SetParentRetainStateProvider makes this scope fall back to
	// parent's keeping state when this scope's own counter is zero, so
	// a nested scope inherits an ancestor's keep window (spec.md §4.5
	// "owner changes re-adopt... at the next composition step").
	SetParentRetainStateProvider(parent Scope)
}

// Forgetful is the default Scope: the keeping window never opens,
// nothing is ever buffered, GetOrCompute always computes fresh.
type Forgetful struct{}

func (Forgetful) StartKeeping()                         {}
func (Forgetful) StopKeeping()                           {}
func (Forgetful) ShouldKeepExiting(RetainKey) bool       { return false }
func (Forgetful) Save(RetainKey, any)                    {}
func (Forgetful) GetOrCompute(_ RetainKey, compute func() any) any { return compute() }
func (Forgetful) SetParentRetainStateProvider(Scope)     {}

// AlwaysKeepExitedValues reports the keeping window as permanently open
// but is a provider only: it holds no storage of its own, so
// Save/GetOrCompute behave as if nothing were ever buffered. It exists
// so a real storage-backed Scope can parent itself to one and inherit
// "always keeping" without every Forgetful leaf needing to know that
// (spec.md §4.5 "stateless" keep-state providers).
type AlwaysKeepExitedValues struct{}

func (AlwaysKeepExitedValues) StartKeeping()                   {}
func (AlwaysKeepExitedValues) StopKeeping()                    {}
func (AlwaysKeepExitedValues) ShouldKeepExiting(RetainKey) bool { return true }
func (AlwaysKeepExitedValues) Save(RetainKey, any)              {}
func (AlwaysKeepExitedValues) GetOrCompute(_ RetainKey, compute func() any) any {
	return compute()
}
func (AlwaysKeepExitedValues) SetParentRetainStateProvider(Scope) {}

// ControlledRetainScope is the real storage-backed Scope: a counted
// keeping window plus a map from RetainKey to the value most recently
// saved under it, with optional parent delegation for the keeping
// decision (spec.md §4.5's "counted keeping state... can be parented").
type ControlledRetainScope struct {
	mu        sync.Mutex
	keepCount int
	saved     map[RetainKey]any
	parent    Scope
}

// NewControlledRetainScope returns a ControlledRetainScope with an empty
// keeping count and no buffered values.
func NewControlledRetainScope() *ControlledRetainScope {
	return &ControlledRetainScope{saved: make(map[RetainKey]any)}
}

// StartKeeping opens the keeping window (counted: nested opens require
// matching StopKeeping calls to fully close it again).
func (s *ControlledRetainScope) StartKeeping() {
	s.mu.Lock()
	s.keepCount++
	s.mu.Unlock()
}

// StopKeeping closes one level of the keeping window.
func (s *ControlledRetainScope) StopKeeping() {
	s.mu.Lock()
	if s.keepCount > 0 {
		s.keepCount--
	}
	s.mu.Unlock()
}

// SetParentRetainStateProvider makes ShouldKeepExiting fall back to
// parent's keeping state whenever this scope's own counter is zero.
func (s *ControlledRetainScope) SetParentRetainStateProvider(parent Scope) {
	s.mu.Lock()
	s.parent = parent
	s.mu.Unlock()
}

func (s *ControlledRetainScope) ShouldKeepExiting(key RetainKey) bool {
	s.mu.Lock()
	keeping := s.keepCount > 0
	parent := s.parent
	s.mu.Unlock()
	if keeping {
		return true
	}
	if parent != nil {
		return parent.ShouldKeepExiting(key)
	}
	return false
}

// Save buffers v under key for a later GetOrCompute to reclaim.
func (s *ControlledRetainScope) Save(key RetainKey, v any) {
	s.mu.Lock()
	s.saved[key] = v
	s.mu.Unlock()
}

// GetOrCompute returns and clears the value buffered under key, or
// invokes compute if nothing was buffered.
func (s *ControlledRetainScope) GetOrCompute(key RetainKey, compute func() any) any {
	s.mu.Lock()
	v, ok := s.saved[key]
	if ok {
		delete(s.saved, key)
	}
	s.mu.Unlock()
	if ok {
		return v
	}
	return compute()
}

// Holder is the lifecycle a retained value exposes so a remember
// dispatcher (remember.RetainHolder) can drive it through spec.md
// §4.5's four steps: onRemembered fires OnRetained (once per identity)
// then OnEnteredComposition; onForgotten fires OnExitedComposition and,
// unless the owning Scope is keeping, OnRetired; onAbandoned fires
// OnRetired alone.
type Holder interface {
	RetainKey() RetainKey
	Value() any
	OnRetained()
	OnEnteredComposition()
	OnExitedComposition()
	OnRetired()
}
