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

// Package snapshotapi is a concrete reference implementation of the
// opaque Snapshot system contract spec.md §6.3 requires the core to
// treat as an external collaborator. The core only needs
// takeMutableSnapshot/registerApplyObserver/sendApplyNotifications/
// notifyObjectsInitialized/withMutableSnapshot; this package gives
// cmd/recompose-demo and the recomposer package tests something real
// to drive without pulling in a full snapshot-state-record engine
// (explicitly out of scope, spec.md §6.3).
package snapshotapi

import (
	"sync"

	"github.com/google/uuid"

	"github.com/archlayer/recompose/internal/idset"
)

// Result is the outcome of applying a MutableSnapshot.
type Result int

const (
	Success Result = iota
	Failure
)

// ApplyObserver is notified after a snapshot's changes are applied,
// receiving the set of objects that changed.
type ApplyObserver func(changed []any)

// ObserverHandle disposes a registered ApplyObserver.
type ObserverHandle struct {
	id uuid.UUID
	s  *System
}

func (h ObserverHandle) Dispose() {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	delete(h.s.observers, h.id)
}

// MutableSnapshot is a transparent recording scope: writes performed
// inside Enter are buffered until Apply commits them.
type MutableSnapshot struct {
	sys     *System
	id      int
	written []any
	open    bool
}

// Enter runs block with this snapshot active, recording every write
// reported via the System's global write-observer callback.
func (s *MutableSnapshot) Enter(block func()) {
	s.open = true
	prev := s.sys.swapCurrentWriter(s.record)
	defer s.sys.swapCurrentWriter(prev)
	block()
}

func (s *MutableSnapshot) record(v any) {
	s.written = append(s.written, v)
}

// Apply commits the snapshot's writes, notifying every registered
// ApplyObserver synchronously.
func (s *MutableSnapshot) Apply() Result {
	if !s.open {
		return Failure
	}
	s.open = false
	s.sys.closeSnapshot(s.id)
	changed := s.written
	s.sys.mu.Lock()
	observers := make([]ApplyObserver, 0, len(s.sys.observers))
	for _, fn := range s.sys.observers {
		observers = append(observers, fn)
	}
	s.sys.mu.Unlock()
	for _, fn := range observers {
		fn(changed)
	}
	return Success
}

// System is a self-contained Snapshot system instance. A single
// process-wide instance is typical (spec.md §9 "global mutable state"),
// but tests construct independent instances for isolation.
type System struct {
	mu            sync.Mutex
	observers     map[uuid.UUID]ApplyObserver
	currentWriter func(v any)
	pendingNotify []func()

	nextSnapshotID int
	openSnapshots  *idset.Set
}

// NewSystem returns an empty snapshot system.
func NewSystem() *System {
	return &System{
		observers:     make(map[uuid.UUID]ApplyObserver),
		openSnapshots: idset.NewSet(),
	}
}

// OpenSnapshotCount reports how many MutableSnapshots have been taken
// but not yet applied, entered or not, letting a host decide whether it is safe
// to rebase or garbage-collect snapshot-keyed state.
func (s *System) OpenSnapshotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openSnapshots.Count()
}

func (s *System) closeSnapshot(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openSnapshots.Remove(id)
}

func (s *System) swapCurrentWriter(fn func(v any)) func(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.currentWriter
	s.currentWriter = fn
	return prev
}

// RecordWrite reports a write to v under whatever MutableSnapshot is
// currently entered, if any. Outside any snapshot this is a no-op
// (equivalent to an implicit always-applied global snapshot).
func (s *System) RecordWrite(v any) {
	s.mu.Lock()
	w := s.currentWriter
	s.mu.Unlock()
	if w != nil {
		w(v)
	}
}

// TakeMutableSnapshot begins a new recording scope. readObserver and
// writeObserver are accepted for interface compatibility with the
// Compose-style contract and are ignored; writes reach the snapshot
// only through RecordWrite while it is entered.
func (s *System) TakeMutableSnapshot(readObserver, writeObserver func(v any)) *MutableSnapshot {
	s.mu.Lock()
	id := s.nextSnapshotID
	s.nextSnapshotID++
	s.openSnapshots.Add(id)
	s.mu.Unlock()
	return &MutableSnapshot{sys: s, id: id}
}

// RegisterApplyObserver registers fn to run after every future Apply.
func (s *System) RegisterApplyObserver(fn ApplyObserver) ObserverHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.observers[id] = fn
	return ObserverHandle{id: id, s: s}
}

// SendApplyNotifications fires every registered observer with an empty
// changed set, used to force a recomposer's invalidation-draining path
// to run even when no snapshot write actually occurred (spec.md §4.7
// main loop, "Snapshot.sendApplyNotifications()").
func (s *System) SendApplyNotifications() {
	s.mu.Lock()
	observers := make([]ApplyObserver, 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()
	for _, fn := range observers {
		fn(nil)
	}
}

// NotifyObjectsInitialized flushes any state-object initialization
// queued during this frame. The core treats this as opaque; this
// reference implementation has nothing to flush but keeps the call
// site real for callers that parallel the teacher's explicit two-phase
// frame lifecycle.
func (s *System) NotifyObjectsInitialized() {}

// WithMutableSnapshot runs block inside a fresh MutableSnapshot and
// applies it afterward, returning the Result.
func (s *System) WithMutableSnapshot(block func()) Result {
	snap := s.TakeMutableSnapshot(nil, nil)
	snap.Enter(block)
	return snap.Apply()
}
