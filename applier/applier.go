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

// Package applier implements the Applier contract and a
// RecordingApplier reference implementation of spec.md §5.3: the
// consumer side of a changelist.ChangeList, responsible for mutating an
// external node tree in response to drained VM instructions.
package applier

import (
	"fmt"

	"github.com/archlayer/recompose/changelist"
	"github.com/archlayer/recompose/rterrors"
	"go.uber.org/zap"
)

// RecomposePending is the sentinel an Applier.Current() returns while a
// node tree mutation is still being assembled and not yet safe to read
// (spec.md §5.3 "RECOMPOSE_PENDING").
type recomposePending struct{}

var RecomposePending = recomposePending{}

// Applier is the destination of one ChangeList's drained instructions:
// an adapter between the operations VM and whatever real node/widget
// tree the host platform maintains.
type Applier interface {
	// Current returns the node the VM considers "current" (the
	// down-stack top), or RecomposePending if no node has been
	// established yet.
	Current() any
	Down(node any)
	Up()
	InsertTopDown(index int, node any)
	InsertBottomUp(index int, node any)
	Remove(index, count int)
	Move(from, to, count int)
	Update(node any, fn func() error) error
}

// RecordingApplier is a reference Applier that mutates a plain
// in-memory slice-of-children tree (applier.Node), used by tests and by
// cmd/recompose-demo in place of a real UI toolkit binding.
type RecordingApplier struct {
	log   *zap.Logger
	stack []*Node
	root  *Node
}

// Node is the minimal node shape RecordingApplier mutates: an opaque
// value plus an ordered list of children.
type Node struct {
	Value    any
	Children []*Node
}

// NewRecordingApplier returns an Applier rooted at root.
func NewRecordingApplier(root *Node, log *zap.Logger) *RecordingApplier {
	if log == nil {
		log = zap.NewNop()
	}
	return &RecordingApplier{log: log, root: root, stack: []*Node{root}}
}

func (a *RecordingApplier) Current() any {
	if len(a.stack) == 0 {
		return RecomposePending
	}
	return a.stack[len(a.stack)-1]
}

func (a *RecordingApplier) top() *Node { return a.stack[len(a.stack)-1] }

func (a *RecordingApplier) Down(node any) {
	n, ok := node.(*Node)
	if !ok {
		a.log.DPanic("applier: Down called with non-*Node value", zap.Any("value", node))
		return
	}
	a.stack = append(a.stack, n)
}

func (a *RecordingApplier) Up() {
	if len(a.stack) <= 1 {
		a.log.DPanic("applier: Up called at root")
		return
	}
	a.stack = a.stack[:len(a.stack)-1]
}

func (a *RecordingApplier) InsertTopDown(index int, node any) {
	n := node.(*Node)
	top := a.top()
	top.Children = insertChild(top.Children, index, n)
}

func (a *RecordingApplier) InsertBottomUp(index int, node any) {
	// the teacher's VM distinguishes top-down/bottom-up insertion only
	// to choose whether descendants are already materialized; this
	// reference tree has no lazy materialization, so both paths insert
	// identically.
	a.InsertTopDown(index, node)
}

func (a *RecordingApplier) Remove(index, count int) {
	top := a.top()
	top.Children = append(top.Children[:index], top.Children[index+count:]...)
}

func (a *RecordingApplier) Move(from, to, count int) {
	top := a.top()
	moved := append([]*Node{}, top.Children[from:from+count]...)
	rest := append(top.Children[:from:from], top.Children[from+count:]...)
	if to > from {
		to -= count
	}
	out := make([]*Node, 0, len(top.Children))
	out = append(out, rest[:to]...)
	out = append(out, moved...)
	out = append(out, rest[to:]...)
	top.Children = out
}

func (a *RecordingApplier) Update(node any, fn func() error) error {
	if err := fn(); err != nil {
		return &rterrors.UserCodeError{Operation: "Applier.Update", Cause: err}
	}
	return nil
}

func insertChild(children []*Node, index int, n *Node) []*Node {
	children = append(children, nil)
	copy(children[index+1:], children[index:])
	children[index] = n
	return children
}

// PlayTo drains cl against a, returning nil once every instruction has
// been applied. On error, the returned error names the failing opcode
// and lists the opcodes of up to the last 50 drained instructions
// (spec.md §5.3) for diagnostics.
func PlayTo(cl *changelist.ChangeList, a Applier) error {
	const trailingWindow = 50
	for {
		ins, ok := cl.Next()
		if !ok {
			return nil
		}
		if err := apply1(a, ins); err != nil {
			var ops []string
			for _, w := range cl.Window(trailingWindow) {
				ops = append(ops, w.Op.String())
			}
			return fmt.Errorf("changelist apply failed at %s (last %d ops: %v): %w",
				ins.Op, len(ops), ops, err)
		}
	}
}

func apply1(a Applier, ins changelist.Instruction) error {
	switch ins.Op {
	case changelist.OpDownNode:
		a.Down(ins.Args[0].Node)
	case changelist.OpUpNode:
		a.Up()
	case changelist.OpInsertTopDown:
		a.InsertTopDown(ins.Args[0].Int, ins.Args[1].Node)
	case changelist.OpInsertBottomUp:
		a.InsertBottomUp(ins.Args[0].Int, ins.Args[1].Node)
	case changelist.OpRemove:
		a.Remove(ins.Args[0].Int, ins.Args[1].Int)
	case changelist.OpMove:
		a.Move(ins.Args[0].Int, ins.Args[1].Int, ins.Args[2].Int)
	case changelist.OpUpdateNode:
		return a.Update(ins.Args[0].Node, ins.Args[1].Func)
	case changelist.OpUseCurrentNode, changelist.OpEndCurrentGroup, changelist.OpAdvance, changelist.OpApply:
		// no direct Applier effect; these exist for VM bookkeeping only.
	default:
		return fmt.Errorf("unknown opcode %s", ins.Op)
	}
	return nil
}
