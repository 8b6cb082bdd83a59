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

// Package changelist implements the operations VM of spec.md §5: a
// recording of side-effecting edits emitted during one applyChanges
// pass, FIFO-drained against an Applier. The opcode/typed-argument
// split mirrors the teacher's vm.bytecode encoding (see
// vm/bytecode.go's bcop/bcArgType pair) adapted to a dynamic,
// interpreted changelist instead of a compiled byte-code stream.
package changelist

// Op identifies one opcode of the changelist VM (spec.md §5.1).
type Op uint16

const (
	OpInvalid Op = iota
	OpUpdateNode
	OpInsertTopDown
	OpInsertBottomUp
	OpRemove
	OpMove
	OpEndCurrentGroup
	OpUseCurrentNode
	OpApply
	OpDownNode
	OpUpNode
	OpAdvance
	OpNumOps
)

func (o Op) String() string {
	switch o {
	case OpUpdateNode:
		return "UpdateNode"
	case OpInsertTopDown:
		return "InsertTopDown"
	case OpInsertBottomUp:
		return "InsertBottomUp"
	case OpRemove:
		return "Remove"
	case OpMove:
		return "Move"
	case OpEndCurrentGroup:
		return "EndCurrentGroup"
	case OpUseCurrentNode:
		return "UseCurrentNode"
	case OpApply:
		return "Apply"
	case OpDownNode:
		return "DownNode"
	case OpUpNode:
		return "UpNode"
	case OpAdvance:
		return "Advance"
	default:
		return "Invalid"
	}
}

// ArgKind classifies a single operation argument, mirroring the
// teacher's bcArgType enum (vm/bytecode.go). Record stores arguments as
// given; it does not check their kinds against what the opcode's apply
// step reads back.
type ArgKind uint8

const (
	ArgInt ArgKind = iota
	ArgAnchor
	ArgNode
	ArgObject
	ArgFunc
)

// Arg is one typed operation argument.
type Arg struct {
	Kind   ArgKind
	Int    int
	Anchor any // *slottable.Anchor; kept as any to avoid an import cycle
	Node   any
	Object any
	Func   func() error
}

func IntArg(v int) Arg           { return Arg{Kind: ArgInt, Int: v} }
func AnchorArg(v any) Arg        { return Arg{Kind: ArgAnchor, Anchor: v} }
func NodeArg(v any) Arg          { return Arg{Kind: ArgNode, Node: v} }
func ObjectArg(v any) Arg        { return Arg{Kind: ArgObject, Object: v} }
func FuncArg(f func() error) Arg { return Arg{Kind: ArgFunc, Func: f} }

// Instruction is one recorded changelist entry: an opcode plus its
// positional arguments.
type Instruction struct {
	Op   Op
	Args []Arg
}

// ChangeList is an append-only, then FIFO-drained, sequence of
// Instructions (spec.md §5.1 "ChangeList is a realize() producer /
// apply() consumer queue"). The zero value is ready to use.
type ChangeList struct {
	instrs []Instruction
	cursor int

	// debugArgWrites is the running total of Args handed out by Next
	// since the last Reset, summed over every drained instruction. No
	// method of this package reads it back.
	debugArgWrites int
}

// Record appends a new instruction, returning its index.
func (c *ChangeList) Record(op Op, args ...Arg) int {
	c.instrs = append(c.instrs, Instruction{Op: op, Args: args})
	return len(c.instrs) - 1
}

// Len returns the number of instructions recorded (including already-drained ones).
func (c *ChangeList) Len() int { return len(c.instrs) }

// Remaining returns the number of instructions not yet drained.
func (c *ChangeList) Remaining() int { return len(c.instrs) - c.cursor }

// Reset clears the list for reuse (spec.md §5.1 "a ChangeList is
// recycled across composition passes to avoid reallocating").
func (c *ChangeList) Reset() {
	c.instrs = c.instrs[:0]
	c.cursor = 0
	c.debugArgWrites = 0
}

// Next returns the next undrained instruction and advances the cursor,
// or ok=false once every instruction has been consumed.
func (c *ChangeList) Next() (Instruction, bool) {
	if c.cursor >= len(c.instrs) {
		return Instruction{}, false
	}
	ins := c.instrs[c.cursor]
	c.cursor++
	c.debugArgWrites += len(ins.Args)
	return ins, true
}

// Window returns up to n of the most recently drained instructions,
// used by applier.PlayTo to report a failure's trailing
// context (spec.md §5.3 "apply failure reporting").
func (c *ChangeList) Window(n int) []Instruction {
	end := c.cursor
	start := end - n
	if start < 0 {
		start = 0
	}
	return c.instrs[start:end]
}
