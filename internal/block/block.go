// Package block implements the trace builder and decoded-block graph
// (spec.md §4.D): Materialise walks native code from an entry PC,
// splitting at every control-flow instruction (CFI) so each resulting
// block ends in exactly one CFI, and owns the virtual registers
// allocated while doing so.
package block

import (
	"github.com/granarydbt/granary/internal/metadata"
	"github.com/granarydbt/granary/internal/x86"
)

// ID is a dense, trace-local identifier for a Block, assigned in
// allocation order. Successors reference Blocks by ID rather than by
// pointer so a Trace can be copied, walked, or torn down without
// pointer-chasing through the arena (spec.md §3's "arena-owned"
// decoded-block lifetime).
type ID int32

// SuccessorKind classifies where a control-flow instruction leads
// (spec.md §3, "Control-flow instruction (CFI)").
type SuccessorKind uint8

const (
	SuccessorNone SuccessorKind = iota
	SuccessorDecoded
	SuccessorDirect
	SuccessorIndirect
	SuccessorReturn
	SuccessorNative
	SuccessorCached
	SuccessorCompensation
)

// Successor describes one edge leaving a Block.
type Successor struct {
	Kind SuccessorKind

	// Block is valid for SuccessorDecoded, SuccessorCached and
	// SuccessorCompensation: an edge to another Block already owned by
	// this trace.
	Block ID

	// TargetPC is valid for SuccessorDirect (not yet materialised) and
	// SuccessorNative (leaves the cache entirely).
	TargetPC uint64

	// Meta is valid for SuccessorReturn when the return target has been
	// specialised via meta-data (spec.md §4.E); nil otherwise.
	Meta *metadata.Block
}

// instrNode is one doubly linked list cell owning an IR instruction.
// Instruction itself carries no list pointers (it's a plain value type
// shared with the encoder and mangler), so the block package threads
// its own list around it.
type instrNode struct {
	instr      *x86.Instruction
	next, prev *instrNode
}

// Block is a decoded block: a straight-line instruction sequence
// ending in exactly one CFI, plus at most two successors (fall-through
// and taken) per spec.md §3.
type Block struct {
	id ID

	trace *Trace

	nativePC uint64
	cachePC  uint64

	meta *metadata.Block

	root, tail *instrNode
	count      int

	successors    [2]Successor
	numSuccessors int

	// vregCounter is this block's private allocator for OpVirtual
	// VirtualRegisters requested during mangling or instrumentation
	// (spec.md §3, "Decoded blocks allocate virtual registers from a
	// per-block counter").
	vregCounter int32
}

// ID returns the trace-local identifier of b.
func (b *Block) ID() ID { return b.id }

// NativePC returns the native address this block was decoded from.
func (b *Block) NativePC() uint64 { return b.nativePC }

// CachePC returns the compiled cache address, or zero before encoding.
func (b *Block) CachePC() uint64 { return b.cachePC }

// SetCachePC records the cache address this block was committed to.
func (b *Block) SetCachePC(pc uint64) { b.cachePC = pc }

// Meta returns the meta-data handle associated with this block, or
// nil for blocks materialised without one (e.g. pure scaffold blocks
// inserted by the mangler).
func (b *Block) Meta() *metadata.Block { return b.meta }

// AllocateVirtualRegister returns a fresh width-bits-wide virtual
// register scoped to this block's lifetime.
func (b *Block) AllocateVirtualRegister(widthBits uint8) x86.VirtualRegister {
	b.vregCounter++
	return x86.NewVirtual(b.vregCounter, widthBits/8)
}

// AppendInstruction adds instr to the tail of this block's list.
func (b *Block) AppendInstruction(instr *x86.Instruction) {
	n := &instrNode{instr: instr}
	if b.tail != nil {
		b.tail.next = n
		n.prev = b.tail
	} else {
		b.root = n
	}
	b.tail = n
	b.count++
}

// InsertBefore splices instr immediately before the node currently
// holding at, a cursor previously returned by Cursor or CursorAt.
// Used by the mangler to interleave scaffolding (spec.md §4.E) without
// rebuilding the whole list.
func (b *Block) InsertBefore(at *InstrCursor, instr *x86.Instruction) {
	n := &instrNode{instr: instr, next: at.node, prev: at.node.prev}
	if at.node.prev != nil {
		at.node.prev.next = n
	} else {
		b.root = n
	}
	at.node.prev = n
	b.count++
}

// InsertAfter splices instr immediately after the node currently held
// by at.
func (b *Block) InsertAfter(at *InstrCursor, instr *x86.Instruction) {
	n := &instrNode{instr: instr, prev: at.node, next: at.node.next}
	if at.node.next != nil {
		at.node.next.prev = n
	} else {
		b.tail = n
	}
	at.node.next = n
	b.count++
}

// Replace swaps the instruction held at the cursor's position for
// instr, keeping the cursor's position in the list (used by the
// mangler to rewrite a CFI's opcode/operands in place, e.g. RET -> JMP
// reg, per spec.md §4.E).
func (b *Block) Replace(at *InstrCursor, instr *x86.Instruction) {
	at.node.instr = instr
}

// CursorAt returns a cursor positioned at instr, found by identity
// scan. Returns an invalid cursor if instr is not in this block.
func (b *Block) CursorAt(instr *x86.Instruction) *InstrCursor {
	for n := b.root; n != nil; n = n.next {
		if n.instr == instr {
			return &InstrCursor{node: n}
		}
	}
	return &InstrCursor{}
}

// Len returns the number of instructions currently in this block.
func (b *Block) Len() int { return b.count }

// InstrCursor walks a Block's instruction list front-to-back, stable
// across insertions made via InsertBefore at or after the cursor.
type InstrCursor struct {
	node *instrNode
}

// Cursor returns a cursor positioned at the first instruction.
func (b *Block) Cursor() *InstrCursor {
	if b.root == nil {
		return &InstrCursor{}
	}
	return &InstrCursor{node: b.root}
}

// Valid reports whether the cursor is positioned on an instruction.
func (c *InstrCursor) Valid() bool { return c.node != nil }

// Instruction returns the instruction the cursor is positioned on.
func (c *InstrCursor) Instruction() *x86.Instruction { return c.node.instr }

// Next advances the cursor.
func (c *InstrCursor) Next() { c.node = c.node.next }

// Instructions returns every instruction in b, in order. Intended for
// passes (fragment cutting, scheduling) that need random access rather
// than cursor-based splicing.
func (b *Block) Instructions() []*x86.Instruction {
	out := make([]*x86.Instruction, 0, b.count)
	for n := b.root; n != nil; n = n.next {
		out = append(out, n.instr)
	}
	return out
}

// AddSuccessor appends a successor edge. A Block may carry at most
// two (spec.md §3).
func (b *Block) AddSuccessor(s Successor) {
	if b.numSuccessors >= len(b.successors) {
		panic("block: a decoded block may have at most two successors")
	}
	b.successors[b.numSuccessors] = s
	b.numSuccessors++
}

// Successors returns the populated successor edges.
func (b *Block) Successors() []Successor { return b.successors[:b.numSuccessors] }

// LastInstruction returns the block's terminating CFI, or nil for an
// empty block.
func (b *Block) LastInstruction() *x86.Instruction {
	if b.tail == nil {
		return nil
	}
	return b.tail.instr
}

// BranchInstruction returns the instruction corresponding to
// Successors()[0]: the block's real branch/call/return/jump, as
// opposed to a synthesised fall-through jump (spec.md §4.D). When the
// block has a single successor, this is the same as LastInstruction.
func (b *Block) BranchInstruction() *x86.Instruction {
	if b.tail == nil {
		return nil
	}
	if b.numSuccessors == 2 && b.tail.prev != nil {
		return b.tail.prev.instr
	}
	return b.tail.instr
}

// FallthroughInstruction returns the synthesised unconditional jump
// corresponding to Successors()[1] (the not-taken edge of a
// conditional jump or the post-call return point), or nil when the
// block has fewer than two successors.
func (b *Block) FallthroughInstruction() *x86.Instruction {
	if b.numSuccessors != 2 || b.tail == nil {
		return nil
	}
	return b.tail.instr
}
