package block

import (
	"github.com/granarydbt/granary/internal/metadata"
	"github.com/granarydbt/granary/internal/x86"
)

// Trace is a graph of Blocks rooted at an entry block, materialised
// incrementally: each call to Extend decodes one more block and
// records it in both the round-scoped New list and the trace-lifetime
// All list (spec.md §3, "Trace").
type Trace struct {
	entry ID

	arena pool[Block]

	// all indexes every Block ever allocated into this trace, by ID.
	all []ID
	// new holds the Blocks allocated during the current Materialise or
	// Extend call, reset at the start of each call.
	new []ID
}

// Entry returns the trace's root block.
func (t *Trace) Entry() *Block { return t.Block(t.entry) }

// Block returns the Block with the given ID, which must belong to t.
func (t *Trace) Block(id ID) *Block { return t.arena.view(int(id)) }

// All returns every Block this trace owns, in allocation order.
func (t *Trace) All() []ID { return t.all }

// New returns the Blocks allocated during the most recent
// Materialise/Extend call.
func (t *Trace) New() []ID { return t.new }

func (t *Trace) allocate(nativePC uint64, meta *metadata.Block) *Block {
	id, b := t.arena.allocate()
	b.id = ID(id)
	b.trace = t
	b.nativePC = nativePC
	b.meta = meta
	t.all = append(t.all, b.id)
	t.new = append(t.new, b.id)
	return b
}

// Materialise decodes a fresh Trace rooted at entryPC (spec.md §4.D):
// it decodes instructions until a CFI is observed, and for every CFI
// found creates the appropriate successor block(s), splitting so every
// block ends in exactly one CFI. Conditional jumps and calls also get
// a synthesised unconditional jump to their fall-through address, so
// that address becomes its own block boundary.
func Materialise(dec *x86.Decoder, entryPC uint64, meta *metadata.Block) (*Trace, error) {
	t := &Trace{arena: newPool[Block]()}
	t.entry = 0
	if err := t.decodeBlock(dec, entryPC, meta); err != nil {
		return nil, err
	}
	return t, nil
}

// Extend decodes one additional block at targetPC, used to resolve a
// SuccessorDirect edge on demand (spec.md §3, "direct successors are
// materialised before encoding"). The new list is reset first.
func (t *Trace) Extend(dec *x86.Decoder, targetPC uint64, meta *metadata.Block) (*Block, error) {
	t.new = t.new[:0]
	if err := t.decodeBlock(dec, targetPC, meta); err != nil {
		return nil, err
	}
	return t.Block(t.new[len(t.new)-1]), nil
}

func (t *Trace) decodeBlock(dec *x86.Decoder, pc uint64, meta *metadata.Block) error {
	blk := t.allocate(pc, meta)

	ip := pc
	for {
		instr, next, err := dec.DecodeNext(ip)
		if err != nil {
			return err
		}
		blk.AppendInstruction(instr)
		ip = next

		if !instr.Category.IsCFI() {
			continue
		}
		return t.terminateAtCFI(blk, instr, ip)
	}
}

// terminateAtCFI wires up blk's successor edges once its terminating
// CFI has been decoded, inserting a synthesised fall-through jump for
// instructions that don't naturally redirect control on the
// not-taken path (spec.md §4.D).
func (t *Trace) terminateAtCFI(blk *Block, instr *x86.Instruction, fallthroughPC uint64) error {
	branch, hasBranch := branchTargetOf(instr)

	switch instr.Category {
	case x86.CategoryUncondJump:
		if hasBranch {
			blk.AddSuccessor(directOrIndirect(branch))
		} else {
			blk.AddSuccessor(Successor{Kind: SuccessorIndirect})
		}
		return nil

	case x86.CategoryCondJump:
		if hasBranch {
			blk.AddSuccessor(directOrIndirect(branch))
		}
		fallthroughJump := x86.JmpRel(fallthroughPC)
		blk.AppendInstruction(fallthroughJump)
		blk.AddSuccessor(Successor{Kind: SuccessorDirect, TargetPC: fallthroughPC})
		return nil

	case x86.CategoryCall:
		if hasBranch {
			blk.AddSuccessor(directOrIndirect(branch))
		} else {
			blk.AddSuccessor(Successor{Kind: SuccessorIndirect})
		}
		fallthroughJump := x86.JmpRel(fallthroughPC)
		blk.AppendInstruction(fallthroughJump)
		blk.AddSuccessor(Successor{Kind: SuccessorDirect, TargetPC: fallthroughPC})
		return nil

	case x86.CategoryReturn:
		blk.AddSuccessor(Successor{Kind: SuccessorReturn})
		return nil

	case x86.CategoryInterrupt, x86.CategorySyscall:
		blk.AddSuccessor(Successor{Kind: SuccessorNative, TargetPC: fallthroughPC})
		return nil

	default:
		return nil
	}
}

func directOrIndirect(branch x86.BranchTarget) Successor {
	if branch.HasPC {
		return Successor{Kind: SuccessorDirect, TargetPC: branch.AbsolutePC}
	}
	return Successor{Kind: SuccessorIndirect}
}

// branchTargetOf extracts the BranchTarget operand from instr, if any.
// Indirect branches (through a register or memory operand) have none,
// which the caller treats as SuccessorIndirect.
func branchTargetOf(instr *x86.Instruction) (x86.BranchTarget, bool) {
	for _, op := range instr.Ops() {
		if op.Kind == x86.OperandBranchDisplacement {
			return op.Branch, true
		}
	}
	return x86.BranchTarget{}, false
}
