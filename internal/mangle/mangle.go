// Package mangle rewrites a decoded block's control-flow instructions
// into forms that can always be placed and encoded correctly once a
// block's final cache address isn't yet known: far direct branches
// through pinned native-address slots, the LOOP/JRCXZ three-instruction
// scaffold (their 8-bit displacement can't reach an arbitrary cache
// location), and indirect call/return/jump materialisation into a
// register the slot-allocation pass can later spill around (spec.md
// §4.E).
package mangle

import (
	"fmt"

	"github.com/granarydbt/granary/internal/block"
	"github.com/granarydbt/granary/internal/x86"
)

// addressWidthBytes is ADDRESS_WIDTH_BYTES: the size of a pushed/popped
// return address on amd64.
const addressWidthBytes = 8

// Mangler carries the per-translation state a block's mangling pass
// needs: a monotonic label counter (labels are scoped to one Mangler,
// so a fresh Mangler per trace keeps IDs dense) and the native-address
// table far branches pin their targets into.
type Mangler struct {
	nextLabelID int32
	addrs       *x86.NativeAddressTable
}

// NewMangler returns a Mangler that pins far-branch targets into addrs.
func NewMangler(addrs *x86.NativeAddressTable) *Mangler {
	return &Mangler{addrs: addrs}
}

func (m *Mangler) label() int32 {
	m.nextLabelID++
	return m.nextLabelID
}

// labelMarker builds a zero-width label instruction; block.Block and
// the encoder both recognise LabelID != 0 with Class == OpInvalid as
// a pure position marker, never emitted as a real opcode.
func labelMarker(labelID int32) *x86.Instruction {
	return &x86.Instruction{LabelID: labelID}
}

// MarkLabel builds the zero-width marker instruction for labelID, the
// value MangleIndirectCall/MangleIndirectCFI return when a call's
// return address needs a landing point: the caller splices this
// immediately after the rewritten call via blk.InsertAfter.
func MarkLabel(labelID int32) *x86.Instruction {
	return labelMarker(labelID)
}

func pinnedJmp(slot *x86.PinnedSlot) *x86.Instruction {
	in := x86.JmpMem(x86.Memory{Absolute: true, Pinned: slot})
	in.Operands[0].Sticky = true
	return in
}

func pinnedCall(slot *x86.PinnedSlot) *x86.Instruction {
	in := x86.CallMem(x86.Memory{Absolute: true, Pinned: slot})
	in.Operands[0].Sticky = true
	return in
}

// RelativizeDirectCFI rewrites cfi, a direct control-flow instruction
// inside blk whose target is target_pc, so it no longer depends on a
// displacement that might not reach (spec.md §4.E). targetIsFarAway
// tells the mangler the target lies outside this instruction's
// encodable displacement range; LOOP-class instructions are always
// relativized regardless, since their displacement is only 8 bits.
func (m *Mangler) RelativizeDirectCFI(blk *block.Block, cfi *x86.Instruction, targetPC uint64, targetIsFarAway bool) error {
	switch cfi.Class {
	case x86.OpCALL:
		if targetIsFarAway {
			slot := m.addrs.Pin(targetPC)
			blk.Replace(blk.CursorAt(cfi), pinnedCall(slot))
		}
		return nil

	case x86.OpJMP:
		if targetIsFarAway {
			slot := m.addrs.Pin(targetPC)
			cur := blk.CursorAt(cfi)
			blk.Replace(cur, pinnedJmp(slot))
			blk.InsertAfter(cur, x86.UD2())
		}
		return nil

	case x86.OpLOOP:
		m.relativizeLoop(blk, cfi, targetPC, targetIsFarAway)
		return nil

	case x86.OpJMPcc:
		if targetIsFarAway {
			m.relativizeConditionalBranch(blk, cfi, targetPC)
		}
		return nil

	default:
		return fmt.Errorf("mangle: opcode class %d is not a direct control-flow instruction", cfi.Class)
	}
}

// relativizeConditionalBranch turns a far conditional jump into a
// negated-condition branch around an indirect jump through a pinned
// slot, with a trailing UD2 to discourage straight-line prefetch past
// the indirect jump:
//
//	Jcc'  label        ; negated condition, falls through on the
//	                    ; original jump's condition
//	JMP   [slot]        ; sticky: the real (reversed-sense) target
//	UD2
//	label:
func (m *Mangler) relativizeConditionalBranch(blk *block.Block, cfi *x86.Instruction, targetPC uint64) {
	label := m.label()
	negated := x86.CondCode(cfi.Selection).Reverse()

	cur := blk.CursorAt(cfi)
	blk.InsertBefore(cur, x86.JccToLabel(negated, label))

	slot := m.addrs.Pin(targetPC)
	blk.Replace(cur, pinnedJmp(slot))

	blk.InsertAfter(cur, labelMarker(label))
	blk.InsertAfter(cur, x86.UD2())
}

// relativizeLoop expands a LOOP/LOOPE/LOOPNE/JRCXZ instruction, whose
// branch displacement is only 8 bits, into a direct-jump-reachable
// scaffold that preserves its decrement-and-test semantics:
//
//	JMP   try_loop
//	do_loop:
//	JMP   target        ; (or indirect through a pinned slot, + UD2,
//	                    ;  when target is far away)
//	try_loop:
//	LOOP  do_loop        ; original opcode/condition, retargeted
func (m *Mangler) relativizeLoop(blk *block.Block, cfi *x86.Instruction, targetPC uint64, targetIsFarAway bool) {
	loopCopy := *cfi

	cur := blk.CursorAt(cfi)

	if targetIsFarAway {
		slot := m.addrs.Pin(targetPC)
		blk.Replace(cur, pinnedJmp(slot))
	} else {
		blk.Replace(cur, x86.JmpRel(targetPC))
	}

	doLoop := m.label()
	tryLoop := m.label()
	loopCopy.Operands[0] = x86.BranchOperandToLabel(doLoop)

	blk.InsertBefore(cur, x86.JmpRelToLabel(tryLoop))
	blk.InsertBefore(cur, labelMarker(doLoop))
	blk.InsertAfter(cur, &loopCopy)
	blk.InsertAfter(cur, labelMarker(tryLoop))
	if targetIsFarAway {
		// Inserted last so it lands directly after the indirect JMP,
		// ahead of try_loop.
		blk.InsertAfter(cur, x86.UD2())
	}
}

// MangleIndirectReturn converts a specialised return (one whose target
// basic block carries meta-data, i.e. the translator intends to keep
// tracking it) into an indirect jump through a register, so later
// passes can treat it uniformly with other indirect control flow
// (spec.md §4.E). The stack-pointer adjustment a bare RET performs is
// reproduced explicitly: a same-width POP when the return itself would
// pop exactly one address-width value, otherwise a MOV+LEA pair that
// loads the return address without disturbing any bytes the RET would
// have additionally discarded (e.g. `RET imm16`).
func (m *Mangler) MangleIndirectReturn(blk *block.Block, cfi *x86.Instruction) error {
	if cfi.Class != x86.OpRET {
		return fmt.Errorf("mangle: MangleIndirectReturn called on opcode class %d, not OpRET", cfi.Class)
	}

	target := blk.AllocateVirtualRegister(addressWidthBytes * 8)
	cur := blk.CursorAt(cfi)

	if shift := cfi.StackPointerShiftAmount(); shift == addressWidthBytes {
		blk.InsertBefore(cur, x86.PopReg(target))
	} else {
		rsp := x86.NewArchGPR(x86.RSP, addressWidthBytes)
		blk.InsertBefore(cur, x86.MovRegMem(target, x86.Memory{HasBase: true, Base: rsp}))
		blk.InsertBefore(cur, x86.LeaRegAgen(rsp, x86.Memory{HasBase: true, Base: rsp, Disp: shift}))
	}

	blk.Replace(cur, x86.JmpReg(target))
	return nil
}

// mangleReturnAddress materialises the post-call return PC as a pushed
// value without yet knowing its numeric address (the call instruction
// hasn't been placed in the code cache): it loads the address of a
// label this function's caller is responsible for marking immediately
// after the (possibly rewritten) call instruction, then pushes it,
// matching the effect of the native CALL's implicit push (spec.md
// §4.E's "annotation-encoded PC").
func (m *Mangler) mangleReturnAddress(blk *block.Block, cfi *x86.Instruction) int32 {
	retReg := blk.AllocateVirtualRegister(addressWidthBytes * 8)
	retLabel := m.label()

	cur := blk.CursorAt(cfi)
	blk.InsertBefore(cur, x86.MovRegLabelAddr(retReg, retLabel))
	blk.InsertBefore(cur, x86.PushReg(retReg))
	return retLabel
}

// MangleIndirectCall rewrites an indirect CALL so its return address is
// pushed explicitly (via mangleReturnAddress) and, if its target is a
// memory operand, materialises that target into a register first
// (spec.md §4.E: slot allocation later needs indirect targets in
// registers, not memory, to spill/fill around them). Returns the label
// ID the caller must mark with a label instruction immediately after
// the rewritten call.
func (m *Mangler) MangleIndirectCall(blk *block.Block, cfi *x86.Instruction) (int32, error) {
	if cfi.Class != x86.OpCALL {
		return 0, fmt.Errorf("mangle: MangleIndirectCall called on opcode class %d, not OpCALL", cfi.Class)
	}

	retLabel := m.mangleReturnAddress(blk, cfi)

	if target := cfi.Operands[0]; target.IsMemory() {
		newReg := blk.AllocateVirtualRegister(addressWidthBytes * 8)
		cur := blk.CursorAt(cfi)
		blk.InsertBefore(cur, x86.MovRegMem(newReg, target.Mem))
		blk.Replace(cur, x86.CallReg(newReg))
	}

	return retLabel, nil
}

// MangleIndirectJump materialises an indirect JMP's memory target into
// a register, for the same reason as MangleIndirectCall's memory case.
// A jump through a register is left untouched.
func (m *Mangler) MangleIndirectJump(blk *block.Block, cfi *x86.Instruction) error {
	if cfi.Class != x86.OpJMP {
		return fmt.Errorf("mangle: MangleIndirectJump called on opcode class %d, not OpJMP", cfi.Class)
	}

	target := cfi.Operands[0]
	if !target.IsMemory() {
		return nil
	}
	newReg := blk.AllocateVirtualRegister(addressWidthBytes * 8)
	cur := blk.CursorAt(cfi)
	blk.InsertBefore(cur, x86.MovRegMem(newReg, target.Mem))
	blk.Replace(cur, x86.JmpReg(newReg))
	return nil
}

// MangleIndirectCFI is the top-level dispatch for an indirect CFI
// (spec.md §4.E): returns are only rewritten when the caller reports
// the return's target carries meta-data worth specialising against
// (returnIsSpecialized), since an unspecialised return can simply fall
// back to native execution; calls and jumps are always materialised.
// When a call is rewritten, the caller must mark the returned label ID
// immediately after the rewritten call instruction.
func (m *Mangler) MangleIndirectCFI(blk *block.Block, cfi *x86.Instruction, returnIsSpecialized bool) (retLabel int32, err error) {
	switch {
	case cfi.IsFunctionReturn():
		if returnIsSpecialized {
			return 0, m.MangleIndirectReturn(blk, cfi)
		}
		return 0, nil

	case cfi.IsFunctionCall():
		return m.MangleIndirectCall(blk, cfi)

	case cfi.IsUnconditionalJump():
		return 0, m.MangleIndirectJump(blk, cfi)

	default:
		// Syscall/interrupt control flow leaves the cache directly and
		// needs no register-materialised target.
		return 0, nil
	}
}

// nonCompoundAbsolute reports whether mem names nothing but a bare
// absolute address: no base or index register, so rewriting it into a
// register-indirect form cannot lose any addressing information.
func nonCompoundAbsolute(mem x86.Memory) bool {
	return !mem.HasBase && !mem.HasIndex
}

// RelativizeMemOp rewrites a memory operand that loads from an
// absolute address too far from the instruction to encode as a 32-bit
// displacement (spec.md §4.E): the address is materialised into a
// fresh register with a MOV immediately before instr, and the operand
// at opIndex becomes a register-indirect dereference of it. Segment
// overrides other than DS (or none), sticky operands, and compound
// (base/index) addressing are left untouched, matching what the
// original address-relativization pass refuses to rewrite.
func (m *Mangler) RelativizeMemOp(blk *block.Block, instr *x86.Instruction, opIndex int, absAddr uint64) error {
	if opIndex < 0 || opIndex >= instr.NumOperands {
		return fmt.Errorf("mangle: operand index %d out of range", opIndex)
	}
	op := instr.Operands[opIndex]
	if !op.IsMemory() {
		return fmt.Errorf("mangle: RelativizeMemOp called on a non-memory operand")
	}
	if op.Mem.Segment != x86.SegDS && op.Mem.Segment != x86.SegNone {
		return nil
	}
	if !op.Explicit || op.Sticky || !nonCompoundAbsolute(op.Mem) {
		return fmt.Errorf("mangle: memory operand is not eligible for address relativization")
	}

	addrReg := blk.AllocateVirtualRegister(addressWidthBytes * 8)
	cur := blk.CursorAt(instr)
	blk.InsertBefore(cur, x86.MovRegImm64(addrReg, absAddr))

	newMem := x86.Memory{HasBase: true, Base: addrReg}
	if !instr.ReplaceOperand(opIndex, x86.MemoryOperand(newMem, op.Action, op.WidthBits)) {
		return fmt.Errorf("mangle: operand %d refused replacement", opIndex)
	}
	return nil
}
