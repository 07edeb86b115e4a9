package x86

// This file implements the "build well-known forms" contract of
// spec.md §4.A: small helpers that construct a fully-populated
// Instruction for the forms the mangler and flag-save/restore passes
// need to synthesize. Each sets Category and the read/written flag
// masks from the static tables in tables.go.

func newSynth(class OpcodeClass, sel Selection, widthBits uint8) *Instruction {
	read, written := flagsOf(class)
	return &Instruction{
		Class: class, Selection: sel, WidthBits: widthBits,
		Synthesized: true, Category: categoryOf(class),
		ReadFlags: read, WrittenFlags: written,
	}
}

// MovRegMem builds `MOV reg, mem`.
func MovRegMem(dst VirtualRegister, mem Memory) *Instruction {
	in := newSynth(OpMOV, 0, uint8(dst.Width)*8)
	in.AddOperand(RegisterOperand(dst, ActionWrite))
	in.AddOperand(MemoryOperand(mem, ActionRead, uint8(dst.Width)*8))
	return in
}

// MovMemReg builds `MOV mem, reg`.
func MovMemReg(mem Memory, src VirtualRegister) *Instruction {
	in := newSynth(OpMOV, 1, uint8(src.Width)*8)
	in.AddOperand(MemoryOperand(mem, ActionWrite, uint8(src.Width)*8))
	in.AddOperand(RegisterOperand(src, ActionRead))
	return in
}

// MovRegImm64 builds `MOV reg, imm64`.
func MovRegImm64(dst VirtualRegister, value uint64) *Instruction {
	in := newSynth(OpMOV, 2, 64)
	in.AddOperand(RegisterOperand(dst, ActionWrite))
	in.AddOperand(ImmediateOperand(int64(value), false, 64))
	return in
}

// MovRegLabelAddr builds `MOV reg, <label address>`, used to
// materialise a not-yet-known return address (spec.md §4.E).
func MovRegLabelAddr(dst VirtualRegister, labelID int32) *Instruction {
	in := newSynth(OpMOV, 4, 64)
	in.AddOperand(RegisterOperand(dst, ActionWrite))
	in.AddOperand(LabelAddressOperand(labelID))
	return in
}

// MovRegReg builds `MOV reg, reg`.
func MovRegReg(dst, src VirtualRegister) *Instruction {
	in := newSynth(OpMOV, 3, uint8(dst.Width)*8)
	in.AddOperand(RegisterOperand(dst, ActionWrite))
	in.AddOperand(RegisterOperand(src, ActionRead))
	return in
}

// XchgRegReg builds `XCHG reg, reg`.
func XchgRegReg(a, b VirtualRegister) *Instruction {
	in := newSynth(OpXCHG, 0, uint8(a.Width)*8)
	in.AddOperand(RegisterOperand(a, ActionReadWrite))
	in.AddOperand(RegisterOperand(b, ActionReadWrite))
	return in
}

// XchgMemReg builds `XCHG mem, reg`.
func XchgMemReg(mem Memory, reg VirtualRegister) *Instruction {
	in := newSynth(OpXCHG, 1, uint8(reg.Width)*8)
	in.AddOperand(MemoryOperand(mem, ActionReadWrite, uint8(reg.Width)*8))
	in.AddOperand(RegisterOperand(reg, ActionReadWrite))
	return in
}

// PushReg builds `PUSH reg`.
func PushReg(reg VirtualRegister) *Instruction {
	in := newSynth(OpPUSH, 0, uint8(reg.Width)*8)
	in.AddOperand(RegisterOperand(reg, ActionRead))
	return in
}

// PopReg builds `POP reg`.
func PopReg(reg VirtualRegister) *Instruction {
	in := newSynth(OpPOP, 0, uint8(reg.Width)*8)
	in.AddOperand(RegisterOperand(reg, ActionWrite))
	return in
}

// LeaRegAgen builds `LEA reg, agen`.
func LeaRegAgen(dst VirtualRegister, agen Memory) *Instruction {
	in := newSynth(OpLEA, 0, uint8(dst.Width)*8)
	in.AddOperand(RegisterOperand(dst, ActionWrite))
	in.AddOperand(EffectiveAddressOperand(agen, uint8(dst.Width)*8))
	return in
}

// JmpRel builds `JMP rel` targeting a resolved application PC.
func JmpRel(targetPC uint64) *Instruction {
	in := newSynth(OpJMP, 0, 32)
	in.AddOperand(BranchOperand(targetPC))
	return in
}

// JmpRelToLabel builds `JMP rel` targeting a not-yet-placed label.
func JmpRelToLabel(labelID int32) *Instruction {
	in := newSynth(OpJMP, 0, 32)
	in.AddOperand(BranchOperandToLabel(labelID))
	return in
}

// JmpReg builds `JMP reg` (indirect).
func JmpReg(reg VirtualRegister) *Instruction {
	in := newSynth(OpJMP, 1, uint8(reg.Width)*8)
	in.AddOperand(RegisterOperand(reg, ActionRead))
	return in
}

// JmpMem builds `JMP [mem]` (indirect through a pinned slot).
func JmpMem(mem Memory) *Instruction {
	in := newSynth(OpJMP, 2, 64)
	op := MemoryOperand(mem, ActionRead, 64)
	in.AddOperand(op)
	return in
}

// CallRel builds `CALL rel`.
func CallRel(targetPC uint64) *Instruction {
	in := newSynth(OpCALL, 0, 32)
	in.AddOperand(BranchOperand(targetPC))
	return in
}

// CallMem builds `CALL [mem]` (indirect through a pinned slot).
func CallMem(mem Memory) *Instruction {
	in := newSynth(OpCALL, 1, 64)
	in.AddOperand(MemoryOperand(mem, ActionRead, 64))
	return in
}

// CallReg builds `CALL reg` (indirect).
func CallReg(reg VirtualRegister) *Instruction {
	in := newSynth(OpCALL, 2, uint8(reg.Width)*8)
	in.AddOperand(RegisterOperand(reg, ActionRead))
	return in
}

// Jcc builds a conditional jump of the given Selection (the caller
// passes the condition-specific selection; see CondCode.Reverse).
func Jcc(sel Selection, targetPC uint64) *Instruction {
	in := newSynth(OpJMPcc, sel, 32)
	in.AddOperand(BranchOperand(targetPC))
	return in
}

// JccToLabel builds a conditional jump to a not-yet-placed label.
func JccToLabel(sel Selection, labelID int32) *Instruction {
	in := newSynth(OpJMPcc, sel, 32)
	in.AddOperand(BranchOperandToLabel(labelID))
	return in
}

// LoopToLabel builds `LOOP label` (or LOOPE/LOOPNE/JRCXZ, selected by
// sel) targeting a not-yet-placed label.
func LoopToLabel(sel Selection, labelID int32) *Instruction {
	in := newSynth(OpLOOP, sel, 32)
	in.AddOperand(BranchOperandToLabel(labelID))
	return in
}

// UD2 builds the `UD2` undefined-instruction trap.
func UD2() *Instruction {
	return newSynth(OpUD2, 0, 0)
}

// Lahf builds `LAHF`.
func Lahf() *Instruction {
	return newSynth(OpLAHF, 0, 0)
}

// Sahf builds `SAHF`.
func Sahf() *Instruction {
	return newSynth(OpSAHF, 0, 0)
}

// SetoReg8 builds `SETO reg8`.
func SetoReg8(reg VirtualRegister) *Instruction {
	in := newSynth(OpSETcc, CondO, 8)
	in.AddOperand(RegisterOperand(reg.Widened(1), ActionWrite))
	return in
}

// AddGPR8Imm8 builds `ADD gpr8, imm8`.
func AddGPR8Imm8(reg VirtualRegister, imm int8) *Instruction {
	in := newSynth(OpADD, 0, 8)
	in.AddOperand(RegisterOperand(reg.Widened(1), ActionReadWrite))
	in.AddOperand(ImmediateOperand(int64(imm), true, 8))
	return in
}
