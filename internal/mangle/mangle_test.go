package mangle_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/granarydbt/granary/internal/block"
	"github.com/granarydbt/granary/internal/mangle"
	"github.com/granarydbt/granary/internal/x86"
)

// flatAddressSpace serves bytes from a single contiguous buffer, for
// tests that don't need a real process image.
type flatAddressSpace struct {
	base uint64
	code []byte
}

func (f *flatAddressSpace) ReadAt(pc uint64, buf []byte) (int, error) {
	if pc < f.base {
		return 0, nil
	}
	off := int(pc - f.base)
	if off >= len(f.code) {
		return 0, nil
	}
	return copy(buf, f.code[off:]), nil
}

func materialise(t *testing.T, base uint64, code []byte) *block.Block {
	t.Helper()
	dec := x86.NewDecoder(&flatAddressSpace{base: base, code: code})
	tr, err := block.Materialise(dec, base, nil)
	require.NoError(t, err)
	return tr.Entry()
}

func classesOf(instrs []*x86.Instruction) []x86.OpcodeClass {
	out := make([]x86.OpcodeClass, len(instrs))
	for i, in := range instrs {
		out[i] = in.Class
	}
	return out
}

func TestRelativizeConditionalBranchFarScaffold(t *testing.T) {
	const base = 0x1000
	code := []byte{
		0x74, 0x02, // JE +2 (target base+4)
	}
	entry := materialise(t, base, code)
	cfi := entry.BranchInstruction()
	require.Equal(t, x86.OpJMPcc, cfi.Class)

	m := mangle.NewMangler(&x86.NativeAddressTable{})
	require.NoError(t, m.RelativizeDirectCFI(entry, cfi, 0x50000000, true))

	got := classesOf(entry.Instructions())
	// negated Jcc, indirect JMP (replaces the original), UD2, label,
	// then the trace's synthesised fall-through JMP.
	require.Equal(t, []x86.OpcodeClass{
		x86.OpJMPcc, x86.OpJMP, x86.OpUD2, x86.OpInvalid, x86.OpJMP,
	}, got)
}

func TestRelativizeLoopNearTarget(t *testing.T) {
	const base = 0x4000
	code := []byte{
		0xE2, 0x02, // LOOP +2 (target base+4)
	}
	entry := materialise(t, base, code)
	cfi := entry.BranchInstruction()
	require.Equal(t, x86.OpLOOP, cfi.Class)

	m := mangle.NewMangler(&x86.NativeAddressTable{})
	require.NoError(t, m.RelativizeDirectCFI(entry, cfi, base+4, false))

	got := classesOf(entry.Instructions())
	require.Equal(t, []x86.OpcodeClass{
		x86.OpJMP,     // jmp try_loop
		x86.OpInvalid, // do_loop:
		x86.OpJMP,     // jmp target (replaces the LOOP)
		x86.OpInvalid, // try_loop:
		x86.OpLOOP,    // loop do_loop
		x86.OpJMP,     // trace's synthesised fall-through
	}, got)
}

func TestRelativizeLoopFarTargetInsertsUD2(t *testing.T) {
	const base = 0x4100
	code := []byte{0xE2, 0x02}
	entry := materialise(t, base, code)
	cfi := entry.BranchInstruction()

	m := mangle.NewMangler(&x86.NativeAddressTable{})
	require.NoError(t, m.RelativizeDirectCFI(entry, cfi, 0x60000000, true))

	got := classesOf(entry.Instructions())
	// JMP try; do:; JMP [slot]; UD2; try:; LOOP do; fall-through JMP.
	// The UD2 directly follows the indirect jump, so a not-taken LOOP
	// still falls through.
	require.Equal(t, []x86.OpcodeClass{
		x86.OpJMP, x86.OpInvalid, x86.OpJMP, x86.OpUD2, x86.OpInvalid, x86.OpLOOP, x86.OpJMP,
	}, got)
}

func TestRelativizeDirectCallFarTarget(t *testing.T) {
	const base = 0x4200
	code := []byte{0xE8, 0x01, 0x00, 0x00, 0x00} // CALL +1
	entry := materialise(t, base, code)
	cfi := entry.BranchInstruction()
	require.Equal(t, x86.OpCALL, cfi.Class)

	addrs := &x86.NativeAddressTable{}
	m := mangle.NewMangler(addrs)
	require.NoError(t, m.RelativizeDirectCFI(entry, cfi, 0x70000000, true))

	require.Equal(t, 1, addrs.Len())
	rewritten := entry.BranchInstruction()
	require.True(t, rewritten.Operands[0].Sticky)
	require.True(t, rewritten.Operands[0].IsMemory())
}

func TestMangleIndirectReturnPop(t *testing.T) {
	entry := materialise(t, 0x2000, []byte{0xC3}) // RET
	cfi := entry.BranchInstruction()
	require.Equal(t, x86.OpRET, cfi.Class)
	cfi.WidthBits = 64 // force the plain-RET (shift == 8 bytes) path

	m := mangle.NewMangler(&x86.NativeAddressTable{})
	require.NoError(t, m.MangleIndirectReturn(entry, cfi))

	got := classesOf(entry.Instructions())
	require.Equal(t, []x86.OpcodeClass{x86.OpPOP, x86.OpJMP}, got)
	require.True(t, got[1] == x86.OpJMP)
}

func TestMangleIndirectReturnWithExtraStackShift(t *testing.T) {
	entry := materialise(t, 0x2100, []byte{0xC3})
	cfi := entry.BranchInstruction()
	cfi.WidthBits = 128 // forces a shift != addressWidthBytes

	m := mangle.NewMangler(&x86.NativeAddressTable{})
	require.NoError(t, m.MangleIndirectReturn(entry, cfi))

	got := classesOf(entry.Instructions())
	require.Equal(t, []x86.OpcodeClass{x86.OpMOV, x86.OpLEA, x86.OpJMP}, got)
}

func TestMangleIndirectCallMemoryTarget(t *testing.T) {
	entry := materialise(t, 0x3000, []byte{0xFF, 0x10}) // CALL [RAX]
	cfi := entry.BranchInstruction()
	require.Equal(t, x86.OpCALL, cfi.Class)
	require.True(t, cfi.Operands[0].IsMemory())

	m := mangle.NewMangler(&x86.NativeAddressTable{})
	label, err := m.MangleIndirectCall(entry, cfi)
	require.NoError(t, err)
	require.NotZero(t, label)

	got := classesOf(entry.Instructions())
	// MOV retReg,<label addr>; PUSH retReg; MOV newReg,[RAX]; CALL newReg;
	// then the trace's synthesised fall-through JMP.
	require.Equal(t, []x86.OpcodeClass{
		x86.OpMOV, x86.OpPUSH, x86.OpMOV, x86.OpCALL, x86.OpJMP,
	}, got)

	rewritten := entry.Instructions()[3]
	require.True(t, rewritten.Operands[0].IsRegister())
}

func TestMangleIndirectJumpMemoryTarget(t *testing.T) {
	entry := materialise(t, 0x3100, []byte{0xFF, 0x20}) // JMP [RAX]
	cfi := entry.BranchInstruction()
	require.Equal(t, x86.OpJMP, cfi.Class)
	require.True(t, cfi.Operands[0].IsMemory())

	m := mangle.NewMangler(&x86.NativeAddressTable{})
	require.NoError(t, m.MangleIndirectJump(entry, cfi))

	got := classesOf(entry.Instructions())
	require.Equal(t, []x86.OpcodeClass{x86.OpMOV, x86.OpJMP}, got)
	require.True(t, entry.Instructions()[1].Operands[0].IsRegister())
}

func TestMangleIndirectJumpRegisterTargetIsNoop(t *testing.T) {
	entry := materialise(t, 0x3200, []byte{0xFF, 0xE0}) // JMP RAX
	cfi := entry.BranchInstruction()
	require.True(t, cfi.Operands[0].IsRegister())

	m := mangle.NewMangler(&x86.NativeAddressTable{})
	require.NoError(t, m.MangleIndirectJump(entry, cfi))
	require.Equal(t, 1, entry.Len())
}

func TestRelativizeMemOpRewritesAbsoluteOperand(t *testing.T) {
	entry := materialise(t, 0x5000, []byte{0xC3})
	instr := &x86.Instruction{Class: x86.OpMOV, WidthBits: 32}
	instr.AddOperand(x86.RegisterOperand(x86.NewArchGPR(x86.RAX, 4), x86.ActionWrite))
	instr.AddOperand(x86.MemoryOperand(x86.Memory{Absolute: true, AbsAddr: 0x404040, Segment: x86.SegNone}, x86.ActionRead, 32))
	entry.AppendInstruction(instr)

	m := mangle.NewMangler(&x86.NativeAddressTable{})
	require.NoError(t, m.RelativizeMemOp(entry, instr, 1, 0x404040))

	require.True(t, instr.Operands[1].IsMemory())
	require.True(t, instr.Operands[1].Mem.HasBase)
}

func TestRelativizeMemOpRejectsCompoundAddressing(t *testing.T) {
	entry := materialise(t, 0x5100, []byte{0xC3})
	instr := &x86.Instruction{Class: x86.OpMOV, WidthBits: 32}
	instr.AddOperand(x86.RegisterOperand(x86.NewArchGPR(x86.RAX, 4), x86.ActionWrite))
	instr.AddOperand(x86.MemoryOperand(x86.Memory{
		Absolute: true, AbsAddr: 0x404040,
		HasBase: true, Base: x86.NewArchGPR(x86.RBX, 8),
	}, x86.ActionRead, 32))
	entry.AppendInstruction(instr)

	m := mangle.NewMangler(&x86.NativeAddressTable{})
	require.Error(t, m.RelativizeMemOp(entry, instr, 1, 0x404040))
}
