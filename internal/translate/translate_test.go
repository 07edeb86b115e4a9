package translate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/granarydbt/granary/internal/cache"
	"github.com/granarydbt/granary/internal/metadata"
	"github.com/granarydbt/granary/internal/translate"
	"github.com/granarydbt/granary/internal/x86"
)

type flatAddressSpace struct {
	base uint64
	code []byte
}

func (f *flatAddressSpace) ReadAt(pc uint64, buf []byte) (int, error) {
	off := int(pc - f.base)
	if off < 0 || off >= len(f.code) {
		return 0, nil
	}
	return copy(buf, f.code[off:]), nil
}

// movRaxImm32AndRet is `MOV RAX, 42; RET`.
var movRaxImm32AndRet = []byte{0x48, 0xC7, 0xC0, 0x2A, 0x00, 0x00, 0x00, 0xC3}

func newContext() *translate.Context {
	return translate.NewContext(metadata.NewManager(), cache.NewIndex())
}

func TestTranslateCommitsBlockAndIndexesIt(t *testing.T) {
	ctx := newContext()
	as := &flatAddressSpace{base: 0x4000, code: movRaxImm32AndRet}

	meta, err := ctx.Translate(as, 0x4000, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0x4000), meta.AppPC())
	require.NotZero(t, meta.CachePC())
}

func TestTranslateAcceptsAlreadyTranslatedBlock(t *testing.T) {
	ctx := newContext()
	as := &flatAddressSpace{base: 0x4000, code: movRaxImm32AndRet}

	first, err := ctx.Translate(as, 0x4000, nil)
	require.NoError(t, err)

	second, err := ctx.Translate(as, 0x4000, first)
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestTranslateIndirectAllocatesFreshBlock(t *testing.T) {
	ctx := newContext()
	as := &flatAddressSpace{base: 0x5000, code: movRaxImm32AndRet}

	meta, err := ctx.TranslateIndirect(as, 0x5000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x5000), meta.AppPC())
}

// TestVariadicCallThroughCache pins the ABI-preservation shape
// SPEC_FULL.md's variadic-call trampoline supplement requires: every
// integer argument register plus RAX is saved before the wrapped call
// and restored afterward in reverse order, and the whole sequence
// stages and commits through the same encoder/codemem path a real
// translated trace would use, so a malformed trampoline would also
// fail to assemble.
func TestVariadicCallThroughCache(t *testing.T) {
	target := x86.NewArchGPR(x86.R10, 8)
	call := x86.CallReg(target)

	seq := translate.VariadicTrampoline(call)
	require.Len(t, seq, 2*6+2+1)

	require.Equal(t, x86.OpPUSH, seq[0].Class)
	require.Equal(t, x86.RAX, seq[0].Operands[0].Reg.GPR)

	argGPRs := []x86.GPR{x86.RDI, x86.RSI, x86.RDX, x86.RCX, x86.R8, x86.R9}
	for i, gpr := range argGPRs {
		push := seq[1+i]
		require.Equal(t, x86.OpPUSH, push.Class)
		require.Equal(t, gpr, push.Operands[0].Reg.GPR)
	}

	require.Same(t, call, seq[7])

	for i, gpr := range argGPRs {
		pop := seq[8+(len(argGPRs)-1-i)]
		require.Equal(t, x86.OpPOP, pop.Class)
		require.Equal(t, gpr, pop.Operands[0].Reg.GPR)
	}
	last := seq[len(seq)-1]
	require.Equal(t, x86.OpPOP, last.Class)
	require.Equal(t, x86.RAX, last.Operands[0].Reg.GPR)

	enc, err := x86.NewEncoder()
	require.NoError(t, err)
	for _, instr := range seq {
		_, err := enc.Stage(instr)
		require.NoError(t, err)
	}
	_, err = enc.Commit(0x1000)
	require.NoError(t, err)
}
