package translate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/granarydbt/granary/internal/block"
	"github.com/granarydbt/granary/internal/x86"
)

// condJumpFallthroughAndTarget is:
//
//	0x4000: JNZ +8        (2 bytes; taken -> 0x400A, fallthrough -> 0x4002)
//	0x4002: MOV RAX, 42   (fallthrough block)
//	0x4009: RET
//	0x400A: MOV RAX, 7    (taken-branch block)
//	0x4011: RET
var condJumpFallthroughAndTarget = []byte{
	0x75, 0x08,
	0x48, 0xC7, 0xC0, 0x2A, 0x00, 0x00, 0x00, 0xC3,
	0x48, 0xC7, 0xC0, 0x07, 0x00, 0x00, 0x00, 0xC3,
}

type fixedAddressSpace struct {
	base uint64
	code []byte
}

func (f *fixedAddressSpace) ReadAt(pc uint64, buf []byte) (int, error) {
	off := int(pc - f.base)
	if off < 0 || off >= len(f.code) {
		return 0, nil
	}
	return copy(buf, f.code[off:]), nil
}

// TestMaterialiseTraceFollowsBothCondJumpEdges pins materialiseTrace's
// worklist: a conditional jump's entry block leaves two SuccessorDirect
// edges (the taken branch and the synthesised fall-through), both of
// which must be decoded into the same Trace rather than left dangling,
// per Trace.Extend's "direct successors are materialised before
// encoding" contract (spec.md §3).
func TestMaterialiseTraceFollowsBothCondJumpEdges(t *testing.T) {
	as := &fixedAddressSpace{base: 0x4000, code: condJumpFallthroughAndTarget}
	dec := x86.NewDecoder(as)

	tr, err := materialiseTrace(dec, 0x4000, nil)
	require.NoError(t, err)
	require.Len(t, tr.All(), 3)

	pcs := map[uint64]bool{}
	for _, id := range tr.All() {
		pcs[tr.Block(id).NativePC()] = true
	}
	require.True(t, pcs[0x4000])
	require.True(t, pcs[0x4002])
	require.True(t, pcs[0x400A])

	for _, id := range tr.All() {
		for _, s := range tr.Block(id).Successors() {
			require.NotEqual(t, block.SuccessorDirect, s.Kind,
				"every direct successor discovered within maxBlocksPerTrace should be materialised, not left dangling")
		}
	}
}

// TestMaterialiseTraceStopsAtMaxBlocks confirms the worklist bails out
// once it has materialised maxBlocksPerTrace blocks, rather than
// chasing a long straight-line run (or loop) indefinitely.
func TestMaterialiseTraceStopsAtMaxBlocks(t *testing.T) {
	const n = maxBlocksPerTrace + 10
	code := make([]byte, 0, n*2)
	base := uint64(0x8000)
	for i := 0; i < n; i++ {
		// JMP +0 to the very next byte: an unconditional direct jump
		// chain, each block exactly one instruction long.
		code = append(code, 0xEB, 0x00)
	}
	as := &fixedAddressSpace{base: base, code: code}
	dec := x86.NewDecoder(as)

	tr, err := materialiseTrace(dec, base, nil)
	require.NoError(t, err)
	require.Equal(t, maxBlocksPerTrace, len(tr.All()))
}
