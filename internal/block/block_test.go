package block

import (
	"github.com/stretchr/testify/require"
	"testing"

	"github.com/granarydbt/granary/internal/x86"
)

// flatAddressSpace serves bytes from a single contiguous buffer mapped
// starting at base, for tests that don't need a real process image.
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
	n := copy(buf, f.code[off:])
	return n, nil
}

func TestMaterialiseSplitsAtConditionalJump(t *testing.T) {
	const base = 0x1000
	code := []byte{
		0xB8, 0x01, 0x00, 0x00, 0x00, // MOV EAX, 1          (5 bytes @ 0x1000)
		0x74, 0x02, // JE +2                       (2 bytes @ 0x1005, target 0x1009)
	}
	mem := &flatAddressSpace{base: base, code: code}
	dec := x86.NewDecoder(mem)

	tr, err := Materialise(dec, base, nil)
	require.NoError(t, err)

	entry := tr.Entry()
	// MOV, JE, plus a synthesised fall-through JMP.
	require.Equal(t, 3, entry.Len())

	succs := entry.Successors()
	require.Len(t, succs, 2)
	require.Equal(t, SuccessorDirect, succs[0].Kind)
	require.Equal(t, uint64(0x1009), succs[0].TargetPC)
	require.Equal(t, SuccessorDirect, succs[1].Kind)
	require.Equal(t, uint64(0x1007), succs[1].TargetPC)
}

func TestMaterialiseReturn(t *testing.T) {
	const base = 0x2000
	code := []byte{0xC3} // RET
	mem := &flatAddressSpace{base: base, code: code}
	dec := x86.NewDecoder(mem)

	tr, err := Materialise(dec, base, nil)
	require.NoError(t, err)

	entry := tr.Entry()
	require.Equal(t, 1, entry.Len())
	require.Len(t, entry.Successors(), 1)
	require.Equal(t, SuccessorReturn, entry.Successors()[0].Kind)
}

func TestAllocateVirtualRegisterIsPerBlock(t *testing.T) {
	const base = 0x3000
	code := []byte{0xC3}
	mem := &flatAddressSpace{base: base, code: code}
	dec := x86.NewDecoder(mem)

	tr, err := Materialise(dec, base, nil)
	require.NoError(t, err)

	entry := tr.Entry()
	v1 := entry.AllocateVirtualRegister(64)
	v2 := entry.AllocateVirtualRegister(64)
	require.False(t, v1.Equal(v2))
}
