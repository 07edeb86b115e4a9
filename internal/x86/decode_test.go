package x86

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type flatMem struct {
	base uint64
	code []byte
}

func (f *flatMem) ReadAt(pc uint64, buf []byte) (int, error) {
	if pc < f.base {
		return 0, nil
	}
	off := int(pc - f.base)
	if off >= len(f.code) {
		return 0, nil
	}
	return copy(buf, f.code[off:]), nil
}

func TestDecodeRelativeBranchTarget(t *testing.T) {
	const base = 0x1005
	// JE +2, decoded at 0x1005: 2-byte instruction, target = 0x1005+2+2.
	mem := &flatMem{base: base, code: []byte{0x74, 0x02}}
	d := NewDecoder(mem)

	inst, next, err := d.DecodeNext(base)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1007), next)
	require.True(t, inst.Category.IsCFI())

	var found bool
	for _, op := range inst.Ops() {
		if op.Kind == OperandBranchDisplacement {
			require.True(t, op.Branch.HasPC)
			require.Equal(t, uint64(0x1009), op.Branch.AbsolutePC)
			found = true
		}
	}
	require.True(t, found)
}

func TestDecodeMovImmediate(t *testing.T) {
	const base = 0x2000
	// MOV EAX, 1
	mem := &flatMem{base: base, code: []byte{0xB8, 0x01, 0x00, 0x00, 0x00}}
	d := NewDecoder(mem)

	inst, next, err := d.DecodeNext(base)
	require.NoError(t, err)
	require.Equal(t, base+5, next)
	require.Equal(t, OpMOV, inst.Class)
}

func TestDecodeTruncatedReturnsError(t *testing.T) {
	const base = 0x3000
	mem := &flatMem{base: base, code: []byte{}}
	d := NewDecoder(mem)

	_, _, err := d.DecodeNext(base)
	require.Error(t, err)
}
