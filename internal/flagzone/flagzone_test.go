package flagzone_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/granarydbt/granary/internal/block"
	"github.com/granarydbt/granary/internal/flagzone"
	"github.com/granarydbt/granary/internal/fragment"
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

func buildGraph(t *testing.T, base uint64, code []byte) *fragment.Graph {
	t.Helper()
	dec := x86.NewDecoder(&flatAddressSpace{base: base, code: code})
	tr, err := block.Materialise(dec, base, nil)
	require.NoError(t, err)
	g, err := fragment.Build(tr)
	require.NoError(t, err)
	return g
}

func TestWrapInsertsSaveAndRestoreAroundFragment(t *testing.T) {
	g := buildGraph(t, 0x8000, []byte{0xC3}) // RET
	f := g.Fragment(g.All()[0])
	before := len(f.Instructions())

	slot := x86.NewSpillSlot(1, 8)
	z, err := flagzone.Wrap(f, x86.FlagSet(x86.FlagOF), true, slot, 1)
	require.NoError(t, err)
	require.Equal(t, flagzone.ID(1), z.ID())

	got := f.Instructions()
	// MOV slot,RAX; LAHF; SETO AL; ADD AL,0x7F; SAHF; MOV RAX,slot; <original RET>
	// (the restore sequence must run before the fragment's terminating
	// branch, since nothing executes in this fragment after it).
	require.Equal(t, before+6, len(got))
	require.Equal(t, x86.OpMOV, got[0].Class)
	require.Equal(t, x86.OpLAHF, got[1].Class)
	require.Equal(t, x86.OpSETcc, got[2].Class)
	require.Equal(t, x86.OpADD, got[3].Class)
	require.Equal(t, x86.OpSAHF, got[4].Class)
	require.Equal(t, x86.OpMOV, got[5].Class)
	require.Equal(t, x86.OpRET, got[6].Class)

	require.Equal(t, int32(1), f.FlagsZoneID())
}

func TestWrapWithoutScratchLiveSkipsSaveRestoreMov(t *testing.T) {
	g := buildGraph(t, 0x8100, []byte{0xC3})
	f := g.Fragment(g.All()[0])

	slot := x86.NewSpillSlot(2, 8)
	_, err := flagzone.Wrap(f, x86.FlagSet(0), false, slot, 2)
	require.NoError(t, err)

	got := f.Instructions()
	// LAHF; SAHF; <original RET> -- no MOV, no SETO/ADD (OF not in mask);
	// the restore lands before the fragment's terminating branch.
	require.Len(t, got, 3)
	require.Equal(t, x86.OpLAHF, got[0].Class)
	require.Equal(t, x86.OpSAHF, got[1].Class)
	require.Equal(t, x86.OpRET, got[2].Class)
}

func TestWrapRejectsDFInKillMask(t *testing.T) {
	g := buildGraph(t, 0x8200, []byte{0xC3})
	f := g.Fragment(g.All()[0])

	slot := x86.NewSpillSlot(3, 8)
	_, err := flagzone.Wrap(f, x86.FlagSet(x86.FlagDF), false, slot, 3)
	require.ErrorIs(t, err, flagzone.ErrDFHardError)
}
