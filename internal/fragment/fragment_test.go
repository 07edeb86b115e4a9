package fragment_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/granarydbt/granary/internal/block"
	"github.com/granarydbt/granary/internal/fragment"
	"github.com/granarydbt/granary/internal/mangle"
	"github.com/granarydbt/granary/internal/metadata"
	"github.com/granarydbt/granary/internal/x86"
)

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

func materialise(t *testing.T, base uint64, code []byte) *block.Trace {
	t.Helper()
	dec := x86.NewDecoder(&flatAddressSpace{base: base, code: code})
	tr, err := block.Materialise(dec, base, nil)
	require.NoError(t, err)
	return tr
}

func TestBuildCutsStraightLineBlockIntoOneFragment(t *testing.T) {
	// A single RET: one block, one fragment, no successors to resolve
	// locally (the return leaves the graph).
	tr := materialise(t, 0x1000, []byte{0xC3})
	g, err := fragment.Build(tr)
	require.NoError(t, err)
	require.Len(t, g.All(), 1)

	f := g.Fragment(g.All()[0])
	require.True(t, f.IsDecodedBlockHead())
	require.Len(t, f.Successors(), 1)
	require.Equal(t, fragment.EdgeReturn, f.Successors()[0].Kind)
}

func TestBuildCutsLoopScaffoldIntoMultipleFragments(t *testing.T) {
	const base = 0x4000
	code := []byte{0xE2, 0x02} // LOOP +2 (near target, base+4)
	tr := materialise(t, base, code)
	entry := tr.Entry()
	cfi := entry.BranchInstruction()
	require.Equal(t, x86.OpLOOP, cfi.Class)

	m := mangle.NewMangler(&x86.NativeAddressTable{})
	require.NoError(t, m.RelativizeDirectCFI(entry, cfi, base+4, false))

	g, err := fragment.Build(tr)
	require.NoError(t, err)

	// jmp try_loop | do_loop: jmp target | try_loop: loop do_loop | fallthrough jmp
	// cuts into 4 fragments: [jmp try_loop], [jmp target], [loop do_loop], [fallthrough jmp]
	require.Len(t, g.All(), 4)

	head := g.Fragment(g.All()[0])
	require.True(t, head.IsDecodedBlockHead())
	require.Len(t, head.Successors(), 1)
	require.Equal(t, fragment.EdgeFragment, head.Successors()[0].Kind)

	// The "jmp target" fragment resolves to a real application PC with
	// no local block materialised for it, so it's left as a direct
	// exit edge for the translator to resolve on demand. It is the
	// first such fragment in cut order; the fall-through fragment cut
	// after it also has a single direct exit edge, so stop at the first.
	var jmpTarget *fragment.Fragment
	for _, id := range g.All() {
		f := g.Fragment(id)
		if len(f.Successors()) == 1 && f.Successors()[0].Kind == fragment.EdgeDirect {
			jmpTarget = f
			break
		}
	}
	require.NotNil(t, jmpTarget)
	require.Equal(t, uint64(base+4), jmpTarget.Successors()[0].TargetPC)

	// The "loop do_loop" fragment has a local back-edge to do_loop plus
	// a fallthrough EdgeFragment edge to the fragment holding the
	// block's synthesised fall-through JMP.
	var loopFrag *fragment.Fragment
	for _, id := range g.All() {
		f := g.Fragment(id)
		if f.BranchInstruction() != nil && f.BranchInstruction().Class == x86.OpLOOP {
			loopFrag = f
		}
	}
	require.NotNil(t, loopFrag)
	require.Len(t, loopFrag.Successors(), 2)
}

func TestColourAssignsPositivePartitionByDefault(t *testing.T) {
	tr := materialise(t, 0x5000, []byte{0xC3})
	g, err := fragment.Build(tr)
	require.NoError(t, err)

	f := g.Fragment(g.All()[0])
	fragment.Colour(g, func(*fragment.Fragment) *metadata.Block { return nil })
	require.Positive(t, f.PartitionID())
	require.Contains(t, g.Partitions(), f.PartitionID())
}

func TestColourSeedsNegativePartitionForUnknownStack(t *testing.T) {
	mgr := metadata.NewManager()
	blk := mgr.Allocate()
	blk.SetStack(metadata.StackUnknown)

	dec := x86.NewDecoder(&flatAddressSpace{base: 0x5100, code: []byte{0xC3}})
	tr, err := block.Materialise(dec, 0x5100, blk)
	require.NoError(t, err)

	g, err := fragment.Build(tr)
	require.NoError(t, err)
	f := g.Fragment(g.All()[0])
	fragment.Colour(g, func(*fragment.Fragment) *metadata.Block { return blk })
	require.Negative(t, f.PartitionID())
}

func TestInsertCompensationFragmentsSkipsNonNarrowingEdges(t *testing.T) {
	const base = 0x6000
	code := []byte{0x74, 0x02} // JE +2
	tr := materialise(t, base, code)
	entry := tr.Entry()
	cfi := entry.BranchInstruction()

	m := mangle.NewMangler(&x86.NativeAddressTable{})
	require.NoError(t, m.RelativizeDirectCFI(entry, cfi, 0x50000000, true))

	g, err := fragment.Build(tr)
	require.NoError(t, err)
	before := len(g.All())

	fragment.InsertCompensationFragments(g)
	// The scaffold's Jcc' fragment has two EdgeFragment edges, each to
	// an exit fragment whose entry live set is every GPR, so neither
	// edge narrows the live set; no compensation fragments should
	// appear.
	require.Len(t, g.All(), before)
}
