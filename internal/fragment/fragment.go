// Package fragment implements the fragment builder (spec.md §4.F): it
// cuts each decoded/mangled block into Fragments at every internal
// branch and scaffold label, colours the resulting graph into
// partitions that share a stack discipline, and inserts compensation
// fragments on edges where the live-register set narrows. Its output
// feeds internal/regalloc, which schedules registers one partition
// (then one fragment) at a time.
package fragment

import "github.com/granarydbt/granary/internal/x86"

// ID is a dense, graph-local identifier for a Fragment.
type ID int32

// EdgeKind classifies where a Fragment's control flow leads, mirroring
// block.SuccessorKind but adding EdgeFragment for edges already
// resolved within this graph (either because they were internal
// scaffold jumps to begin with, or because the target block was
// already part of the trace when the graph was built).
type EdgeKind uint8

const (
	EdgeNone EdgeKind = iota
	EdgeFragment
	EdgeDirect
	EdgeIndirect
	EdgeReturn
	EdgeNative
	EdgeCompensation
)

// Edge describes one successor of a Fragment.
type Edge struct {
	Kind     EdgeKind
	Target   ID     // valid for EdgeFragment, EdgeCompensation
	TargetPC uint64 // valid for EdgeDirect, EdgeNative
}

// Fragment is a maximal single-entry instruction sequence cut from a
// decoded block at every internal branch or scaffold label (spec.md
// §4.F). It carries the stack-pointer read/write predicates used to
// colour partitions, a partition ID once coloured, and the live
// register sets bracketing it once liveness has run.
type Fragment struct {
	id ID

	instrs []*x86.Instruction

	successors    [2]Edge
	numSuccessors int

	isDecodedBlockHead bool
	isExit             bool

	writesStackPointer bool
	readsStackPointer  bool

	partitionID int32

	// flagsZoneID is assigned by internal/flagzone; zero means
	// unassigned (no flag save/restore wraps this fragment yet).
	flagsZoneID int32

	entryLive RegSet
	exitLive  RegSet

	// IsCompensation marks a fragment synthesised by
	// InsertCompensationFragments: it carries no real instructions, only
	// Kills, and exists purely to record which registers cease to be
	// live across the edge it was spliced onto.
	isCompensation bool
	kills          []x86.VirtualRegister

	// Spill bookkeeping, filled in by internal/regalloc.
	partitionSlotCount int
	localSlotCount     int
}

// ID returns this fragment's graph-local identifier.
func (f *Fragment) ID() ID { return f.id }

// Instructions returns the fragment's instruction sequence (empty for
// a compensation fragment).
func (f *Fragment) Instructions() []*x86.Instruction { return f.instrs }

// Successors returns the populated outgoing edges.
func (f *Fragment) Successors() []Edge { return f.successors[:f.numSuccessors] }

// BranchInstruction returns this fragment's last instruction, which is
// its branch when it ends in one but may be any other instruction
// otherwise. It is nil only when the fragment holds no instructions
// (e.g. a freshly inserted compensation fragment).
func (f *Fragment) BranchInstruction() *x86.Instruction {
	if len(f.instrs) == 0 {
		return nil
	}
	return f.instrs[len(f.instrs)-1]
}

// IsDecodedBlockHead reports whether this fragment is the first cut
// from its owning decoded block (i.e. the block's own entry point).
func (f *Fragment) IsDecodedBlockHead() bool { return f.isDecodedBlockHead }

// IsExit reports whether this fragment has no fragment-graph-internal
// successor (it leaves the trace: indirect, return, native, or a
// not-yet-materialised direct target).
func (f *Fragment) IsExit() bool { return f.isExit }

// WritesStackPointer reports whether any instruction in this fragment
// writes RSP.
func (f *Fragment) WritesStackPointer() bool { return f.writesStackPointer }

// ReadsStackPointer reports whether any instruction in this fragment
// reads RSP.
func (f *Fragment) ReadsStackPointer() bool { return f.readsStackPointer }

// PartitionID returns the signed partition colour assigned by
// Colour: positive for a fragment with a known-valid stack, negative
// for unknown/switched, zero before colouring has run.
func (f *Fragment) PartitionID() int32 { return f.partitionID }

// FlagsZoneID returns the flag-zone this fragment is wrapped by, or
// zero if none (set by internal/flagzone).
func (f *Fragment) FlagsZoneID() int32            { return f.flagsZoneID }
func (f *Fragment) SetFlagsZoneID(id int32)        { f.flagsZoneID = id }

// EntryLive and ExitLive return the architectural GPRs live on entry
// to / exit from this fragment, per the fixed-point dataflow computed
// by computeLiveness.
func (f *Fragment) EntryLive() RegSet { return f.entryLive }
func (f *Fragment) ExitLive() RegSet  { return f.exitLive }

// IsCompensation reports whether this is a synthesised compensation
// fragment (spec.md §4.F): it carries no real instructions, just a
// list of registers whose liveness ends at this point in the graph.
func (f *Fragment) IsCompensation() bool           { return f.isCompensation }
func (f *Fragment) Kills() []x86.VirtualRegister    { return f.kills }

// PartitionSlotCount and LocalSlotCount report the spill-slot high
// water marks internal/regalloc recorded for this fragment's
// partition-local and fragment-local scheduling passes respectively.
func (f *Fragment) PartitionSlotCount() int      { return f.partitionSlotCount }
func (f *Fragment) SetPartitionSlotCount(n int)  { f.partitionSlotCount = n }
func (f *Fragment) LocalSlotCount() int          { return f.localSlotCount }
func (f *Fragment) SetLocalSlotCount(n int)      { f.localSlotCount = n }

// PrependInstructions splices instrs onto the front of this fragment,
// ahead of any existing content (used by internal/flagzone to install
// a flag-save sequence before a zone's first real instruction).
func (f *Fragment) PrependInstructions(instrs []*x86.Instruction) {
	f.instrs = append(append([]*x86.Instruction(nil), instrs...), f.instrs...)
}

// InsertBeforeTerminator splices instrs immediately before this
// fragment's terminating branch, or appends them if the fragment has
// none (used by internal/flagzone to install a flag-restore sequence
// that must run before the fragment's own CFI).
func (f *Fragment) InsertBeforeTerminator(instrs []*x86.Instruction) {
	if len(f.instrs) == 0 || !isBranchClass(f.instrs[len(f.instrs)-1]) {
		f.instrs = append(f.instrs, instrs...)
		return
	}
	last := f.instrs[len(f.instrs)-1]
	f.instrs = append(f.instrs[:len(f.instrs)-1:len(f.instrs)-1], instrs...)
	f.instrs = append(f.instrs, last)
}

// ReplaceInstructions replaces this fragment's entire instruction
// sequence, used by internal/regalloc once it has rewritten every
// virtual-register operand to its scheduled home and spliced in the
// fill/spill/swap sequences that home requires.
func (f *Fragment) ReplaceInstructions(instrs []*x86.Instruction) {
	f.instrs = instrs
}

func (f *Fragment) addSuccessor(e Edge) {
	if f.numSuccessors >= len(f.successors) {
		panic("fragment: a fragment may have at most two successors")
	}
	f.successors[f.numSuccessors] = e
	f.numSuccessors++
}

// Partition is a colour class of Fragments that share a stack
// discipline and are connected without crossing a stack-switching
// instruction (spec.md §3, §4.F).
type Partition struct {
	ID            int32
	HighWaterMark int
}

// Graph owns every Fragment cut from one trace, plus the Partitions
// Colour assigned to them.
type Graph struct {
	arena      pool[Fragment]
	all        []ID
	partitions map[int32]*Partition
}

// Fragment returns the Fragment with the given ID, which must belong
// to g.
func (g *Graph) Fragment(id ID) *Fragment { return g.arena.view(int(id)) }

// All returns every Fragment this graph owns, in cut order.
func (g *Graph) All() []ID { return g.all }

// Partitions returns every distinct partition Colour assigned.
func (g *Graph) Partitions() map[int32]*Partition { return g.partitions }

func (g *Graph) allocate() *Fragment {
	id, f := g.arena.allocate()
	f.id = ID(id)
	g.all = append(g.all, f.id)
	return f
}

// RegSet is a bitmask over the 16 architectural GPRs, used for the
// conservative pre-scheduling liveness approximation fragment
// cutting needs to decide where to insert compensation fragments.
type RegSet uint16

// Has reports whether g is a member of s.
func (s RegSet) Has(g x86.GPR) bool { return s&(1<<uint(g)) != 0 }

// With returns s with g added.
func (s RegSet) With(g x86.GPR) RegSet { return s | (1 << uint(g)) }

// Without returns s with g removed.
func (s RegSet) Without(g x86.GPR) RegSet { return s &^ (1 << uint(g)) }

// Union returns the set union of s and other.
func (s RegSet) Union(other RegSet) RegSet { return s | other }

// Narrows reports whether to is missing any member present in s (used
// to decide whether an edge from a fragment exiting with live set s
// needs a compensation fragment before a successor entering with live
// set to).
func (s RegSet) Narrows(to RegSet) bool { return s&^to != 0 }

// Missing returns the members of s not present in to.
func (s RegSet) Missing(to RegSet) RegSet { return s &^ to }
