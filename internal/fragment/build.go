package fragment

import (
	"github.com/granarydbt/granary/internal/block"
	"github.com/granarydbt/granary/internal/x86"
)

// Build cuts every Block in tr into Fragments (spec.md §4.F): a new
// fragment begins at the block's head, at every scaffold label the
// mangler inserted, and immediately after every branch-class
// instruction (so a CALL/Jcc/LOOP/JMP always ends the fragment it
// appears in). Intra-block scaffold branches (to a mangler-inserted
// label) resolve directly to an EdgeFragment edge within the block;
// every other branch-ending fragment is an "exit candidate" that
// leaves the block, and is matched in order against the block's own
// successor list, which the mangler never reorders (only a CFI's
// operands change shape, not how many successors it has or their
// order). A SuccessorDirect edge whose target PC matches another
// Block already materialised in tr is further resolved to an
// intra-graph EdgeFragment edge rather than left as an EdgeDirect
// materialise-later edge.
func Build(tr *block.Trace) (*Graph, error) {
	g := &Graph{partitions: map[int32]*Partition{}}
	g.arena = newPool[Fragment]()

	pcToBlockEntry := map[uint64]ID{}
	blockFrags := map[block.ID][]ID{}
	blockExits := map[block.ID][]ID{}

	for _, bid := range tr.All() {
		b := tr.Block(bid)
		frags, exits := cutBlock(g, b)
		blockFrags[bid] = frags
		blockExits[bid] = exits
		if len(frags) > 0 {
			pcToBlockEntry[b.NativePC()] = frags[0]
		}
	}

	for _, bid := range tr.All() {
		b := tr.Block(bid)
		wireBlockSuccessors(g, blockExits[bid], b.Successors(), pcToBlockEntry)
	}

	for _, id := range g.All() {
		f := g.Fragment(id)
		f.isExit = true
		for _, e := range f.Successors() {
			if e.Kind == EdgeFragment {
				f.isExit = false
			}
		}
	}

	computeLiveness(g)
	return g, nil
}

// wireBlockSuccessors zips a block's exit-candidate fragments against
// its successor list, aligned from the end: the block's trailing
// instruction (a synthesised fall-through, or the sole CFI of a
// single-successor block) is never touched by mangling, so the last
// exit candidate always realises the last successor.
func wireBlockSuccessors(g *Graph, exits []ID, succs []block.Successor, pcToBlockEntry map[uint64]ID) {
	nc, ns := len(exits), len(succs)
	n := nc
	if ns < n {
		n = ns
	}
	offC, offS := nc-n, ns-n
	for i := 0; i < n; i++ {
		frag := g.Fragment(exits[offC+i])
		frag.addSuccessor(edgeFor(succs[offS+i], pcToBlockEntry))
	}
}

func edgeFor(succ block.Successor, pcToBlockEntry map[uint64]ID) Edge {
	switch succ.Kind {
	case block.SuccessorDirect, block.SuccessorDecoded, block.SuccessorCached, block.SuccessorCompensation:
		if target, ok := pcToBlockEntry[succ.TargetPC]; ok {
			return Edge{Kind: EdgeFragment, Target: target}
		}
		return Edge{Kind: EdgeDirect, TargetPC: succ.TargetPC}
	case block.SuccessorIndirect:
		return Edge{Kind: EdgeIndirect}
	case block.SuccessorReturn:
		return Edge{Kind: EdgeReturn}
	case block.SuccessorNative:
		return Edge{Kind: EdgeNative, TargetPC: succ.TargetPC}
	default:
		return Edge{Kind: EdgeNone}
	}
}

// cutBlock splits one decoded block into its constituent Fragments. It
// returns the fragments in cut order, plus the subsequence of those
// fragments whose final instruction is branch-class but does not
// resolve to an intra-block label (the "exit candidates" that carry
// one of the block's own successor edges).
func cutBlock(g *Graph, b *block.Block) (frags []ID, exits []ID) {
	labelToFrag := map[int32]int{} // label id -> index into frags the label starts

	startNew := true
	var cur *Fragment
	for _, instr := range b.Instructions() {
		if isLabelMarker(instr) {
			labelToFrag[instr.LabelID] = len(frags)
			startNew = true
			continue
		}
		if startNew {
			cur = g.allocate()
			cur.isDecodedBlockHead = len(frags) == 0
			frags = append(frags, cur.id)
			startNew = false
		}
		cur.instrs = append(cur.instrs, instr)
		if instr.IsStackPointerWrite() {
			cur.writesStackPointer = true
		}
		if instr.IsStackPointerRead() {
			cur.readsStackPointer = true
		}
		if isBranchClass(instr) {
			startNew = true
		}
	}

	for i, id := range frags {
		f := g.Fragment(id)
		last := f.BranchInstruction()
		if last == nil || !isBranchClass(last) {
			continue
		}
		if lbl, ok := branchLabelOf(last); ok {
			if idx, ok := labelToFrag[lbl]; ok && idx < len(frags) {
				f.addSuccessor(Edge{Kind: EdgeFragment, Target: frags[idx]})
			}
			// A conditional branch (Jcc/LOOP) that resolves to a local
			// scaffold label still falls through to the next fragment
			// when not taken; an unconditional jump to a label has no
			// such second outcome.
			if last.Category == x86.CategoryCondJump && i+1 < len(frags) {
				f.addSuccessor(Edge{Kind: EdgeFragment, Target: frags[i+1]})
			}
			continue
		}
		exits = append(exits, id)
	}

	return frags, exits
}

// isLabelMarker reports whether instr is a pure label marker (emitted
// by internal/mangle's scaffolding, never encoded directly).
func isLabelMarker(instr *x86.Instruction) bool {
	return instr.Class == x86.OpInvalid && instr.LabelID != 0
}

// isBranchClass reports whether instr is the kind of instruction that
// always ends the fragment it terminates (spec.md §4.F, "cut at every
// conditional branch" generalised to every branch-class instruction,
// since scaffolding introduces intra-block branches the original CFI
// stream never had).
func isBranchClass(instr *x86.Instruction) bool { return instr.Category.IsCFI() }

// branchLabelOf extracts the not-yet-placed label a branch targets,
// if any (as opposed to a resolved absolute PC or an indirect
// register/memory operand).
func branchLabelOf(instr *x86.Instruction) (int32, bool) {
	for _, op := range instr.Ops() {
		if op.Kind == x86.OperandBranchDisplacement && !op.Branch.HasPC && op.Branch.LabelID != 0 {
			return op.Branch.LabelID, true
		}
	}
	return 0, false
}
