package fragment

import "github.com/granarydbt/granary/internal/x86"

// allGPRs is the conservative liveness assumption for any edge that
// leaves this graph (indirect dispatch, return, a native exit, or a
// not-yet-materialised direct target): since the callee's register
// usage isn't known to the fragment builder, every architectural GPR
// is treated as live across it.
const allGPRs RegSet = 0xFFFF

// computeLiveness runs a backward fixed-point dataflow over g's
// fragments, tracking only architectural GPRs: virtual registers
// aren't yet bound to physical locations at this stage of the
// pipeline (that's internal/regalloc's job), so only uses/defs of
// already-physical registers are meaningful liveness facts here. This
// is exactly the liveness internal/regalloc needs to decide, at
// partition-local scheduling time, which GPRs are already committed
// on entry to a fragment.
func computeLiveness(g *Graph) {
	ids := g.All()
	uses := make([]RegSet, len(ids))
	defs := make([]RegSet, len(ids))
	for i, id := range ids {
		u, d := usesDefs(g.Fragment(id))
		uses[i], defs[i] = u, d
	}

	for changed := true; changed; {
		changed = false
		for i, id := range ids {
			f := g.Fragment(id)
			var exit RegSet
			if len(f.Successors()) == 0 {
				exit = allGPRs
			}
			for _, e := range f.Successors() {
				if e.Kind == EdgeFragment {
					exit = exit.Union(g.Fragment(e.Target).entryLive)
				} else {
					exit = allGPRs
				}
			}
			entry := uses[i].Union(exit &^ defs[i])
			if entry != f.entryLive || exit != f.exitLive {
				f.entryLive, f.exitLive = entry, exit
				changed = true
			}
		}
	}
}

func usesDefs(f *Fragment) (uses, defs RegSet) {
	for _, instr := range f.instrs {
		for _, op := range instr.Ops() {
			if op.Kind != x86.OperandRegister || op.Reg.Kind != x86.VRegArchGPR {
				continue
			}
			if op.Reads() && !defs.Has(op.Reg.GPR) {
				uses = uses.With(op.Reg.GPR)
			}
			if op.Writes() {
				defs = defs.With(op.Reg.GPR)
			}
		}
	}
	return uses, defs
}

// InsertCompensationFragments walks every EdgeFragment edge in g and
// splices in a compensation fragment wherever the successor's entry
// live set is missing registers the predecessor's exit live set still
// holds (spec.md §4.F): the live-register set has narrowed crossing
// this edge, so a fragment carrying only the corresponding SSA-kill
// annotations is inserted to record where that narrowing happens, for
// internal/regalloc to consult when deciding it's safe to stop homing
// a register past this point.
func InsertCompensationFragments(g *Graph) {
	for _, id := range append([]ID(nil), g.All()...) {
		f := g.Fragment(id)
		for i := range f.successors[:f.numSuccessors] {
			e := &f.successors[i]
			if e.Kind != EdgeFragment {
				continue
			}
			succ := g.Fragment(e.Target)
			narrowed := f.exitLive.Missing(succ.entryLive)
			if narrowed == 0 {
				continue
			}
			comp := g.allocate()
			comp.isCompensation = true
			comp.partitionID = f.partitionID
			comp.entryLive = succ.entryLive.Union(narrowed)
			comp.exitLive = succ.entryLive
			comp.kills = killsOf(narrowed)
			comp.addSuccessor(Edge{Kind: EdgeFragment, Target: e.Target})
			e.Kind, e.Target = EdgeFragment, comp.id
		}
	}
}

func killsOf(s RegSet) []x86.VirtualRegister {
	var out []x86.VirtualRegister
	for g := x86.GPR(0); int(g) < 16; g++ {
		if s.Has(g) {
			out = append(out, x86.NewArchGPR(g, 8))
		}
	}
	return out
}
