// Package regalloc implements the two-phase register scheduler
// (spec.md §4.G): a partition-local pass assigns every virtual
// register a preferred GPR (`PGPR`) and a non-interfering spill slot,
// then rewrites every native use/def to its scheduled home —
// injecting a fill before a read and a spill after a write for any VR
// that didn't win a PGPR; a fragment-local pass then drops each spill
// to a slot that is immediately followed by a refill of the same
// register from that slot.
// Grounded on original_source/granary/code/assemble/
// 8_schedule_registers.cc (PartitionScheduler/GPRScheduler/
// FragmentScheduler/TryRemoveCopyInstruction) and arch/x86-64/
// assemble/8_schedule_registers.cc (SaveGPRToSlot/RestoreGPRFromSlot/
// TryReplaceRegInInstruction), whose interface split (a scheduler per
// granularity, Defs()/Uses()-shaped helpers) follows the sibling
// regalloc package in internal/engine/wazevo/backend/regalloc.
//
// This package schedules a single concrete ISA (spec.md has no
// cross-architecture goal), so it operates directly on
// *fragment.Fragment / *x86.Instruction rather than reproducing that
// package's ISA-agnostic Function/Block/Instr interfaces; see
// DESIGN.md for the full grounding note.
package regalloc

import (
	"sort"

	"github.com/granarydbt/granary/internal/fragment"
	"github.com/granarydbt/granary/internal/x86"
)

// allocGPRs is the pool of physical registers a virtual register may
// be scheduled onto. RSP is excluded: partitions are already coloured
// by stack discipline (spec.md §4.F) and RSP is never a scheduling
// candidate.
var allocGPRs = [...]x86.GPR{
	x86.RAX, x86.RCX, x86.RDX, x86.RBX,
	x86.RBP, x86.RSI, x86.RDI,
	x86.R8, x86.R9, x86.R10, x86.R11, x86.R12, x86.R13, x86.R14, x86.R15,
}

// home records one virtual register's scheduled location: a preferred
// GPR if one was available, and always a spill slot (spec.md §4.G.1:
// "if PGPR is unset, VR lives in its slot between fragments").
type home struct {
	hasPGPR bool
	pgpr    x86.GPR
	slot    int32
}

// Schedule runs the partition-local pass to completion across every
// partition, then the fragment-local copy-elimination pass —
// strictly sequential, per SPEC_FULL.md's decision on the open
// question of pass interleaving.
func Schedule(g *fragment.Graph) {
	for _, p := range g.Partitions() {
		schedulePartitionLocal(g, p)
	}
	for _, id := range g.All() {
		scheduleFragmentLocal(g.Fragment(id))
	}
}

func fragmentsOf(g *fragment.Graph, partitionID int32) []*fragment.Fragment {
	var out []*fragment.Fragment
	for _, id := range g.All() {
		f := g.Fragment(id)
		if f.PartitionID() == partitionID {
			out = append(out, f)
		}
	}
	return out
}

// schedulePartitionLocal implements spec.md §4.G.1 for one partition:
// PGPR selection, non-interfering slot allocation, then a rewrite pass
// over every fragment in the partition.
func schedulePartitionLocal(g *fragment.Graph, p *fragment.Partition) {
	order := fragmentsOf(g, p.ID)
	if len(order) == 0 {
		return
	}

	vrOrder, ranges := collectVirtualRegisters(order)
	if len(vrOrder) == 0 {
		return
	}

	staticUses := staticGPRUses(order)
	homes := make(map[int32]*home, len(vrOrder))
	for _, num := range vrOrder {
		homes[num] = &home{}
	}
	assignPGPRs(vrOrder, staticUses, homes)
	assignSlots(vrOrder, ranges, homes)

	maxSlot := int32(0)
	for _, num := range vrOrder {
		if homes[num].slot+1 > maxSlot {
			maxSlot = homes[num].slot + 1
		}
	}

	// Rewrite each of the partition's fragments in place, last to
	// first, from the homes assigned above.
	for i := len(order) - 1; i >= 0; i-- {
		f := order[i]
		f.ReplaceInstructions(rewriteInstructions(f.Instructions(), homes))
		f.SetPartitionSlotCount(int(maxSlot))
	}
}

// assignPGPRs picks, for each VR in first-appearance order, the
// unclaimed GPR with the fewest static uses in the partition (spec.md
// §4.G.1 step 1). Once every GPR is claimed, later VRs get no PGPR.
func assignPGPRs(vrOrder []int32, staticUses map[x86.GPR]int, homes map[int32]*home) {
	taken := make(map[x86.GPR]bool, len(allocGPRs))
	for _, num := range vrOrder {
		best, bestUses, found := x86.GPR(0), 0, false
		for _, cand := range allocGPRs {
			if taken[cand] {
				continue
			}
			uses := staticUses[cand]
			if !found || uses < bestUses {
				best, bestUses, found = cand, uses, true
			}
		}
		if found {
			taken[best] = true
			homes[num].hasPGPR = true
			homes[num].pgpr = best
		}
	}
}

// assignSlots greedily colours each VR's [minFragIdx, maxFragIdx]
// partition-local live range onto the lowest-numbered slot whose
// previous occupant's range has already ended (spec.md §4.G.1 step
// 2: a slot must not interfere with any other simultaneously-live
// partition-local VR).
func assignSlots(vrOrder []int32, ranges map[int32][2]int, homes map[int32]*home) {
	ordered := append([]int32(nil), vrOrder...)
	sort.Slice(ordered, func(i, j int) bool { return ranges[ordered[i]][0] < ranges[ordered[j]][0] })

	var slotEnds []int
	for _, num := range ordered {
		r := ranges[num]
		assigned := -1
		for i, end := range slotEnds {
			if end < r[0] {
				assigned = i
				break
			}
		}
		if assigned < 0 {
			slotEnds = append(slotEnds, r[1])
			assigned = len(slotEnds) - 1
		} else {
			slotEnds[assigned] = r[1]
		}
		homes[num].slot = int32(assigned)
	}
}

// collectVirtualRegisters scans a partition's fragments in order,
// returning every distinct VRegVirtual register number in first-seen
// order plus its [minFragIdx, maxFragIdx] span within that order.
func collectVirtualRegisters(order []*fragment.Fragment) ([]int32, map[int32][2]int) {
	seen := map[int32]bool{}
	var out []int32
	ranges := map[int32][2]int{}
	for idx, f := range order {
		for _, instr := range f.Instructions() {
			for _, num := range virtualRegNumsIn(instr) {
				if !seen[num] {
					seen[num] = true
					out = append(out, num)
					ranges[num] = [2]int{idx, idx}
					continue
				}
				r := ranges[num]
				if idx < r[0] {
					r[0] = idx
				}
				if idx > r[1] {
					r[1] = idx
				}
				ranges[num] = r
			}
		}
	}
	return out, ranges
}

func virtualRegNumsIn(instr *x86.Instruction) []int32 {
	var nums []int32
	add := func(vr x86.VirtualRegister) {
		if vr.Kind == x86.VRegVirtual {
			nums = append(nums, vr.Num)
		}
	}
	for _, op := range instr.Ops() {
		switch op.Kind {
		case x86.OperandRegister:
			add(op.Reg)
		case x86.OperandMemory, x86.OperandEffectiveAddress:
			if op.Mem.HasBase {
				add(op.Mem.Base)
			}
			if op.Mem.HasIndex {
				add(op.Mem.Index)
			}
		}
	}
	return nums
}

// staticGPRUses counts how often each physical GPR is already named
// explicitly by a partition's instructions, the "fewest static uses"
// tiebreaker spec.md §4.G.1 step 1 picks a PGPR by.
func staticGPRUses(order []*fragment.Fragment) map[x86.GPR]int {
	uses := map[x86.GPR]int{}
	for _, f := range order {
		for _, instr := range f.Instructions() {
			for _, op := range instr.Ops() {
				switch op.Kind {
				case x86.OperandRegister:
					if op.Reg.Kind == x86.VRegArchGPR {
						uses[op.Reg.GPR]++
					}
				case x86.OperandMemory, x86.OperandEffectiveAddress:
					if op.Mem.HasBase && op.Mem.Base.Kind == x86.VRegArchGPR {
						uses[op.Mem.Base.GPR]++
					}
					if op.Mem.HasIndex && op.Mem.Index.Kind == x86.VRegArchGPR {
						uses[op.Mem.Index.GPR]++
					}
				}
			}
		}
	}
	return uses
}

// rewriteInstructions rewrites every VRegVirtual operand in instrs to
// its scheduled home: a VR with a PGPR is renamed to that physical
// register directly; a VR without one is filled from its spill slot
// into a per-instruction scratch GPR before any read and spilled back
// after any write (spec.md §4.G.1 steps 3-4).
func rewriteInstructions(instrs []*x86.Instruction, homes map[int32]*home) []*x86.Instruction {
	out := make([]*x86.Instruction, 0, len(instrs))
	for _, instr := range instrs {
		scratch := assignScratch(instr, homes)

		var fills, spills []*x86.Instruction
		for i := 0; i < instr.NumOperands; i++ {
			op := &instr.Operands[i]
			switch op.Kind {
			case x86.OperandRegister:
				if op.Reg.Kind != x86.VRegVirtual {
					continue
				}
				rewriteReg(&op.Reg, op, homes, scratch, &fills, &spills)
			case x86.OperandMemory, x86.OperandEffectiveAddress:
				if op.Mem.HasBase && op.Mem.Base.Kind == x86.VRegVirtual {
					rewriteMemReg(&op.Mem.Base, homes, scratch, &fills, &spills)
				}
				if op.Mem.HasIndex && op.Mem.Index.Kind == x86.VRegVirtual {
					rewriteMemReg(&op.Mem.Index, homes, scratch, &fills, &spills)
				}
			}
		}

		out = append(out, fills...)
		out = append(out, instr)
		out = append(out, spills...)
	}
	return out
}

// assignScratch picks a distinct physical GPR for every VR referenced
// by instr that has no PGPR, avoiding any GPR the instruction already
// names explicitly (as itself or as another VR's PGPR).
func assignScratch(instr *x86.Instruction, homes map[int32]*home) map[int32]x86.GPR {
	reserved := map[x86.GPR]bool{}
	var needsScratch []int32
	seen := map[int32]bool{}

	noteVR := func(vr x86.VirtualRegister) {
		switch vr.Kind {
		case x86.VRegArchGPR:
			reserved[vr.GPR] = true
		case x86.VRegVirtual:
			h := homes[vr.Num]
			if h == nil {
				return
			}
			if h.hasPGPR {
				reserved[h.pgpr] = true
			} else if !seen[vr.Num] {
				seen[vr.Num] = true
				needsScratch = append(needsScratch, vr.Num)
			}
		}
	}

	for _, op := range instr.Ops() {
		switch op.Kind {
		case x86.OperandRegister:
			noteVR(op.Reg)
		case x86.OperandMemory, x86.OperandEffectiveAddress:
			if op.Mem.HasBase {
				noteVR(op.Mem.Base)
			}
			if op.Mem.HasIndex {
				noteVR(op.Mem.Index)
			}
		}
	}

	scratch := make(map[int32]x86.GPR, len(needsScratch))
	for _, num := range needsScratch {
		for _, cand := range allocGPRs {
			if reserved[cand] {
				continue
			}
			reserved[cand] = true
			scratch[num] = cand
			break
		}
	}
	return scratch
}

func rewriteReg(vr *x86.VirtualRegister, op *x86.Operand, homes map[int32]*home, scratch map[int32]x86.GPR, fills, spills *[]*x86.Instruction) {
	h := homes[vr.Num]
	width := vr.Width
	if h.hasPGPR {
		*vr = x86.NewArchGPR(h.pgpr, width)
		return
	}
	sc := x86.NewArchGPR(scratch[vr.Num], width)
	slot := x86.NewSpillSlot(h.slot, width)
	if op.Reads() {
		*fills = append(*fills, x86.MovRegReg(sc, slot))
	}
	if op.Writes() {
		*spills = append(*spills, x86.MovRegReg(slot, sc))
	}
	*vr = sc
}

// rewriteMemReg rewrites a VR named as a memory operand's base/index:
// these are always reads of the VR's value (to compute an address),
// never writes, regardless of the owning operand's own Action.
func rewriteMemReg(vr *x86.VirtualRegister, homes map[int32]*home, scratch map[int32]x86.GPR, fills, spills *[]*x86.Instruction) {
	h := homes[vr.Num]
	width := vr.Width
	if h.hasPGPR {
		*vr = x86.NewArchGPR(h.pgpr, width)
		return
	}
	sc := x86.NewArchGPR(scratch[vr.Num], width)
	slot := x86.NewSpillSlot(h.slot, width)
	*fills = append(*fills, x86.MovRegReg(sc, slot))
	*vr = sc
	_ = spills // no-op; kept symmetric with rewriteReg's signature
}
