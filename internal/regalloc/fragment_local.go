package regalloc

import (
	"github.com/granarydbt/granary/internal/fragment"
	"github.com/granarydbt/granary/internal/x86"
)

// scheduleFragmentLocal implements the copy-elimination half of
// spec.md §4.G.2: once the partition-local pass has rewritten every
// virtual register to its scheduled home, a spill immediately
// followed by a refill of that exact slot into that exact register is
// a pure round-trip with no instruction between them to observe the
// value in the slot — both instructions are dropped, matching
// TryRemoveCopyInstruction's shape in 8_schedule_registers.cc.
func scheduleFragmentLocal(f *fragment.Fragment) {
	in := f.Instructions()
	out := make([]*x86.Instruction, 0, len(in))
	changed := false
	for i := 0; i < len(in); i++ {
		if i+1 < len(in) && isRedundantSpillRefillPair(in[i], in[i+1]) {
			i++
			changed = true
			continue
		}
		out = append(out, in[i])
	}
	if changed {
		f.ReplaceInstructions(out)
	}
}

// isRedundantSpillRefillPair recognises `MOV slot, R` immediately
// followed by `MOV R, slot` naming the same slot and register: the
// fill undoes the spill with nothing in between to have observed the
// slot's value.
func isRedundantSpillRefillPair(a, b *x86.Instruction) bool {
	if !isPlainMovRegReg(a) || !isPlainMovRegReg(b) {
		return false
	}
	aDst, aSrc := a.Operands[0].Reg, a.Operands[1].Reg
	bDst, bSrc := b.Operands[0].Reg, b.Operands[1].Reg
	return aDst.Kind == x86.VRegSpillSlot && bSrc.Kind == x86.VRegSpillSlot &&
		aDst.Equal(bSrc) && aSrc.Equal(bDst)
}

func isPlainMovRegReg(instr *x86.Instruction) bool {
	return instr.Class == x86.OpMOV && instr.NumOperands == 2 &&
		instr.Operands[0].Kind == x86.OperandRegister && instr.Operands[1].Kind == x86.OperandRegister
}
