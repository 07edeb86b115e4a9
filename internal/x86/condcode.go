package x86

import "golang.org/x/arch/x86/x86asm"

// CondCode is the architectural tttn condition-code nibble (0-15)
// shared by Jcc and SETcc; it is stored directly in Instruction's
// Selection field for OpJMPcc/OpSETcc instructions, since the
// condition IS the selected form. Pairs (2k, 2k+1) are each other's
// negation, matching the x86 encoding: O/NO, B/AE, E/NE, BE/A, S/NS,
// P/NP, L/GE, LE/G.
type CondCode = Selection

const (
	CondO CondCode = iota
	CondNO
	CondB
	CondAE
	CondE
	CondNE
	CondBE
	CondA
	CondS
	CondNS
	CondP
	CondNP
	CondL
	CondGE
	CondLE
	CondG
)

// Reverse returns the negated condition (spec.md §4.E, "replace `Jcc
// target` by a negated-condition branch").
func (c CondCode) Reverse() CondCode { return c ^ 1 }

var condCodeOf = map[x86asm.Op]CondCode{
	x86asm.JO:  CondO,
	x86asm.JNO: CondNO,
	x86asm.JB:  CondB,
	x86asm.JAE: CondAE,
	x86asm.JE:  CondE,
	x86asm.JNE: CondNE,
	x86asm.JBE: CondBE,
	x86asm.JA:  CondA,
	x86asm.JS:  CondS,
	x86asm.JNS: CondNS,
	x86asm.JP:  CondP,
	x86asm.JNP: CondNP,
	x86asm.JL:  CondL,
	x86asm.JGE: CondGE,
	x86asm.JLE: CondLE,
	x86asm.JG:  CondG,
}

var condCodeOfSetcc = map[x86asm.Op]CondCode{
	x86asm.SETO:  CondO,
	x86asm.SETNO: CondNO,
	x86asm.SETB:  CondB,
	x86asm.SETAE: CondAE,
	x86asm.SETE:  CondE,
	x86asm.SETNE: CondNE,
	x86asm.SETBE: CondBE,
	x86asm.SETA:  CondA,
	x86asm.SETS:  CondS,
	x86asm.SETNS: CondNS,
	x86asm.SETP:  CondP,
	x86asm.SETNP: CondNP,
	x86asm.SETL:  CondL,
	x86asm.SETGE: CondGE,
	x86asm.SETLE: CondLE,
	x86asm.SETG:  CondG,
}

// LoopVariant distinguishes LOOP/LOOPE/LOOPNE/JRCXZ, which all
// collapse to OpLOOP at the OpcodeClass level (spec.md §4.E's
// "Loop/JRCXZ" scaffold treats them uniformly, but the encoder must
// still emit the right opcode byte).
type LoopVariant = Selection

const (
	LoopCX LoopVariant = iota
	LoopE
	LoopNE
	LoopJRCXZ
)

var loopVariantOf = map[x86asm.Op]LoopVariant{
	x86asm.LOOP:   LoopCX,
	x86asm.LOOPE:  LoopE,
	x86asm.LOOPNE: LoopNE,
	x86asm.JCXZ:   LoopJRCXZ,
}

// CondCodeOf returns the CondCode for a decoded Jcc or SETcc op.
func CondCodeOf(op x86asm.Op) (CondCode, bool) {
	if c, ok := condCodeOf[op]; ok {
		return c, true
	}
	c, ok := condCodeOfSetcc[op]
	return c, ok
}

// LoopVariantOf returns the LoopVariant for a decoded loop-class op.
func LoopVariantOf(op x86asm.Op) (LoopVariant, bool) {
	v, ok := loopVariantOf[op]
	return v, ok
}
