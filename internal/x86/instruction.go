package x86

// maxOperands is the hard limit on explicit+implicit operands per
// spec.md §3 ("at most 8, with a hard debug bound of 11 for
// implicit-heavy forms such as PUSHAD").
const maxOperands = 8

// maxOperandsDebug is the absolute ceiling checked by AddOperand, and
// the capacity of Instruction.Operands.
const maxOperandsDebug = 11

// OpcodeClass identifies the instruction's opcode family, independent
// of the specific encoded form (selection).
type OpcodeClass uint16

// Selection identifies a specific encoded form of an OpcodeClass (e.g.
// register-direct vs. memory-direct MOV).
type Selection uint16

const (
	OpInvalid OpcodeClass = iota
	OpMOV
	OpXCHG
	OpPUSH
	OpPOP
	OpLEA
	OpJMP
	OpJMPcc
	OpCALL
	OpLOOP
	OpRET
	OpUD2
	OpLAHF
	OpSAHF
	OpSETcc
	OpADD
	OpOther
)

// Instruction is the typed IR for a single x86-64 instruction: opcode
// class, selected form, width, operands, prefixes, and derived
// attributes (spec.md §3).
type Instruction struct {
	Class     OpcodeClass
	Selection Selection
	WidthBits uint8

	// DecodedPC is the native PC this instruction was decoded from. A
	// zero value combined with Synthesized==true marks a synthesised
	// (mangler- or instrumentation-inserted) instruction.
	DecodedPC   uint64
	Synthesized bool

	Operands    [maxOperandsDebug]Operand
	NumOperands int

	Prefixes PrefixSet

	ReadFlags    FlagSet
	WrittenFlags FlagSet

	Category Category

	// LabelID, when non-zero, marks this instruction as a label
	// target referenced by BranchTarget.LabelID elsewhere in the same
	// block.
	LabelID int32
}

// PrefixSet is a bitmask of legacy/REX prefix bits relevant to the IR
// (segment overrides are carried on the Memory operand itself, per
// spec.md §3).
type PrefixSet uint16

const (
	PrefixLock PrefixSet = 1 << iota
	PrefixRep
	PrefixRepne
)

// AddOperand appends an operand, enforcing the hard debug bound.
func (in *Instruction) AddOperand(op Operand) {
	if in.NumOperands >= maxOperandsDebug {
		panic("x86: instruction operand count exceeds debug bound")
	}
	in.Operands[in.NumOperands] = op
	in.NumOperands++
}

// Ops returns the populated operand slice.
func (in *Instruction) Ops() []Operand { return in.Operands[:in.NumOperands] }

// ReplaceOperand replaces operand i if and only if it is explicit and
// not sticky, per spec.md §4.A. Returns false (no-op) otherwise.
func (in *Instruction) ReplaceOperand(i int, op Operand) bool {
	if i < 0 || i >= in.NumOperands {
		return false
	}
	cur := in.Operands[i]
	if !cur.Explicit || cur.Sticky {
		return false
	}
	op.Explicit = true
	op.Sticky = cur.Sticky
	in.Operands[i] = op
	return true
}

// IsStackPointerRead reports whether this instruction reads RSP as
// part of its semantics (e.g. PUSH, POP, CALL, RET, or any explicit
// RSP operand).
func (in *Instruction) IsStackPointerRead() bool {
	switch in.Class {
	case OpPUSH, OpPOP, OpRET, OpCALL:
		return true
	}
	return in.touchesRSP(ActionRead) || in.touchesRSP(ActionReadWrite) ||
		in.touchesRSP(ActionReadCondWrite)
}

// IsStackPointerWrite reports whether this instruction writes RSP.
func (in *Instruction) IsStackPointerWrite() bool {
	switch in.Class {
	case OpPUSH, OpPOP, OpCALL, OpRET:
		return true
	}
	return in.touchesRSP(ActionWrite) || in.touchesRSP(ActionReadWrite) ||
		in.touchesRSP(ActionReadCondWrite)
}

func (in *Instruction) touchesRSP(action Action) bool {
	for _, op := range in.Ops() {
		if op.Kind == OperandRegister && op.Reg.Kind == VRegArchGPR &&
			op.Reg.GPR == RSP && op.Action == action {
			return true
		}
	}
	return false
}

// IsAtomic reports whether this instruction carries a LOCK prefix.
func (in *Instruction) IsAtomic() bool { return in.Prefixes&PrefixLock != 0 }

// IsNoOp reports whether this instruction is an `XCHG reg,reg` with
// identical operands, which has no observable effect. Other no-op
// forms are not recognised; the single-byte NOP decodes as OpOther.
func (in *Instruction) IsNoOp() bool {
	return in.Class == OpXCHG && in.NumOperands == 2 &&
		in.Operands[0].Kind == OperandRegister && in.Operands[1].Kind == OperandRegister &&
		in.Operands[0].Reg.Equal(in.Operands[1].Reg)
}

// IsConditionalJump reports whether this is a Jcc-class instruction.
func (in *Instruction) IsConditionalJump() bool { return in.Category == CategoryCondJump }

// IsFunctionCall reports whether this is a CALL-class instruction.
func (in *Instruction) IsFunctionCall() bool { return in.Category == CategoryCall }

// IsFunctionReturn reports whether this is a RET-class instruction.
func (in *Instruction) IsFunctionReturn() bool { return in.Category == CategoryReturn }

// IsUnconditionalJump reports whether this is an unconditional JMP.
func (in *Instruction) IsUnconditionalJump() bool { return in.Category == CategoryUncondJump }

// IsLoopInstruction reports whether this is LOOP/LOOPE/LOOPNE/JRCXZ.
func (in *Instruction) IsLoopInstruction() bool { return in.Class == OpLOOP }

// StackPointerShiftAmount returns the number of bytes by which this
// instruction shifts RSP (signed: positive for POP/RET-like growth
// back toward higher addresses, negative for PUSH/CALL).
func (in *Instruction) StackPointerShiftAmount() int32 {
	width := int32(in.WidthBits) / 8
	if width == 0 {
		width = 8
	}
	switch in.Class {
	case OpPUSH, OpCALL:
		return -width
	case OpPOP:
		return width
	case OpRET:
		// RET imm16 also releases imm16 bytes above the return address.
		for _, op := range in.Ops() {
			if op.Kind == OperandImmediate {
				width += int32(op.ImmValue)
			}
		}
		return width
	default:
		return 0
	}
}
