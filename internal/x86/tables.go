package x86

import "golang.org/x/arch/x86/x86asm"

// classInfo is the per-opcode-class row of the static tables built
// once at process start (spec.md §4.A): the class's Category plus its
// read/written flag masks. There is no separate notion of a
// conditional ("may-write") flag write; every listed flag write is
// recorded as a plain write.
type classInfo struct {
	category     Category
	readFlags    FlagSet
	writtenFlags FlagSet
	// implicit lists the implicit operand template for the default
	// selection of this class; materialised once as an immutable
	// slice and never mutated after init().
	implicit []Operand
}

var classTable map[OpcodeClass]classInfo

// x86asmOpToClass maps the subset of golang.org/x/arch/x86/x86asm
// opcodes the decoder recognises onto our OpcodeClass. Built once in
// init() as a literal map, so that extending recognised forms only
// means adding a row here, not touching the decoder's control flow.
var x86asmOpToClass map[x86asm.Op]OpcodeClass

func init() {
	classTable = map[OpcodeClass]classInfo{
		OpMOV:   {category: CategoryOther},
		OpXCHG:  {category: CategoryOther},
		OpLEA:   {category: CategoryOther},
		OpPUSH:  {category: CategoryOther},
		OpPOP:   {category: CategoryOther},
		OpUD2:   {category: CategoryOther},
		OpLAHF:  {category: CategoryOther, writtenFlags: flagSetOf()},
		OpSAHF:  {category: CategoryOther, writtenFlags: flagSetOf(FlagCF, FlagPF, FlagAF, FlagZF, FlagSF)},
		OpSETcc: {category: CategoryOther, readFlags: flagSetOf(FlagCF, FlagPF, FlagZF, FlagSF, FlagOF)},
		OpADD: {
			category:     CategoryOther,
			writtenFlags: flagSetOf(FlagCF, FlagPF, FlagAF, FlagZF, FlagSF, FlagOF),
		},
		OpJMP:  {category: CategoryUncondJump},
		OpCALL: {category: CategoryCall},
		OpRET:  {category: CategoryReturn},
		OpLOOP: {category: CategoryCondJump, readFlags: flagSetOf()},
		OpJMPcc: {
			category:  CategoryCondJump,
			readFlags: flagSetOf(FlagCF, FlagPF, FlagZF, FlagSF, FlagOF),
		},
		OpOther: {category: CategoryOther},
	}

	// LAHF's written set is the low byte of flags (SF:ZF:0:AF:0:PF:1:CF)
	// stuffed into AH; we model it as writing nothing architecturally
	// observable beyond AH itself, which is captured via the operand,
	// not the flags mask (matches spec.md's "flags zone" model, which
	// only cares about the *architectural flags register*, not AH).

	x86asmOpToClass = map[x86asm.Op]OpcodeClass{
		x86asm.MOV:  OpMOV,
		x86asm.XCHG: OpXCHG,
		x86asm.LEA:  OpLEA,
		x86asm.PUSH: OpPUSH,
		x86asm.POP:  OpPOP,
		x86asm.JMP:  OpJMP,
		x86asm.CALL: OpCALL,
		x86asm.RET:  OpRET,
		x86asm.LOOP: OpLOOP, x86asm.LOOPE: OpLOOP, x86asm.LOOPNE: OpLOOP, x86asm.JCXZ: OpLOOP,
		x86asm.UD2:  OpUD2,
		x86asm.LAHF: OpLAHF,
		x86asm.SAHF: OpSAHF,
		x86asm.ADD:  OpADD,
		x86asm.JE: OpJMPcc, x86asm.JNE: OpJMPcc, x86asm.JA: OpJMPcc, x86asm.JAE: OpJMPcc,
		x86asm.JB: OpJMPcc, x86asm.JBE: OpJMPcc, x86asm.JG: OpJMPcc, x86asm.JGE: OpJMPcc,
		x86asm.JL: OpJMPcc, x86asm.JLE: OpJMPcc, x86asm.JO: OpJMPcc, x86asm.JNO: OpJMPcc,
		x86asm.JS: OpJMPcc, x86asm.JNS: OpJMPcc, x86asm.JP: OpJMPcc, x86asm.JNP: OpJMPcc,
	}

	for _, op := range []x86asm.Op{
		x86asm.SETA, x86asm.SETAE, x86asm.SETB, x86asm.SETBE, x86asm.SETE,
		x86asm.SETG, x86asm.SETGE, x86asm.SETL, x86asm.SETLE, x86asm.SETNE,
		x86asm.SETNO, x86asm.SETNP, x86asm.SETNS, x86asm.SETO, x86asm.SETP,
		x86asm.SETS,
	} {
		x86asmOpToClass[op] = OpSETcc
	}
}

// classOf returns the OpcodeClass for an x86asm.Op, defaulting to
// OpOther for anything not explicitly tabled.
func classOf(op x86asm.Op) OpcodeClass {
	if c, ok := x86asmOpToClass[op]; ok {
		return c
	}
	return OpOther
}

// categoryOf returns the Category for an OpcodeClass as computed by
// the static tables.
func categoryOf(c OpcodeClass) Category {
	return classTable[c].category
}

// flagsOf returns the (read, written) FlagSet pair for an OpcodeClass.
func flagsOf(c OpcodeClass) (read, written FlagSet) {
	info := classTable[c]
	return info.readFlags, info.writtenFlags
}
