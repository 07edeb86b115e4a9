package x86

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// ErrUnresolvedBranch is a fatal internal error (spec.md §4.C, §7):
// the encoder's Commit phase found a branch operand whose target
// label was never assigned a cache PC.
type ErrUnresolvedBranch struct {
	LabelID int32
}

func (e *ErrUnresolvedBranch) Error() string {
	return fmt.Sprintf("x86: unresolved branch displacement to label %d at commit time", e.LabelID)
}

// Encoder lowers Instruction sequences to machine bytes in two
// phases: Stage computes sizes without writing, Commit links any
// forward label references and writes the final bytes (spec.md §4.C).
type Encoder struct {
	builder *asm.Builder
	// labelProgs maps a LabelID to the zero-size anchor Prog marking
	// its position, the same Prog-linking scheme golang-asm's own
	// backends use to resolve local jumps: a branch's To.Val is set to
	// the target Prog rather than a hand-computed byte offset, so the
	// assembler's own layout pass places it correctly regardless of
	// how any other instruction in the sequence re-encodes.
	labelProgs map[int32]*obj.Prog
	progs      []*obj.Prog
	// pending records forward references to a not-yet-placed label (a
	// branch target, or a label-address load) needing their Addr.Val
	// filled in once every label in this Stage call is known.
	pending []pendingFixup
}

type pendingFixup struct {
	addr    *obj.Addr
	labelID int32
}

// NewEncoder returns an Encoder targeting amd64.
func NewEncoder() (*Encoder, error) {
	b, err := asm.NewBuilder("amd64", 4096)
	if err != nil {
		return nil, fmt.Errorf("x86: creating assembler builder: %w", err)
	}
	return &Encoder{builder: b, labelProgs: make(map[int32]*obj.Prog)}, nil
}

// Stage appends instr to the pending sequence and returns an upper
// bound on its encoded size in bytes (see instructionByteEstimate)
// without writing anything to a cache buffer. Label
// instructions (LabelID != 0, no opcode) are staged as a zero-size
// obj.ANOP anchor so later branches can link to their exact position.
func (e *Encoder) Stage(instr *Instruction) (sizeBytes int, err error) {
	if instr.LabelID != 0 && instr.Class == OpInvalid {
		anchor := e.builder.NewProg()
		anchor.As = obj.ANOP
		e.builder.AddInstruction(anchor)
		e.progs = append(e.progs, anchor)
		e.labelProgs[instr.LabelID] = anchor
		return 0, nil
	}

	prog, err := e.lower(instr)
	if err != nil {
		return 0, err
	}
	e.builder.AddInstruction(prog)
	e.progs = append(e.progs, prog)
	return instructionByteEstimate(instr), nil
}

// Commit links every forward label reference recorded during Stage
// and assembles the sequence into code to be placed starting at
// cachePC. It is a fatal internal error for any branch or
// label-address load to remain unresolved (spec.md §4.C).
func (e *Encoder) Commit(cachePC uint64) ([]byte, error) {
	for _, pb := range e.pending {
		target, ok := e.labelProgs[pb.labelID]
		if !ok {
			return nil, &ErrUnresolvedBranch{LabelID: pb.labelID}
		}
		pb.addr.Val = target
	}

	code, err := e.builder.Assemble()
	if err != nil {
		return nil, fmt.Errorf("x86: assembling code cache region at 0x%x: %w", cachePC, err)
	}
	return code, nil
}

// Reset clears the Encoder for reuse against the next block.
func (e *Encoder) Reset() {
	if b, err := asm.NewBuilder("amd64", 4096); err == nil {
		e.builder = b
	}
	e.progs = e.progs[:0]
	e.pending = e.pending[:0]
	for k := range e.labelProgs {
		delete(e.labelProgs, k)
	}
}

// instructionByteEstimate gives a conservative upper bound on an
// instruction's encoded length. Stage returns it, so its callers (the
// translator's commit step) can size a code segment before a full
// Commit is possible. The real size is only known once
// golang-asm's internal Builder.Assemble has run.
func instructionByteEstimate(instr *Instruction) int {
	switch instr.Class {
	case OpUD2, OpLAHF, OpSAHF:
		return 2
	case OpPUSH, OpPOP:
		return 2
	default:
		return 15
	}
}

// lower converts one IR Instruction into a golang-asm obj.Prog. Only
// the forms produced by the builders in builders.go (and by decoding
// the restricted subset of application code this translator needs to
// re-emit byte-identically) are handled; anything else is an
// internal error, since by the time an Instruction reaches the
// encoder it has already passed through mangling and scheduling.
func (e *Encoder) lower(instr *Instruction) (*obj.Prog, error) {
	p := e.builder.NewProg()
	switch instr.Class {
	case OpMOV:
		return e.lowerMov(p, instr)
	case OpXCHG:
		p.As = widthOp(instr.WidthBits, x86.AXCHGB, x86.AXCHGW, x86.AXCHGL, x86.AXCHGQ)
		setRegReg(p, instr)
		return p, nil
	case OpPUSH:
		p.As = x86.APUSHQ
		setRegSrc(p, &p.From, instr.Operands[0])
		return p, nil
	case OpPOP:
		p.As = x86.APOPQ
		setRegDst(p, &p.To, instr.Operands[0])
		return p, nil
	case OpLEA:
		p.As = widthOp(instr.WidthBits, x86.ALEAL, x86.ALEAL, x86.ALEAL, x86.ALEAQ)
		setRegDst(p, &p.To, instr.Operands[0])
		setMemSrc(p, &p.From, instr.Operands[1])
		return p, nil
	case OpJMP:
		return e.lowerJmp(p, instr)
	case OpJMPcc:
		p.As = condJumpOp(instr.Selection)
		return e.lowerBranchTarget(p, instr)
	case OpLOOP:
		p.As = loopOp(instr.Selection)
		return e.lowerBranchTarget(p, instr)
	case OpCALL:
		return e.lowerCall(p, instr)
	case OpRET:
		p.As = obj.ARET
		return p, nil
	case OpUD2:
		p.As = x86.AUD2
		return p, nil
	case OpLAHF:
		p.As = x86.ALAHF
		return p, nil
	case OpSAHF:
		p.As = x86.ASAHF
		return p, nil
	case OpSETcc:
		p.As = setccOp(instr.Selection)
		setRegDst(p, &p.To, instr.Operands[0])
		return p, nil
	case OpADD:
		p.As = widthOp(instr.WidthBits, x86.AADDB, x86.AADDW, x86.AADDL, x86.AADDQ)
		setRegReg(p, instr)
		if len(instr.Ops()) == 2 && instr.Operands[1].Kind == OperandImmediate {
			p.From.Type = obj.TYPE_CONST
			p.From.Offset = instr.Operands[1].ImmValue
		}
		return p, nil
	default:
		return nil, fmt.Errorf("x86: encoder has no lowering for opcode class %d", instr.Class)
	}
}

func (e *Encoder) lowerMov(p *obj.Prog, instr *Instruction) (*obj.Prog, error) {
	p.As = widthOp(instr.WidthBits, x86.AMOVB, x86.AMOVW, x86.AMOVL, x86.AMOVQ)
	dst, src := instr.Operands[0], instr.Operands[1]
	switch {
	case src.Kind == OperandImmediate:
		p.From.Type = obj.TYPE_CONST
		p.From.Offset = src.ImmValue
	case src.Kind == OperandLabelAddress:
		if src.Branch.HasPC {
			p.From.Type = obj.TYPE_CONST
			p.From.Offset = int64(src.Branch.AbsolutePC)
		} else {
			// The label's final address isn't known until the assembler
			// lays out this sequence; TYPE_ADDR with Val set to the
			// anchor Prog asks golang-asm to substitute that Prog's
			// resolved address as the immediate, the same mechanism used
			// for branch targets below.
			p.From.Type = obj.TYPE_ADDR
			e.pending = append(e.pending, pendingFixup{addr: &p.From, labelID: src.Branch.LabelID})
		}
	case src.Kind == OperandMemory:
		setMemSrc(p, &p.From, src)
	default:
		setRegSrc(p, &p.From, src)
	}
	switch dst.Kind {
	case OperandMemory:
		setMemSrc(p, &p.To, dst)
	default:
		setRegDst(p, &p.To, dst)
	}
	return p, nil
}

func (e *Encoder) lowerJmp(p *obj.Prog, instr *Instruction) (*obj.Prog, error) {
	p.As = obj.AJMP
	if instr.Operands[0].Kind == OperandRegister {
		setRegDst(p, &p.To, instr.Operands[0])
		return p, nil
	}
	if instr.Operands[0].Kind == OperandMemory {
		p.To.Type = obj.TYPE_MEM
		setMemAddr(&p.To, instr.Operands[0].Mem)
		return p, nil
	}
	return e.lowerBranchTarget(p, instr)
}

func (e *Encoder) lowerCall(p *obj.Prog, instr *Instruction) (*obj.Prog, error) {
	p.As = obj.ACALL
	op := instr.Operands[0]
	switch op.Kind {
	case OperandRegister:
		setRegDst(p, &p.To, op)
	case OperandMemory:
		p.To.Type = obj.TYPE_MEM
		setMemAddr(&p.To, op.Mem)
	default:
		return e.lowerBranchTarget(p, instr)
	}
	return p, nil
}

func (e *Encoder) lowerBranchTarget(p *obj.Prog, instr *Instruction) (*obj.Prog, error) {
	p.To.Type = obj.TYPE_BRANCH
	br := instr.Operands[0].Branch
	if br.HasPC {
		p.To.Offset = int64(br.AbsolutePC)
		return p, nil
	}
	e.pending = append(e.pending, pendingFixup{addr: &p.To, labelID: br.LabelID})
	return p, nil
}

func widthOp(widthBits uint8, b, w, l, q obj.As) obj.As {
	switch widthBits {
	case 8:
		return b
	case 16:
		return w
	case 32:
		return l
	default:
		return q
	}
}

func condJumpOp(sel Selection) obj.As {
	// Selection is the Jcc condition code chosen by the mangler
	// (reversed with CondCode.Reverse where it needs the negated
	// branch); condSelectionToAs, below, maps it to the concrete
	// x86.AJ** opcode. A default keeps this function total.
	if op, ok := condSelectionToAs[sel]; ok {
		return op
	}
	return x86.AJEQ
}

var condSelectionToAs = map[Selection]obj.As{
	CondO:  x86.AJOS,
	CondNO: x86.AJOC,
	CondB:  x86.AJCS,
	CondAE: x86.AJCC,
	CondE:  x86.AJEQ,
	CondNE: x86.AJNE,
	CondBE: x86.AJLS,
	CondA:  x86.AJHI,
	CondS:  x86.AJMI,
	CondNS: x86.AJPL,
	CondP:  x86.AJPS,
	CondNP: x86.AJPC,
	CondL:  x86.AJLT,
	CondGE: x86.AJGE,
	CondLE: x86.AJLE,
	CondG:  x86.AJGT,
}

// RegisterCondSelection lets a caller override or extend the
// Selection -> condition-code mapping above (e.g. a future
// architecture variant with additional selected forms) without the
// encoder importing anything beyond x86 itself.
func RegisterCondSelection(sel Selection, as obj.As) {
	condSelectionToAs[sel] = as
}

var setccSelectionToAs = map[Selection]obj.As{
	CondO:  x86.ASETOS,
	CondNO: x86.ASETOC,
	CondB:  x86.ASETCS,
	CondAE: x86.ASETCC,
	CondE:  x86.ASETEQ,
	CondNE: x86.ASETNE,
	CondBE: x86.ASETLS,
	CondA:  x86.ASETHI,
	CondS:  x86.ASETMI,
	CondNS: x86.ASETPL,
	CondP:  x86.ASETPS,
	CondNP: x86.ASETPC,
	CondL:  x86.ASETLT,
	CondGE: x86.ASETGE,
	CondLE: x86.ASETLE,
	CondG:  x86.ASETGT,
}

func setccOp(sel Selection) obj.As {
	if op, ok := setccSelectionToAs[sel]; ok {
		return op
	}
	return x86.ASETEQ
}

var loopSelectionToAs = map[Selection]obj.As{
	LoopCX:    x86.ALOOP,
	LoopE:     x86.ALOOPEQ,
	LoopNE:    x86.ALOOPNE,
	LoopJRCXZ: x86.AJCXZ,
}

func loopOp(sel Selection) obj.As {
	if op, ok := loopSelectionToAs[sel]; ok {
		return op
	}
	return x86.ALOOP
}

func setRegReg(p *obj.Prog, instr *Instruction) {
	if len(instr.Ops()) < 2 {
		return
	}
	setRegDst(p, &p.To, instr.Operands[0])
	setRegSrc(p, &p.From, instr.Operands[1])
}

func setRegSrc(p *obj.Prog, a *obj.Addr, op Operand) {
	a.Type = obj.TYPE_REG
	a.Reg = physReg(op.Reg)
}

func setRegDst(p *obj.Prog, a *obj.Addr, op Operand) {
	a.Type = obj.TYPE_REG
	a.Reg = physReg(op.Reg)
}

func setMemSrc(p *obj.Prog, a *obj.Addr, op Operand) {
	a.Type = obj.TYPE_MEM
	setMemAddr(a, op.Mem)
}

func setMemAddr(a *obj.Addr, mem Memory) {
	if mem.Absolute {
		a.Type = obj.TYPE_MEM
		a.Offset = int64(mem.ResolvedAbsAddr())
		return
	}
	if mem.HasBase {
		a.Reg = physReg(mem.Base)
	}
	if mem.HasIndex {
		a.Index = physReg(mem.Index)
		a.Scale = int16(mem.Scale)
	}
	a.Offset = int64(mem.Disp)
}

// physRegTable maps our GPR enum onto golang-asm's x86.REG_* physical
// register constants.
var physRegTable = [numGPR]int16{
	RAX: x86.REG_AX, RCX: x86.REG_CX, RDX: x86.REG_DX, RBX: x86.REG_BX,
	RSP: x86.REG_SP, RBP: x86.REG_BP, RSI: x86.REG_SI, RDI: x86.REG_DI,
	R8: x86.REG_R8, R9: x86.REG_R9, R10: x86.REG_R10, R11: x86.REG_R11,
	R12: x86.REG_R12, R13: x86.REG_R13, R14: x86.REG_R14, R15: x86.REG_R15,
}

func physReg(vr VirtualRegister) int16 {
	if int(vr.GPR) >= len(physRegTable) {
		return 0
	}
	return physRegTable[vr.GPR]
}
