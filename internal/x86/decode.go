package x86

import (
	"errors"

	"golang.org/x/arch/x86/x86asm"
)

// ErrDecodeFailure is returned when the decoder's underlying opcode
// table does not recognise the bytes at ip (spec.md §4.B).
var ErrDecodeFailure = errors.New("x86: decode failure")

// ErrTruncated is returned when decoding walked past readable memory.
// Callers treat this identically to ErrDecodeFailure: block.Materialise
// and Trace.Extend return it as is, so the translation that hit it
// fails; the instructions decoded before it are not kept as a shorter
// block.
var ErrTruncated = errors.New("x86: truncated")

// maxInstructionBytes is the longest possible x86-64 instruction
// encoding.
const maxInstructionBytes = 15

// AddressSpace abstracts the native address space being translated,
// so the decoder is not coupled to any particular process-memory
// access mechanism (the concrete implementation — e.g. reading the
// translating process's own mapped pages — lives outside the core,
// per spec.md §1's "external collaborators").
type AddressSpace interface {
	// ReadAt reads up to len(buf) bytes starting at pc, returning the
	// number of bytes actually readable (which may be less than
	// len(buf) if the mapped region ends within the window).
	ReadAt(pc uint64, buf []byte) (n int, err error)
}

// Decoder decodes instructions from an AddressSpace at arbitrary
// native PCs.
type Decoder struct {
	mem AddressSpace
}

// NewDecoder returns a Decoder reading application bytes from mem.
func NewDecoder(mem AddressSpace) *Decoder {
	return &Decoder{mem: mem}
}

// DecodeNext decodes one instruction at ip, returning the decoded
// Instruction and the PC immediately following it (spec.md §4.B).
func (d *Decoder) DecodeNext(ip uint64) (*Instruction, uint64, error) {
	var buf [maxInstructionBytes]byte
	n, _ := d.mem.ReadAt(ip, buf[:])
	if n == 0 {
		return nil, ip, ErrTruncated
	}

	inst, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		if n < maxInstructionBytes {
			// Could be a genuinely bad opcode, or a valid instruction
			// truncated by the edge of a readable region. Conservatively
			// report truncation only when widening the window would
			// plausibly help; x86asm.Decode returns a distinguishable
			// error for "not enough bytes" (x86asm.ErrTruncated-style
			// short reads), so try once more against whatever is left.
			if m, _ := d.mem.ReadAt(ip, buf[:]); m > n {
				if inst2, err2 := x86asm.Decode(buf[:m], 64); err2 == nil {
					return d.convert(&inst2, ip), ip + uint64(inst2.Len), nil
				}
			}
			return nil, ip, ErrTruncated
		}
		return nil, ip, ErrDecodeFailure
	}

	out := d.convert(&inst, ip)
	return out, ip + uint64(inst.Len), nil
}

func (d *Decoder) convert(inst *x86asm.Inst, pc uint64) *Instruction {
	class := classOf(inst.Op)
	read, written := flagsOf(class)

	out := &Instruction{
		Class:        class,
		WidthBits:    uint8(inst.MemBytes * 8),
		DecodedPC:    pc,
		Category:     categoryOf(class),
		ReadFlags:    read,
		WrittenFlags: written,
	}
	switch class {
	case OpJMPcc, OpSETcc:
		if cc, ok := CondCodeOf(inst.Op); ok {
			out.Selection = cc
		}
	case OpLOOP:
		if v, ok := LoopVariantOf(inst.Op); ok {
			out.Selection = v
		}
	}
	if out.WidthBits == 0 {
		out.WidthBits = uint8(inst.DataSize)
	}
	for _, p := range inst.Prefix {
		switch p & 0xFF {
		case x86asm.PrefixLOCK:
			out.Prefixes |= PrefixLock
		case x86asm.PrefixREP:
			out.Prefixes |= PrefixRep
		case x86asm.PrefixREPN:
			out.Prefixes |= PrefixRepne
		}
		if p == 0 {
			break
		}
	}

	// Branch displacements are relative to the *end* of the
	// instruction (pc + inst.Len), not its start.
	nextPC := pc + uint64(inst.Len)
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		op, ok := convertArg(arg, inst, nextPC)
		if !ok {
			continue
		}
		out.AddOperand(op)
	}

	for _, implicit := range classTable[class].implicit {
		out.AddOperand(implicit)
	}

	return out
}

// convertArg converts a single x86asm.Arg into our Operand model.
// Every register and memory operand is recorded as ActionReadWrite,
// whatever its position, a conservative action nothing refines per
// opcode afterwards. Flag effects come from the static tables in
// tables.go, and stack effects from Instruction's own methods.
func convertArg(arg x86asm.Arg, inst *x86asm.Inst, nextPC uint64) (Operand, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		vr, ok := vregFromX86asm(a)
		if !ok {
			return Operand{}, false
		}
		return RegisterOperand(vr, ActionReadWrite), true
	case x86asm.Mem:
		mem := Memory{}
		mem.Segment = segmentFromX86asm(a.Segment)
		if base, ok := vregFromX86asm(a.Base); ok {
			mem.HasBase = true
			mem.Base = base
		}
		if idx, ok := vregFromX86asm(a.Index); ok {
			mem.HasIndex = true
			mem.Index = idx
			mem.Scale = uint8(a.Scale)
		}
		mem.Disp = int32(a.Disp)
		widthBits := uint8(inst.MemBytes * 8)
		return MemoryOperand(mem, ActionReadWrite, widthBits), true
	case x86asm.Imm:
		return ImmediateOperand(int64(a), true, uint8(inst.DataSize)*8), true
	case x86asm.Rel:
		target := uint64(int64(nextPC) + int64(a))
		return BranchOperand(target), true
	default:
		return Operand{}, false
	}
}

func segmentFromX86asm(s x86asm.Reg) Segment {
	switch s {
	case x86asm.CS:
		return SegCS
	case x86asm.SS:
		return SegSS
	case x86asm.DS:
		return SegDS
	case x86asm.ES:
		return SegES
	case x86asm.FS:
		return SegFS
	case x86asm.GS:
		return SegGS
	default:
		return SegNone
	}
}

// vregFromX86asm converts an x86asm.Reg (which names a register at a
// specific width, e.g. AL vs AX vs EAX vs RAX) into our width-carrying
// VirtualRegister.
func vregFromX86asm(r x86asm.Reg) (VirtualRegister, bool) {
	g, width, ok := gprAndWidth(r)
	if !ok {
		return VirtualRegister{}, false
	}
	return NewArchGPR(g, width), true
}

func gprAndWidth(r x86asm.Reg) (GPR, uint8, bool) {
	switch r {
	case x86asm.AL, x86asm.AH, x86asm.AX, x86asm.EAX, x86asm.RAX:
		return RAX, widthOf(r), true
	case x86asm.CL, x86asm.CH, x86asm.CX, x86asm.ECX, x86asm.RCX:
		return RCX, widthOf(r), true
	case x86asm.DL, x86asm.DH, x86asm.DX, x86asm.EDX, x86asm.RDX:
		return RDX, widthOf(r), true
	case x86asm.BL, x86asm.BH, x86asm.BX, x86asm.EBX, x86asm.RBX:
		return RBX, widthOf(r), true
	case x86asm.SPB, x86asm.SP, x86asm.ESP, x86asm.RSP:
		return RSP, widthOf(r), true
	case x86asm.BPB, x86asm.BP, x86asm.EBP, x86asm.RBP:
		return RBP, widthOf(r), true
	case x86asm.SIB, x86asm.SI, x86asm.ESI, x86asm.RSI:
		return RSI, widthOf(r), true
	case x86asm.DIB, x86asm.DI, x86asm.EDI, x86asm.RDI:
		return RDI, widthOf(r), true
	case x86asm.R8B, x86asm.R8W, x86asm.R8L, x86asm.R8:
		return R8, widthOf(r), true
	case x86asm.R9B, x86asm.R9W, x86asm.R9L, x86asm.R9:
		return R9, widthOf(r), true
	case x86asm.R10B, x86asm.R10W, x86asm.R10L, x86asm.R10:
		return R10, widthOf(r), true
	case x86asm.R11B, x86asm.R11W, x86asm.R11L, x86asm.R11:
		return R11, widthOf(r), true
	case x86asm.R12B, x86asm.R12W, x86asm.R12L, x86asm.R12:
		return R12, widthOf(r), true
	case x86asm.R13B, x86asm.R13W, x86asm.R13L, x86asm.R13:
		return R13, widthOf(r), true
	case x86asm.R14B, x86asm.R14W, x86asm.R14L, x86asm.R14:
		return R14, widthOf(r), true
	case x86asm.R15B, x86asm.R15W, x86asm.R15L, x86asm.R15:
		return R15, widthOf(r), true
	default:
		return 0, 0, false
	}
}

func widthOf(r x86asm.Reg) uint8 {
	switch r {
	case x86asm.AL, x86asm.AH, x86asm.CL, x86asm.CH, x86asm.DL, x86asm.DH,
		x86asm.BL, x86asm.BH, x86asm.SPB, x86asm.BPB, x86asm.SIB, x86asm.DIB,
		x86asm.R8B, x86asm.R9B, x86asm.R10B, x86asm.R11B, x86asm.R12B,
		x86asm.R13B, x86asm.R14B, x86asm.R15B:
		return 1
	case x86asm.AX, x86asm.CX, x86asm.DX, x86asm.BX, x86asm.SP, x86asm.BP,
		x86asm.SI, x86asm.DI, x86asm.R8W, x86asm.R9W, x86asm.R10W, x86asm.R11W,
		x86asm.R12W, x86asm.R13W, x86asm.R14W, x86asm.R15W:
		return 2
	case x86asm.EAX, x86asm.ECX, x86asm.EDX, x86asm.EBX, x86asm.ESP, x86asm.EBP,
		x86asm.ESI, x86asm.EDI, x86asm.R8L, x86asm.R9L, x86asm.R10L, x86asm.R11L,
		x86asm.R12L, x86asm.R13L, x86asm.R14L, x86asm.R15L:
		return 4
	default:
		return 8
	}
}
