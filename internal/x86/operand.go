package x86

// Action describes the read/write semantics of an operand.
type Action uint8

const (
	ActionRead Action = iota
	ActionWrite
	ActionReadWrite
	ActionCondRead
	ActionCondWrite
	ActionReadCondWrite
)

// OperandKind discriminates the tagged variants of Operand.
type OperandKind uint8

const (
	OperandRegister OperandKind = iota
	OperandImmediate
	OperandMemory
	OperandBranchDisplacement
	OperandEffectiveAddress
	// OperandLabelAddress loads the resolved absolute address of a
	// label instruction as an immediate value (spec.md §4.E's
	// "annotation-encoded PC" used to materialise a call's return
	// address before pushing it). Resolved the same way as a forward
	// branch: against the encoder's labelProgs map at Commit time.
	OperandLabelAddress
)

// Segment names an x86 segment-override prefix.
type Segment uint8

const (
	SegNone Segment = iota
	SegCS
	SegSS
	SegDS
	SegES
	SegFS
	SegGS
)

// Memory is a memory operand shape: either an absolute pointer or a
// compound base/index/scale/displacement addressing form.
type Memory struct {
	Absolute bool
	AbsAddr  uint64 // valid when Absolute

	// Pinned, when non-nil, overrides AbsAddr: the operand addresses a
	// pinned native-address slot (spec.md §4.E) whose backing storage
	// location is not known until the owning block is placed in the
	// code cache. All copies of this Memory share the same *PinnedSlot,
	// so resolving it once (see PinnedSlot.Resolve) fixes every
	// referencing operand.
	Pinned *PinnedSlot

	Base    VirtualRegister
	HasBase bool
	Index   VirtualRegister
	HasIndex bool
	Scale   uint8 // one of 1, 2, 4, 8; valid when HasIndex
	Disp    int32 // signed 32-bit displacement

	Segment Segment
}

// ResolvedAbsAddr returns the effective absolute address of an
// Absolute memory operand, following Pinned if set.
func (m Memory) ResolvedAbsAddr() uint64 {
	if m.Pinned != nil {
		return m.Pinned.Addr
	}
	return m.AbsAddr
}

// PinnedSlot is a native-address slot materialised by the mangler for
// a far direct branch (spec.md §4.E): the branch is rewritten to an
// indirect jump/call through this slot, which holds TargetPC once the
// slot's backing storage is placed and Resolve is called by the code
// cache committer.
type PinnedSlot struct {
	TargetPC uint64
	Addr     uint64
}

// Resolve records where this slot's backing 8-byte storage lives.
func (p *PinnedSlot) Resolve(addr uint64) { p.Addr = addr }

// PinnedMemoryOperand builds `[mem]` addressing a pinned native-address
// slot (spec.md §4.E's "JMP [mem]"/"CALL [mem]" indirection).
func PinnedMemoryOperand(slot *PinnedSlot, action Action) Operand {
	return Operand{
		Kind: OperandMemory,
		Mem:  Memory{Absolute: true, Pinned: slot},
		Action: action, Explicit: true, WidthBits: 64,
	}
}

// BranchTarget is either a resolved application PC or a forward
// reference to a label instruction materialised later by the
// encoder.
type BranchTarget struct {
	AbsolutePC uint64
	HasPC      bool
	LabelID    int32 // valid when !HasPC; 0 means "unset"
}

// Operand is a tagged variant over register / immediate / memory /
// branch-displacement / effective-address forms, per spec.md §3.
type Operand struct {
	Kind OperandKind

	Reg VirtualRegister // OperandRegister

	ImmSigned bool // OperandImmediate
	ImmValue  int64

	Mem Memory // OperandMemory, OperandEffectiveAddress

	Branch BranchTarget // OperandBranchDisplacement

	Action     Action
	Explicit   bool
	Sticky     bool // set => may not be replaced by mangling or scheduling
	WidthBits  uint8
}

// IsRegister reports whether op names a register operand.
func (op Operand) IsRegister() bool { return op.Kind == OperandRegister }

// IsMemory reports whether op dereferences memory (as opposed to
// computing an effective address).
func (op Operand) IsMemory() bool { return op.Kind == OperandMemory }

// Reads reports whether this operand is read (unconditionally or
// conditionally) by the instruction.
func (op Operand) Reads() bool {
	switch op.Action {
	case ActionRead, ActionReadWrite, ActionCondRead, ActionReadCondWrite:
		return true
	default:
		return false
	}
}

// Writes reports whether this operand is written (unconditionally or
// conditionally) by the instruction.
func (op Operand) Writes() bool {
	switch op.Action {
	case ActionWrite, ActionReadWrite, ActionCondWrite, ActionReadCondWrite:
		return true
	default:
		return false
	}
}

// RegisterOperand builds an explicit register operand.
func RegisterOperand(vr VirtualRegister, action Action) Operand {
	return Operand{
		Kind: OperandRegister, Reg: vr, Action: action,
		Explicit: true, WidthBits: uint8(vr.Width) * 8,
	}
}

// ImmediateOperand builds an explicit immediate (always read-only).
func ImmediateOperand(value int64, signed bool, widthBits uint8) Operand {
	return Operand{
		Kind: OperandImmediate, ImmValue: value, ImmSigned: signed,
		Action: ActionRead, Explicit: true, WidthBits: widthBits,
	}
}

// MemoryOperand builds an explicit memory operand that is dereferenced.
func MemoryOperand(mem Memory, action Action, widthBits uint8) Operand {
	return Operand{
		Kind: OperandMemory, Mem: mem, Action: action,
		Explicit: true, WidthBits: widthBits,
	}
}

// EffectiveAddressOperand builds an explicit LEA-style address-value
// operand (never dereferenced).
func EffectiveAddressOperand(mem Memory, widthBits uint8) Operand {
	return Operand{
		Kind: OperandEffectiveAddress, Mem: mem, Action: ActionRead,
		Explicit: true, WidthBits: widthBits,
	}
}

// BranchOperand builds an explicit branch-displacement operand
// targeting a resolved application PC.
func BranchOperand(pc uint64) Operand {
	return Operand{
		Kind: OperandBranchDisplacement, Action: ActionRead, Explicit: true,
		Branch: BranchTarget{AbsolutePC: pc, HasPC: true}, WidthBits: 32,
	}
}

// BranchOperandToLabel builds an explicit branch-displacement operand
// targeting a not-yet-placed label instruction.
func BranchOperandToLabel(labelID int32) Operand {
	return Operand{
		Kind: OperandBranchDisplacement, Action: ActionRead, Explicit: true,
		Branch: BranchTarget{LabelID: labelID}, WidthBits: 32,
	}
}

// LabelAddressOperand builds an explicit operand naming the resolved
// absolute address of a not-yet-placed label instruction, for use as
// an immediate source (spec.md §4.E).
func LabelAddressOperand(labelID int32) Operand {
	return Operand{
		Kind: OperandLabelAddress, Action: ActionRead, Explicit: true,
		Branch: BranchTarget{LabelID: labelID}, WidthBits: 64,
	}
}
