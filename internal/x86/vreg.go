package x86

import "strconv"

// VRegKind discriminates the four kinds of VirtualRegister described
// in spec.md's data model.
type VRegKind uint8

const (
	// VRegArchGPR is one of the 16 x86-64 integer registers, at a
	// chosen byte width.
	VRegArchGPR VRegKind = iota
	// VRegArchVirtual is architecturally named but used symbolically
	// by the scheduler (e.g. a pinned flag-save register).
	VRegArchVirtual
	// VRegVirtual is a numbered temporary created during mangling or
	// instrumentation.
	VRegVirtual
	// VRegSpillSlot is a numbered slot into a partition-owned save
	// area.
	VRegSpillSlot
)

// GPR names the 16 x86-64 general-purpose integer registers, independent
// of width.
type GPR uint8

const (
	RAX GPR = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	numGPR
)

// VirtualRegister is a tagged union over the four kinds of register
// the IR can name. Widening a register (see Widened) changes its
// observed byte width without changing its identity: the Kind/Num
// pair is the identity, Width is a view over it.
type VirtualRegister struct {
	Kind  VRegKind
	GPR   GPR   // valid when Kind == VRegArchGPR or VRegArchVirtual
	Num   int32 // valid when Kind == VRegVirtual or VRegSpillSlot; disambiguates VRegArchVirtual names
	Width uint8 // byte width: 1, 2, 4, or 8
}

// NewArchGPR returns a VirtualRegister naming a physical GPR at the
// given byte width.
func NewArchGPR(g GPR, width uint8) VirtualRegister {
	return VirtualRegister{Kind: VRegArchGPR, GPR: g, Width: width}
}

// NewVirtual returns a fresh symbolic VirtualRegister; callers
// allocate num from a per-block or per-instrumentation-site counter
// (see block.Block.AllocateVirtualRegister).
func NewVirtual(num int32, width uint8) VirtualRegister {
	return VirtualRegister{Kind: VRegVirtual, Num: num, Width: width}
}

// NewSpillSlot returns a VirtualRegister naming a numbered spill slot
// within a partition's save area.
func NewSpillSlot(num int32, width uint8) VirtualRegister {
	return VirtualRegister{Kind: VRegSpillSlot, Num: num, Width: width}
}

// Widened returns vr with its byte width changed to width; identity
// (Kind/GPR/Num) is preserved.
func (vr VirtualRegister) Widened(width uint8) VirtualRegister {
	vr.Width = width
	return vr
}

// IsArch reports whether vr names a physical or arch-virtual register
// rather than a scheduler temporary or spill slot.
func (vr VirtualRegister) IsArch() bool {
	return vr.Kind == VRegArchGPR || vr.Kind == VRegArchVirtual
}

// Equal reports whether two VirtualRegisters name the same register,
// irrespective of width.
func (vr VirtualRegister) Equal(other VirtualRegister) bool {
	return vr.Kind == other.Kind && vr.GPR == other.GPR && vr.Num == other.Num
}

var gprNames = [numGPR]string{
	"RAX", "RCX", "RDX", "RBX", "RSP", "RBP", "RSI", "RDI",
	"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15",
}

func (g GPR) String() string {
	if int(g) < len(gprNames) {
		return gprNames[g]
	}
	return "?GPR"
}

func (vr VirtualRegister) String() string {
	switch vr.Kind {
	case VRegArchGPR:
		return vr.GPR.String()
	case VRegArchVirtual:
		return "av:" + vr.GPR.String()
	case VRegVirtual:
		return "v" + strconv.Itoa(int(vr.Num))
	case VRegSpillSlot:
		return "slot" + strconv.Itoa(int(vr.Num))
	default:
		return "?vreg"
	}
}
