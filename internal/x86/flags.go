// Package x86 implements the typed x86-64 instruction IR (component A),
// a decoder from raw bytes into that IR (component B), and an encoder
// back from the IR into bytes (component C).
package x86

// Flag is a single architectural flag bit.
type Flag uint32

const (
	FlagCF Flag = 1 << iota // carry
	FlagPF                  // parity
	FlagAF                  // auxiliary carry
	FlagZF                  // zero
	FlagSF                  // sign
	FlagTF                  // trap
	FlagIF                  // interrupt enable
	FlagDF                  // direction
	FlagOF                  // overflow
)

// FlagSet is a bitmask over Flag.
type FlagSet uint32

// Has reports whether every flag in mask is present in fs.
func (fs FlagSet) Has(mask FlagSet) bool { return fs&mask == mask }

// Intersects reports whether fs and mask share any flag.
func (fs FlagSet) Intersects(mask FlagSet) bool { return fs&mask != 0 }

// With returns fs with the flags in mask added.
func (fs FlagSet) With(mask FlagSet) FlagSet { return fs | mask }

func flagSetOf(flags ...Flag) FlagSet {
	var fs FlagSet
	for _, f := range flags {
		fs |= FlagSet(f)
	}
	return fs
}

// Category classifies an instruction for control-flow and scheduling
// purposes.
type Category uint8

const (
	CategoryOther Category = iota
	CategoryCall
	CategoryReturn
	CategoryUncondJump
	CategoryCondJump
	CategoryInterrupt
	CategorySyscall
)

// IsCFI reports whether instructions of this category terminate a
// decoded block (i.e. are a control-flow instruction).
func (c Category) IsCFI() bool {
	switch c {
	case CategoryCall, CategoryReturn, CategoryUncondJump, CategoryCondJump,
		CategoryInterrupt, CategorySyscall:
		return true
	default:
		return false
	}
}
