// Package flagzone implements flag save/restore wrapping (spec.md
// §4.H), grounded on the LAHF/SETO/SAHF/ADD builders internal/x86
// already provides. A flag zone wraps one Fragment whose synthesised
// content (e.g. mangler scaffolding or future instrumentation) would
// otherwise clobber architectural flags the surrounding application
// code depends on: the wrapper saves the flags register into AH/AL
// before the zone and restores it after, using only instructions that
// never themselves observably disturb the flags they're not meant to
// touch.
package flagzone

import (
	"errors"

	"github.com/granarydbt/granary/internal/fragment"
	"github.com/granarydbt/granary/internal/x86"
)

// ErrDFHardError is returned by Wrap when the kill mask includes the
// direction flag: DF isn't part of the byte LAHF/SAHF save, so no
// save/restore sequence can preserve it across a kill, and spec.md
// §4.H treats this as a hard error rather than a silently-incomplete
// save.
var ErrDFHardError = errors.New("flagzone: DF cannot be preserved across a flag zone")

// ID is a dense identifier for a Zone, assigned in Wrap call order.
type ID int32

// Zone records the kill mask and scratch-register bookkeeping for one
// flag-save/restore wrapping.
type Zone struct {
	id          ID
	kill        x86.FlagSet
	scratchLive bool
	saveSlot    x86.VirtualRegister
}

// ID returns this zone's identifier.
func (z *Zone) ID() ID { return z.id }

// KillMask returns the set of flags this zone's wrapped content may
// clobber.
func (z *Zone) KillMask() x86.FlagSet { return z.kill }

// scratch is the register LAHF/SAHF/SETO/ADD operate on: AH holds the
// low five architectural flags, AL is used for the classic
// SETO/ADD 0x7F overflow round-trip, so the "scratch register" for a
// flag zone is always RAX (spec.md §4.H).
var scratch = x86.NewArchGPR(x86.RAX, 8)

// Wrap installs a save sequence at the front of the fragment f and a
// restore sequence immediately before its terminating branch (spec.md
// §4.H):
//
//	save:    (if scratchLive) MOV saveSlot, RAX
//	         LAHF
//	         (if OF in kill)  SETO AL
//	restore: (if OF in kill)  ADD AL, 0x7F
//	         SAHF
//	         (if scratchLive) MOV RAX, saveSlot
//
// scratchLive reports whether RAX is live on entry to f (from
// internal/fragment's liveness computation); when it is, RAX's value
// must round-trip through a spill slot rather than being clobbered
// outright. slot names the VirtualRegister (kind VRegSpillSlot)
// internal/regalloc will later bind to real backing storage.
func Wrap(f *fragment.Fragment, kill x86.FlagSet, scratchLive bool, slot x86.VirtualRegister, id ID) (*Zone, error) {
	if kill.Intersects(x86.FlagDF) {
		return nil, ErrDFHardError
	}

	z := &Zone{id: id, kill: kill, scratchLive: scratchLive, saveSlot: slot}

	var save []*x86.Instruction
	if scratchLive {
		save = append(save, x86.MovRegReg(slot, scratch))
	}
	save = append(save, x86.Lahf())
	if kill.Has(x86.FlagOF) {
		save = append(save, x86.SetoReg8(scratch))
	}
	f.PrependInstructions(save)

	var restore []*x86.Instruction
	if kill.Has(x86.FlagOF) {
		restore = append(restore, x86.AddGPR8Imm8(scratch, 0x7F))
	}
	restore = append(restore, x86.Sahf())
	if scratchLive {
		restore = append(restore, x86.MovRegReg(scratch, slot))
	}
	f.InsertBeforeTerminator(restore)

	f.SetFlagsZoneID(int32(z.id))
	return z, nil
}

// WrapIfNeeded is a convenience for callers that derive scratchLive
// straight from f's own liveness: it reports whether RAX is a member
// of f.EntryLive() and wraps accordingly.
func WrapIfNeeded(f *fragment.Fragment, kill x86.FlagSet, slot x86.VirtualRegister, id ID) (*Zone, error) {
	return Wrap(f, kill, f.EntryLive().Has(x86.RAX), slot, id)
}
