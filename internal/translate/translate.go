// Package translate implements the top-level translator (spec.md
// §4, "Translate"/"TranslateIndirect"): given an application PC, it
// orchestrates every earlier stage — decode, mangle, fragment
// cutting/colouring, register scheduling, and encoding — into a
// committed code-cache block indexed for reuse (no flag zones are
// wrapped, since it inserts no instrumentation),
// grounded on original_source/granary/translate.cc's
// Translate/TranslateIndirect/IndexBlocks.
package translate

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/granarydbt/granary/internal/block"
	"github.com/granarydbt/granary/internal/cache"
	"github.com/granarydbt/granary/internal/codemem"
	"github.com/granarydbt/granary/internal/fragment"
	"github.com/granarydbt/granary/internal/granarylog"
	"github.com/granarydbt/granary/internal/mangle"
	"github.com/granarydbt/granary/internal/metadata"
	"github.com/granarydbt/granary/internal/regalloc"
	"github.com/granarydbt/granary/internal/x86"
)

// defaultSegmentBytes sizes the codemem.Segment each Translate call
// commits its trace into. A real deployment would batch several
// traces per segment to amortise the mmap/mprotect cost; this
// translator commits one trace per segment, trading that amortisation
// for never having to predict a batch's total size up front.
const defaultSegmentBytes = 16 * 1024

// Context holds the state a sequence of Translate calls shares: the
// meta-data manager every Block is allocated from and the code-cache
// index new translations are published into. It holds no page
// allocator: each Translate call maps its own codemem.Segment.
type Context struct {
	Manager *metadata.Manager
	Index   *cache.Index

	mu sync.Mutex
}

// NewContext returns a Context wired to mgr and idx.
func NewContext(mgr *metadata.Manager, idx *cache.Index) *Context {
	return &Context{Manager: mgr, Index: idx}
}

// Translate compiles the application code reachable from entryPC into
// the code cache and returns the Block it was published under (spec.md
// §4, §4.I). If meta is nil, a fresh Block is allocated and its App PC
// set to entryPC; otherwise meta is reused (and must already carry
// entryPC as its App PC). A meta already satisfied by the index
// (Accept) short-circuits straight to the existing Block without
// redecoding anything.
func (c *Context) Translate(as x86.AddressSpace, entryPC uint64, meta *metadata.Block) (*metadata.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if meta == nil {
		meta = c.Manager.Allocate()
		meta.SetAppPC(entryPC)
		// A block translated with no caller-supplied meta-data is
		// assumed entered on a valid stack, the common case of a
		// function reached from its own caller's stack (spec.md §3;
		// see internal/fragment.Colour's blockMeta doc comment).
		meta.SetStack(metadata.StackValid)
	}

	if status, existing := c.Index.Request(meta); status == metadata.Accept {
		return existing, nil
	}

	dec := x86.NewDecoder(as)
	tr, err := materialiseTrace(dec, entryPC, meta)
	if err != nil {
		return nil, fmt.Errorf("translate: materialise: %w", err)
	}

	addrs := &x86.NativeAddressTable{}
	mangler := mangle.NewMangler(addrs)
	if err := mangleTrace(mangler, tr); err != nil {
		return nil, fmt.Errorf("translate: mangle: %w", err)
	}

	g, err := fragment.Build(tr)
	if err != nil {
		return nil, fmt.Errorf("translate: fragment build: %w", err)
	}
	fragment.Colour(g, func(f *fragment.Fragment) *metadata.Block {
		if f.IsDecodedBlockHead() {
			return meta
		}
		return nil
	})

	regalloc.Schedule(g)

	code, cachePC, err := commit(g)
	if err != nil {
		return nil, fmt.Errorf("translate: commit: %w", err)
	}

	meta.SetAppPC(entryPC)
	meta.SetCachePC(cachePC)
	if err := c.Index.Insert(meta); err != nil {
		return nil, fmt.Errorf("translate: index insert: %w", err)
	}

	granarylog.L().Info("translate",
		zap.Uint64("app_pc", entryPC), zap.Uint64("cache_pc", cachePC), zap.Int("bytes", len(code)))
	return meta, nil
}

// TranslateIndirect resolves an indirect control-transfer target
// observed at runtime (spec.md §4, "TranslateIndirect"): it is
// Translate with no meta-data carried over from the transferring
// block, since an indirect edge's target has no relationship to the
// source block's own meta-data (original_source/granary/translate.cc
// keeps these as separate entry points for exactly this reason, even
// though the bulk of the work is identical).
func (c *Context) TranslateIndirect(as x86.AddressSpace, targetPC uint64) (*metadata.Block, error) {
	return c.Translate(as, targetPC, nil)
}

// maxBlocksPerTrace bounds how many decoded blocks a single Translate
// call will chase through direct successors before giving up and
// leaving the remainder as not-yet-materialised SuccessorDirect edges
// (resolved lazily by a later Translate call instead): an unbounded
// walk down a long straight-line path, or a tight loop whose back edge
// keeps presenting "new" work, would otherwise make a single
// Translate call's cost unbounded.
const maxBlocksPerTrace = 64

// materialiseTrace decodes entryPC's block and then, per Extend's
// "direct successors are materialised before encoding" contract
// (spec.md §3), follows every SuccessorDirect edge to a PC not yet
// part of this trace, so a straight-line run of blocks compiles as
// one contiguous unit instead of one block per Translate call. Only
// the entry block carries meta; every block reached by following a
// direct edge within the same trace is materialised without its own
// meta-data, since nothing has specialised it yet.
func materialiseTrace(dec *x86.Decoder, entryPC uint64, meta *metadata.Block) (*block.Trace, error) {
	tr, err := block.Materialise(dec, entryPC, meta)
	if err != nil {
		return nil, err
	}

	seen := map[uint64]bool{entryPC: true}
	queue := directSuccessorsOf(tr, tr.New())
	for len(queue) > 0 && len(tr.All()) < maxBlocksPerTrace {
		pc := queue[0]
		queue = queue[1:]
		if seen[pc] {
			continue
		}
		seen[pc] = true
		if _, err := tr.Extend(dec, pc, nil); err != nil {
			return nil, err
		}
		queue = append(queue, directSuccessorsOf(tr, tr.New())...)
	}

	// Relink every direct edge whose target now lives in this trace as
	// a decoded edge to that block (TargetPC is kept).
	byPC := make(map[uint64]block.ID, len(tr.All()))
	for _, id := range tr.All() {
		byPC[tr.Block(id).NativePC()] = id
	}
	for _, id := range tr.All() {
		succs := tr.Block(id).Successors()
		for i := range succs {
			if target, ok := byPC[succs[i].TargetPC]; ok && succs[i].Kind == block.SuccessorDirect {
				succs[i].Kind, succs[i].Block = block.SuccessorDecoded, target
			}
		}
	}
	return tr, nil
}

// directSuccessorsOf collects the SuccessorDirect target PCs of the
// given blocks.
func directSuccessorsOf(tr *block.Trace, ids []block.ID) []uint64 {
	var out []uint64
	for _, id := range ids {
		for _, s := range tr.Block(id).Successors() {
			if s.Kind == block.SuccessorDirect {
				out = append(out, s.TargetPC)
			}
		}
	}
	return out
}

// mangleTrace rewrites every decoded block's terminating branch in
// tr, direct or indirect, so the fragment/regalloc stages downstream
// never see a CFI whose displacement or target depends on knowledge
// they don't yet have (spec.md §4.E). Every direct branch is treated
// as potentially unreachable by a near displacement and relativized
// through a pinned native-address slot: the translator commits each
// trace into its own fresh segment, so there is no cheaper way to
// know in advance whether a direct target will land within range of
// the final cache placement.
func mangleTrace(m *mangle.Mangler, tr *block.Trace) error {
	for _, bid := range tr.All() {
		blk := tr.Block(bid)
		instr := blk.BranchInstruction()
		if instr == nil {
			continue
		}

		switch instr.Class {
		case x86.OpCALL, x86.OpJMP, x86.OpJMPcc, x86.OpLOOP:
			if target, ok := branchTarget(instr); ok {
				if err := m.RelativizeDirectCFI(blk, instr, target, true); err != nil {
					return err
				}
				continue
			}
			if err := mangleIndirectTerminator(m, blk, instr); err != nil {
				return err
			}
		}
	}
	return nil
}

// branchTarget extracts a direct branch's absolute target PC, if it
// has one (an indirect branch's operand is a register or memory
// dereference instead).
func branchTarget(instr *x86.Instruction) (uint64, bool) {
	for _, op := range instr.Ops() {
		if op.Kind == x86.OperandBranchDisplacement && op.Branch.HasPC {
			return op.Branch.AbsolutePC, true
		}
	}
	return 0, false
}

// mangleIndirectTerminator dispatches an indirect CALL/JMP to the
// mangler and, for a rewritten call, splices the zero-width label its
// pushed return address is computed against immediately after the
// call's new position (spec.md §4.E's "the caller must mark the
// returned label ID"). Indirect returns are left untouched: without
// meta-data specialising the return's target, falling back to native
// execution is correct and cheaper.
func mangleIndirectTerminator(m *mangle.Mangler, blk *block.Block, instr *x86.Instruction) error {
	switch instr.Class {
	case x86.OpCALL:
		retLabel, err := m.MangleIndirectCall(blk, instr)
		if err != nil {
			return err
		}
		if retLabel != 0 {
			branch := blk.BranchInstruction()
			blk.InsertAfter(blk.CursorAt(branch), mangle.MarkLabel(retLabel))
		}
		return nil
	case x86.OpJMP:
		return m.MangleIndirectJump(blk, instr)
	default:
		return nil
	}
}

// commit encodes every fragment in graph order and assembles the whole
// trace into one freshly allocated codemem.Segment, returning the
// encoded bytes and the entry fragment's committed cache PC. It wraps
// no fragment in a flag zone; this translator inserts no
// instrumentation.
func commit(g *fragment.Graph) ([]byte, uint64, error) {
	enc, err := x86.NewEncoder()
	if err != nil {
		return nil, 0, fmt.Errorf("new encoder: %w", err)
	}

	total := 0
	for _, id := range g.All() {
		f := g.Fragment(id)
		for _, instr := range f.Instructions() {
			n, err := enc.Stage(instr)
			if err != nil {
				return nil, 0, fmt.Errorf("stage fragment %d: %w", id, err)
			}
			total += n
		}
	}

	size := defaultSegmentBytes
	if total+64 > size {
		size = total + 64
	}
	seg, err := codemem.NewSegment(size)
	if err != nil {
		return nil, 0, fmt.Errorf("new segment: %w", err)
	}

	cachePC := seg.PC()
	code, err := enc.Commit(cachePC)
	if err != nil {
		seg.Close()
		return nil, 0, fmt.Errorf("commit: %w", err)
	}

	region, _ := seg.Alloc(len(code))
	copy(region, code)
	if err := seg.Commit(); err != nil {
		return nil, 0, fmt.Errorf("mprotect: %w", err)
	}

	return code, cachePC, nil
}
