package cache

import "github.com/granarydbt/granary/internal/metadata"

// refNil and refSentinel mirror original_source/granary/index.cc's
// null/kMetaArrayEnd distinction: a bucket slot (or a Block's
// IndexNext chain link) holding refNil is unlinked, one holding
// refSentinel terminates a chain — distinguishing "nothing here" from
// "chain ends here" the same way the original's non-nil-but-never-
// dereferenced kMetaArrayEnd pointer does.
//
// metadata.Block.IndexNext/SetIndexNext expose an opaque uint64 slot
// for exactly this purpose (see internal/metadata/core.go's doc
// comment), but a raw uint64 can't carry real Go pointer identity
// across the garbage collector. refTable reinterprets that slot as a
// stable small integer naming a Block, resolved through this
// package's own id<->*metadata.Block side table: the chain itself
// still threads purely through IndexNext values, exactly as in the
// original, just indirected through a lookup instead of a raw cast.
const (
	refNil      uint64 = 0
	refSentinel uint64 = 1
)

type refTable struct {
	nextID uint64
	idOf   map[*metadata.Block]uint64
	byID   map[uint64]*metadata.Block
}

func newRefTable() *refTable {
	return &refTable{
		nextID: refSentinel + 1,
		idOf:   map[*metadata.Block]uint64{},
		byID:   map[uint64]*metadata.Block{},
	}
}

// ref returns b's stable identity, assigning one on first use.
func (rt *refTable) ref(b *metadata.Block) uint64 {
	if id, ok := rt.idOf[b]; ok {
		return id
	}
	id := rt.nextID
	rt.nextID++
	rt.idOf[b] = id
	rt.byID[id] = b
	return id
}

// resolve returns the Block ref names, or nil for refNil/refSentinel.
func (rt *refTable) resolve(ref uint64) *metadata.Block {
	if ref <= refSentinel {
		return nil
	}
	return rt.byID[ref]
}

// forget drops b's ref mapping once it's been unlinked from every
// bucket it was ever chained into.
func (rt *refTable) forget(b *metadata.Block) {
	if id, ok := rt.idOf[b]; ok {
		delete(rt.idOf, b)
		delete(rt.byID, id)
	}
}
