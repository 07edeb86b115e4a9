// Package cache implements the code cache's meta-data index (spec.md
// §4.I): a two-level radix hash keyed by native start PC, with
// sentinel-terminated singly-linked bucket chains and a single RW lock
// (read for Request, write for Insert/RemoveRange), grounded on
// original_source/granary/index.cc.
package cache

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/granarydbt/granary/internal/granarylog"
	"github.com/granarydbt/granary/internal/metadata"
)

// ErrIncompleteBlock is returned by Insert when meta hasn't had its
// App and Cache PCs set yet (spec.md §4.I's precondition, matching
// original_source's debug asserts in Index::Insert).
var ErrIncompleteBlock = errors.New("cache: block is missing its App or Cache PC")

type page struct {
	buckets [numPointersPerPage]uint64 // each a ref into idx.refs, or refNil
}

// Index is the code cache's meta-data index: Request looks a native
// PC up for possible reuse, Insert chains a freshly compiled Block in,
// RemoveRange evicts every Block whose App PC falls in a range (e.g.
// when the application unmaps or rewrites a code region).
type Index struct {
	mu    sync.RWMutex
	refs  *refTable
	pages [numPointersPerPage]*page
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{refs: newRefTable()}
}

// Request looks up meta's App PC and reports whether an already-
// indexed Block can be reused (Accept), adapted (Adapt), or whether
// none unify (Reject). A nil meta, or a bucket/array that was never
// allocated, is an immediate Reject. A meta that's already chained
// into this index is an immediate Accept of itself, without a bucket
// walk (spec.md §4.I: re-requesting a Block already in the cache is
// always satisfied by itself).
func (idx *Index) Request(meta *metadata.Block) (metadata.UnificationStatus, *metadata.Block) {
	if meta == nil {
		return metadata.Reject, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if meta.IndexNext() != refNil {
		return metadata.Accept, meta
	}

	first, second := addrToIndex(meta.AppPC())
	p := idx.pages[first]
	if p == nil {
		granarylog.L().Debug("cache request", zap.Uint64("app_pc", meta.AppPC()), zap.String("status", "reject"))
		return metadata.Reject, nil
	}
	head := p.buckets[second]
	if head == refNil {
		granarylog.L().Debug("cache request", zap.Uint64("app_pc", meta.AppPC()), zap.String("status", "reject"))
		return metadata.Reject, nil
	}
	status, block := idx.matchChain(head, meta)
	granarylog.L().Debug("cache request", zap.Uint64("app_pc", meta.AppPC()), zap.String("status", statusLabel(status)))
	return status, block
}

func statusLabel(s metadata.UnificationStatus) string {
	switch s {
	case metadata.Accept:
		return "accept"
	case metadata.Adapt:
		return "adapt"
	default:
		return "reject"
	}
}

// matchChain walks a bucket chain starting at head, short-circuiting
// on the first Accept and remembering the best Adapt seen in case a
// later candidate in the same chain Accepts instead (spec.md §4.I,
// granary/index.cc's MatchMetaData).
func (idx *Index) matchChain(head uint64, meta *metadata.Block) (metadata.UnificationStatus, *metadata.Block) {
	best := metadata.Reject
	var bestBlock *metadata.Block
	for ref := head; ref != refSentinel && ref != refNil; {
		candidate := idx.refs.resolve(ref)
		if candidate == nil {
			break
		}
		switch status := candidate.CanUnify(meta); status {
		case metadata.Accept:
			return metadata.Accept, candidate
		case metadata.Adapt:
			if best < metadata.Adapt {
				best, bestBlock = metadata.Adapt, candidate
			}
		}
		ref = candidate.IndexNext()
	}
	return best, bestBlock
}

// Insert chains meta into its bucket (keyed by App PC), prepending it
// to any existing chain. A no-op if meta is already chained (spec.md
// §4.I: idempotent insert).
func (idx *Index) Insert(meta *metadata.Block) error {
	if meta.AppPC() == 0 || meta.CachePC() == 0 {
		return ErrIncompleteBlock
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if meta.IndexNext() != refNil {
		return nil
	}

	first, second := addrToIndex(meta.AppPC())
	p := idx.pages[first]
	if p == nil {
		p = &page{}
		idx.pages[first] = p
	}
	head := p.buckets[second]
	if head == refNil {
		head = refSentinel
	}
	meta.SetIndexNext(head)
	p.buckets[second] = idx.refs.ref(meta)
	return nil
}

// RemoveRange unlinks every Block in the index whose App PC falls in
// [begin, end), returning the removed Blocks. It walks every index
// slot a PC in that range could have landed on via AddrToIndex/
// NextIndex, exactly as original_source/granary/index.cc's
// Index::RemoveRange does, which carries the same documented
// limitation: a Block whose App PC precedes begin but whose
// application-code extent reaches into [begin, end) is not removed,
// since the index is keyed purely by a Block's start PC.
func (idx *Index) RemoveRange(begin, end uint64) []*metadata.Block {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var removed []*metadata.Block
	first, second := addrToIndex(begin)
	endFirst, endSecond := addrToIndex(end)
	for {
		if first == endFirst && second == endSecond {
			break
		}
		if p := idx.pages[first]; p != nil {
			head := p.buckets[second]
			if head != refNil {
				newHead, gone := idx.unlinkRange(head, begin, end)
				p.buckets[second] = newHead
				removed = append(removed, gone...)
			}
		}
		next1, next2, ok := nextIndex(first, second)
		if !ok {
			break
		}
		first, second = next1, next2
	}
	granarylog.L().Info("cache remove range",
		zap.Uint64("begin", begin), zap.Uint64("end", end), zap.Int("removed", len(removed)))
	return removed
}

// unlinkRange walks a bucket chain rooted at head, keeping Blocks
// whose App PC falls outside [begin, end) and accumulating the rest.
func (idx *Index) unlinkRange(head uint64, begin, end uint64) (newHead uint64, removed []*metadata.Block) {
	var survivors []*metadata.Block
	for ref := head; ref != refSentinel && ref != refNil; {
		candidate := idx.refs.resolve(ref)
		if candidate == nil {
			break
		}
		next := candidate.IndexNext()
		if pc := candidate.AppPC(); pc >= begin && pc < end {
			removed = append(removed, candidate)
			idx.refs.forget(candidate)
			candidate.SetIndexNext(refNil)
		} else {
			survivors = append(survivors, candidate)
		}
		ref = next
	}

	newHead = refSentinel
	for i := len(survivors) - 1; i >= 0; i-- {
		survivors[i].SetIndexNext(newHead)
		newHead = idx.refs.ref(survivors[i])
	}
	if len(survivors) == 0 {
		newHead = refSentinel
	}
	return newHead, removed
}
