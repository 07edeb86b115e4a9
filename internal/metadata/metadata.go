// Package metadata implements the block meta-data manager (spec.md
// §4.J): composable, descriptor-registered per-block records laid out
// as a single packed slab, grounded on original_source/granary/
// metadata.cc (MetaDataManager::Finalize/Allocate,
// BlockMetaData::Copy/Equals/CanUnifyWith).
package metadata

import (
	"sync"
)

// UnificationStatus orders the outcome of comparing two Blocks for
// the purposes of code-cache reuse (spec.md §4.I): ACCEPT is an exact
// match, ADAPT is compatible-but-must-rebind, REJECT is no match.
// ACCEPT > ADAPT > REJECT, matching original_source's ordering.
type UnificationStatus uint8

const (
	Reject UnificationStatus = iota
	Adapt
	Accept
)

// DescriptorID is the process-global, one-time-assigned identifier
// for a registered Descriptor.
type DescriptorID int32

// maxDescriptors bounds the number of distinct sub-record kinds any
// process may register (an arbitrary but generous ceiling; the
// original source used a fixed array of the same kind).
const maxDescriptors = 64

// Descriptor describes one sub-record composed into every Block: its
// size/alignment in bytes, and callbacks the Manager invokes at the
// points in a Block's lifecycle where client code needs to
// initialise, copy, compare, or unify that sub-record. Equals/
// CanUnify are optional (nil means "not indexable"/"not unifiable"
// for this sub-record), matching the source's per-descriptor nil
// checks.
type Descriptor struct {
	id DescriptorID

	Name  string
	Size  int
	Align int

	Initialize func(region []byte)
	Destroy    func(region []byte)
	Copy       func(dst, src []byte)

	Equals   func(a, b []byte) bool
	CanUnify func(a, b []byte) UnificationStatus
}

// ID returns the process-global identifier assigned to this
// descriptor at registration time.
func (d *Descriptor) ID() DescriptorID { return d.id }

// Manager lays out and allocates packed Block records from a fixed
// set of registered Descriptors (spec.md §3, §4.J). A Manager must be
// finalized (by the first Allocate) before use; registering further
// descriptors after finalisation is a no-op, matching
// MetaDataManager::Register in original_source.
type Manager struct {
	mu          sync.Mutex
	descriptors []*Descriptor // indexed by DescriptorID
	offsets     []int
	size        int
	finalized   bool

	// Core sub-record descriptors, always present (spec.md §3).
	appDesc, cacheDesc, stackDesc, indexDesc *Descriptor
}

var (
	globalMu     sync.Mutex
	nextGlobalID DescriptorID
)

// NewManager returns an empty Manager. Core descriptors (App, Cache,
// Stack, Index) are registered on it immediately, since spec.md §3
// requires every Block meta-data to always include them.
func NewManager() *Manager {
	m := &Manager{}
	m.appDesc = newAppDescriptor()
	m.cacheDesc = newCacheDescriptor()
	m.stackDesc = newStackDescriptor()
	m.indexDesc = newIndexDescriptor()
	m.Register(m.appDesc)
	m.Register(m.cacheDesc)
	m.Register(m.stackDesc)
	m.Register(m.indexDesc)
	return m
}

// Register assigns desc a process-global DescriptorID (if it doesn't
// already have one) and adds it to m. A no-op once m is finalized.
func (m *Manager) Register(desc *Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return
	}
	if desc.id == 0 {
		globalMu.Lock()
		nextGlobalID++
		if int(nextGlobalID) > maxDescriptors {
			globalMu.Unlock()
			panic("metadata: too many registered descriptors")
		}
		desc.id = nextGlobalID
		globalMu.Unlock()
	}
	for int(desc.id) >= len(m.descriptors) {
		m.descriptors = append(m.descriptors, nil)
	}
	m.descriptors[desc.id] = desc
}

// Finalize computes per-descriptor offsets by aligning cumulatively,
// then fixes the total record size (spec.md §4.J). Idempotent.
func (m *Manager) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizeLocked()
}

func (m *Manager) finalizeLocked() {
	if m.finalized {
		return
	}
	m.finalized = true
	m.offsets = make([]int, len(m.descriptors))
	size := 0
	for _, d := range m.descriptors {
		if d == nil {
			continue
		}
		if d.Align > 0 {
			size = alignUp(size, d.Align)
		}
		m.offsets[d.id] = size
		size += d.Size
	}
	m.size = size
}

func alignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// Block is one packed, descriptor-composed meta-data record.
type Block struct {
	manager *Manager
	data    []byte
}

// Allocate carves a fresh, zero-initialized Block from m, running
// every registered descriptor's Initialize callback over its region
// (spec.md §4.J).
func (m *Manager) Allocate() *Block {
	m.mu.Lock()
	if !m.finalized {
		m.finalizeLocked()
	}
	size := m.size
	m.mu.Unlock()

	b := &Block{manager: m, data: make([]byte, size)}
	for _, d := range m.descriptors {
		if d == nil || d.Initialize == nil {
			continue
		}
		d.Initialize(b.region(d))
	}
	return b
}

func (b *Block) region(d *Descriptor) []byte {
	off := b.manager.offsets[d.id]
	return b.data[off : off+d.Size]
}

// Region returns the sub-record bytes for desc within b. Panics if
// desc was not registered on b's Manager.
func (b *Block) Region(desc *Descriptor) []byte {
	if int(desc.id) >= len(b.manager.offsets) || b.manager.descriptors[desc.id] != desc {
		panic("metadata: descriptor not registered on this manager")
	}
	return b.region(desc)
}

// Copy returns a fresh Block with every descriptor's Copy callback
// applied against the corresponding offset (spec.md §4.J).
func (b *Block) Copy() *Block {
	out := b.manager.Allocate()
	for _, d := range b.manager.descriptors {
		if d == nil {
			continue
		}
		if d.Copy != nil {
			d.Copy(out.region(d), b.region(d))
		} else {
			copy(out.region(d), b.region(d))
		}
	}
	return out
}

// Equals compares the indexable (Equals != nil) sub-records of a and
// b for strict equality, short-circuiting false on the first
// mismatch (spec.md §4.I, §4.J).
func (b *Block) Equals(other *Block) bool {
	if b.manager != other.manager {
		return false
	}
	for _, d := range b.manager.descriptors {
		if d == nil || d.Equals == nil {
			continue
		}
		if !d.Equals(b.region(d), other.region(d)) {
			return false
		}
	}
	return true
}

// CanUnify folds every unifiable (CanUnify != nil) sub-record's
// verdict, keeping the least favourable one (REJECT < ADAPT < ACCEPT),
// and returns REJECT as soon as any sub-record rejects, matching
// BlockMetaData::CanUnifyWith in original_source.
func (b *Block) CanUnify(other *Block) UnificationStatus {
	status := Accept
	for _, d := range b.manager.descriptors {
		if d == nil || d.CanUnify == nil {
			continue
		}
		local := d.CanUnify(b.region(d), other.region(d))
		if local < status {
			status = local
		}
		if status == Reject {
			return Reject
		}
	}
	return status
}

// Destroy runs every registered descriptor's Destroy callback. Go's
// GC reclaims the backing storage; Destroy exists for descriptors
// that hold non-GC'd resources (e.g. an OS handle) in their region.
func (b *Block) Destroy() {
	for _, d := range b.manager.descriptors {
		if d == nil || d.Destroy == nil {
			continue
		}
		d.Destroy(b.region(d))
	}
}

// Manager returns the Manager that allocated b.
func (b *Block) Manager() *Manager { return b.manager }
