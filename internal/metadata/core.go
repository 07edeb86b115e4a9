package metadata

import "encoding/binary"

// This file defines the four sub-records every Block always carries
// (spec.md §3): App, Cache, Stack, Index. They are registered by
// NewManager before any client descriptor, so their offsets are
// stable across a process (client descriptors only ever append).

// StackValidity is the Stack sub-record's validity tag.
type StackValidity uint8

const (
	StackUnknown StackValidity = iota
	StackValid
)

func newAppDescriptor() *Descriptor {
	return &Descriptor{
		Name: "App", Size: 8, Align: 8,
		Equals: func(a, b []byte) bool {
			return binary.LittleEndian.Uint64(a) == binary.LittleEndian.Uint64(b)
		},
		CanUnify: func(a, b []byte) UnificationStatus {
			if binary.LittleEndian.Uint64(a) == binary.LittleEndian.Uint64(b) {
				return Accept
			}
			return Reject
		},
	}
}

func newCacheDescriptor() *Descriptor {
	// cache_pc (8) + a singly linked "native-address chain" head
	// pointer, modeled as an index into a side table owned by the
	// translator rather than a raw pointer (16 bytes total).
	return &Descriptor{Name: "Cache", Size: 16, Align: 8}
}

func newStackDescriptor() *Descriptor {
	return &Descriptor{Name: "Stack", Size: 1, Align: 1}
}

func newIndexDescriptor() *Descriptor {
	// next-pointer for hash-bucket chaining (spec.md §3); stored as an
	// opaque 8-byte slot holding the cache package's ref-table id of the
	// next Block (or the end-of-bucket sentinel) to keep this package
	// free of any dependency on the cache package.
	return &Descriptor{Name: "Index", Size: 8, Align: 8}
}

// AppPC returns the App sub-record's native start PC.
func (b *Block) AppPC() uint64 {
	return binary.LittleEndian.Uint64(b.Region(b.manager.appDesc))
}

// SetAppPC sets the App sub-record's native start PC.
func (b *Block) SetAppPC(pc uint64) {
	binary.LittleEndian.PutUint64(b.Region(b.manager.appDesc), pc)
}

// CachePC returns the Cache sub-record's compiled start PC (zero if
// the block has not yet been committed to the code cache).
func (b *Block) CachePC() uint64 {
	return binary.LittleEndian.Uint64(b.Region(b.manager.cacheDesc)[:8])
}

// SetCachePC sets the Cache sub-record's compiled start PC.
func (b *Block) SetCachePC(pc uint64) {
	binary.LittleEndian.PutUint64(b.Region(b.manager.cacheDesc)[:8], pc)
}

// NativeAddressChain returns the Cache sub-record's chain head,
// opaque to this package. The mangler does not use it: far-branch
// target slots are pinned through an x86.NativeAddressTable instead.
func (b *Block) NativeAddressChain() uint64 {
	return binary.LittleEndian.Uint64(b.Region(b.manager.cacheDesc)[8:])
}

// SetNativeAddressChain sets the Cache sub-record's chain head.
func (b *Block) SetNativeAddressChain(v uint64) {
	binary.LittleEndian.PutUint64(b.Region(b.manager.cacheDesc)[8:], v)
}

// Stack returns the Stack sub-record's validity tag.
func (b *Block) Stack() StackValidity {
	return StackValidity(b.Region(b.manager.stackDesc)[0])
}

// SetStack sets the Stack sub-record's validity tag.
func (b *Block) SetStack(v StackValidity) {
	b.Region(b.manager.stackDesc)[0] = byte(v)
}

// IndexNext/SetIndexNext are used exclusively by internal/cache to
// thread Blocks into hash-bucket chains via the Index sub-record.
// They're exported (capitalized) because internal/cache lives in a
// sibling package.

// IndexNext returns the raw next-pointer slot of the Index sub-record.
func (b *Block) IndexNext() uint64 {
	return binary.LittleEndian.Uint64(b.Region(b.manager.indexDesc))
}

// SetIndexNext sets the raw next-pointer slot of the Index sub-record.
func (b *Block) SetIndexNext(v uint64) {
	binary.LittleEndian.PutUint64(b.Region(b.manager.indexDesc), v)
}
