// Package codemem implements the code cache's executable-page
// allocator (spec.md §6, "persisted state": anonymous mappings,
// executable+writable while being filled, then executable+read-only
// on commit), grounded on the
// platform.MmapCodeSegment/MprotectRX call shape in
// internal/engine/wazevo/wazevo.go.
package codemem

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

const pageSize = 4096

func alignToPage(n int) int {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

func alignTo16(n int) int {
	return (n + 15) &^ 15
}

// Segment is one anonymous RW(+X) mapping being filled with freshly
// assembled code. Bytes written before Commit may still be read back
// (e.g. to patch a forward-referenced displacement); after Commit the
// mapping is read-only+executable and further writes panic at the OS
// level rather than silently corrupting running code.
type Segment struct {
	mem       mmap.MMap
	off       int
	committed bool
}

// NewSegment mmaps an anonymous region of at least size bytes,
// rounded up to a whole page, mapped RW+EXEC so code can be both
// written and (after Commit) executed from the same address range.
func NewSegment(size int) (*Segment, error) {
	if size <= 0 {
		size = pageSize
	}
	m, err := mmap.MapRegion(nil, alignToPage(size), mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("codemem: mmap: %w", err)
	}
	return &Segment{mem: m}, nil
}

// Alloc bump-allocates n bytes from the segment's remaining capacity,
// 16-byte aligned, returning the backing slice and its base PC. Panics
// if the segment has already been committed or is out of room — both
// are caller bugs (the translator sizes a segment before filling it).
func (s *Segment) Alloc(n int) ([]byte, uint64) {
	if s.committed {
		panic("codemem: cannot allocate from a committed segment")
	}
	start := alignTo16(s.off)
	if start+n > len(s.mem) {
		panic("codemem: segment out of capacity")
	}
	s.off = start + n
	region := s.mem[start : start+n]
	return region, s.PC() + uint64(start)
}

// PC returns the segment's base native address.
func (s *Segment) PC() uint64 {
	if len(s.mem) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s.mem[0])))
}

// Commit mprotects the segment executable+read-only, matching
// MprotectRX: once committed, no further Alloc calls are permitted.
func (s *Segment) Commit() error {
	if s.committed {
		return nil
	}
	if err := unix.Mprotect(s.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("codemem: mprotect RX: %w", err)
	}
	s.committed = true
	return nil
}

// Committed reports whether Commit has run.
func (s *Segment) Committed() bool { return s.committed }

// Close unmaps the segment. Callers must have already quiesced every
// thread that might still be executing inside it (spec.md §5:
// RemoveRange guarantees only index-unreachability, not quiescence).
func (s *Segment) Close() error {
	return s.mem.Unmap()
}

// Allocator hands out Segments on demand, each sized to the request
// (rounded up to a page), and tracks every live segment so a caller
// can unmap them all at shutdown.
type Allocator struct {
	mu       sync.Mutex
	segments []*Segment
}

// NewAllocator returns an empty Allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// NewSegment allocates and tracks a fresh Segment of at least size
// bytes.
func (a *Allocator) NewSegment(size int) (*Segment, error) {
	s, err := NewSegment(size)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.segments = append(a.segments, s)
	a.mu.Unlock()
	return s, nil
}

// Close unmaps every segment the Allocator has handed out.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, s := range a.segments {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.segments = nil
	return firstErr
}
