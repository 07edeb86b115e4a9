package cache

// This file implements the two-level radix hash used to key the code
// cache index by native start PC, grounded on original_source/granary/
// index.cc's AddrToIndex/NextIndex: addresses are first divided by
// 1<<numIgnoredBits (the smallest plausible instruction alignment, so
// neighbouring blocks don't collide on identical low bits), then split
// into a first-level page selector and a second-level slot within that
// page. Pages are allocated lazily (most of the address space is never
// used as a block entry point).
const (
	numIgnoredBits     = 3
	numPointersPerPage = 512 // one 4096-byte page of 8-byte pointers
	numBitsPerArray    = 9   // log2(numPointersPerPage)
)

// addrToIndex splits a native PC into a (first, second) level index
// pair.
func addrToIndex(addr uint64) (first, second uint32) {
	shifted := addr >> numIgnoredBits
	second = uint32(shifted) & (numPointersPerPage - 1)
	first = uint32(shifted>>numBitsPerArray) % numPointersPerPage
	return first, second
}

// nextIndex advances (first, second) to the next slot, carrying into
// first; past the last first-level entry it returns ok=false instead
// of wrapping. Used by
// RemoveRange to walk every index slot a [begin, end) PC range could
// have landed on.
func nextIndex(first, second uint32) (uint32, uint32, bool) {
	second++
	if second >= numPointersPerPage {
		second = 0
		first++
		if first >= numPointersPerPage {
			return 0, 0, false
		}
	}
	return first, second, true
}
