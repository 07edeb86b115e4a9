package fragment

import "github.com/granarydbt/granary/internal/metadata"

// Colour assigns a signed partition colour to every Fragment reachable
// from the graph's decoded-block-head fragments (spec.md §3, §4.F):
// positive colours mean a statically known-valid stack, negative mean
// unknown or switched, zero is left only on fragments Colour can't
// reach (dead scaffolding such as a post-UD2 fragment). Two fragments
// share a colour, and therefore a Partition, iff they're connected by
// an EdgeFragment edge that doesn't cross a "strict" stack switch: a
// fragment whose instructions write RSP without any of them reading it
// (e.g. a raw `MOV RSP, ...`) switches to a stack of unknown
// provenance, unlike PUSH/POP/CALL/RET, which read-then-write RSP by
// a fixed amount and so preserve the current partition's discipline.
//
// blockMeta supplies the initial colour for each decoded-block-head
// fragment that owns a metadata.Block (scaffold-only blocks, and any
// block materialised without meta-data, default to StackValid: the
// common case of a function entered from its caller's own stack).
func Colour(g *Graph, blockMeta func(f *Fragment) *metadata.Block) {
	var nextPositive, nextNegative int32 = 1, -1
	visited := make(map[ID]bool, len(g.All()))

	var walk func(id ID, colour int32)
	walk = func(id ID, colour int32) {
		if visited[id] {
			return
		}
		visited[id] = true
		f := g.Fragment(id)
		f.partitionID = colour
		g.ensurePartition(colour)

		childColour := colour
		if f.writesStackPointer && !f.readsStackPointer {
			if colour > 0 {
				childColour = nextNegative
				nextNegative--
			} else {
				childColour = nextPositive
				nextPositive++
			}
		}
		for _, e := range f.Successors() {
			if e.Kind == EdgeFragment {
				walk(e.Target, childColour)
			}
		}
	}

	for _, id := range g.All() {
		f := g.Fragment(id)
		if !f.isDecodedBlockHead || visited[id] {
			continue
		}
		colour := int32(1)
		if meta := blockMeta(f); meta != nil && meta.Stack() == metadata.StackUnknown {
			colour = nextNegative
			nextNegative--
		} else {
			colour = nextPositive
			nextPositive++
		}
		walk(id, colour)
	}

	// Any fragment Colour never reached (e.g. an unreachable
	// post-UD2 scaffold fragment) keeps the zero "undetermined"
	// colour spec.md §3 reserves for transient/unreachable fragments.
}

func (g *Graph) ensurePartition(colour int32) {
	if colour == 0 {
		return
	}
	if _, ok := g.partitions[colour]; !ok {
		g.partitions[colour] = &Partition{ID: colour}
	}
}
