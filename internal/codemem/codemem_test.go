package codemem_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/granarydbt/granary/internal/codemem"
)

func TestAllocReturnsDistinctRegions(t *testing.T) {
	seg, err := codemem.NewSegment(64)
	require.NoError(t, err)
	defer seg.Close()

	a, pcA := seg.Alloc(16)
	b, pcB := seg.Alloc(16)
	require.Len(t, a, 16)
	require.Len(t, b, 16)
	require.NotEqual(t, pcA, pcB)
	require.Greater(t, pcB, pcA)
}

func TestCommitThenAllocPanics(t *testing.T) {
	seg, err := codemem.NewSegment(64)
	require.NoError(t, err)
	defer seg.Close()

	require.NoError(t, seg.Commit())
	require.True(t, seg.Committed())
	require.Panics(t, func() { seg.Alloc(8) })
}

func TestCommitIsIdempotent(t *testing.T) {
	seg, err := codemem.NewSegment(64)
	require.NoError(t, err)
	defer seg.Close()

	require.NoError(t, seg.Commit())
	require.NoError(t, seg.Commit())
}

func TestAllocatorTracksSegmentsForClose(t *testing.T) {
	a := codemem.NewAllocator()
	_, err := a.NewSegment(64)
	require.NoError(t, err)
	_, err = a.NewSegment(128)
	require.NoError(t, err)

	require.NoError(t, a.Close())
}
