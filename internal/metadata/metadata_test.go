package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerIsolation(t *testing.T) {
	// Two independently constructed Managers must not share core
	// descriptors: a Block allocated from one must stay readable
	// through its own Manager's accessors even after a second Manager
	// is built.
	m1 := NewManager()
	b1 := m1.Allocate()
	b1.SetAppPC(0x1000)

	m2 := NewManager()
	b2 := m2.Allocate()
	b2.SetAppPC(0x2000)

	require.Equal(t, uint64(0x1000), b1.AppPC())
	require.Equal(t, uint64(0x2000), b2.AppPC())
}

func TestBlockCopyEquals(t *testing.T) {
	m := NewManager()
	b := m.Allocate()
	b.SetAppPC(0x4000)
	b.SetCachePC(0x8000)
	b.SetStack(StackValid)

	c := b.Copy()
	require.True(t, b.Equals(c))
	require.Equal(t, b.AppPC(), c.AppPC())

	c.SetAppPC(0x4001)
	require.False(t, b.Equals(c))
}

func TestCanUnifyRejectDominates(t *testing.T) {
	m := NewManager()
	a := m.Allocate()
	a.SetAppPC(0x10)
	b := m.Allocate()
	b.SetAppPC(0x20)

	require.Equal(t, Reject, a.CanUnify(b))

	b.SetAppPC(0x10)
	require.Equal(t, Accept, a.CanUnify(b))
}

func TestRegisterAfterFinalizeIsNoop(t *testing.T) {
	m := NewManager()
	m.Allocate() // finalizes m
	sizeBefore := m.size

	extra := &Descriptor{Name: "Extra", Size: 64, Align: 8}
	m.Register(extra)
	require.Equal(t, sizeBefore, m.size)
}

func TestClientDescriptorAppendsAfterCore(t *testing.T) {
	m := NewManager()
	extra := &Descriptor{Name: "Extra", Size: 4, Align: 4}
	m.Register(extra)
	b := m.Allocate()

	region := b.Region(extra)
	require.Len(t, region, 4)
}
