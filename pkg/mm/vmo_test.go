package mm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestForkCoWRoundTrip reproduces spec §8 end-to-end scenario 1: parent
// writes 0xAA, forks; child keeps seeing 0xAA after parent writes 0xBB;
// parent's own next read sees 0xBB.
func TestForkCoWRoundTrip(t *testing.T) {
	alloc := NewAllocator(4096)
	parent := NewRoot(alloc, 4096, 3, 0, nil)

	_, err := parent.Write(0, []byte{0xAA})
	require.NoError(t, err)

	child, err := parent.NewChild(0, 3, false)
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = child.Read(0, buf)
	require.NoError(t, err)
	require.Equal(t, byte(0xAA), buf[0])

	_, err = parent.Write(0, []byte{0xBB})
	require.NoError(t, err)

	_, err = child.Read(0, buf)
	require.NoError(t, err)
	require.Equal(t, byte(0xAA), buf[0], "child must still see the pre-fork value")

	_, err = parent.Read(0, buf)
	require.NoError(t, err)
	require.Equal(t, byte(0xBB), buf[0])
}

func TestCommitExclusiveCoWPageNotCloned(t *testing.T) {
	alloc := NewAllocator(4096)
	parent := NewRoot(alloc, 4096, 1, 0, nil)
	child, err := parent.NewChild(0, 1, false)
	require.NoError(t, err)

	f1, err := child.Commit(0, true) // first writer: exclusive, no clone needed yet for itself
	require.NoError(t, err)
	f2, err := child.Commit(0, true) // subsequent writes to an exclusive page reuse the frame
	require.NoError(t, err)
	require.Equal(t, f1.ID(), f2.ID())
}

// TestNewChildAtNonZeroOffsetTranslatesPageIndices guards against NewChild
// ignoring offsetPages: a child built over a middle slice of the parent
// must see that slice's data at child index 0, not the parent's page 0.
func TestNewChildAtNonZeroOffsetTranslatesPageIndices(t *testing.T) {
	alloc := NewAllocator(4096)
	parent := NewRoot(alloc, 4096, 4, 0, nil)

	_, err := parent.Write(0, []byte{0x11})
	require.NoError(t, err)
	_, err = parent.Write(2*4096, []byte{0x22})
	require.NoError(t, err)

	child, err := parent.NewChild(2, 2, false)
	require.NoError(t, err)
	require.Equal(t, uint64(2), child.Size())

	buf := make([]byte, 1)
	_, err = child.Read(0, buf)
	require.NoError(t, err)
	require.Equal(t, byte(0x22), buf[0], "child page 0 must alias parent page offsetPages")

	// A write through the CoW child must not touch the parent's other pages.
	_, err = child.Write(0, []byte{0x33})
	require.NoError(t, err)
	_, err = parent.Read(0, buf)
	require.NoError(t, err)
	require.Equal(t, byte(0x11), buf[0], "parent page 0 must be unaffected by a child write at offset")
}

// TestSliceChildAtOffsetAliasesParentSlots reproduces the slice (not CoW)
// sharing rule: a write through the slice at child index 0 is visible
// through the parent at page offsetPages immediately, with no clone.
func TestSliceChildAtOffsetAliasesParentSlots(t *testing.T) {
	alloc := NewAllocator(4096)
	parent := NewRoot(alloc, 4096, 4, 0, nil)

	_, err := parent.Write(1*4096, []byte{0x44})
	require.NoError(t, err)

	slice, err := parent.NewChild(1, 2, true)
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = slice.Read(0, buf)
	require.NoError(t, err)
	require.Equal(t, byte(0x44), buf[0])

	_, err = slice.Write(0, []byte{0x55})
	require.NoError(t, err)
	_, err = parent.Read(1*4096, buf)
	require.NoError(t, err)
	require.Equal(t, byte(0x55), buf[0], "slice writes alias the parent's slot directly")
}

func TestResizeOnlyAllowedWhenResizable(t *testing.T) {
	alloc := NewAllocator(4096)
	v := NewRoot(alloc, 4096, 4, 0, nil)
	require.Error(t, v.Resize(2))

	rv := NewRoot(alloc, 4096, 4, FlagResizable, nil)
	require.NoError(t, rv.Resize(2))
	require.Equal(t, uint64(2), rv.Size())
}
