package pagetable

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		NRLevels:                4,
		BasePageSize:             4096,
		EntriesPerNode:           512,
		HighestTranslationLevel:  3,
		TopLevelCanUnmap:         true,
	}
}

func TestMapQueryRoundTrip(t *testing.T) {
	cfg := testConfig()
	pt := New(cfg)

	cur, err := NewCursor(pt, 0, 4096, false)
	require.NoError(t, err)
	defer cur.Close()

	_, err = cur.Map(MapItem{PA: 0x1000, Level: 1, Props: PageProperty{Read: true, Write: true}})
	require.NoError(t, err)

	res := cur.Query(0)
	require.True(t, res.Found)
	require.Equal(t, uintptr(0x1000), res.Item.PA)
}

func TestTakeNextReturnsMappedLeaf(t *testing.T) {
	cfg := testConfig()
	pt := New(cfg)

	cur, err := NewCursor(pt, 0, 8192, false)
	require.NoError(t, err)
	_, err = cur.Map(MapItem{PA: 0x2000, Level: 1, Props: PageProperty{Read: true}})
	require.NoError(t, err)
	cur.Close()

	cur2, err := NewCursor(pt, 0, 8192, false)
	require.NoError(t, err)
	defer cur2.Close()

	frag, err := cur2.TakeNext(8192)
	require.NoError(t, err)
	require.NotNil(t, frag)
	require.NotNil(t, frag.Mapped)
	require.Equal(t, uintptr(0x2000), frag.Mapped.PA)

	res := cur2.Query(0)
	require.False(t, res.Found)
}

func TestUnmapTopLevelKernelSharedPanics(t *testing.T) {
	cfg := testConfig()
	cfg.TopLevelCanUnmap = false
	pt := New(cfg)

	// Force a child at the top level by mapping something deep enough
	// that it requires intermediate nodes, then try to take the whole
	// top-level span in one shot.
	span := cfg.levelSize(cfg.NRLevels)
	cur, err := NewCursor(pt, 0, span, false)
	require.NoError(t, err)
	_, err = cur.Map(MapItem{PA: 0x3000, Level: 1, Props: PageProperty{Read: true}})
	require.NoError(t, err)
	cur.Close()

	cur2, err := NewCursor(pt, 0, span, false)
	require.NoError(t, err)
	defer cur2.Close()

	require.Panics(t, func() {
		_, _ = cur2.TakeNext(span)
	})
}

func TestProtectNextPreservesCoWBit(t *testing.T) {
	cfg := testConfig()
	pt := New(cfg)

	cur, err := NewCursor(pt, 0, 4096, false)
	require.NoError(t, err)
	defer cur.Close()

	_, err = cur.Map(MapItem{PA: 0x4000, Level: 1, Props: PageProperty{Read: true, Write: true, CoW: true}})
	require.NoError(t, err)
	cur.pos = 0

	frag, err := cur.ProtectNext(4096, func(p *PageProperty) {
		p.Write = false
		p.CoW = false // attacker/buggy op trying to flip the reserved bit
	})
	require.NoError(t, err)
	require.NotNil(t, frag)
	require.True(t, frag.Mapped.Props.CoW, "CoW bit must survive protect_next regardless of op")
	require.False(t, frag.Mapped.Props.Write)
}

func TestSplitHugePageOnPartialProtect(t *testing.T) {
	cfg := testConfig()
	pt := New(cfg)

	hugeSpan := cfg.levelSize(2) // one level-2 huge page
	cur, err := NewCursor(pt, 0, hugeSpan, false)
	require.NoError(t, err)

	_, err = cur.Map(MapItem{PA: 0, Level: 2, Props: PageProperty{Read: true, Write: true}})
	require.NoError(t, err)
	cur.Close()

	cur2, err := NewCursor(pt, 0, hugeSpan, false)
	require.NoError(t, err)
	defer cur2.Close()

	_, err = cur2.ProtectNext(cfg.BasePageSize, func(p *PageProperty) { p.Write = false })
	require.NoError(t, err)

	first := cur2.Query(0)
	require.True(t, first.Found)
	require.False(t, first.Item.Props.Write)

	second := cur2.Query(cfg.BasePageSize)
	require.True(t, second.Found)
	require.True(t, second.Item.Props.Write)
}

// TestConcurrentDisjointCursorsProgressIndependently is a smoke test for
// the locking protocol invariant in spec §8.3: disjoint ranges must not
// serialize on each other.
func TestConcurrentDisjointCursorsProgressIndependently(t *testing.T) {
	cfg := testConfig()
	pt := New(cfg)
	span := cfg.levelSize(2)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			base := uintptr(i) * span
			cur, err := NewCursor(pt, base, base+cfg.BasePageSize, false)
			require.NoError(t, err)
			defer cur.Close()
			_, err = cur.Map(MapItem{PA: base, Level: 1, Props: PageProperty{Read: true}})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		cur, err := NewCursor(pt, 0, span*4, false)
		require.NoError(t, err)
		res := cur.Query(uintptr(i) * span)
		require.True(t, res.Found)
		cur.Close()
	}
}
