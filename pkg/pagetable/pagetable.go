// Package pagetable implements the generic multi-level page-table engine
// (spec §4.1, component C1): a configurable tree of fixed-arity nodes
// with a fine-grained lock protocol, walked through cursors that own a
// half-open virtual range.
//
// The level/entry-count/shift arithmetic is modeled on the teacher's
// ARM64 MMU layout (mazboot/golang/main/mmu.go: L0_SHIFT..L3_SHIFT,
// PTE_COUNT = 512, PAGE_SHIFT = 12) generalized to an arbitrary number
// of levels and entries-per-node via Config. Entry properties
// (read/write/exec/accessed/dirty/cache policy/cow) are kept as the
// PageProperty struct throughout this package rather than a packed
// machine word: every caller (Map/Query/ProtectNext) and test works
// against the struct, and nothing in this repo needs the packed wire
// form a real PTE write would use.
package pagetable

import (
	"math/bits"

	"github.com/mazarin-systems/framekernel/pkg/kerrors"
)

// Config parameterizes one page-table instance (spec §4.1 "Configuration").
type Config struct {
	// NRLevels is the total number of levels, root at NRLevels (1-indexed
	// top) down to leaves at level 1.
	NRLevels int
	// BasePageSize is the smallest mappable unit (4 KiB on x86_64/aarch64).
	BasePageSize uintptr
	// EntriesPerNode is the fixed arity of every node (512 on x86_64/aarch64).
	EntriesPerNode int
	// HighestTranslationLevel is the highest level that may carry a Frame
	// leaf (huge pages); levels above it may only be Child entries.
	HighestTranslationLevel int
	// TopLevelCanUnmap is false for the kernel shared top-level table,
	// where unmapping a top-level entry is a programming error (panic).
	TopLevelCanUnmap bool
}

// bitsPerLevel is log2(EntriesPerNode); panics if EntriesPerNode is not a
// power of two, since the walk arithmetic depends on it.
func (c Config) bitsPerLevel() uint {
	if c.EntriesPerNode <= 0 || c.EntriesPerNode&(c.EntriesPerNode-1) != 0 {
		panic("pagetable: EntriesPerNode must be a power of two")
	}
	return uint(bits.TrailingZeros(uint(c.EntriesPerNode)))
}

func (c Config) pageShift() uint {
	return uint(bits.TrailingZeros(uint(c.BasePageSize)))
}

// levelShift returns the bit position of the index field for the given
// level (1 = leaf level).
func (c Config) levelShift(level int) uint {
	return c.pageShift() + uint(level-1)*c.bitsPerLevel()
}

// levelSize returns the span of virtual address covered by one entry at
// the given level.
func (c Config) levelSize(level int) uintptr {
	return uintptr(1) << c.levelShift(level)
}

func (c Config) indexAt(va uintptr, level int) int {
	shift := c.levelShift(level)
	mask := uintptr(c.EntriesPerNode - 1)
	return int((va >> shift) & mask)
}

func (c Config) pageMask() uintptr { return c.BasePageSize - 1 }

func (c Config) aligned(va uintptr) bool { return va&c.pageMask() == 0 }

// ValidateRange checks the cursor-construction preconditions from spec
// §4.1: base-page alignment and containment within the table's window.
func (c Config) ValidateRange(start, end uintptr) error {
	if !c.aligned(start) || !c.aligned(end) {
		return kerrors.ErrUnalignedVaddr
	}
	if end <= start {
		return kerrors.ErrInvalidVaddrRange
	}
	top := uintptr(1) << (c.levelShift(c.NRLevels) + c.bitsPerLevel())
	if end > top {
		return kerrors.ErrInvalidVaddrRange
	}
	return nil
}
