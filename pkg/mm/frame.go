// Package mm implements the VM object and mapping layer (spec §4.2,
// component C2): frame-backed memory regions, copy-on-write, the VMAR
// interval tree, and the mapping page-fault handler.
//
// Frame bookkeeping is grounded on the teacher's free-list allocator
// (mazboot/golang/main/page.go: Page{vaddrMapped, flags, next, prev},
// freePages, allocPage/freePage) generalized away from raw physical
// addresses/MMIO into a host-testable allocator that still hands out
// zeroed, reference-counted units and tracks an owner kind per unit
// (spec §3 "Frame").
package mm

import (
	"sync"
	"sync/atomic"
)

// OwnerKind classifies what a Frame currently backs (spec §3 "Frame").
type OwnerKind uint8

const (
	OwnerNone OwnerKind = iota
	OwnerAnonymous
	OwnerPageTableNode
	OwnerDevice
	OwnerFileCache
)

// Frame is a physical-memory unit of BasePageSize. Mirrors the teacher's
// Page struct but with an atomic refcount instead of a single
// allocated/free bit, since a frame here can be shared (CoW, dentry
// cache pages) rather than owned by exactly one free-list slot.
type Frame struct {
	id    uint64
	owner OwnerKind
	refs  int32
	data  []byte
}

func (f *Frame) ID() uint64      { return f.id }
func (f *Frame) Owner() OwnerKind { return f.owner }

// Ref increments the frame's reference count, returning f for chaining.
func (f *Frame) Ref() *Frame {
	atomic.AddInt32(&f.refs, 1)
	return f
}

// Unref decrements the reference count and reports whether this was the
// last reference (the caller should return the frame to the allocator).
func (f *Frame) Unref() bool {
	return atomic.AddInt32(&f.refs, -1) == 0
}

// Data exposes the frame's backing bytes for read/write operations.
func (f *Frame) Data() []byte { return f.data }

// Clone returns a fresh Frame with a private copy of f's contents and a
// single reference, used by the CoW write path (spec §4.2 "Commit").
func (f *Frame) Clone(a *Allocator) *Frame {
	nf := a.Alloc(f.owner)
	copy(nf.data, f.data)
	return nf
}

// Allocator is a simple reference-counted frame pool. Unlike the
// teacher's allocPage/freePage (a single global free list touched only
// from nosplit bare-metal code), this is safe for concurrent callers —
// VMOs across different VMARs commit pages concurrently.
type Allocator struct {
	mu       sync.Mutex
	pageSize int
	nextID   uint64
	free     []*Frame
}

// NewAllocator builds a frame allocator for the given page size (spec
// §1 BASE_PAGE_SIZE default is 4 KiB).
func NewAllocator(pageSize int) *Allocator {
	return &Allocator{pageSize: pageSize}
}

// Alloc returns a zeroed frame with refcount 1, reusing a freed frame
// from the pool when available (mirrors allocPage's free-list pop,
// page.go, then asm.Bzero for the "prevent data leakage" step).
func (a *Allocator) Alloc(owner OwnerKind) *Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		f := a.free[n-1]
		a.free = a.free[:n-1]
		for i := range f.data {
			f.data[i] = 0
		}
		f.owner = owner
		f.refs = 1
		return f
	}
	a.nextID++
	return &Frame{id: a.nextID, owner: owner, refs: 1, data: make([]byte, a.pageSize)}
}

// Free returns f to the pool (mirrors freePage, page.go). Callers must
// only call Free once a frame's refcount has reached zero via Unref.
func (a *Allocator) Free(f *Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f.owner = OwnerNone
	a.free = append(a.free, f)
}
