package mm

import (
	"sync"

	"github.com/mazarin-systems/framekernel/pkg/kerrors"
)

// Flag bits on a Vmo (spec §3 "VM Object").
type Flag uint8

const (
	FlagResizable Flag = 1 << iota
	FlagContiguous
	FlagDMA
)

// Pager lazily supplies frames for a file-backed Vmo (spec GLOSSARY
// "Pager").
type Pager interface {
	// ReadPage returns the frame backing the given page index, reading
	// through to the backing file/device on a cache miss.
	ReadPage(pageIndex uint64) (*Frame, error)
	// Decommit notifies the pager that a page is no longer resident,
	// called when a resizable pager-backed vmo shrinks.
	Decommit(pageIndex uint64) error
}

// slot is one entry of a Vmo's sparse page index.
type slot struct {
	frame     *Frame
	exclusive bool // spec §3 "exclusive mark" — CoW-private ownership
}

// Vmo is the ordered, sparse page-index -> frame mapping of spec §3/§4.2.
type Vmo struct {
	mu        sync.Mutex
	alloc     *Allocator
	flags     Flag
	pageSize  uintptr
	size      uint64 // in pages
	pages     map[uint64]*slot
	pager     Pager
	cow       bool
	cowParent *Vmo
}

// NewRoot creates a fresh anonymous or pager-backed Vmo (spec §3
// "Lifecycle: created by new_root").
func NewRoot(alloc *Allocator, pageSize uintptr, sizePages uint64, flags Flag, pager Pager) *Vmo {
	v := &Vmo{
		alloc: alloc, flags: flags, pageSize: pageSize, size: sizePages,
		pages: make(map[uint64]*slot), pager: pager,
	}
	if flags&FlagContiguous != 0 {
		// Invariant (i): a CONTIGUOUS vmo has all frames preallocated and
		// physically contiguous. We approximate contiguity by allocating
		// every page up front from a single allocator instance.
		for i := uint64(0); i < sizePages; i++ {
			v.pages[i] = &slot{frame: alloc.Alloc(OwnerAnonymous)}
		}
	}
	return v
}

func (v *Vmo) Size() uint64 { return v.size }

// Commit implements the rule table of spec §4.2 "Commit".
func (v *Vmo) Commit(offset uint64, willWrite bool) (*Frame, error) {
	pageIdx := offset / uint64(v.pageSize)

	v.mu.Lock()
	defer v.mu.Unlock()
	if pageIdx >= v.size {
		return nil, kerrors.ErrInval
	}

	s, ok := v.pages[pageIdx]
	switch {
	case !ok && v.pager == nil:
		// anonymous, empty -> allocate zero frame; mark exclusive if CoW.
		f := v.alloc.Alloc(OwnerAnonymous)
		v.pages[pageIdx] = &slot{frame: f, exclusive: v.cow}
		return f, nil

	case !ok && v.pager != nil && !willWrite:
		// pager, empty, read -> ask pager, store as-is.
		f, err := v.pager.ReadPage(pageIdx)
		if err != nil {
			return nil, err
		}
		v.pages[pageIdx] = &slot{frame: f}
		return f, nil

	case !ok && v.pager != nil && willWrite:
		// pager, empty, write -> ask pager, clone, store clone exclusive.
		f, err := v.pager.ReadPage(pageIdx)
		if err != nil {
			return nil, err
		}
		clone := f.Clone(v.alloc)
		v.pages[pageIdx] = &slot{frame: clone, exclusive: true}
		return clone, nil

	case ok && !v.cow:
		// filled, not CoW -> return stored frame.
		return s.frame, nil

	case ok && v.cow && s.exclusive:
		// filled, CoW, exclusive -> return stored frame.
		return s.frame, nil

	case ok && v.cow && !s.exclusive && !willWrite:
		// filled, CoW, shared, read -> return stored frame.
		return s.frame, nil

	case ok && v.cow && !s.exclusive && willWrite:
		// filled, CoW, shared, write -> clone, store clone exclusive, return clone.
		clone := s.frame.Clone(v.alloc)
		if s.frame.Unref() {
			v.alloc.Free(s.frame)
		}
		v.pages[pageIdx] = &slot{frame: clone, exclusive: true}
		return clone, nil
	}
	return nil, kerrors.New(0, "unreachable commit state")
}

// NewChild builds a CoW or slice child of v over [offsetPages, offsetPages+lenPages)
// (spec §4.2 "CoW child creation"). Page index j of the child refers to
// page offsetPages+j of v.
func (v *Vmo) NewChild(offsetPages, lenPages uint64, slice bool) (*Vmo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if offsetPages+lenPages > v.size {
		return nil, kerrors.ErrInval
	}

	if slice {
		if v.flags&FlagResizable != 0 {
			return nil, kerrors.New(0, "slice child of a resizable parent is not allowed")
		}
		// A slice shares the exact same slots as the parent range (not a
		// clone): a write through either side is visible to the other.
		child := &Vmo{
			alloc: v.alloc, pageSize: v.pageSize, size: lenPages,
			pages: v.slicedIndexLocked(offsetPages, lenPages), pager: v.pager,
		}
		return child, nil
	}

	if v.cow {
		// Parent already CoW: clear every exclusive mark, hand the child
		// its own index sharing the same underlying frames (not the same
		// map — otherwise a later write by either side would silently
		// mutate the other's view).
		for _, s := range v.pages {
			s.exclusive = false
		}
		child := &Vmo{
			alloc: v.alloc, pageSize: v.pageSize, size: lenPages,
			pages: v.sharedIndexRangeLocked(offsetPages, lenPages), cow: true, cowParent: v.cowParent,
		}
		return child, nil
	}

	if v.pager != nil {
		// Clone the page map into the child; parent stays coherent with its pager.
		child := &Vmo{
			alloc: v.alloc, pageSize: v.pageSize, size: lenPages,
			pages: v.sharedIndexRangeLocked(offsetPages, lenPages), cow: true,
		}
		return child, nil
	}

	// Neither pager-backed nor already CoW: mark both parent and child
	// CoW, sharing the underlying frames via independent indices.
	v.cow = true
	child := &Vmo{
		alloc: v.alloc, pageSize: v.pageSize, size: lenPages,
		pages: v.sharedIndexRangeLocked(offsetPages, lenPages), cow: true, cowParent: v,
	}
	return child, nil
}

// slicedIndexLocked returns a page index for child indices [0, lenPages)
// that alias the same *slot values as v's [offsetPages, offsetPages+lenPages)
// range. Caller must hold v.mu.
func (v *Vmo) slicedIndexLocked(offsetPages, lenPages uint64) map[uint64]*slot {
	out := make(map[uint64]*slot, lenPages)
	for i := uint64(0); i < lenPages; i++ {
		if s, ok := v.pages[offsetPages+i]; ok {
			out[i] = s
		}
	}
	return out
}

// sharedIndexRangeLocked returns a fresh page index for child indices
// [0, lenPages), each referencing the same, ref-counted Frame as v's
// page offsetPages+i. Caller must hold v.mu.
func (v *Vmo) sharedIndexRangeLocked(offsetPages, lenPages uint64) map[uint64]*slot {
	out := make(map[uint64]*slot, lenPages)
	for i := uint64(0); i < lenPages; i++ {
		if s, ok := v.pages[offsetPages+i]; ok {
			s.frame.Ref()
			out[i] = &slot{frame: s.frame, exclusive: false}
		}
	}
	return out
}

// Resize implements spec §4.2 "Resize". Only RESIZABLE vmos may resize.
func (v *Vmo) Resize(newSizePages uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.flags&FlagResizable == 0 {
		return kerrors.ErrInval
	}
	if newSizePages < v.size {
		for i := newSizePages; i < v.size; i++ {
			if s, ok := v.pages[i]; ok {
				if v.pager != nil && !v.cow {
					_ = v.pager.Decommit(i)
				}
				if s.frame.Unref() {
					v.alloc.Free(s.frame)
				}
				delete(v.pages, i)
			}
		}
	}
	v.size = newSizePages
	return nil
}

// Read copies len(buf) bytes starting at offset out of the vmo,
// committing pages read-only as needed.
func (v *Vmo) Read(offset uint64, buf []byte) (int, error) {
	return v.rw(offset, buf, false)
}

// Write copies len(buf) bytes starting at offset into the vmo,
// committing pages for write as needed.
func (v *Vmo) Write(offset uint64, buf []byte) (int, error) {
	return v.rw(offset, buf, true)
}

func (v *Vmo) rw(offset uint64, buf []byte, write bool) (int, error) {
	n := 0
	ps := uint64(v.pageSize)
	for n < len(buf) {
		off := offset + uint64(n)
		pageOff := off % ps
		f, err := v.Commit(off, write)
		if err != nil {
			return n, err
		}
		count := len(buf) - n
		if uint64(count) > ps-pageOff {
			count = int(ps - pageOff)
		}
		if write {
			copy(f.Data()[pageOff:], buf[n:n+count])
		} else {
			copy(buf[n:n+count], f.Data()[pageOff:pageOff+uint64(count)])
		}
		n += count
	}
	return n, nil
}
