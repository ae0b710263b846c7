package mm

import (
	"sort"
	"sync"

	"github.com/mazarin-systems/framekernel/pkg/kerrors"
	"github.com/mazarin-systems/framekernel/pkg/pagetable"
)

// Perm is the permission/may-permission bitset of spec §3 "VM Mapping".
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

func (p Perm) has(o Perm) bool { return p&o == o }

// Mapping binds a contiguous virtual range of a VMAR to a Vmo sub-range
// (spec §3 "VM Mapping").
type Mapping struct {
	Base, Length uintptr
	Vmo          *Vmo
	VmoOffset    uint64
	Perms        Perm
	MayPerms     Perm
	Shared       bool
	Populate     bool
	// Inode is set for file-backed shared writable mappings so the inode
	// can track the write-set (spec §3 invariant).
	Inode InodeWriteTracker
}

// InodeWriteTracker is the narrow slice of the VFS inode interface (§6)
// a shared writable file-backed mapping needs to report itself to.
type InodeWriteTracker interface {
	TrackWritableMapping(m *Mapping)
	UntrackWritableMapping(m *Mapping)
}

func (m *Mapping) end() uintptr { return m.Base + m.Length }

// Vmar is the interval tree of mappings over one address space's user
// portion (spec §3 "VMAR"), owning one page-table root. The mapping set
// is kept as a sorted slice: mutation is always under the vmar lock and
// ranges within one VMAR never overlap, so a sorted slice is a simple,
// correct interval structure without needing a balanced tree.
type Vmar struct {
	mu       sync.Mutex
	PT       *pagetable.PageTable
	mappings []*Mapping
	alloc    *Allocator
}

func NewVmar(pt *pagetable.PageTable, alloc *Allocator) *Vmar {
	return &Vmar{PT: pt, alloc: alloc}
}

func (v *Vmar) overlaps(base, length uintptr) bool {
	end := base + length
	i := sort.Search(len(v.mappings), func(i int) bool { return v.mappings[i].end() > base })
	return i < len(v.mappings) && v.mappings[i].Base < end
}

// NewMap creates a mapping (spec §3 "VMAR" / §4.2 "Populate").
func (v *Vmar) NewMap(base, length uintptr, vmo *Vmo, vmoOffset uint64, perms, may Perm, shared, populate bool) (*Mapping, error) {
	if perms&^may != 0 {
		// Invariant: permissions are a subset of may-permissions (spec §3).
		return nil, kerrors.ErrAccess
	}
	v.mu.Lock()
	if v.overlaps(base, length) {
		v.mu.Unlock()
		return nil, kerrors.ErrInval
	}
	m := &Mapping{Base: base, Length: length, Vmo: vmo, VmoOffset: vmoOffset, Perms: perms, MayPerms: may, Shared: shared, Populate: populate}
	v.insertLocked(m)
	v.mu.Unlock()

	if shared && m.Inode != nil && perms.has(PermWrite) {
		m.Inode.TrackWritableMapping(m)
	}

	if populate {
		v.populate(m)
	}
	return m, nil
}

func (v *Vmar) insertLocked(m *Mapping) {
	i := sort.Search(len(v.mappings), func(i int) bool { return v.mappings[i].Base >= m.Base })
	v.mappings = append(v.mappings, nil)
	copy(v.mappings[i+1:], v.mappings[i:])
	v.mappings[i] = m
}

// populate eagerly performs the page-fault handler's commit+install for
// every page in m's range; I/O errors are silently skipped and the page
// remains unmapped, to fault later (spec §4.2 "Populate").
func (v *Vmar) populate(m *Mapping) {
	pageSize := m.Vmo.pageSize
	for off := uintptr(0); off < m.Length; off += pageSize {
		_ = v.installPage(m, m.Base+off, m.Perms.has(PermWrite))
	}
}

// Find returns the mapping containing va, if any.
func (v *Vmar) Find(va uintptr) (*Mapping, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := sort.Search(len(v.mappings), func(i int) bool { return v.mappings[i].end() > va })
	if i < len(v.mappings) && v.mappings[i].Base <= va {
		return v.mappings[i], true
	}
	return nil, false
}

// Unmap removes every mapping wholly or partially covering [base,base+length)
// and tears down the corresponding page-table range.
func (v *Vmar) Unmap(base, length uintptr) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	cur, err := pagetable.NewCursor(v.PT, base, base+length, false)
	if err != nil {
		return err
	}
	defer cur.Close()
	for {
		frag, err := cur.TakeNext(length)
		if err != nil {
			return err
		}
		if frag == nil {
			break
		}
	}

	kept := v.mappings[:0]
	for _, m := range v.mappings {
		if m.end() <= base || m.Base >= base+length {
			kept = append(kept, m)
			continue
		}
		if m.Shared && m.Inode != nil && m.Perms.has(PermWrite) {
			m.Inode.UntrackWritableMapping(m)
		}
	}
	v.mappings = kept
	return nil
}

// ForkCow builds a new Vmar for a forked child (spec §4.5 "Fork /
// clone"): shared mappings keep referencing the same Vmo, private
// mappings get a CoW child Vmo over their exact Vmo sub-range (spec
// §4.2 "CoW child creation") so a later write by either parent or
// child clones only that page. The child's page table starts empty;
// pages are installed lazily by the page-fault handler as usual.
func (v *Vmar) ForkCow() (*Vmar, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pt := pagetable.New(v.PT.Cfg)
	child := NewVmar(pt, v.alloc)

	for _, m := range v.mappings {
		vmo := m.Vmo
		vmoOffset := m.VmoOffset
		if !m.Shared {
			ps := uint64(vmo.pageSize)
			offsetPages := m.VmoOffset / ps
			lenPages := (uint64(m.Length) + ps - 1) / ps
			cowVmo, err := vmo.NewChild(offsetPages, lenPages, false)
			if err != nil {
				return nil, err
			}
			vmo = cowVmo
			vmoOffset = 0
		}
		cm := &Mapping{
			Base: m.Base, Length: m.Length, Vmo: vmo, VmoOffset: vmoOffset,
			Perms: m.Perms, MayPerms: m.MayPerms, Shared: m.Shared, Inode: m.Inode,
		}
		child.insertLocked(cm)
		if cm.Shared && cm.Inode != nil && cm.Perms.has(PermWrite) {
			cm.Inode.TrackWritableMapping(cm)
		}
	}
	return child, nil
}

// Protect changes permissions on [base, base+length) (spec §3 "Protect").
func (v *Vmar) Protect(base, length uintptr, newPerms Perm) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.mappings {
		if m.Base >= base+length || m.end() <= base {
			continue
		}
		if newPerms&^m.MayPerms != 0 {
			return kerrors.ErrAccess
		}
		m.Perms = newPerms
	}
	cur, err := pagetable.NewCursor(v.PT, base, base+length, false)
	if err != nil {
		return err
	}
	defer cur.Close()
	for {
		frag, err := cur.ProtectNext(length, func(p *pagetable.PageProperty) {
			p.Read = newPerms.has(PermRead)
			p.Write = newPerms.has(PermWrite)
			p.Exec = newPerms.has(PermExec)
		})
		if err != nil {
			return err
		}
		if frag == nil {
			break
		}
	}
	return nil
}
