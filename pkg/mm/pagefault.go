package mm

import (
	"github.com/mazarin-systems/framekernel/pkg/kerrors"
	"github.com/mazarin-systems/framekernel/pkg/pagetable"
)

// HandleFault implements the mapping page-fault handler of spec §4.2.
func (v *Vmar) HandleFault(va uintptr, writeFault bool) error {
	m, ok := v.Find(va)
	if !ok {
		return kerrors.ErrAccess
	}
	offset := uint64(va-m.Base) + m.VmoOffset
	if offset >= m.Vmo.Size()*uint64(m.Vmo.pageSize) {
		return kerrors.New(0, "fault past end of vmo") // -> SIGSEGV at the syscall/signal layer
	}
	if writeFault && !m.Perms.has(PermWrite) {
		return kerrors.ErrAccess
	}
	return v.installPage(m, va, writeFault)
}

// installPage performs commit+install (steps 3-4 of spec §4.2's fault
// handler), shared by HandleFault and populate.
func (v *Vmar) installPage(m *Mapping, va uintptr, writeFault bool) error {
	offset := uint64(va-m.Base) + m.VmoOffset
	f, err := m.Vmo.Commit(offset, writeFault)
	if err != nil {
		// Populate silently skips I/O errors; HandleFault propagates them.
		return err
	}

	props := pagetable.PageProperty{
		Read: m.Perms.has(PermRead),
		Exec: m.Perms.has(PermExec),
		User: true,
	}
	if m.Shared {
		props.Write = m.Perms.has(PermWrite)
	} else {
		// Private mappings: strip W on install so a later write faults
		// into the CoW path in Commit (spec §4.2 step 4).
		props.Write = false
		if m.Perms.has(PermWrite) {
			props.CoW = true
		}
	}

	pageSize := m.Vmo.pageSize
	base := va - (va % pageSize)
	cur, err := pagetable.NewCursor(v.PT, base, base+pageSize, false)
	if err != nil {
		return err
	}
	defer cur.Close()
	_, err = cur.Map(pagetable.MapItem{PA: uintptr(f.ID()) * pageSize, Level: 1, Props: props})
	return err
}
