// Package vfs implements the dentry cache, mount tree, and path lookup
// of spec.md §4.6 (component C6). Per spec §9's open question, the two
// near-duplicate dentry designs the original carries (a bare Dentry and
// a wrapping DentryMnt) are unified here into one Dentry type plus the
// (mount, dentry) Path pair that crosses mount boundaries.
package vfs

import (
	"sync"
	"unsafe"

	"github.com/mazarin-systems/framekernel/pkg/kerrors"
)

// Flag bits on a Dentry (spec §3 "Dentry").
type Flag uint32

const (
	FlagMounted Flag = 1 << iota
)

// Inode is the boundary interface to a mounted file system's inode
// operations (spec §6 "Boundary to file systems"). Only the operations
// C6 itself drives are declared; read/write/metadata accessors live
// with the storage engine collaborator, out of scope here.
type Inode interface {
	Lookup(name string) (Inode, error)
	Create(name string, mode uint32) (Inode, error)
	Unlink(name string) error
	Rmdir(name string) error
	Rename(name string, newParent Inode, newName string) error
	IsDir() bool
	IsDentryCacheable() bool
	// CanExecute reports traversal (execute-bit) permission, the one
	// access check path lookup performs (spec §4.6 step 1). Full
	// credential/mode-bit evaluation belongs to the file-system
	// collaborator; C6 only needs this single yes/no gate.
	CanExecute() bool
}

// dentryKey is DCACHE's lookup key: (parent identity, name). The root
// dentry of a file system uses its own identity in place of a parent,
// with the name "/".
type dentryKey struct {
	parent *Dentry
	name   string
}

// Dentry is a cached name -> inode binding (spec §3 "Dentry").
type Dentry struct {
	Inode  Inode
	Name   string  // empty iff this is a file-system root
	Parent *Dentry // nil iff this is a file-system root

	mu       sync.Mutex
	flags    Flag
	children map[string]*Dentry // weak in spirit; DCACHE holds the strong ref
	refs     int
}

func newRootDentry(inode Inode) *Dentry {
	return &Dentry{Inode: inode, children: make(map[string]*Dentry)}
}

func newChildDentry(parent *Dentry, name string, inode Inode) *Dentry {
	return &Dentry{Inode: inode, Name: name, Parent: parent, children: make(map[string]*Dentry)}
}

func (d *Dentry) IsRoot() bool { return d.Parent == nil }

// Ref/Unref track external handles. The strong reference count equals
// outstanding external handles plus one while DCACHE holds a cacheable
// dentry (spec §3 "Dentry" invariant (iii)).
func (d *Dentry) Ref() {
	d.mu.Lock()
	d.refs++
	d.mu.Unlock()
}

// Unref returns true once the handle count (excluding DCACHE's own
// reference) drops to zero.
func (d *Dentry) Unref() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs > 0 {
		d.refs--
	}
	return d.refs == 0
}

func (d *Dentry) HasFlag(f Flag) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags&f != 0
}

func (d *Dentry) setFlag(f Flag, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		d.flags |= f
	} else {
		d.flags &^= f
	}
}

// childLocked looks up a cached child by name. Caller holds d.mu.
func (d *Dentry) childLocked(name string) (*Dentry, bool) {
	c, ok := d.children[name]
	return c, ok
}

// Cache is the global DCACHE plus the per-directory children tables it
// backs (spec §3 "Dentry" invariants (i)-(iv), §5 "DCACHE is a single
// global map behind a mutex").
type Cache struct {
	mu    sync.Mutex
	byKey map[dentryKey]*Dentry
}

func NewCache() *Cache {
	return &Cache{byKey: make(map[dentryKey]*Dentry)}
}

func (c *Cache) insert(parent *Dentry, name string, d *Dentry) {
	if !d.Inode.IsDentryCacheable() {
		return
	}
	c.mu.Lock()
	c.byKey[dentryKey{parent: parent, name: name}] = d
	c.mu.Unlock()
}

func (c *Cache) remove(parent *Dentry, name string) {
	c.mu.Lock()
	delete(c.byKey, dentryKey{parent: parent, name: name})
	c.mu.Unlock()
}

func (c *Cache) lookup(parent *Dentry, name string) (*Dentry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.byKey[dentryKey{parent: parent, name: name}]
	return d, ok
}

// NewRoot registers a file system's root dentry in DCACHE.
func (c *Cache) NewRoot(inode Inode) *Dentry {
	d := newRootDentry(inode)
	c.insert(d, "/", d)
	return d
}

// Create implements spec §4.6 "Create": requires the parent to be a
// directory, fails EEXIST if name is already present, performs the
// inode operation first, then updates the children table and DCACHE.
func (c *Cache) Create(parent *Dentry, name string, mode uint32) (*Dentry, error) {
	if !parent.Inode.IsDir() {
		return nil, kerrors.ErrNotDir
	}
	parent.mu.Lock()
	if _, exists := parent.childLocked(name); exists {
		parent.mu.Unlock()
		return nil, kerrors.ErrExist
	}
	parent.mu.Unlock()

	inode, err := parent.Inode.Create(name, mode)
	if err != nil {
		return nil, kerrors.Wrap(err, "vfs: create")
	}

	child := newChildDentry(parent, name, inode)
	parent.mu.Lock()
	parent.children[name] = child
	parent.mu.Unlock()
	c.insert(parent, name, child)
	return child, nil
}

// Unlink implements spec §4.6 "unlink": EBUSY if the target is a mount
// point, else the inode op followed by children-table/DCACHE removal.
func (c *Cache) Unlink(parent *Dentry, name string) error {
	return c.removeEntry(parent, name, false)
}

// Rmdir implements spec §4.6 "rmdir", identical shape to Unlink but
// calling the inode's Rmdir.
func (c *Cache) Rmdir(parent *Dentry, name string) error {
	return c.removeEntry(parent, name, true)
}

func (c *Cache) removeEntry(parent *Dentry, name string, dir bool) error {
	if !parent.Inode.IsDir() {
		return kerrors.ErrNotDir
	}
	parent.mu.Lock()
	target, exists := parent.childLocked(name)
	parent.mu.Unlock()
	if exists && target.HasFlag(FlagMounted) {
		return kerrors.ErrBusy
	}

	var err error
	if dir {
		err = parent.Inode.Rmdir(name)
	} else {
		err = parent.Inode.Unlink(name)
	}
	if err != nil {
		return kerrors.Wrap(err, "vfs: remove")
	}

	parent.mu.Lock()
	delete(parent.children, name)
	parent.mu.Unlock()
	c.remove(parent, name)
	return nil
}

// Rename implements spec §4.6 "Rename": rejects "."/".." as either
// name; a same-directory same-name rename is a no-effect success;
// otherwise both children tables are locked in ascending
// (name, parent-ptr-identity) order before the inode rename and the
// table/DCACHE updates.
func (c *Cache) Rename(srcParent *Dentry, srcName string, dstParent *Dentry, dstName string) error {
	if srcName == "." || srcName == ".." || dstName == "." || dstName == ".." {
		return kerrors.ErrInval
	}
	if srcParent == dstParent && srcName == dstName {
		return nil
	}

	first, second := lockOrder(srcParent, srcName, dstParent, dstName)
	first.mu.Lock()
	if first != second {
		second.mu.Lock()
	}
	defer func() {
		if first != second {
			second.mu.Unlock()
		}
		first.mu.Unlock()
	}()

	src, exists := srcParent.childLocked(srcName)
	if !exists {
		return kerrors.ErrNoEnt
	}
	if src.HasFlag(FlagMounted) {
		return kerrors.ErrBusy
	}
	if dst, exists := dstParent.childLocked(dstName); exists && dst.HasFlag(FlagMounted) {
		return kerrors.ErrBusy
	}

	var newParentInode Inode = dstParent.Inode
	if err := srcParent.Inode.Rename(srcName, newParentInode, dstName); err != nil {
		return kerrors.Wrap(err, "vfs: rename")
	}

	delete(srcParent.children, srcName)
	c.remove(srcParent, srcName)

	src.Name = dstName
	src.Parent = dstParent
	dstParent.children[dstName] = src
	c.insert(dstParent, dstName, src)
	return nil
}

// lockOrder returns the two distinct parent dentries of a rename in
// ascending (name, parent-ptr-identity) order (spec §5).
func lockOrder(srcParent *Dentry, srcName string, dstParent *Dentry, dstName string) (first, second *Dentry) {
	if srcParent == dstParent {
		return srcParent, dstParent
	}
	a := dentryKey{parent: srcParent, name: srcName}
	b := dentryKey{parent: dstParent, name: dstName}
	if lessKey(a, b) {
		return srcParent, dstParent
	}
	return dstParent, srcParent
}

func lessKey(a, b dentryKey) bool {
	if a.name != b.name {
		return a.name < b.name
	}
	return uintptr(unsafe.Pointer(a.parent)) < uintptr(unsafe.Pointer(b.parent))
}
