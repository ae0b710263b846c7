package vfs

import (
	"sync"

	"github.com/mazarin-systems/framekernel/pkg/kerrors"
)

// FileSystem supplies a mounted file system's root inode (spec §6
// "Boundary to file systems").
type FileSystem interface {
	Root() Inode
}

// MountNode is a node in the mount tree (spec §3 "MountNode").
type MountNode struct {
	RootDentry *Dentry

	mu           sync.Mutex
	parentMount  *MountNode
	mountPoint   *Dentry // dentry this mount is attached under, nil for root
	childMounts  map[*Dentry]*MountNode
	stackedUnder *MountNode // the mount this one stacked on top of, if any
}

func newMountNode(root *Dentry) *MountNode {
	return &MountNode{RootDentry: root, childMounts: make(map[*Dentry]*MountNode)}
}

// NewRootMount creates the mount tree's root mount over fs's root dentry.
func NewRootMount(cache *Cache, fs FileSystem) *MountNode {
	root := cache.NewRoot(fs.Root())
	return newMountNode(root)
}

func (m *MountNode) ParentMount() *MountNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parentMount
}

func (m *MountNode) MountPoint() *Dentry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mountPoint
}

// Mount implements spec §4.6 "Mount tree": mounting fs on dentry d
// requires d to be a directory and not a file-system root; if d already
// carries a mount, the new mount stacks on top of it.
func (m *MountNode) Mount(cache *Cache, d *Dentry, fs FileSystem) (*MountNode, error) {
	if !d.Inode.IsDir() {
		return nil, kerrors.ErrNotDir
	}
	if d.IsRoot() {
		return nil, kerrors.ErrInval
	}

	root := cache.NewRoot(fs.Root())
	child := newMountNode(root)
	child.parentMount = m
	child.mountPoint = d

	m.mu.Lock()
	if existing, stacked := m.childMounts[d]; stacked {
		child.stackedUnder = existing
	}
	m.childMounts[d] = child
	m.mu.Unlock()

	d.setFlag(FlagMounted, true)
	return child, nil
}

// Unmount implements spec §4.6 "Unmount": legal only on a dentry that is
// the file-system root of a non-root mount. Removes the mount from its
// parent; if another mount was stacked beneath it, that one becomes the
// active mount and the mount-point dentry stays MOUNTED, otherwise the
// flag is cleared.
func (m *MountNode) Unmount(mnt *MountNode) error {
	if mnt.parentMount == nil {
		return kerrors.ErrInval
	}
	if mnt.RootDentry.Parent != nil {
		return kerrors.ErrInval
	}

	parent := mnt.parentMount
	mp := mnt.mountPoint

	parent.mu.Lock()
	if mnt.stackedUnder != nil {
		parent.childMounts[mp] = mnt.stackedUnder
	} else {
		delete(parent.childMounts, mp)
	}
	parent.mu.Unlock()

	if mnt.stackedUnder == nil {
		mp.setFlag(FlagMounted, false)
	}
	return nil
}

// TopMountAt returns the currently active (topmost-stacked) mount below
// m whose mount point is d, or nil if d carries no mount.
func (m *MountNode) TopMountAt(d *Dentry) *MountNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.childMounts[d]
}
