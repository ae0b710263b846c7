package vfs

import (
	"strings"

	"github.com/mazarin-systems/framekernel/pkg/kerrors"
)

// NameMax is the maximum single path component length (spec §4.6 step 1
// "enforce NAME_MAX").
const NameMax = 255

// Path is the externally visible VFS location, a (mount, dentry) pair
// (spec §3 "Path (MountedDentry)"). Two paths can share a dentry but
// differ in mount.
type Path struct {
	Mount  *MountNode
	Dentry *Dentry
}

// Lookup implements spec §4.6 "Path lookup" for one path component.
func Lookup(cache *Cache, p Path, name string) (Path, error) {
	if !p.Dentry.Inode.IsDir() {
		return Path{}, kerrors.ErrNotDir
	}
	if !p.Dentry.Inode.CanExecute() {
		return Path{}, kerrors.ErrAccess
	}
	if len(name) > NameMax {
		return Path{}, kerrors.ErrNameTooLong
	}

	switch name {
	case ".":
		return p, nil
	case "..":
		return effectiveParent(p), nil
	}

	child, ok := cache.lookup(p.Dentry, name)
	if !ok {
		p.Dentry.mu.Lock()
		child, ok = p.Dentry.childLocked(name)
		p.Dentry.mu.Unlock()
	}
	if !ok {
		inode, err := p.Dentry.Inode.Lookup(name)
		if err != nil {
			return Path{}, kerrors.Wrap(err, "vfs: lookup")
		}
		child = newChildDentry(p.Dentry, name, inode)
		p.Dentry.mu.Lock()
		p.Dentry.children[name] = child
		p.Dentry.mu.Unlock()
		cache.insert(p.Dentry, name, child)
	}

	return crossMounts(Path{Mount: p.Mount, Dentry: child}), nil
}

// effectiveParent implements spec §4.6 step 3: if p.Dentry is a mount
// root, cross to (parent_mount, mountpoint_dentry) and recurse;
// otherwise return (p.Mount, p.Dentry.Parent).
func effectiveParent(p Path) Path {
	if p.Dentry.IsRoot() {
		parentMount := p.Mount.ParentMount()
		if parentMount == nil {
			// Global root: its own effective parent is itself.
			return p
		}
		mp := p.Mount.MountPoint()
		return effectiveParent(Path{Mount: parentMount, Dentry: mp})
	}
	return Path{Mount: p.Mount, Dentry: p.Dentry.Parent}
}

// crossMounts implements spec §4.6 step 5: walk up the mount stack
// while the dentry is flagged MOUNTED, replacing with the top
// child-mount's root each time.
func crossMounts(p Path) Path {
	for p.Dentry.HasFlag(FlagMounted) {
		top := p.Mount.TopMountAt(p.Dentry)
		if top == nil {
			break
		}
		p = Path{Mount: top, Dentry: top.RootDentry}
	}
	return p
}

// AbsolutePath implements spec §4.6 "Absolute path": walks effective
// parents accumulating names, terminating at the global root.
func AbsolutePath(p Path) string {
	var parts []string
	for {
		parent := effectiveParent(p)
		if parent.Mount == p.Mount && parent.Dentry == p.Dentry {
			break // reached the global root
		}
		parts = append([]string{nameInParent(parent, p)}, parts...)
		p = parent
	}
	if len(parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(parts, "/")
}

// nameInParent returns the name p.Dentry is known by within parent: the
// dentry's own Name, or, for a mount root (whose Name is empty), the
// name of the mount-point dentry it is mounted on.
func nameInParent(parent, p Path) string {
	if p.Dentry.Name != "" {
		return p.Dentry.Name
	}
	// p.Dentry is a mount root (its own Name is empty); the name visible
	// from the parent is the mount point dentry's name, i.e. the child we
	// crossed from before crossMounts replaced it.
	if mp := p.Mount.MountPoint(); mp != nil {
		return mp.Name
	}
	return ""
}
