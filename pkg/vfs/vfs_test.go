package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mazarin-systems/framekernel/pkg/kerrors"
)

// memInode is a minimal in-memory Inode used only to exercise the
// dentry/mount/lookup machinery; it has no real storage backing.
type memInode struct {
	dir      bool
	children map[string]*memInode
}

func newDirInode() *memInode  { return &memInode{dir: true, children: map[string]*memInode{}} }
func newFileInode() *memInode { return &memInode{dir: false} }

func (m *memInode) Lookup(name string) (Inode, error) {
	c, ok := m.children[name]
	if !ok {
		return nil, kerrors.ErrNoEnt
	}
	return c, nil
}

func (m *memInode) Create(name string, mode uint32) (Inode, error) {
	if _, exists := m.children[name]; exists {
		return nil, kerrors.ErrExist
	}
	c := newFileInode()
	m.children[name] = c
	return c, nil
}

func (m *memInode) Unlink(name string) error {
	if _, ok := m.children[name]; !ok {
		return kerrors.ErrNoEnt
	}
	delete(m.children, name)
	return nil
}

func (m *memInode) Rmdir(name string) error { return m.Unlink(name) }

func (m *memInode) Rename(name string, newParent Inode, newName string) error {
	src, ok := m.children[name]
	if !ok {
		return kerrors.ErrNoEnt
	}
	np := newParent.(*memInode)
	delete(m.children, name)
	np.children[newName] = src
	return nil
}

func (m *memInode) IsDir() bool             { return m.dir }
func (m *memInode) IsDentryCacheable() bool { return true }
func (m *memInode) CanExecute() bool        { return true }

type memFS struct{ root *memInode }

func (f *memFS) Root() Inode { return f.root }

func TestDentryUniquenessInCache(t *testing.T) {
	cache := NewCache()
	root := cache.NewRoot(newDirInode())
	a1, err := cache.Create(root, "a", 0)
	require.NoError(t, err)
	a2, ok := cache.lookup(root, "a")
	require.True(t, ok)
	require.Same(t, a1, a2)
}

func TestCreateFailsEExistOnDuplicateName(t *testing.T) {
	cache := NewCache()
	root := cache.NewRoot(newDirInode())
	_, err := cache.Create(root, "a", 0)
	require.NoError(t, err)
	_, err = cache.Create(root, "a", 0)
	require.ErrorIs(t, kerrors.ToErrno(err), unix.EEXIST)
}

// TestMountStackScenario reproduces spec §8 scenario 2: mounting fs2
// over an already-mounted /mnt hides fs1's contents; lookup through the
// stack finds fs2's (empty) root; unmounting restores visibility of
// fs1's /mnt/a.
func TestMountStackScenario(t *testing.T) {
	cache := NewCache()
	rootFS := &memFS{root: newDirInode()}
	rootMount := NewRootMount(cache, rootFS)
	rootPath := Path{Mount: rootMount, Dentry: rootMount.RootDentry}

	mntDir := rootMount.RootDentry.Inode.(*memInode)
	mntDir.children["mnt"] = newDirInode()
	mntDentry, err := Lookup(cache, rootPath, "mnt")
	require.NoError(t, err)

	fs1 := &memFS{root: newDirInode()}
	mnt1, err := rootMount.Mount(cache, mntDentry.Dentry, fs1)
	require.NoError(t, err)
	require.True(t, mntDentry.Dentry.HasFlag(FlagMounted))

	fs1.root.children["a"] = newFileInode()
	viaMnt1, err := Lookup(cache, rootPath, "mnt")
	require.NoError(t, err)
	require.Same(t, mnt1.RootDentry, viaMnt1.Dentry)
	_, err = Lookup(cache, viaMnt1, "a")
	require.NoError(t, err)

	fs2 := &memFS{root: newDirInode()}
	mnt2, err := rootMount.Mount(cache, mntDentry.Dentry, fs2)
	require.NoError(t, err)

	viaMnt2, err := Lookup(cache, rootPath, "mnt")
	require.NoError(t, err)
	require.Same(t, mnt2.RootDentry, viaMnt2.Dentry)
	_, err = Lookup(cache, viaMnt2, "a")
	require.ErrorIs(t, kerrors.ToErrno(err), unix.ENOENT)

	require.NoError(t, rootMount.Unmount(mnt2))
	viaAfterUnmount, err := Lookup(cache, rootPath, "mnt")
	require.NoError(t, err)
	require.Same(t, mnt1.RootDentry, viaAfterUnmount.Dentry)
	_, err = Lookup(cache, viaAfterUnmount, "a")
	require.NoError(t, err)
}

// TestRenameAcrossDirectories reproduces spec §8 scenario 3.
func TestRenameAcrossDirectories(t *testing.T) {
	cache := NewCache()
	root := cache.NewRoot(newDirInode())

	d1, err := cache.Create(root, "d1", 0)
	require.NoError(t, err)
	*d1.Inode.(*memInode) = *newDirInode()
	d2, err := cache.Create(root, "d2", 0)
	require.NoError(t, err)
	*d2.Inode.(*memInode) = *newDirInode()

	f, err := cache.Create(d1, "f", 0)
	require.NoError(t, err)
	originalInode := f.Inode

	err = cache.Rename(d1, "f", d2, "g")
	require.NoError(t, err)

	_, ok := cache.lookup(d1, "f")
	require.False(t, ok)
	moved, ok := cache.lookup(d2, "g")
	require.True(t, ok)
	require.Same(t, originalInode, moved.Inode)
}

func TestRenameSameNameSameDirIsNoOp(t *testing.T) {
	cache := NewCache()
	root := cache.NewRoot(newDirInode())
	_, err := cache.Create(root, "f", 0)
	require.NoError(t, err)
	require.NoError(t, cache.Rename(root, "f", root, "f"))
}

func TestUnlinkBusyOnMountPoint(t *testing.T) {
	cache := NewCache()
	rootFS := &memFS{root: newDirInode()}
	rootMount := NewRootMount(cache, rootFS)
	mntDir, err := cache.Create(rootMount.RootDentry, "mnt", 0)
	require.NoError(t, err)
	mntDir.Inode.(*memInode).dir = true

	_, err = rootMount.Mount(cache, mntDir, &memFS{root: newDirInode()})
	require.NoError(t, err)

	err = cache.Rmdir(rootMount.RootDentry, "mnt")
	require.ErrorIs(t, kerrors.ToErrno(err), unix.EBUSY)
}
