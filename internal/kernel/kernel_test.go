package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mazarin-systems/framekernel/internal/config"
	"github.com/mazarin-systems/framekernel/pkg/cpucontext"
	"github.com/mazarin-systems/framekernel/pkg/kerrors"
	"github.com/mazarin-systems/framekernel/pkg/mm"
	"github.com/mazarin-systems/framekernel/pkg/pagetable"
	"github.com/mazarin-systems/framekernel/pkg/proc"
	"github.com/mazarin-systems/framekernel/pkg/vfs"
)

func testVmar() *mm.Vmar {
	cfg := pagetable.Config{NRLevels: 4, BasePageSize: 4096, EntriesPerNode: 512, HighestTranslationLevel: 3, TopLevelCanUnmap: true}
	return mm.NewVmar(pagetable.New(cfg), mm.NewAllocator(4096))
}

type fakeRootInode struct{}

func (fakeRootInode) Lookup(name string) (vfs.Inode, error)            { return nil, kerrors.ErrNoEnt }
func (fakeRootInode) Create(name string, mode uint32) (vfs.Inode, error) { return nil, kerrors.ErrPerm }
func (fakeRootInode) Unlink(name string) error                          { return kerrors.ErrPerm }
func (fakeRootInode) Rmdir(name string) error                           { return kerrors.ErrPerm }
func (fakeRootInode) Rename(name string, newParent vfs.Inode, newName string) error {
	return kerrors.ErrPerm
}
func (fakeRootInode) IsDir() bool             { return true }
func (fakeRootInode) IsDentryCacheable() bool { return true }
func (fakeRootInode) CanExecute() bool        { return true }

type fakeFS struct{}

func (fakeFS) Root() vfs.Inode { return fakeRootInode{} }

func TestNewKernelWiresAllComponents(t *testing.T) {
	cfg := config.Default()
	cfg.CPUs = 2
	k, err := New(cfg)
	require.NoError(t, err)
	require.Len(t, k.RunQueues, 2)
	require.NotNil(t, k.Procs)
	require.NotNil(t, k.Syscalls)

	k.MountRoot(fakeFS{})
	require.NotNil(t, k.Root)
}

func TestNewKernelRejectsZeroCPUs(t *testing.T) {
	cfg := config.Default()
	cfg.CPUs = 0
	_, err := New(cfg)
	require.Error(t, err)
}

// TestForkSyscallReachableThroughDispatch exercises spec §4.5's fork
// path the way a real caller would reach it: through the syscall
// dispatch table rather than calling proc.Process.Fork directly.
func TestForkSyscallReachableThroughDispatch(t *testing.T) {
	cfg := config.Default()
	cfg.CPUs = 1
	k, err := New(cfg)
	require.NoError(t, err)

	parent, main := k.Procs.SpawnUserProcess("/bin/sh", testVmar(), "/", nil)
	ctx := &cpucontext.Context{}
	BindContext(ctx, main)
	defer UnbindContext(ctx)

	ret := k.Syscalls.Dispatch(SysFork, [6]uint64{}, ctx)
	require.False(t, ret.NoReturn)
	require.Greater(t, ret.Value, int64(0))

	childPID := proc.ID(ret.Value)
	child, ok := k.Procs.Lookup(childPID)
	require.True(t, ok)
	require.Equal(t, proc.StatusRunnable, child.Status())
	require.Same(t, parent, child.Parent())
	require.NotSame(t, parent.VM, child.VM, "fork syscall must CoW-fork the VM, not share it")
}

func TestShutdownWithNoCurrentTaskSucceeds(t *testing.T) {
	cfg := config.Default()
	cfg.CPUs = 1
	k, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, k.Shutdown())
}
