// Package kernel wires the seven core components (C1-C7) together into
// one bootable instance, the role the teacher's main.go / kernel.go
// bootstrap plays for mazboot: allocate the physical frame pool, record
// the page-table configuration, create the dentry cache (MountRoot
// attaches the root file system), build one EEVDF run queue per CPU,
// and install the syscall dispatch table.
package kernel

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mazarin-systems/framekernel/internal/config"
	"github.com/mazarin-systems/framekernel/internal/klog"
	"github.com/mazarin-systems/framekernel/pkg/mm"
	"github.com/mazarin-systems/framekernel/pkg/pagetable"
	"github.com/mazarin-systems/framekernel/pkg/proc"
	"github.com/mazarin-systems/framekernel/pkg/sched"
	"github.com/mazarin-systems/framekernel/pkg/syscall"
	"github.com/mazarin-systems/framekernel/pkg/vfs"
)

// Kernel is one booted instance of the framekernel core.
type Kernel struct {
	Cfg config.Boot

	Alloc      *mm.Allocator
	PageTables pagetable.Config

	DCache *vfs.Cache
	Root   *vfs.MountNode

	Procs *proc.Tables

	RunQueues []*sched.RunQueue

	Syscalls *syscall.Table
}

// New allocates and wires every component per cfg, without starting any
// CPU's scheduling loop.
func New(cfg config.Boot) (*Kernel, error) {
	if cfg.CPUs <= 0 {
		return nil, errors.New("kernel: CPUs must be positive")
	}

	ptCfg := pagetable.Config{
		NRLevels:                cfg.PageTableLevels,
		BasePageSize:            uintptr(cfg.BasePageSize),
		EntriesPerNode:          512,
		HighestTranslationLevel: cfg.HugePageLevel,
		TopLevelCanUnmap:        false,
	}

	k := &Kernel{
		Cfg:        cfg,
		Alloc:      mm.NewAllocator(cfg.BasePageSize),
		PageTables: ptCfg,
		DCache:     vfs.NewCache(),
		Procs:      proc.NewTables(),
		Syscalls:   syscall.NewTable(),
	}

	for i := 0; i < cfg.CPUs; i++ {
		k.RunQueues = append(k.RunQueues, sched.NewRunQueue(cfg.EEVDFBaseSliceUS, cfg.EEVDFLagLimit))
	}

	RegisterGenericSyscalls(k.Syscalls, k.Procs)

	return k, nil
}

// MountRoot mounts fs as the global VFS root, the step spawn_user_process
// depends on before it can open a controlling terminal or load an
// executable (spec §4.5, §4.6).
func (k *Kernel) MountRoot(fs vfs.FileSystem) {
	k.Root = vfs.NewRootMount(k.DCache, fs)
}

// Shutdown reports every CPU whose run queue still has a current task,
// aggregating them into one error instead of stopping at the first; it
// returns nil when no task is current. It tears no state down itself.
func (k *Kernel) Shutdown() error {
	var err error
	for i, rq := range k.RunQueues {
		if t := rq.Current(); t != nil {
			klog.Warn("shutdown: run queue has a task still current", zap.Int("cpu", i), zap.Uint64("task", t.ID))
			err = multierr.Append(err, errors.Errorf("cpu %d: task %d still scheduled", i, t.ID))
		}
	}
	return err
}
