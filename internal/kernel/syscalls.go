package kernel

import (
	"sync"

	"github.com/mazarin-systems/framekernel/pkg/cpucontext"
	"github.com/mazarin-systems/framekernel/pkg/kerrors"
	"github.com/mazarin-systems/framekernel/pkg/proc"
	"github.com/mazarin-systems/framekernel/pkg/syscall"
)

// Linux x86_64 generic syscall numbers this core implements directly
// (spec §4.7, §6 "Linux-compatible syscall numbers").
const (
	SysGetpid    = 39
	SysFork      = 57
	SysExitGroup = 231
	SysWait4     = 61
	SysKill      = 62
	SysSetpgid   = 109
	SysSetsid    = 112
)

// contextBindings maps a saved CPU context to the thread that owns it,
// the lookup a real architecture derives from a per-CPU "current task"
// pointer instead.
type contextBindings struct {
	mu sync.Mutex
	m  map[*cpucontext.Context]*proc.Thread
}

var bindings = contextBindings{m: make(map[*cpucontext.Context]*proc.Thread)}

// BindContext associates ctx with th so syscall handlers can resolve
// "current" from the context argument Dispatch already threads through.
func BindContext(ctx *cpucontext.Context, th *proc.Thread) {
	bindings.mu.Lock()
	bindings.m[ctx] = th
	bindings.mu.Unlock()
}

func UnbindContext(ctx *cpucontext.Context) {
	bindings.mu.Lock()
	delete(bindings.m, ctx)
	bindings.mu.Unlock()
}

func currentThread(ctx *cpucontext.Context) (*proc.Thread, error) {
	bindings.mu.Lock()
	th, ok := bindings.m[ctx]
	bindings.mu.Unlock()
	if !ok {
		return nil, kerrors.ErrSrch
	}
	return th, nil
}

// RegisterGenericSyscalls installs the handful of process-model
// syscalls this repository implements directly against pkg/proc; the
// rest of the Linux syscall surface (file I/O, mmap, sockets, ...) is
// out of C7's scope beyond the dispatch mechanism itself (spec §1 Non-goals).
func RegisterGenericSyscalls(tbl *syscall.Table, tables *proc.Tables) {
	tbl.Register(SysGetpid, "getpid", func(args [6]uint64, ctx *cpucontext.Context) (syscall.Return, error) {
		th, err := currentThread(ctx)
		if err != nil {
			return syscall.Return{}, err
		}
		return syscall.Ret(int64(th.Proc.PID)), nil
	})

	tbl.Register(SysFork, "fork", func(args [6]uint64, ctx *cpucontext.Context) (syscall.Return, error) {
		th, err := currentThread(ctx)
		if err != nil {
			return syscall.Return{}, err
		}
		child, ferr := th.Proc.Fork(proc.CloneFlags{})
		if ferr != nil {
			return syscall.Return{}, ferr
		}
		tables.RegisterChild(child)
		child.Run()
		return syscall.Ret(int64(child.PID)), nil
	})

	tbl.Register(SysExitGroup, "exit_group", func(args [6]uint64, ctx *cpucontext.Context) (syscall.Return, error) {
		th, err := currentThread(ctx)
		if err != nil {
			return syscall.Return{}, err
		}
		tables.ExitGroup(th.Proc, int(int64(args[0])))
		return syscall.NoReturn(), nil
	})

	tbl.Register(SysWait4, "wait4", func(args [6]uint64, ctx *cpucontext.Context) (syscall.Return, error) {
		th, err := currentThread(ctx)
		if err != nil {
			return syscall.Return{}, err
		}
		pid, _, werr := tables.Reap(th.Proc, proc.ID(args[0]), true)
		if werr != nil {
			return syscall.Return{}, werr
		}
		return syscall.Ret(int64(pid)), nil
	})

	tbl.Register(SysSetsid, "setsid", func(args [6]uint64, ctx *cpucontext.Context) (syscall.Return, error) {
		th, err := currentThread(ctx)
		if err != nil {
			return syscall.Return{}, err
		}
		if err := tables.ToNewSession(th.Proc); err != nil {
			return syscall.Return{}, err
		}
		return syscall.Ret(int64(th.Proc.PID)), nil
	})

	tbl.Register(SysSetpgid, "setpgid", func(args [6]uint64, ctx *cpucontext.Context) (syscall.Return, error) {
		th, err := currentThread(ctx)
		if err != nil {
			return syscall.Return{}, err
		}
		pgid := proc.ID(args[1])
		if pgid == 0 {
			pgid = th.Proc.PID
		}
		if err := tables.ToOtherGroup(th.Proc, pgid); err != nil {
			return syscall.Return{}, err
		}
		return syscall.Ret(0), nil
	})

	tbl.Register(SysKill, "kill", func(args [6]uint64, ctx *cpucontext.Context) (syscall.Return, error) {
		target, ok := tables.Lookup(proc.ID(args[0]))
		if !ok {
			return syscall.Return{}, kerrors.ErrSrch
		}
		target.SendSignal(proc.SigNum(args[1]))
		return syscall.Ret(0), nil
	})
}
