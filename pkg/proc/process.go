package proc

import (
	"sync"

	"github.com/mazarin-systems/framekernel/pkg/kerrors"
	"github.com/mazarin-systems/framekernel/pkg/mm"
)

// Status is a process's lifecycle state (spec §3 "Process").
type Status int

const (
	StatusUninit Status = iota
	StatusRunnable
	StatusZombie
)

// FileTable is the process's open-file table. Fork shares or clones it
// depending on clone flags (spec §4.5).
type FileTable struct {
	mu    sync.Mutex
	files map[int]interface{}
	next  int
}

func NewFileTable() *FileTable {
	return &FileTable{files: make(map[int]interface{})}
}

func (f *FileTable) Clone() *FileTable {
	f.mu.Lock()
	defer f.mu.Unlock()
	nf := NewFileTable()
	for fd, v := range f.files {
		nf.files[fd] = v
	}
	nf.next = f.next
	return nf
}

// FsResolver supplies a process's working directory and root, crossed
// by the VFS path-lookup algorithm (spec §4.6). Kept as an interface so
// proc does not need to know vfs's concrete Path representation.
type FsResolver interface {
	Cwd() interface{}
	Root() interface{}
	SetCwd(interface{})
}

// simpleFsResolver is the default FsResolver: plain cwd/root cells,
// cloned by value on fork (copy-on-fork is the default; unshare is out
// of scope here since CLONE_FS is not modeled at this layer).
type simpleFsResolver struct {
	mu        sync.Mutex
	cwd, root interface{}
}

func NewFsResolver(root interface{}) FsResolver {
	return &simpleFsResolver{cwd: root, root: root}
}

func (r *simpleFsResolver) Cwd() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cwd
}
func (r *simpleFsResolver) Root() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root
}
func (r *simpleFsResolver) SetCwd(v interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cwd = v
}

func (r *simpleFsResolver) clone() FsResolver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &simpleFsResolver{cwd: r.cwd, root: r.root}
}

// ResourceLimits mirrors the rlimit set a process carries (spec §3
// "Process" attribute list; original_source/process/mod.rs carries a
// ResourceLimits struct alongside the same fields this restates).
type ResourceLimits struct {
	NoFile   uint64
	AS       uint64
	CPUTimeS uint64
}

func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{NoFile: 1024, AS: 1 << 47, CPUTimeS: ^uint64(0)}
}

// Process is one schedulable address space and its bookkeeping (spec §3
// "Process").
type Process struct {
	PID  ID
	Exe  string

	mu       sync.Mutex
	status   Status
	exitCode int

	VM        *mm.Vmar
	Files     *FileTable
	Fs        FsResolver
	Sig       *DispositionTable
	Limits    ResourceLimits
	Umask     uint32
	nice      int

	ParentDeathSig *SignalCell
	ExitSig        *SignalCell

	threadsMu sync.Mutex
	threads   []*Thread

	parent   *Process // weak (spec §9 "Back-references in process tree")
	children map[ID]*Process

	group *ProcessGroup

	waitMu   sync.Mutex
	waitCond *sync.Cond
}

// NewProcess builds an Uninit process. Callers (spawn/fork) finish
// wiring VM/Files/Fs/group/session before calling Run.
func NewProcess(exe string, vmar *mm.Vmar) *Process {
	p := &Process{
		PID:            allocID(),
		Exe:            exe,
		VM:             vmar,
		Files:          NewFileTable(),
		Sig:            NewDispositionTable(),
		Limits:         DefaultResourceLimits(),
		ParentDeathSig: NewSignalCell(NoSignal),
		ExitSig:        NewSignalCell(SIGCHLD),
		children:       make(map[ID]*Process),
	}
	p.waitCond = sync.NewCond(&p.waitMu)
	return p
}

func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Run transitions Uninit -> Runnable and starts the main thread.
func (p *Process) Run() *Thread {
	p.mu.Lock()
	p.status = StatusRunnable
	p.mu.Unlock()

	main := newThread(p.PID, p)
	p.threadsMu.Lock()
	p.threads = append(p.threads, main)
	p.threadsMu.Unlock()
	return main
}

func (p *Process) Threads() []*Thread {
	p.threadsMu.Lock()
	defer p.threadsMu.Unlock()
	out := make([]*Thread, len(p.threads))
	copy(out, p.threads)
	return out
}

func (p *Process) AddThread(t *Thread) {
	p.threadsMu.Lock()
	p.threads = append(p.threads, t)
	p.threadsMu.Unlock()
}

func (p *Process) Parent() *Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parent
}

func (p *Process) Children() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Process, 0, len(p.children))
	for _, c := range p.children {
		out = append(out, c)
	}
	return out
}

func (p *Process) Group() *ProcessGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.group
}

func (p *Process) setGroup(g *ProcessGroup) {
	p.mu.Lock()
	p.group = g
	p.mu.Unlock()
}

// CloneFlags selects what fork/clone share versus copy (spec §4.5
// "Fork / clone").
type CloneFlags struct {
	ShareVM         bool // child uses the same Vmar; otherwise Fork CoW-forks it (ForkCow)
	ShareFiles      bool
	InheritDeathSig bool
}

// Fork creates a child inheriting this process's state per flags,
// inserting it into p's children map. The returned process is Uninit;
// the caller calls Run once it has a main thread ready to schedule.
func (p *Process) Fork(flags CloneFlags) (*Process, error) {
	p.mu.Lock()
	if p.status == StatusZombie {
		p.mu.Unlock()
		return nil, kerrors.ErrSrch
	}
	vm := p.VM
	p.mu.Unlock()

	var childVM *mm.Vmar
	if flags.ShareVM {
		childVM = vm
	} else {
		cv, err := vm.ForkCow()
		if err != nil {
			return nil, err
		}
		childVM = cv
	}

	p.mu.Lock()
	var files *FileTable
	if flags.ShareFiles {
		files = p.Files
	} else {
		files = p.Files.Clone()
	}
	sig := p.Sig.Clone()
	umask := p.Umask
	nice := p.nice
	p.mu.Unlock()

	child := NewProcess(p.Exe, childVM)
	child.Files = files
	child.Sig = sig
	child.Umask = umask
	child.nice = nice
	child.parent = p
	if sfr, ok := p.Fs.(*simpleFsResolver); ok {
		child.Fs = sfr.clone()
	} else {
		child.Fs = p.Fs
	}
	if flags.InheritDeathSig {
		child.ParentDeathSig.Store(p.ParentDeathSig.Load())
	}

	p.mu.Lock()
	p.children[child.PID] = child
	group := p.group
	p.mu.Unlock()
	if group != nil {
		group.add(child)
	}

	return child, nil
}

// SendSignal implements process-directed signal delivery (spec §4.5
// "Signal model"): scans threads, delivering to the first whose mask
// does not block s; if every thread blocks it, delivers to the first
// thread anyway. Ignored entirely if the process is a zombie.
func (p *Process) SendSignal(s SigNum) {
	if p.Status() == StatusZombie {
		return
	}
	threads := p.Threads()
	if len(threads) == 0 {
		return
	}
	for _, t := range threads {
		if !t.BlockedMask().Blocks(s) {
			t.enqueuePending(s)
			return
		}
	}
	threads[0].enqueuePending(s)
}

// exitAllThreads invalidates every thread's saved FPU state (spec §4.5
// "Exit / reap"); the FPU buffers themselves are not released.
func (p *Process) exitAllThreads() {
	p.threadsMu.Lock()
	defer p.threadsMu.Unlock()
	for _, t := range p.threads {
		t.ctx.FPU.Clear()
	}
}
