package proc

import (
	"sync"

	"github.com/mazarin-systems/framekernel/pkg/kerrors"
	"github.com/mazarin-systems/framekernel/pkg/mm"
)

// Tables holds the three global process-model registries and enforces
// the lock order spec §5 mandates for every transition that touches
// more than one of them: session table -> group table -> process table
// -> per-process group-link -> group inner -> session inner. Each
// registry's own mutex stands in for "group inner"/"session inner" at
// the ProcessGroup/Session level; sessMu/groupMu/procMu are the three
// outer table locks.
type Tables struct {
	sessMu   sync.Mutex
	sessions map[ID]*Session

	groupMu sync.Mutex
	groups  map[ID]*ProcessGroup

	procMu    sync.Mutex
	processes map[ID]*Process

	init *Process // reaping parent for orphans, spec §4.5 "Exit / reap"
}

func NewTables() *Tables {
	return &Tables{
		sessions:  make(map[ID]*Session),
		groups:    make(map[ID]*ProcessGroup),
		processes: make(map[ID]*Process),
	}
}

func (t *Tables) SetInit(p *Process) { t.init = p }

func (t *Tables) Lookup(pid ID) (*Process, bool) {
	t.procMu.Lock()
	defer t.procMu.Unlock()
	p, ok := t.processes[pid]
	return p, ok
}

// SpawnUserProcess implements spec §4.5's spawn_user_process: builds a
// process via NewProcess/Fork-free construction, establishes a new
// session and group whose ids equal the pid, opens the null-terminal as
// controlling terminal, and starts the main thread.
func (t *Tables) SpawnUserProcess(path string, vmar *mm.Vmar, fsRoot interface{}, nullTTY interface{}) (*Process, *Thread) {
	p := NewProcess(path, vmar)
	p.Fs = NewFsResolver(fsRoot)

	t.sessMu.Lock()
	t.groupMu.Lock()
	t.procMu.Lock()

	sess := newSession(p.PID, p)
	sess.SetCTTY(nullTTY)
	grp := newProcessGroup(p.PID, p, sess)
	sess.addGroup(grp)
	p.setGroup(grp)

	t.sessions[sess.SID] = sess
	t.groups[grp.PGID] = grp
	t.processes[p.PID] = p

	t.procMu.Unlock()
	t.groupMu.Unlock()
	t.sessMu.Unlock()

	th := p.Run()
	return p, th
}

// RegisterChild records a process created by Fork in the process table
// (spawn registers directly; fork goes through here since it doesn't
// get a fresh session/group by default — it joins its parent's).
func (t *Tables) RegisterChild(p *Process) {
	parent := p.Parent()
	var grp *ProcessGroup
	if parent != nil {
		grp = parent.Group()
	}
	t.procMu.Lock()
	t.processes[p.PID] = p
	t.procMu.Unlock()
	if grp != nil {
		grp.add(p)
	}
}

// ToNewSession implements spec §4.5's to_new_session: fails EPERM if p
// is already a group leader or a group/session with p's pid already
// exists; otherwise creates a new session and group (both keyed by p's
// pid), detaching p from its old group (and session, if that was the
// group's last member).
func (t *Tables) ToNewSession(p *Process) error {
	t.sessMu.Lock()
	defer t.sessMu.Unlock()
	t.groupMu.Lock()
	defer t.groupMu.Unlock()
	t.procMu.Lock()
	defer t.procMu.Unlock()

	oldGrp := p.Group()
	if oldGrp != nil && oldGrp.Leader() == p {
		return kerrors.ErrPerm
	}
	if _, exists := t.groups[p.PID]; exists {
		return kerrors.ErrPerm
	}
	if _, exists := t.sessions[p.PID]; exists {
		return kerrors.ErrPerm
	}

	t.detachLocked(p, oldGrp)

	sess := newSession(p.PID, p)
	grp := newProcessGroup(p.PID, p, sess)
	sess.addGroup(grp)
	p.setGroup(grp)
	t.sessions[sess.SID] = sess
	t.groups[grp.PGID] = grp
	return nil
}

// ToOtherGroup implements spec §4.5's to_other_group: fails EPERM if
// the target group exists in a different session, or if it does not
// exist and pgid != p's pid (a process may only create a new group with
// its own pid as pgid). Leaving the old group empties it; an emptied
// group is removed from its session; an emptied session is removed from
// the table.
func (t *Tables) ToOtherGroup(p *Process, pgid ID) error {
	t.sessMu.Lock()
	defer t.sessMu.Unlock()
	t.groupMu.Lock()
	defer t.groupMu.Unlock()
	t.procMu.Lock()
	defer t.procMu.Unlock()

	oldGrp := p.Group()
	var mySess *Session
	if oldGrp != nil {
		mySess = oldGrp.Session()
	}

	target, exists := t.groups[pgid]
	if exists {
		if target.Session() != mySess {
			return kerrors.ErrPerm
		}
	} else if pgid != p.PID {
		return kerrors.ErrPerm
	}

	t.detachLocked(p, oldGrp)

	if exists {
		target.add(p)
		return nil
	}
	grp := newProcessGroup(pgid, p, mySess)
	if mySess != nil {
		mySess.addGroup(grp)
	}
	p.setGroup(grp)
	t.groups[pgid] = grp
	return nil
}

// detachLocked removes p from oldGrp, cascading removal of an emptied
// group and an emptied session. Callers must hold all three table locks.
func (t *Tables) detachLocked(p *Process, oldGrp *ProcessGroup) {
	if oldGrp == nil {
		return
	}
	sess := oldGrp.Session()
	if oldGrp.remove(p.PID) {
		delete(t.groups, oldGrp.PGID)
		if sess != nil && sess.removeGroup(oldGrp.PGID) {
			delete(t.sessions, sess.SID)
		}
	}
}

// ExitGroup implements spec §4.5's exit_group: clears every thread's
// saved FPU state, dissociates the controlling terminal if p leads its
// session, drops the VM, clears the file table, detaches from
// group/session, transitions to Zombie, re-parents children to init,
// and enqueues the exit signal on the parent. Threads carry no term
// status of their own; the exit code is recorded on the process only.
func (t *Tables) ExitGroup(p *Process, code int) {
	p.exitAllThreads()
	if g := p.Group(); g != nil {
		if s := g.Session(); s != nil && s.Leader() == p {
			s.DissociateCTTY()
		}
	}

	t.sessMu.Lock()
	t.groupMu.Lock()
	t.procMu.Lock()
	oldGrp := p.Group()
	t.detachLocked(p, oldGrp)
	t.procMu.Unlock()
	t.groupMu.Unlock()
	t.sessMu.Unlock()

	p.mu.Lock()
	p.status = StatusZombie
	p.exitCode = code
	p.VM = nil
	p.Files = NewFileTable()
	children := make([]*Process, 0, len(p.children))
	for _, c := range p.children {
		children = append(children, c)
	}
	p.children = make(map[ID]*Process)
	parent := p.parent
	p.mu.Unlock()

	if init := t.init; init != nil {
		init.mu.Lock()
		for _, c := range children {
			c.parent = init
			init.children[c.PID] = c
		}
		init.mu.Unlock()
	}

	if parent != nil {
		sig := p.ExitSig.Load()
		if sig != NoSignal {
			parent.SendSignal(sig)
		}
		parent.waitMu.Lock()
		parent.waitCond.Broadcast()
		parent.waitMu.Unlock()
	}
}

// Reap implements the parent side of wait4/waitid: removes a Zombie
// child from the process table and from the parent's children map,
// returning its exit code. Blocks until a zombie child exists if none
// is ready yet and wait is true; returns ECHILD if the parent has no
// children at all.
func (t *Tables) Reap(parent *Process, pid ID, wait bool) (ID, int, error) {
	for {
		parent.mu.Lock()
		if len(parent.children) == 0 {
			parent.mu.Unlock()
			return 0, 0, kerrors.ErrChild
		}
		var found *Process
		if pid != 0 {
			if c, ok := parent.children[pid]; ok && c.Status() == StatusZombie {
				found = c
			}
		} else {
			for _, c := range parent.children {
				if c.Status() == StatusZombie {
					found = c
					break
				}
			}
		}
		if found != nil {
			delete(parent.children, found.PID)
			parent.mu.Unlock()
			t.procMu.Lock()
			delete(t.processes, found.PID)
			t.procMu.Unlock()
			return found.PID, found.ExitCode(), nil
		}
		if !wait {
			parent.mu.Unlock()
			return 0, 0, nil
		}
		parent.mu.Unlock()
		parent.waitMu.Lock()
		parent.waitCond.Wait()
		parent.waitMu.Unlock()
	}
}
