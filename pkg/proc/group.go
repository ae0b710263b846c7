package proc

import "sync"

// ProcessGroup is a set of processes sharing a pgid and a session (spec
// §3 "ProcessGroup"). The leader may be nil after the leader process
// exits while members remain.
type ProcessGroup struct {
	PGID ID

	mu      sync.Mutex
	leader  *Process
	members map[ID]*Process
	session *Session // weak: valid only while members is non-empty
}

func newProcessGroup(pgid ID, leader *Process, sess *Session) *ProcessGroup {
	g := &ProcessGroup{
		PGID:    pgid,
		leader:  leader,
		members: make(map[ID]*Process),
		session: sess,
	}
	g.members[leader.PID] = leader
	return g
}

func (g *ProcessGroup) Leader() *Process {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leader
}

func (g *ProcessGroup) Session() *Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

func (g *ProcessGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// add inserts p into the group's membership; used both at group
// creation and when an existing process joins via to_other_group.
func (g *ProcessGroup) add(p *Process) {
	g.mu.Lock()
	g.members[p.PID] = p
	if p.PID == g.PGID {
		g.leader = p
	}
	g.mu.Unlock()
	p.setGroup(g)
}

// remove drops p from the group, clearing the leader slot if p was it.
// Returns true if the group is now empty.
func (g *ProcessGroup) remove(pid ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, pid)
	if g.leader != nil && g.leader.PID == pid {
		g.leader = nil
	}
	return len(g.members) == 0
}
