package proc

import (
	"sync"

	"github.com/mazarin-systems/framekernel/pkg/cpucontext"
)

// Thread is one schedulable entity within a Process (spec §3 "Thread").
// A thread with TID == its process's PID is that process's main thread.
type Thread struct {
	TID  ID
	Proc *Process

	mu          sync.Mutex
	nice        int
	blocked     SigMask
	pending     []SigNum
	ctx         *cpucontext.Context
}

func newThread(tid ID, p *Process) *Thread {
	return &Thread{TID: tid, Proc: p, ctx: cpucontext.New()}
}

func (t *Thread) IsMain() bool { return uint64(t.TID) == uint64(t.Proc.PID) }

func (t *Thread) Context() *cpucontext.Context { return t.ctx }

func (t *Thread) Nice() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nice
}

func (t *Thread) SetNice(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nice = n
}

// BlockedMask returns the thread's current signal mask.
func (t *Thread) BlockedMask() SigMask {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocked
}

// SetBlockedMask implements sigprocmask(SET_MASK, ...); the caller is
// responsible for the round-trip law of restoring a saved mask.
func (t *Thread) SetBlockedMask(m SigMask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked = m
}

// enqueuePending appends s to this thread's pending queue. Used both for
// per-thread signals and as the fallback target of process-directed
// delivery when every thread blocks the signal.
func (t *Thread) enqueuePending(s SigNum) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, s)
}

// TakePending pops and returns the next deliverable (unblocked) pending
// signal, or NoSignal if none is deliverable right now.
func (t *Thread) TakePending() SigNum {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.pending {
		if !t.blocked.Blocks(s) {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return s
		}
	}
	return NoSignal
}
