package sched

// RunQueue is one CPU's EEVDF fair-class run queue (spec §4.4 "Queue
// state"): Wq is the total weight of queued tasks, Phi the running
// weighted sum of vruntime offsets from RhoMin, and RhoMin the baseline
// those offsets are measured from: set when a task enters an empty
// queue and lowered when a task enters below it, never raised, so it is
// at most the minimum virtual runtime among queued tasks. Both are kept
// incrementally so
// PickNext's eligibility test never has to walk the whole tree.
type RunQueue struct {
	Wq     int64
	Phi    int64
	RhoMin int64

	root *treeNode

	baseSlice int64 // real-time slice length, spec's "base_slice"
	lagLimit  int64

	current *Task
}

// NewRunQueue builds an empty run queue. baseSlice and lagLimit are in
// the same time units UpdateCurrent's elapsed argument uses.
func NewRunQueue(baseSlice, lagLimit int64) *RunQueue {
	return &RunQueue{baseSlice: baseSlice, lagLimit: lagLimit}
}

// RhoAvg is the queue's average virtual runtime, RhoMin + Phi/Wq.
func (q *RunQueue) RhoAvg() int64 {
	if q.Wq == 0 {
		return q.RhoMin
	}
	return q.RhoMin + q.Phi/q.Wq
}

// Eligible reports whether t's virtual runtime satisfies the
// eligibility rule (ρ_task − ρ_min)·Wq ≤ Φ.
func (q *RunQueue) Eligible(t *Task) bool {
	return (t.VRuntime-q.RhoMin)*q.Wq <= q.Phi
}

func (q *RunQueue) eligibleNode(n *treeNode) bool {
	if n == nil {
		return false
	}
	return (n.subtreeMin-q.RhoMin)*q.Wq <= q.Phi
}

// Current returns the task presently occupying the CPU, or nil if idle.
func (q *RunQueue) Current() *Task { return q.current }

// Enqueue admits t into the run queue. spawning distinguishes a brand
// new task (which starts at the queue average) from a task waking from
// sleep, which re-enters at the average offset by its persisted lag so
// time spent blocked neither starves nor rewards it.
func (q *RunQueue) Enqueue(t *Task, spawning bool) {
	w := t.Weight
	if w <= 0 {
		w = WeightZero
		t.Weight = w
	}

	var rho int64
	if spawning {
		rho = q.RhoAvg()
	} else {
		// spec §4.4 step 1 / original_source fair/mod.rs:403 — adjust the
		// persisted lag by the queue's total weight *before* t is
		// admitted, not by t's own weight, so a waker's reentry accounts
		// for how much the queue's average moves once it joins.
		totalWeight := q.Wq
		var vlagAdj int64
		if totalWeight == 0 {
			vlagAdj = t.Lag
		} else {
			vlagAdj = (totalWeight + w) * t.Lag / totalWeight
		}
		rho = q.RhoAvg() - vlagAdj
	}
	q.enqueueAt(t, rho)
}

// enqueueAt places t at virtual runtime rho, recomputes its deadline
// and inserts it, updating Wq/Phi/RhoMin to include it.
func (q *RunQueue) enqueueAt(t *Task, rho int64) {
	w := t.Weight
	t.VRuntime = rho
	t.VDeadline = rho + q.baseSlice*WeightZero/w

	oldWq := q.Wq
	q.Wq += w
	switch {
	case oldWq == 0:
		q.RhoMin = rho
		q.Phi = 0
	case rho < q.RhoMin:
		// Baseline moved down; re-express the existing Φ against it.
		q.Phi += (q.RhoMin - rho) * oldWq
		q.RhoMin = rho
	}
	q.Phi += (rho - q.RhoMin) * w

	q.root = insert(q.root, t)
}

// dequeue removes t from the tree and backs Wq/Phi out, the inverse of
// the bookkeeping Enqueue performs.
func (q *RunQueue) dequeue(id uint64) *Task {
	root, removed := removeByID(q.root, id)
	q.root = root
	if removed == nil {
		return nil
	}
	q.Phi -= (removed.VRuntime - q.RhoMin) * removed.Weight
	q.Wq -= removed.Weight
	if q.Wq < 0 {
		q.Wq = 0
	}
	return removed
}

// PickNext selects the next task to run per spec §4.4's descent rule:
// prefer the left subtree if it holds an eligible task, else take this
// node if it is itself eligible, else descend right if it holds an
// eligible task; a tree with no eligible node anywhere (can only happen
// through accumulated rounding) falls back to the earliest-deadline
// (leftmost) task. The chosen task is removed from the queue and
// becomes Current.
func (q *RunQueue) PickNext() *Task {
	if q.root == nil {
		return nil
	}
	cur := q.root
	var picked *treeNode
	for cur != nil {
		switch {
		case q.eligibleNode(cur.left):
			cur = cur.left
		case (cur.task.VRuntime-q.RhoMin)*q.Wq <= q.Phi:
			picked = cur
			cur = nil
		case q.eligibleNode(cur.right):
			cur = cur.right
		default:
			cur = nil
		}
	}
	if picked == nil {
		picked = leftmost(q.root)
	}
	t := q.dequeue(picked.task.ID)
	q.current = t
	return t
}

// UpdateCurrent advances the running task's virtual runtime by elapsed
// real time (scaled by WEIGHT_0/weight) and reports whether it should
// be preempted: never on an empty queue, and otherwise exactly when its
// virtual runtime has reached its virtual deadline.
func (q *RunQueue) UpdateCurrent(elapsed int64) bool {
	t := q.current
	if t == nil {
		return false
	}
	t.VRuntime += elapsed * WeightZero / t.Weight
	if q.root == nil {
		return false
	}
	return t.VRuntime >= t.VDeadline
}

// Requeue re-admits the current task after a tick or yield preemption.
// Unlike Sleep, the task never stopped accumulating virtual runtime, so
// it is reinserted at its actual (unmodified) VRuntime with a freshly
// computed deadline rather than repositioned via persisted lag.
func (q *RunQueue) Requeue() {
	t := q.current
	if t == nil {
		return
	}
	q.current = nil
	q.enqueueAt(t, t.VRuntime)
}

// Sleep removes the current task from scheduling and records its
// persisted lag (clamped to the configured limit) so Enqueue can place
// it fairly on wake, per spec's "Virtual lag" (GLOSSARY).
func (q *RunQueue) Sleep() *Task {
	t := q.current
	if t == nil {
		return nil
	}
	q.current = nil
	// GLOSSARY "Virtual lag": ρ_avg − ρ_task, unweighted (original_source
	// fair/mod.rs:478's `avg_vruntime - resched_vruntime`).
	t.Lag = q.RhoAvg() - t.VRuntime
	if t.Lag > q.lagLimit {
		t.Lag = q.lagLimit
	}
	if t.Lag < -q.lagLimit {
		t.Lag = -q.lagLimit
	}
	return t
}

// Drop removes the current task from scheduling entirely (exit) without
// persisting lag or re-enqueuing it.
func (q *RunQueue) Drop() *Task {
	t := q.current
	q.current = nil
	return t
}
