package pagetable

import (
	"github.com/mazarin-systems/framekernel/pkg/kerrors"
)

// Frag is the return of a mutating cursor operation that removes
// something from the table, deferred for the caller to drop only after
// TLB coherence (spec §4.1 "take_next").
type Frag struct {
	// Mapped is set for a removed leaf.
	Mapped *MapItem
	MappedVA uintptr

	// Stray is set for a removed sub-tree ("stray page table").
	Stray     bool
	StrayNode *Node
	StrayVA   uintptr
	StrayLen  uintptr
	NumFrames int
}

// Cursor owns exclusive access to the guard node's sub-tree for a
// half-open virtual range (spec §4.1 "Cursor contract" / "Locking
// protocol").
type Cursor struct {
	pt         *PageTable
	cfg        Config
	start, end uintptr
	pos        uintptr
	guard      *Node
	guardLevel int
	atomicMode bool
	closed     bool
}

// NewCursor constructs a cursor for [start, end), walking from the root
// to the guard node. Ancestors above the guard are locked only
// transiently during this walk and released once the guard is found;
// the guard itself stays locked until Close.
func NewCursor(pt *PageTable, start, end uintptr, atomicMode bool) (*Cursor, error) {
	if err := pt.Cfg.ValidateRange(start, end); err != nil {
		return nil, err
	}
	cfg := pt.Cfg
	cur := pt.root
	level := cfg.NRLevels
	var path []*Node

	cur.lock()
	path = append(path, cur)
	for level > 1 {
		idxStart := cfg.indexAt(start, level)
		idxEnd := cfg.indexAt(end-1, level)
		if idxStart != idxEnd {
			// Range spans more than one entry at this level: cur is the guard.
			break
		}
		if end-start == cfg.levelSize(level) {
			// The entry's sub-tree would span exactly the range rather than
			// strictly contain it: cur is the guard.
			break
		}
		e := cur.entries[idxStart]
		if e.state != stateChild {
			// No existing sub-tree to descend into: cur is the guard.
			break
		}
		child := e.child
		child.lock()
		path = append(path, child)
		cur = child
		level--
	}
	// Release every ancestor above the guard (all but the last entry).
	for _, n := range path[:len(path)-1] {
		n.unlock()
	}
	return &Cursor{
		pt: pt, cfg: cfg, start: start, end: end, pos: start,
		guard: cur, guardLevel: level, atomicMode: atomicMode,
	}, nil
}

// Close releases the guard lock. Safe to call more than once.
func (c *Cursor) Close() {
	if c.closed {
		return
	}
	c.guard.unlock()
	c.closed = true
}

func (c *Cursor) rangeEnd(v, max uintptr) uintptr {
	if v > max {
		return max
	}
	return v
}

// Query descends from the guard following present child entries,
// returning the resident Frame (if any) at va (spec §4.1 "query").
func (c *Cursor) Query(va uintptr) QueryResult {
	node, level := c.guard, c.guardLevel
	for {
		idx := c.cfg.indexAt(va, level)
		e := node.entries[idx]
		switch e.state {
		case stateNone:
			return QueryResult{}
		case stateFrame:
			return QueryResult{Found: true, Item: e.frame}
		case stateChild:
			node, level = e.child, level-1
		}
	}
}

// Map walks down to item.Level, splitting huge pages and allocating
// intermediate nodes as needed, and installs item. Returns the
// previously resident item (if any) via Frag.Mapped so the caller can
// defer its drop until after TLB coherence (spec §4.1 "map").
func (c *Cursor) Map(item MapItem) (*Frag, error) {
	node, level := c.guard, c.guardLevel
	va := item.PA // unused: the mapped address is the cursor position (mapVA)
	_ = va
	target := item.Level
	if target < 1 || target > c.cfg.HighestTranslationLevel {
		return nil, kerrors.ErrInval
	}
	// Use the cursor's current position as the mapped virtual address.
	mapVA := c.pos

	for level > target {
		idx := c.cfg.indexAt(mapVA, level)
		e := node.entries[idx]
		prevNode := node
		switch e.state {
		case stateChild:
			e.child.lock()
			node, level = e.child, level-1
		case stateFrame:
			if level > c.cfg.HighestTranslationLevel {
				return nil, kerrors.New(0, "cannot split a leaf above HighestTranslationLevel")
			}
			child := c.splitHuge(node, idx, e.frame, level)
			child.lock()
			node, level = child, level-1
		case stateNone:
			child := newNode(c.cfg, level-1)
			node.setChild(idx, child)
			child.lock()
			node, level = child, level-1
		}
		// The guard stays locked for the cursor's whole lifetime (released
		// only by Close); every node below it is released once we've
		// moved past it in this pre-order descent.
		if prevNode != c.guard {
			prevNode.unlock()
		}
	}

	idx := c.cfg.indexAt(mapVA, level)
	prev := node.setFrame(idx, item)
	if node != c.guard {
		node.unlock()
	}

	frag := &Frag{MappedVA: mapVA}
	if prev.state == stateFrame {
		frag.Mapped = &prev.frame
	}
	return frag, nil
}

// splitHuge (split_if_mapped_huge) allocates a child node filled with
// equivalent leaves one level down, preserving properties, and replaces
// the original huge-page entry (spec §4.1 "split_if_mapped_huge").
// Legal only for untracked ranges; the caller is responsible for that
// precondition (leaf-frame ownership tracking lives in pkg/mm, not here).
func (c *Cursor) splitHuge(parent *Node, idx int, huge MapItem, level int) *Node {
	child := newNode(c.cfg, level-1)
	stride := c.cfg.levelSize(level - 1)
	for i := 0; i < c.cfg.EntriesPerNode; i++ {
		sub := MapItem{
			PA:    huge.PA + uintptr(i)*stride,
			Level: level - 1,
			Props: huge.Props,
		}
		child.setFrame(i, sub)
	}
	parent.entries[idx] = entry{state: stateChild, child: child}
	return child
}

// TakeNext scans forward at most len bytes from the cursor's current
// position for the first present entry and removes it (spec §4.1
// "take_next").
func (c *Cursor) TakeNext(length uintptr) (*Frag, error) {
	limit := c.rangeEnd(c.pos+length, c.end)
	node, level, idx, va, found := c.findPresent(c.pos, limit)
	if !found {
		c.pos = limit
		return nil, nil
	}
	e := node.entries[idx]
	switch e.state {
	case stateFrame:
		node.clear(idx)
		c.pos = va + c.cfg.levelSize(level)
		item := e.frame
		return &Frag{Mapped: &item, MappedVA: va}, nil
	case stateChild:
		if level == c.cfg.NRLevels && !c.cfg.TopLevelCanUnmap {
			panic("pagetable: attempt to unmap top-level kernel-shared entry")
		}
		n := node.clear(idx)
		numFrames := markStray(n.child)
		c.pos = va + c.cfg.levelSize(level)
		return &Frag{
			Stray: true, StrayNode: n.child, StrayVA: va,
			StrayLen: c.cfg.levelSize(level), NumFrames: numFrames,
		}, nil
	}
	return nil, nil
}

// findPresent scans [from, limit) at the guard's level for the first
// present entry (leaf, or for user tables an entire child sub-tree taken
// as a unit) without descending into child sub-trees — matching
// take_next's "first present entry" semantics (spec §4.1), where a
// present Child entry is itself removable in one shot as a stray
// sub-tree rather than being recursed into leaf by leaf.
func (c *Cursor) findPresent(from, limit uintptr) (node *Node, level int, idx int, va uintptr, found bool) {
	node, level = c.guard, c.guardLevel
	va = from
	for va < limit {
		i := c.cfg.indexAt(va, level)
		e := node.entries[i]
		if e.state == stateNone {
			va += c.cfg.levelSize(level)
			continue
		}
		return node, level, i, va, true
	}
	return nil, 0, 0, 0, false
}

// findLeaf scans [from, limit) for the next present *leaf*, descending
// through any present Child sub-trees transparently — matching
// protect_next's "next present leaf" semantics (spec §4.1), which
// operates on leaf property words only.
//
// maxSpan bounds how much of the leaf's range protect_next is allowed to
// touch (the operation's requested length). If the first present leaf
// found is a huge page whose span exceeds maxSpan, it is split one level
// at a time (split_if_mapped_huge, spec §4.1) until its span fits or it
// reaches the base page level, so the property write only affects the
// requested sub-range.
func (c *Cursor) findLeaf(from, limit, maxSpan uintptr) (node *Node, level int, idx int, va uintptr, found bool) {
	va = from
	for va < limit {
		n, l := c.guard, c.guardLevel
		advanced := false
		for !advanced {
			i := c.cfg.indexAt(va, l)
			e := n.entries[i]
			switch e.state {
			case stateNone:
				va += c.cfg.levelSize(l)
				advanced = true
			case stateFrame:
				if l > 1 && c.cfg.levelSize(l) > maxSpan {
					child := c.splitHuge(n, i, e.frame, l)
					n, l = child, l-1
					continue
				}
				return n, l, i, va, true
			case stateChild:
				n, l = e.child, l-1
			}
		}
	}
	return nil, 0, 0, 0, false
}

// markStray performs the DFS marking every descendant node "stray" and
// returns the number of frames that become reclaimable once the caller
// completes TLB shootdown (spec §4.1, §GLOSSARY "Stray page-table
// sub-tree").
func markStray(n *Node) int {
	if n == nil {
		return 0
	}
	n.lock()
	defer n.unlock()
	n.stray = true
	count := 0
	for _, e := range n.entries {
		switch e.state {
		case stateFrame:
			count++
		case stateChild:
			count += markStray(e.child)
		}
	}
	return count + 1 // include this node's own frame
}

// ProtectNext scans forward for the next present leaf in the first len
// bytes from the cursor's current position, applies op to its property
// word, and writes it back (spec §4.1 "protect_next"). op must not
// alter the CoW bit.
func (c *Cursor) ProtectNext(length uintptr, op func(*PageProperty)) (*Frag, error) {
	limit := c.rangeEnd(c.pos+length, c.end)
	node, level, idx, va, found := c.findLeaf(c.pos, limit, length)
	if !found {
		c.pos = limit
		return nil, nil
	}
	e := node.entries[idx]
	props := e.frame.Props
	cow := props.CoW
	op(&props)
	props.CoW = cow // protected: op must never alter the CoW bit.
	item := e.frame
	item.Props = props
	node.entries[idx] = entry{state: stateFrame, frame: item}
	c.pos = va + c.cfg.levelSize(level)
	return &Frag{Mapped: &item, MappedVA: va}, nil
}
