// Package interval provides an augmented ordered tree over sector
// ranges. A device keeps one tree of all in-flight write intervals, both
// local requests and peer requests, so that conflicting writes can be
// detected in O(log n + k).
package interval

// Interval is one in-flight sector range [Sector, Sector+Size>>9).
// Size is in bytes. Local marks intervals backed by a local request;
// Waiting marks intervals some task wants to be woken about when they
// leave the tree.
type Interval struct {
	Sector  uint64
	Size    uint32
	Local   bool
	Waiting bool

	left, right *Interval
	height      int
	maxEnd      uint64
	inTree      bool
}

// End returns the exclusive end sector.
func (i *Interval) End() uint64 {
	return i.Sector + uint64(i.Size>>9)
}

// InTree reports whether the interval is currently inserted.
func (i *Interval) InTree() bool {
	return i.inTree
}

// Overlaps reports whether the two sector ranges intersect.
func Overlaps(s1 uint64, l1 uint32, s2 uint64, l2 uint32) bool {
	return s1+uint64(l1>>9) > s2 && s1 < s2+uint64(l2>>9)
}

// Tree is an AVL tree of intervals ordered by start sector, augmented
// with the maximum end sector per subtree.
type Tree struct {
	root *Interval
	size int
}

// Len returns the number of intervals in the tree.
func (t *Tree) Len() int {
	return t.size
}

func h(n *Interval) int {
	if n == nil {
		return 0
	}
	return n.height
}

func maxEnd(n *Interval) uint64 {
	if n == nil {
		return 0
	}
	return n.maxEnd
}

func update(n *Interval) {
	n.height = 1 + max(h(n.left), h(n.right))
	n.maxEnd = n.End()
	if m := maxEnd(n.left); m > n.maxEnd {
		n.maxEnd = m
	}
	if m := maxEnd(n.right); m > n.maxEnd {
		n.maxEnd = m
	}
}

func rotateLeft(n *Interval) *Interval {
	r := n.right
	n.right = r.left
	r.left = n
	update(n)
	update(r)
	return r
}

func rotateRight(n *Interval) *Interval {
	l := n.left
	n.left = l.right
	l.right = n
	update(n)
	update(l)
	return l
}

func balance(n *Interval) *Interval {
	update(n)
	switch d := h(n.left) - h(n.right); {
	case d > 1:
		if h(n.left.left) < h(n.left.right) {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	case d < -1:
		if h(n.right.right) < h(n.right.left) {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

// Insert adds i to the tree. Inserting an interval twice is a caller
// bug and panics.
func (t *Tree) Insert(i *Interval) {
	if i.inTree {
		panic("interval: double insert")
	}
	i.left, i.right = nil, nil
	i.inTree = true
	t.root = insert(t.root, i)
	t.size++
}

func insert(n, i *Interval) *Interval {
	if n == nil {
		update(i)
		return i
	}
	if i.Sector < n.Sector {
		n.left = insert(n.left, i)
	} else {
		n.right = insert(n.right, i)
	}
	return balance(n)
}

// Remove deletes i from the tree. Removing an interval that is not in
// the tree is a no-op.
func (t *Tree) Remove(i *Interval) {
	if !i.inTree {
		return
	}
	t.root = remove(t.root, i)
	i.inTree = false
	i.left, i.right = nil, nil
	t.size--
}

func remove(n, i *Interval) *Interval {
	if n == nil {
		return nil
	}
	switch {
	case n == i:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		// Splice the in-order successor into this position.
		succ := n.right
		for succ.left != nil {
			succ = succ.left
		}
		n.right = remove(n.right, succ)
		succ.left = n.left
		succ.right = n.right
		return balance(succ)
	case i.Sector < n.Sector:
		n.left = remove(n.left, i)
	case i.Sector > n.Sector:
		n.right = remove(n.right, i)
	default:
		// Equal start sectors can end up in either subtree after
		// rebalancing; locate i before descending.
		if contains(n.right, i) {
			n.right = remove(n.right, i)
		} else {
			n.left = remove(n.left, i)
		}
	}
	return balance(n)
}

func contains(n, i *Interval) bool {
	if n == nil {
		return false
	}
	if n == i {
		return true
	}
	if i.Sector < n.Sector {
		return contains(n.left, i)
	}
	if i.Sector > n.Sector {
		return contains(n.right, i)
	}
	return contains(n.left, i) || contains(n.right, i)
}

// EachOverlap calls fn for every interval intersecting
// [sector, sector+size>>9), in ascending start order. Returning false
// stops the walk. fn must not mutate the tree.
func (t *Tree) EachOverlap(sector uint64, size uint32, fn func(*Interval) bool) {
	end := sector + uint64(size>>9)
	eachOverlap(t.root, sector, end, fn)
}

func eachOverlap(n *Interval, from, to uint64, fn func(*Interval) bool) bool {
	if n == nil || n.maxEnd <= from {
		return true
	}
	if !eachOverlap(n.left, from, to, fn) {
		return false
	}
	if n.Sector < to && n.End() > from {
		if !fn(n) {
			return false
		}
	}
	if n.Sector >= to {
		// right subtree starts at or beyond n.Sector
		return true
	}
	return eachOverlap(n.right, from, to, fn)
}

// FirstOverlap returns an interval intersecting the range, or nil.
func (t *Tree) FirstOverlap(sector uint64, size uint32) *Interval {
	var found *Interval
	t.EachOverlap(sector, size, func(i *Interval) bool {
		found = i
		return false
	})
	return found
}
