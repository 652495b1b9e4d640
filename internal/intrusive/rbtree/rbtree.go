// Package rbtree implements an intrusive, offset-addressed red-black tree:
// nodes live inside arena-allocated objects, linked by OffsetPtr instead of
// pointers, so the tree carries no storage of its own beyond a root offset
// and a size counter.
//
// Grounded on the node/iteration shape implied by
// context-transport-primitives/include/hermes_shm/data_structures/ipc/rb_tree_pre.h
// and verified against test/unit/data_structures/ipc/test_rb_tree_pre.cc's
// VerifyRBProperties (root black, no red-red, equal black-height).
package rbtree

import (
	"cmp"

	"github.com/iowarp/clio-core/internal/shmptr"
)

type Color bool

const (
	Black Color = false
	Red   Color = true
)

// Node is the intrusive link, embedded as the first field of a payload
// struct. Key orders the tree; the remaining payload fields follow in the
// caller's struct.
type Node[K cmp.Ordered] struct {
	Left, Right, Parent shmptr.OffsetPtr
	Color               Color
	Key                 K
}

// Tree is a red-black tree over nodes embedding Node[K], living entirely
// inside an Arena. Duplicate keys are silently ignored on Emplace, matching
// the original's emplace semantics.
type Tree[K cmp.Ordered] struct {
	arena shmptr.Arena
	root  shmptr.OffsetPtr
	size  uint64
}

func New[K cmp.Ordered](arena shmptr.Arena) *Tree[K] {
	return &Tree[K]{arena: arena, root: shmptr.NullOffset()}
}

func Attach[K cmp.Ordered](arena shmptr.Arena, root shmptr.OffsetPtr, size uint64) *Tree[K] {
	return &Tree[K]{arena: arena, root: root, size: size}
}

func (t *Tree[K]) Size() uint64            { return t.size }
func (t *Tree[K]) Empty() bool             { return t.size == 0 }
func (t *Tree[K]) RootOffset() shmptr.OffsetPtr { return t.root }

func (t *Tree[K]) at(off shmptr.OffsetPtr) *Node[K] {
	return shmptr.FromOffset[Node[K]](t.arena, off).Ptr
}

func (t *Tree[K]) colorOf(off shmptr.OffsetPtr) Color {
	if off.IsNull() {
		return Black
	}
	return t.at(off).Color
}

// Find returns the FullPtr to the node with the given key, or a null
// FullPtr if absent.
func (t *Tree[K]) Find(key K) shmptr.FullPtr[Node[K]] {
	cur := t.root
	for !cur.IsNull() {
		n := t.at(cur)
		switch {
		case key < n.Key:
			cur = n.Left
		case key > n.Key:
			cur = n.Right
		default:
			return shmptr.FromOffset[Node[K]](t.arena, cur)
		}
	}
	return shmptr.NullFullPtr[Node[K]]()
}

// Emplace inserts node (already carved from the arena, with Key set by the
// caller) and rebalances. If a node with the same key already exists,
// node is silently discarded and Emplace is a no-op, matching the
// original C++ rb_tree_pre's duplicate-insert behavior.
func (t *Tree[K]) Emplace(node shmptr.FullPtr[Node[K]]) {
	node.Ptr.Left = shmptr.NullOffset()
	node.Ptr.Right = shmptr.NullOffset()
	node.Ptr.Parent = shmptr.NullOffset()
	node.Ptr.Color = Red

	parent := shmptr.NullOffset()
	cur := t.root
	for !cur.IsNull() {
		n := t.at(cur)
		parent = cur
		switch {
		case node.Ptr.Key < n.Key:
			cur = n.Left
		case node.Ptr.Key > n.Key:
			cur = n.Right
		default:
			return // duplicate key, silently ignored
		}
	}

	node.Ptr.Parent = parent
	if parent.IsNull() {
		t.root = node.Shm.Offset
	} else {
		p := t.at(parent)
		if node.Ptr.Key < p.Key {
			p.Left = node.Shm.Offset
		} else {
			p.Right = node.Shm.Offset
		}
	}
	t.size++
	t.insertFixup(node.Shm.Offset)
}

func (t *Tree[K]) rotateLeft(x shmptr.OffsetPtr) {
	xn := t.at(x)
	y := xn.Right
	yn := t.at(y)
	xn.Right = yn.Left
	if !yn.Left.IsNull() {
		t.at(yn.Left).Parent = x
	}
	yn.Parent = xn.Parent
	if xn.Parent.IsNull() {
		t.root = y
	} else {
		p := t.at(xn.Parent)
		if p.Left.Load() == x.Load() {
			p.Left = y
		} else {
			p.Right = y
		}
	}
	yn.Left = x
	xn.Parent = y
}

func (t *Tree[K]) rotateRight(x shmptr.OffsetPtr) {
	xn := t.at(x)
	y := xn.Left
	yn := t.at(y)
	xn.Left = yn.Right
	if !yn.Right.IsNull() {
		t.at(yn.Right).Parent = x
	}
	yn.Parent = xn.Parent
	if xn.Parent.IsNull() {
		t.root = y
	} else {
		p := t.at(xn.Parent)
		if p.Right.Load() == x.Load() {
			p.Right = y
		} else {
			p.Left = y
		}
	}
	yn.Right = x
	xn.Parent = y
}

// insertFixup restores red-black properties after a red-node insertion at
// z, following the standard CLRS RB-INSERT-FIXUP loop.
func (t *Tree[K]) insertFixup(z shmptr.OffsetPtr) {
	for t.colorOf(t.at(z).Parent) == Red {
		parentOff := t.at(z).Parent
		parent := t.at(parentOff)
		grandparentOff := parent.Parent
		grandparent := t.at(grandparentOff)

		if parentOff.Load() == grandparent.Left.Load() {
			uncleOff := grandparent.Right
			if t.colorOf(uncleOff) == Red {
				parent.Color = Black
				t.at(uncleOff).Color = Black
				grandparent.Color = Red
				z = grandparentOff
				continue
			}
			if z.Load() == parent.Right.Load() {
				z = parentOff
				t.rotateLeft(z)
				parentOff = t.at(z).Parent
				parent = t.at(parentOff)
				grandparentOff = parent.Parent
				grandparent = t.at(grandparentOff)
			}
			parent.Color = Black
			grandparent.Color = Red
			t.rotateRight(grandparentOff)
		} else {
			uncleOff := grandparent.Left
			if t.colorOf(uncleOff) == Red {
				parent.Color = Black
				t.at(uncleOff).Color = Black
				grandparent.Color = Red
				z = grandparentOff
				continue
			}
			if z.Load() == parent.Left.Load() {
				z = parentOff
				t.rotateRight(z)
				parentOff = t.at(z).Parent
				parent = t.at(parentOff)
				grandparentOff = parent.Parent
				grandparent = t.at(grandparentOff)
			}
			parent.Color = Black
			grandparent.Color = Red
			t.rotateLeft(grandparentOff)
		}
	}
	t.at(t.root).Color = Black
}

// Pop removes and returns the node with the given key, or a null FullPtr
// if absent.
func (t *Tree[K]) Pop(key K) shmptr.FullPtr[Node[K]] {
	z := t.root
	for !z.IsNull() {
		n := t.at(z)
		switch {
		case key < n.Key:
			z = n.Left
		case key > n.Key:
			z = n.Right
		default:
			goto found
		}
	}
	return shmptr.NullFullPtr[Node[K]]()
found:
	removed := shmptr.FromOffset[Node[K]](t.arena, z)
	t.delete(z)
	t.size--
	return removed
}

func (t *Tree[K]) transplant(u, v shmptr.OffsetPtr) {
	un := t.at(u)
	if un.Parent.IsNull() {
		t.root = v
	} else {
		p := t.at(un.Parent)
		if p.Left.Load() == u.Load() {
			p.Left = v
		} else {
			p.Right = v
		}
	}
	if !v.IsNull() {
		t.at(v).Parent = un.Parent
	}
}

func (t *Tree[K]) minimum(x shmptr.OffsetPtr) shmptr.OffsetPtr {
	for !t.at(x).Left.IsNull() {
		x = t.at(x).Left
	}
	return x
}

func (t *Tree[K]) delete(z shmptr.OffsetPtr) {
	zn := t.at(z)
	y := z
	yOriginalColor := t.at(y).Color
	var x, xParent shmptr.OffsetPtr

	if zn.Left.IsNull() {
		x = zn.Right
		xParent = zn.Parent
		t.transplant(z, zn.Right)
	} else if zn.Right.IsNull() {
		x = zn.Left
		xParent = zn.Parent
		t.transplant(z, zn.Left)
	} else {
		y = t.minimum(zn.Right)
		yn := t.at(y)
		yOriginalColor = yn.Color
		x = yn.Right
		if yn.Parent.Load() == z.Load() {
			xParent = y
		} else {
			xParent = yn.Parent
			t.transplant(y, yn.Right)
			yn.Right = zn.Right
			t.at(yn.Right).Parent = y
		}
		t.transplant(z, y)
		yn.Left = zn.Left
		t.at(yn.Left).Parent = y
		yn.Color = zn.Color
	}

	if yOriginalColor == Black {
		t.deleteFixup(x, xParent)
	}
}

func (t *Tree[K]) deleteFixup(x, parent shmptr.OffsetPtr) {
	for x.Load() != t.root.Load() && t.colorOf(x) == Black {
		{
			p := t.at(parent)
			if x.Load() == p.Left.Load() {
				w := p.Right
				wn := t.at(w)
				if wn.Color == Red {
					wn.Color = Black
					p.Color = Red
					t.rotateLeft(parent)
					w = p.Right
					wn = t.at(w)
				}
				if t.colorOf(wn.Left) == Black && t.colorOf(wn.Right) == Black {
					wn.Color = Red
					x = parent
					parent = t.at(x).Parent
					continue
				}
				if t.colorOf(wn.Right) == Black {
					t.at(wn.Left).Color = Black
					wn.Color = Red
					t.rotateRight(w)
					w = p.Right
					wn = t.at(w)
				}
				wn.Color = p.Color
				p.Color = Black
				t.at(wn.Right).Color = Black
				t.rotateLeft(parent)
				x = t.root
				parent = shmptr.NullOffset()
			} else {
				w := p.Left
				wn := t.at(w)
				if wn.Color == Red {
					wn.Color = Black
					p.Color = Red
					t.rotateRight(parent)
					w = p.Left
					wn = t.at(w)
				}
				if t.colorOf(wn.Right) == Black && t.colorOf(wn.Left) == Black {
					wn.Color = Red
					x = parent
					parent = t.at(x).Parent
					continue
				}
				if t.colorOf(wn.Left) == Black {
					t.at(wn.Right).Color = Black
					wn.Color = Red
					t.rotateLeft(w)
					w = p.Left
					wn = t.at(w)
				}
				wn.Color = p.Color
				p.Color = Black
				t.at(wn.Left).Color = Black
				t.rotateRight(parent)
				x = t.root
				parent = shmptr.NullOffset()
			}
		}
	}
	if !x.IsNull() {
		t.at(x).Color = Black
	}
}
