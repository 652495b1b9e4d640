// Package slist implements an intrusive, singly-linked, offset-addressed
// list: nodes live inside arena-allocated objects and are linked purely by
// OffsetPtr, so the list itself needs no heap allocations of its own.
//
// Grounded on context-transport-primitives/include/hermes_shm/data_structures/ipc/slist_pre.h.
package slist

import "github.com/iowarp/clio-core/internal/shmptr"

// Node is the intrusive link. Callers embed Node as the first field of
// whatever payload type they want to chain (e.g. a buddy allocator's free
// block header).
type Node struct {
	Next shmptr.OffsetPtr
}

// List is a singly-linked, offset-based stack (push/pop at head), living
// entirely inside an Arena's data region.
type List struct {
	arena shmptr.Arena
	size  uint64
	head  shmptr.OffsetPtr
}

// New creates an empty list over arena.
func New(arena shmptr.Arena) *List {
	return &List{arena: arena, head: shmptr.NullOffset()}
}

func (l *List) Size() uint64 { return l.size }
func (l *List) Empty() bool  { return l.size == 0 }

// HeadOffset exposes the head offset, e.g. for persisting into a shared
// header so another process can reattach the same list.
func (l *List) HeadOffset() shmptr.OffsetPtr { return l.head }

// Attach rebuilds a List view over an existing head offset and size,
// without allocating or mutating the underlying nodes.
func Attach(arena shmptr.Arena, head shmptr.OffsetPtr, size uint64) *List {
	return &List{arena: arena, head: head, size: size}
}

func nodeAt(arena shmptr.Arena, off shmptr.OffsetPtr) *Node {
	return shmptr.FromOffset[Node](arena, off).Ptr
}

// Emplace pushes node (already carved out of the arena by the caller) onto
// the front of the list.
func (l *List) Emplace(node shmptr.FullPtr[Node]) {
	node.Ptr.Next = l.head
	l.head = node.Shm.Offset
	l.size++
}

// Pop removes and returns the head node, or a null FullPtr if the list is
// empty.
func (l *List) Pop() shmptr.FullPtr[Node] {
	if l.size == 0 {
		return shmptr.NullFullPtr[Node]()
	}
	head := shmptr.FromOffset[Node](l.arena, l.head)
	l.head = head.Ptr.Next
	l.size--
	return head
}

// Peek returns the head node without removing it.
func (l *List) Peek() shmptr.FullPtr[Node] {
	if l.size == 0 {
		return shmptr.NullFullPtr[Node]()
	}
	return shmptr.FromOffset[Node](l.arena, l.head)
}

// Iterator walks the list from head to tail, tracking the previous node so
// PopAt can unlink in O(1) once positioned.
type Iterator struct {
	arena   shmptr.Arena
	current shmptr.OffsetPtr
	prev    shmptr.OffsetPtr
}

func (l *List) Begin() Iterator {
	return Iterator{arena: l.arena, current: l.head, prev: shmptr.NullOffset()}
}

func (it Iterator) IsNull() bool { return it.current.IsNull() }

func (it Iterator) Current() shmptr.FullPtr[Node] {
	if it.IsNull() {
		return shmptr.NullFullPtr[Node]()
	}
	return shmptr.FromOffset[Node](it.arena, it.current)
}

func (it Iterator) Next() Iterator {
	if it.IsNull() {
		return it
	}
	n := nodeAt(it.arena, it.current)
	return Iterator{arena: it.arena, current: n.Next, prev: it.current}
}

// PopAt unlinks the node at it from l, returning it. l.size is decremented;
// it must belong to l and be at a live position.
func (l *List) PopAt(it Iterator) shmptr.FullPtr[Node] {
	if it.IsNull() {
		return shmptr.NullFullPtr[Node]()
	}
	cur := nodeAt(l.arena, it.current)
	if it.prev.IsNull() {
		l.head = cur.Next
	} else {
		nodeAt(l.arena, it.prev).Next = cur.Next
	}
	l.size--
	return shmptr.FromOffset[Node](l.arena, it.current)
}
