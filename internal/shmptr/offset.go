// Package shmptr implements the position-independent pointer family of the
// shared-memory substrate: OffsetPtr, ShmPtr, and FullPtr. These let any
// process attached to the same backend resolve the same logical location,
// grounded on context-transport-primitives/include/hermes_shm/memory/allocator/allocator.h.
package shmptr

import (
	"fmt"
	"math"
	"sync/atomic"
)

// nullOffset is the sentinel for "no offset" — not zero, because offset 0
// is a valid arena location.
const nullOffset uint64 = math.MaxUint64

// markBit is the top bit, reserved for lock-free mark/unmark algorithms.
const markBit uint64 = 1 << 63

// OffsetPtr is a byte offset into a specific arena. The zero value is NOT
// null; use NullOffset() to construct a null pointer.
type OffsetPtr struct {
	off uint64
}

// NullOffset returns the null OffsetPtr.
func NullOffset() OffsetPtr { return OffsetPtr{off: nullOffset} }

// Offset constructs a non-null OffsetPtr at the given byte offset.
func Offset(off uint64) OffsetPtr { return OffsetPtr{off: off} }

func (p OffsetPtr) IsNull() bool { return p.unmarked() == nullOffset&^markBit }

func (p OffsetPtr) Load() uint64 { return p.off }

func (p OffsetPtr) unmarked() uint64 { return p.off &^ markBit }

// Add returns a new pointer advanced by count bytes. Undefined (and, in
// this implementation, returns null) if called on a null pointer — callers
// must not rely on arithmetic to detect null.
func (p OffsetPtr) Add(count uint64) OffsetPtr {
	if p.IsNull() {
		return NullOffset()
	}
	return OffsetPtr{off: p.off + count}
}

// Sub returns a new pointer retreated by count bytes.
func (p OffsetPtr) Sub(count uint64) OffsetPtr {
	if p.IsNull() {
		return NullOffset()
	}
	return OffsetPtr{off: p.off - count}
}

// Mark sets the top bit without changing the pointed-to location.
func (p OffsetPtr) Mark() OffsetPtr { return OffsetPtr{off: p.off | markBit} }

// Unmark clears the top bit.
func (p OffsetPtr) Unmark() OffsetPtr { return OffsetPtr{off: p.off &^ markBit} }

// IsMarked reports whether the top bit is set.
func (p OffsetPtr) IsMarked() bool { return p.off&markBit != 0 }

func (p OffsetPtr) String() string {
	if p.IsNull() {
		return "<null>"
	}
	return fmt.Sprintf("%d", p.off)
}

// AtomicOffsetPtr is the atomic counterpart of OffsetPtr, used where
// multiple attached processes/goroutines race on the same free-list head.
type AtomicOffsetPtr struct {
	off atomic.Uint64
}

func NewAtomicOffset(p OffsetPtr) *AtomicOffsetPtr {
	a := &AtomicOffsetPtr{}
	a.off.Store(p.off)
	return a
}

func (a *AtomicOffsetPtr) Load() OffsetPtr { return OffsetPtr{off: a.off.Load()} }

func (a *AtomicOffsetPtr) Store(p OffsetPtr) { a.off.Store(p.off) }

func (a *AtomicOffsetPtr) CompareAndSwap(old, new OffsetPtr) bool {
	return a.off.CompareAndSwap(old.off, new.off)
}

func (a *AtomicOffsetPtr) Swap(new OffsetPtr) OffsetPtr {
	return OffsetPtr{off: a.off.Swap(new.off)}
}
