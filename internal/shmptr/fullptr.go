package shmptr

import (
	"unsafe"

	"github.com/iowarp/clio-core/internal/errs"
)

// Arena is the minimal surface FullPtr needs from an allocator/backend to
// translate between raw addresses and offsets: the base address of its
// data region and its own allocator identity.
type Arena interface {
	Base() []byte
	ID() AllocatorId
}

// FullPtr is a process-local cache of (raw pointer, ShmPtr) that avoids
// repeated offset-to-address arithmetic in hot paths. It must never be
// serialized or shared across processes.
type FullPtr[T any] struct {
	Ptr *T
	Shm ShmPtr
}

func NullFullPtr[T any]() FullPtr[T] {
	return FullPtr[T]{Ptr: nil, Shm: NullShmPtr()}
}

func (p FullPtr[T]) IsNull() bool { return p.Ptr == nil }

// FromRaw verifies the raw pointer lies within the arena's data range and
// builds a FullPtr with a matching ShmPtr. Returns errs.ErrInvalidFree if
// the pointer did not originate from this arena.
func FromRaw[T any](raw *T, arena Arena) (FullPtr[T], error) {
	base := arena.Base()
	if len(base) == 0 {
		return FullPtr[T]{}, errs.ErrInvalidFree
	}
	rawAddr := uintptr(unsafe.Pointer(raw))
	baseAddr := uintptr(unsafe.Pointer(&base[0]))
	end := baseAddr + uintptr(len(base))
	if rawAddr < baseAddr || rawAddr >= end {
		return FullPtr[T]{}, errs.ErrInvalidFree
	}
	off := uint64(rawAddr - baseAddr)
	return FullPtr[T]{
		Ptr: raw,
		Shm: ShmPtr{Alloc: arena.ID(), Offset: Offset(off)},
	}, nil
}

// FromOffset computes raw = arena_base + offset.
func FromOffset[T any](arena Arena, off OffsetPtr) FullPtr[T] {
	if off.IsNull() {
		return NullFullPtr[T]()
	}
	base := arena.Base()
	raw := (*T)(unsafe.Pointer(&base[off.Load()]))
	return FullPtr[T]{
		Ptr: raw,
		Shm: ShmPtr{Alloc: arena.ID(), Offset: off},
	}
}

// FromShmPtr uses shm.Offset; the allocator id on shm is assumed consistent
// with the arena argument.
func FromShmPtr[T any](arena Arena, shm ShmPtr) FullPtr[T] {
	if shm.IsNull() {
		return NullFullPtr[T]()
	}
	base := arena.Base()
	raw := (*T)(unsafe.Pointer(&base[shm.Offset.Load()]))
	return FullPtr[T]{Ptr: raw, Shm: shm}
}

// Cast re-types the cached raw pointer. A no-op at runtime.
func Cast[U, T any](p FullPtr[T]) FullPtr[U] {
	return FullPtr[U]{Ptr: (*U)(unsafe.Pointer(p.Ptr)), Shm: p.Shm}
}
