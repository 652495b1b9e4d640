// Package arena implements the monotonic bump allocator: allocations move
// a cursor forward through the backend's data arena and are never
// individually freed. It is the simplest allocator in the family and the
// one other allocators (buddy, multi-process) build their page-carving on
// top of in spirit, grounded on
// context-transport-primitives/include/hermes_shm/memory/allocator/allocator.h's
// arena variant and the teacher's HybridAllocator bump/stats idiom in
// kernel/threads/arena/allocator.go.
package arena

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/iowarp/clio-core/internal/backend"
	"github.com/iowarp/clio-core/internal/errs"
	"github.com/iowarp/clio-core/internal/shmptr"
)

const cursorOffset = 64 // immediately after backend.Header's 64-byte record
const defaultAlign = 8

// Allocator is a monotonic bump allocator over a single backend.
type Allocator struct {
	b    *backend.Backend
	id   shmptr.AllocatorId
	base []byte
}

func (a *Allocator) cursorPtr() *uint64 {
	shared := a.b.SharedHeader()
	return (*uint64)(unsafe.Pointer(&shared[cursorOffset]))
}

// Init sets the bump cursor to zero. opts is unused.
func (a *Allocator) Init(b *backend.Backend, id shmptr.AllocatorId, opts any) error {
	a.b = b
	a.id = id
	a.base = b.Base()
	atomic.StoreUint64(a.cursorPtr(), 0)
	return nil
}

// Attach wires an Allocator to an already-initialized region without
// resetting its cursor.
func (a *Allocator) Attach(b *backend.Backend) error {
	a.b = b
	a.base = b.Base()
	return nil
}

func (a *Allocator) ID() shmptr.AllocatorId { return a.id }
func (a *Allocator) Base() []byte           { return a.base }

func roundUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }

// AllocateBytes bumps the cursor forward by size (aligned to defaultAlign)
// and returns a FullPtr to the reserved region. Returns an error wrapping
// errs.ErrOutOfMemory if the arena's data capacity would be exceeded.
func (a *Allocator) AllocateBytes(size uint64) (shmptr.FullPtr[byte], error) {
	size = roundUp(size, defaultAlign)
	capacity := uint64(len(a.base))
	for {
		cur := atomic.LoadUint64(a.cursorPtr())
		next := cur + size
		if next > capacity {
			return shmptr.FullPtr[byte]{}, fmt.Errorf("%w: need %d bytes, %d remain", errs.ErrOutOfMemory, size, capacity-cur)
		}
		if atomic.CompareAndSwapUint64(a.cursorPtr(), cur, next) {
			return shmptr.FromOffset[byte](a, shmptr.Offset(cur)), nil
		}
	}
}

// Used returns the number of bytes currently allocated.
func (a *Allocator) Used() uint64 { return atomic.LoadUint64(a.cursorPtr()) }

// Allocate reserves space for count values of type T and returns a typed
// FullPtr to the first one.
func Allocate[T any](a *Allocator, count int) (shmptr.FullPtr[T], error) {
	var zero T
	size := uint64(unsafe.Sizeof(zero)) * uint64(count)
	raw, err := a.AllocateBytes(size)
	if err != nil {
		return shmptr.FullPtr[T]{}, err
	}
	return shmptr.Cast[T](raw), nil
}
