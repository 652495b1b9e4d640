package backend

import "github.com/iowarp/clio-core/internal/shmptr"

// Allocator is implemented by every allocator type constructible over a
// Backend (arena, buddy, multi-process). Init runs once, by the process
// that creates the region; Attach runs in every other process that later
// maps the same region.
type Allocator interface {
	Init(b *Backend, id shmptr.AllocatorId, opts any) error
	Attach(b *Backend) error
}

// MakeAlloc constructs and initializes a new allocator of type A over b.
// A must be a pointer type implementing Allocator.
func MakeAlloc[A Allocator](b *Backend, id shmptr.AllocatorId, opts any, zero A) (A, error) {
	if err := zero.Init(b, id, opts); err != nil {
		var zeroVal A
		return zeroVal, err
	}
	return zero, nil
}

// AttachAlloc attaches an existing allocator of type A previously created
// with MakeAlloc, in a different process or goroutine.
func AttachAlloc[A Allocator](b *Backend, zero A) (A, error) {
	if err := zero.Attach(b); err != nil {
		var zeroVal A
		return zeroVal, err
	}
	return zero, nil
}
