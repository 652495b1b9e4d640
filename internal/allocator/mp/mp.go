// Package mp implements the multi-process allocator: a small per-goroutine
// cache of recently freed blocks backed by a shared buddy pool. Most
// allocate/free pairs of a hot size never touch the shared pool's mutex;
// only cache misses and overflow do.
//
// Grounded on the teacher's private-header-vs-shared-header split in
// kernel/threads/sab/layout.go (per-process TLS distinct from the
// cross-process pool) and kernel/threads/sab/epoch_allocator.go's
// allocation-table bitmap idiom for the cache bookkeeping, with goroutine
// locality supplied by github.com/timandy/routine (as used for TLS lookups
// in flier-goutil's internal/debug package) standing in for the original's
// OS-thread-local storage.
package mp

import (
	"github.com/iowarp/clio-core/internal/allocator/buddy"
	"github.com/iowarp/clio-core/internal/backend"
	"github.com/iowarp/clio-core/internal/shmptr"
	"github.com/timandy/routine"
)

// cacheCap bounds how many free blocks of a single size a goroutine's
// local cache holds before overflow goes to the shared pool.
const cacheCap = 16

type localCache struct {
	free map[uint64][]shmptr.FullPtr[byte]
}

func newLocalCache() *localCache {
	return &localCache{free: make(map[uint64][]shmptr.FullPtr[byte])}
}

// Allocator layers a per-goroutine free-block cache over a shared
// buddy.Allocator pool. buddy.Allocator already guards its own free lists
// with a mutex, so the shared pool needs no locking of its own here.
type Allocator struct {
	shared buddy.Allocator
	tls    routine.ThreadLocal[*localCache]
}

func (a *Allocator) Init(b *backend.Backend, id shmptr.AllocatorId, opts any) error {
	a.tls = routine.NewThreadLocal[*localCache]()
	return a.shared.Init(b, id, opts)
}

func (a *Allocator) Attach(b *backend.Backend) error {
	a.tls = routine.NewThreadLocal[*localCache]()
	return a.shared.Attach(b)
}

func (a *Allocator) ID() shmptr.AllocatorId { return a.shared.ID() }
func (a *Allocator) Base() []byte           { return a.shared.Base() }

func (a *Allocator) cache() *localCache {
	c := a.tls.Get()
	if c == nil {
		c = newLocalCache()
		a.tls.Set(c)
	}
	return c
}

// AllocateBytes first tries the calling goroutine's local cache for a block
// of exactly this size, falling back to the shared buddy pool (which takes
// its own mutex) on a miss.
func (a *Allocator) AllocateBytes(size uint64) (shmptr.FullPtr[byte], error) {
	c := a.cache()
	if blocks := c.free[size]; len(blocks) > 0 {
		p := blocks[len(blocks)-1]
		c.free[size] = blocks[:len(blocks)-1]
		return p, nil
	}

	return a.shared.AllocateBytes(size)
}

// Free returns p to the calling goroutine's local cache for the given
// requested size, if the cache has room; otherwise it goes straight back
// to the shared pool.
func (a *Allocator) Free(p shmptr.FullPtr[byte], size uint64) error {
	c := a.cache()
	if len(c.free[size]) < cacheCap {
		c.free[size] = append(c.free[size], p)
		return nil
	}

	return a.shared.Free(p)
}

// DrainLocal returns every block cached by the calling goroutine to the
// shared pool. Call this before a goroutine exits so its cache does not
// strand memory other goroutines can't see.
func (a *Allocator) DrainLocal() error {
	c := a.cache()
	for size, blocks := range c.free {
		for _, p := range blocks {
			if err := a.shared.Free(p); err != nil {
				return err
			}
		}
		delete(c.free, size)
	}
	return nil
}

// Allocate reserves space for count values of type T.
func Allocate[T any](a *Allocator, count int) (shmptr.FullPtr[T], error) {
	return buddy.Allocate[T](&a.shared, count)
}
