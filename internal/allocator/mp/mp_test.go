package mp

import (
	"sync"
	"testing"

	"github.com/iowarp/clio-core/internal/backend"
	"github.com/iowarp/clio-core/internal/shmptr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, capacity uint64) *backend.Backend {
	t.Helper()
	b, err := backend.Create(backend.CreateOptions{
		Dir:          t.TempDir(),
		Name:         "mp-region",
		DataCapacity: capacity,
		ID:           shmptr.BackendId{Major: 3, Minor: 0},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Destroy() })
	return b
}

func TestAllocateFreeReuseWithinSameGoroutine(t *testing.T) {
	b := newBackend(t, 1<<20)
	var a Allocator
	require.NoError(t, a.Init(b, shmptr.AllocatorId{SubID: 1}, nil))

	p1, err := a.AllocateBytes(48)
	require.NoError(t, err)
	require.NoError(t, a.Free(p1, 48))

	p2, err := a.AllocateBytes(48)
	require.NoError(t, err)

	assert.Equal(t, p1.Shm.Offset.Load(), p2.Shm.Offset.Load(), "freed block should come back from the local cache")
}

func TestCacheOverflowGoesToSharedPool(t *testing.T) {
	b := newBackend(t, 1<<20)
	var a Allocator
	require.NoError(t, a.Init(b, shmptr.AllocatorId{SubID: 2}, nil))

	blocks := make([]shmptr.FullPtr[byte], 0, cacheCap+4)
	for i := 0; i < cacheCap+4; i++ {
		p, err := a.AllocateBytes(40)
		require.NoError(t, err)
		blocks = append(blocks, p)
	}
	for _, p := range blocks {
		require.NoError(t, a.Free(p, 40))
	}

	// cacheCap entries stayed local; the rest overflowed to the shared
	// buddy pool and must still be individually reusable from there.
	reused := make(map[uint64]bool)
	for i := 0; i < cacheCap+4; i++ {
		p, err := a.AllocateBytes(40)
		require.NoError(t, err)
		reused[p.Shm.Offset.Load()] = true
	}
	assert.Len(t, reused, cacheCap+4)
}

func TestConcurrentGoroutinesAllocateDistinctMemory(t *testing.T) {
	b := newBackend(t, 4<<20)
	var a Allocator
	require.NoError(t, a.Init(b, shmptr.AllocatorId{SubID: 3}, nil))

	const goroutines = 8
	const perGoroutine = 50

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			defer func() { _ = a.DrainLocal() }()
			for i := 0; i < perGoroutine; i++ {
				p, err := a.AllocateBytes(32)
				if err != nil {
					t.Errorf("allocate failed: %v", err)
					return
				}
				mu.Lock()
				if seen[p.Shm.Offset.Load()] {
					mu.Unlock()
					t.Errorf("duplicate offset handed out: %d", p.Shm.Offset.Load())
					return
				}
				seen[p.Shm.Offset.Load()] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestDrainLocalReturnsCacheToSharedPool(t *testing.T) {
	b := newBackend(t, 1<<20)
	var a Allocator
	require.NoError(t, a.Init(b, shmptr.AllocatorId{SubID: 4}, nil))

	p, err := a.AllocateBytes(48)
	require.NoError(t, err)
	require.NoError(t, a.Free(p, 48))

	c := a.cache()
	assert.Len(t, c.free[48], 1)

	require.NoError(t, a.DrainLocal())
	assert.Len(t, c.free[48], 0)
}
