package buddy

import (
	"testing"

	"github.com/iowarp/clio-core/internal/backend"
	"github.com/iowarp/clio-core/internal/errs"
	"github.com/iowarp/clio-core/internal/shmptr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, capacity uint64) *backend.Backend {
	t.Helper()
	b, err := backend.Create(backend.CreateOptions{
		Dir:          t.TempDir(),
		Name:         "buddy-region",
		DataCapacity: capacity,
		ID:           shmptr.BackendId{Major: 2, Minor: 0},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Destroy() })
	return b
}

func TestSmallAllocationLifecycleReusesFreedBlock(t *testing.T) {
	b := newBackend(t, 1<<20)
	var a Allocator
	require.NoError(t, a.Init(b, shmptr.AllocatorId{SubID: 1}, nil))

	p1, err := a.AllocateBytes(40)
	require.NoError(t, err)
	usedAfterFirst := a.Used()

	require.NoError(t, a.Free(p1))

	p2, err := a.AllocateBytes(40)
	require.NoError(t, err)

	assert.Equal(t, p1.Shm.Offset.Load(), p2.Shm.Offset.Load(), "freed block should be reused, not re-carved from heap")
	assert.Equal(t, usedAfterFirst, a.Used(), "heap cursor must not move on reuse")
}

func TestLargeThenSmallAllocationOrdering(t *testing.T) {
	b := newBackend(t, 4<<20)
	var a Allocator
	require.NoError(t, a.Init(b, shmptr.AllocatorId{SubID: 2}, nil))

	big, err := a.AllocateBytes(100000)
	require.NoError(t, err)
	small, err := a.AllocateBytes(48)
	require.NoError(t, err)

	assert.NotEqual(t, big.Shm.Offset.Load(), small.Shm.Offset.Load())
	assert.Greater(t, small.Shm.Offset.Load(), uint64(0))
}

func TestCoalesceRecoversExhaustedSizeClass(t *testing.T) {
	// The backend rounds this capacity up to DataAlignment, so the heap
	// keeps room after the four 64B pages below. allocateSmall runs a
	// coalescing pass before it grows the heap, so the 128B request is
	// served by coalescing the freed 64B neighbors.
	b := newBackend(t, roundUpAlign(metadataSize(), 64)+4*64)
	var a Allocator
	require.NoError(t, a.Init(b, shmptr.AllocatorId{SubID: 3}, nil))

	p1, err := a.AllocateBytes(56) // rounds to 64B class (56+8=64)
	require.NoError(t, err)
	p2, err := a.AllocateBytes(56)
	require.NoError(t, err)
	p3, err := a.AllocateBytes(56)
	require.NoError(t, err)
	p4, err := a.AllocateBytes(56)
	require.NoError(t, err)

	// The four 64B pages are contiguous on the heap.
	require.NoError(t, a.Free(p1))
	require.NoError(t, a.Free(p2))
	require.NoError(t, a.Free(p3))
	require.NoError(t, a.Free(p4))

	// A 120B request needs a 128B page; none is free, so allocateSmall
	// first coalesces the four contiguous 64B neighbors (2x128B, which
	// combine again to 256B) and splits the 256B extent down to 128B at
	// p1's page, before it would grow the heap.
	big, err := a.AllocateBytes(120)
	require.NoError(t, err)
	assert.Equal(t, p1.Shm.Offset.Load(), big.Shm.Offset.Load())
}

func TestAllocateBelowMinimumRoundsUp(t *testing.T) {
	b := newBackend(t, 4096)
	var a Allocator
	require.NoError(t, a.Init(b, shmptr.AllocatorId{SubID: 4}, nil))

	p, err := a.AllocateBytes(1)
	require.NoError(t, err)
	assert.Equal(t, a.heapBegin, p.Shm.Offset.Load()-pageHeaderSize)

	wantListIdx := roundUpListIndex(minSize + pageHeaderSize)
	wantSize := uint64(1) << uint(wantListIdx+minLog2)
	assert.Equal(t, wantSize, a.Used())
}

func TestCoalesceResplitsNonPowerOfTwoMergeBeforeRefiling(t *testing.T) {
	// Reproduces the scenario where a merge fuses a free 128 and a free
	// 256 (offset-adjacent: the 128 at base ends at base+128, where the
	// 256 starts) into a 384-byte extent. 384 is
	// not a power of two, so it must never be filed onto the exact-class
	// round-up list for 512 — that would let a later 512-class allocation
	// hand out 512 bytes over only 384 real ones.
	b := newBackend(t, 1<<20)
	var a Allocator
	require.NoError(t, a.Init(b, shmptr.AllocatorId{SubID: 6}, nil))

	base := a.heapBegin
	idx128 := roundUpListIndex(128)
	idx256 := roundUpListIndex(256)
	idx512 := roundUpListIndex(512)

	a.pushFree(base, 128)
	a.pushFree(base+128, 256)

	a.coalesce(idx128, idx256)

	assert.True(t, a.roundUp[idx512].Empty(), "a 384-byte merged extent must never appear on the 512-byte exact-class list")

	require.False(t, a.roundUp[idx256].Empty(), "the 256-byte piece of the re-split extent should be on the 256 list")
	node256 := a.roundUp[idx256].Pop()
	off256 := node256.Shm.Offset.Load()
	assert.Equal(t, base, off256)
	assert.Equal(t, uint64(256), a.freePageAt(off256).Ptr.Size)

	require.False(t, a.roundUp[idx128].Empty(), "the 128-byte remainder of the re-split extent should be on the 128 list")
	node128 := a.roundUp[idx128].Pop()
	off128 := node128.Shm.Offset.Load()
	assert.Equal(t, base+256, off128)
	assert.Equal(t, uint64(128), a.freePageAt(off128).Ptr.Size)
}

func TestCoalesceCapsMergedExtentAtMaxSize(t *testing.T) {
	// A free maxSize page directly followed by a free smallThreshold page
	// are contiguous and both round-down-eligible, so coalesce merges them
	// into a single (maxSize+smallThreshold)-byte extent — past the 1MiB
	// cap. The excess must be split off and filed as its own entry rather
	// than left on an oversized node.
	b := newBackend(t, 2<<20)
	var a Allocator
	require.NoError(t, a.Init(b, shmptr.AllocatorId{SubID: 7}, nil))

	base := a.heapBegin
	const first = maxSize
	const second = smallThreshold

	a.pushFree(base, first)
	a.pushFree(base+first, second)

	a.coalesce(numRoundUpLists, numFreeLists-1)

	require.False(t, a.roundDown[numRoundDownLists-1].Empty(), "the capped maxSize piece should be on the top round-down list")
	capped := a.roundDown[numRoundDownLists-1].Pop()
	cappedOff := capped.Shm.Offset.Load()
	assert.Equal(t, base, cappedOff)
	assert.Equal(t, uint64(maxSize), a.freePageAt(cappedOff).Ptr.Size, "the filed piece must be capped at maxSize, not the full merged extent")

	require.False(t, a.roundDown[0].Empty(), "the remainder past maxSize should be filed on its own class")
	remainder := a.roundDown[0].Pop()
	remainderOff := remainder.Shm.Offset.Load()
	assert.Equal(t, base+maxSize, remainderOff)
	assert.Equal(t, uint64(second), a.freePageAt(remainderOff).Ptr.Size)
}

func TestExhaustionReturnsOutOfMemory(t *testing.T) {
	b := newBackend(t, roundUpAlign(metadataSize(), 64)+64)
	var a Allocator
	require.NoError(t, a.Init(b, shmptr.AllocatorId{SubID: 5}, nil))

	_, err := a.AllocateBytes(56)
	require.NoError(t, err)
	// The backend rounds the capacity up to DataAlignment, so the heap
	// still has room for more 64B pages; a request as large as the whole
	// arena cannot fit.
	_, err = a.AllocateBytes(uint64(len(a.Base())))
	assert.ErrorIs(t, err, errs.ErrOutOfMemory)
}
