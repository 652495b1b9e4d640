// Package buddy implements the segregated free-list allocator: 10 round-up
// size classes from 32B to 16KiB and 6 round-down size classes from 16KiB
// to 1MiB, first-fit search across larger free lists, and a lazy red-black
// coalescing pass triggered only when a size class is exhausted.
//
// Grounded directly on
// context-transport-primitives/include/hermes_shm/memory/allocator/buddy_allocator.h
// for the size-class math and allocation algorithm. That header's Coalesce
// and MergeContiguousPages are left as TODO stubs in the original; this
// package implements them for real using internal/intrusive/rbtree, since
// spec.md requires working coalescing rather than a stub.
package buddy

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/iowarp/clio-core/internal/backend"
	"github.com/iowarp/clio-core/internal/errs"
	"github.com/iowarp/clio-core/internal/intrusive/rbtree"
	"github.com/iowarp/clio-core/internal/intrusive/slist"
	"github.com/iowarp/clio-core/internal/shmptr"
)

// bloomExpectedFrees and bloomFalsePositiveRate size the "anything freed
// since the last coalesce pass" filter, mirroring the estimate/rate pair
// GossipManager hands bloom.NewWithEstimates in
// kernel/core/mesh/routing/gossip.go.
const (
	bloomExpectedFrees     = 1024
	bloomFalsePositiveRate = 0.01
)

const (
	minSize        = 32       // 2^5
	smallThreshold = 16384    // 2^14
	maxSize        = 1048576  // 2^20

	minLog2   = 5
	smallLog2 = 14
	maxLog2   = 20

	numRoundUpLists   = smallLog2 - minLog2 + 1 // 10
	numRoundDownLists = maxLog2 - smallLog2     // 6
	numFreeLists      = numRoundUpLists + numRoundDownLists

	pageHeaderSize = 8 // bytes reserved before every allocation for its size
	heapCursorOff  = 64
)

// pageHeader precedes every live allocation, recording its committed size
// so Free can find the free-list it belongs to.
type pageHeader struct {
	Size uint64
}

// freePage overlays a free block's first bytes: the intrusive slist link
// plus its size, mirroring FreeBuddyPage.
type freePage struct {
	slist.Node
	Size uint64
}

// Allocator is a segregated free-list allocator over a backend's data
// arena. Free-list bookkeeping (list heads and sizes) is process-local,
// guarded by mu; only the heap bump cursor is persisted in the backend's
// shared header so a later Attach in the same machine's address space
// does not reuse already-allocated heap (see DESIGN.md for the scope of
// cross-process support this implies).
type Allocator struct {
	b    *backend.Backend
	id   shmptr.AllocatorId
	base []byte

	mu        sync.Mutex
	heapBegin uint64
	heapEnd   uint64

	roundUp   [numRoundUpLists]*slist.List
	roundDown [numRoundDownLists]*slist.List

	// freedFilter and freedAny track whether any page has been freed since
	// the last coalesce() call; when nothing has, coalescing has nothing
	// new to merge and the red-black rebuild is skipped entirely. The
	// skip is decided by freedAny alone: pushFree adds each freed offset
	// to freedFilter, but nothing queries the filter.
	freedFilter *bloom.BloomFilter
	freedAny    bool
}

func (a *Allocator) Base() []byte           { return a.base }
func (a *Allocator) ID() shmptr.AllocatorId { return a.id }

func metadataSize() uint64 { return numFreeLists * 16 }

func roundUpAlign(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }

func (a *Allocator) heapCursorPtr() *uint64 {
	shared := a.b.SharedHeader()
	return (*uint64)(unsafe.Pointer(&shared[heapCursorOff]))
}

// Init reserves the free-list metadata region at the start of the arena and
// sets the heap bump cursor to the aligned boundary after it.
func (a *Allocator) Init(b *backend.Backend, id shmptr.AllocatorId, opts any) error {
	a.b = b
	a.id = id
	a.base = b.Base()

	aligned := roundUpAlign(metadataSize(), 64)
	if uint64(len(a.base)) < aligned+minSize {
		return fmt.Errorf("%w: arena too small for buddy metadata", errs.ErrCreationFailed)
	}
	a.heapBegin = aligned
	a.heapEnd = uint64(len(a.base))
	atomic.StoreUint64(a.heapCursorPtr(), aligned)
	a.freedFilter = bloom.NewWithEstimates(bloomExpectedFrees, bloomFalsePositiveRate)
	for i := range a.roundUp {
		a.roundUp[i] = slist.New(a)
	}
	for i := range a.roundDown {
		a.roundDown[i] = slist.New(a)
	}
	return nil
}

// Attach rebuilds the deterministic metadata boundaries over an
// already-initialized region, resuming the heap cursor from the shared
// header. Free lists start empty: pages freed by other processes before
// this call are not recovered until they are freed again against this
// Allocator instance.
func (a *Allocator) Attach(b *backend.Backend) error {
	a.b = b
	a.base = b.Base()
	a.heapBegin = roundUpAlign(metadataSize(), 64)
	a.heapEnd = uint64(len(a.base))
	a.freedFilter = bloom.NewWithEstimates(bloomExpectedFrees, bloomFalsePositiveRate)
	for i := range a.roundUp {
		a.roundUp[i] = slist.New(a)
	}
	for i := range a.roundDown {
		a.roundDown[i] = slist.New(a)
	}
	return nil
}

func log2Ceil(v uint64) int {
	if v <= 1 {
		return 0
	}
	return bits.Len64(v - 1)
}

func log2Floor(v uint64) int {
	return bits.Len64(v) - 1
}

func roundUpListIndex(size uint64) int {
	if size <= minSize {
		return 0
	}
	log2 := log2Ceil(size)
	if log2 < minLog2 {
		return 0
	}
	if log2 > smallLog2 {
		return numRoundUpLists - 1
	}
	return log2 - minLog2
}

func roundDownListIndex(size uint64) int {
	log2 := log2Floor(size)
	if log2 <= smallLog2 {
		return 0
	}
	if log2 > maxLog2 {
		return numRoundDownLists - 1
	}
	return log2 - smallLog2 - 1
}

func freeListIndex(size uint64) int {
	if size < smallThreshold {
		return roundUpListIndex(size)
	}
	return numRoundUpLists + roundDownListIndex(size)
}

func (a *Allocator) listAt(idx int) *slist.List {
	if idx < numRoundUpLists {
		return a.roundUp[idx]
	}
	return a.roundDown[idx-numRoundUpLists]
}

func (a *Allocator) pageHeaderAt(off uint64) *pageHeader {
	return shmptr.FromOffset[pageHeader](a, shmptr.Offset(off)).Ptr
}

func (a *Allocator) freePageAt(off uint64) shmptr.FullPtr[freePage] {
	return shmptr.FromOffset[freePage](a, shmptr.Offset(off))
}

// finalize stamps pageOffset's header with pageSize and returns the
// user-visible offset just past the header.
func (a *Allocator) finalize(pageOffset, pageSize uint64) shmptr.FullPtr[byte] {
	a.pageHeaderAt(pageOffset).Size = pageSize
	return shmptr.FromOffset[byte](a, shmptr.Offset(pageOffset+pageHeaderSize))
}

// pushFree assumes size is already valid for the list it lands on: an
// exact power of two in the round-up regime (every round-up list pops a
// node straight into finalize with its class's size, never checking the
// page's own recorded Size), or anything at all in the round-down regime
// (tryLargeFit always checks the popped page's actual Size against what
// is needed). Callers with a size that isn't already known-valid — a
// merged or split-off remainder — must go through pushFreeExtent instead.
func (a *Allocator) pushFree(pageOffset, size uint64) {
	fp := a.freePageAt(pageOffset)
	fp.Ptr.Size = size
	node := shmptr.Cast[slist.Node](fp)
	a.listAt(freeListIndex(size)).Emplace(node)
	a.freedFilter.Add(offsetKey(pageOffset))
	a.freedAny = true
}

// pushFreeExtent files a free extent of arbitrary size, re-splitting it
// as needed to preserve the two size-class invariants pushFree assumes:
// nothing above maxSize (the 1MiB cap) ever reaches a list, and nothing
// below smallThreshold reaches a round-up list unless it is an exact
// power of two. A merge in mergeContiguous can produce either violation —
// e.g. fusing a free 256 at +256 with a free 128 at +128 yields a 384-byte
// extent that would otherwise land, unsplit, on the round-up list for
// class 512 and later be handed out as a full 512-byte allocation over
// only 384 real bytes — so every coalesce-produced extent must be filed
// through here rather than through pushFree directly.
func (a *Allocator) pushFreeExtent(offset, size uint64) {
	for size > maxSize {
		a.pushFree(offset, maxSize)
		offset += maxSize
		size -= maxSize
	}
	if size >= smallThreshold {
		a.pushFree(offset, size)
		return
	}
	for size > 0 {
		chunk := uint64(1) << uint(log2Floor(size))
		a.pushFree(offset, chunk)
		offset += chunk
		size -= chunk
	}
}

func offsetKey(off uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], off)
	return buf[:]
}

func (a *Allocator) allocateFromHeap(size uint64) (shmptr.FullPtr[byte], error) {
	cursor := atomic.LoadUint64(a.heapCursorPtr())
	if cursor+size > a.heapEnd {
		return shmptr.FullPtr[byte]{}, fmt.Errorf("%w: need %d bytes, heap exhausted", errs.ErrOutOfMemory, size)
	}
	atomic.StoreUint64(a.heapCursorPtr(), cursor+size)
	return a.finalize(cursor, size), nil
}

// AllocateBytes reserves at least size bytes, routing to round-up (small)
// handling when size plus the page header fits in smallThreshold and to
// round-down (large) handling otherwise.
func (a *Allocator) AllocateBytes(size uint64) (shmptr.FullPtr[byte], error) {
	if size < minSize {
		size = minSize
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if size+pageHeaderSize <= smallThreshold {
		return a.allocateSmall(size)
	}
	return a.allocateLarge(size)
}

// trySmallFit attempts to satisfy a round-up allocation from already-free
// pages: the exact size class first, then larger round-up classes (split
// down), then round-down classes (split down). Returns ok=false if nothing
// current free lists can serve without growing the heap.
func (a *Allocator) trySmallFit(listIdx int, allocSize uint64) (shmptr.FullPtr[byte], bool) {
	if !a.roundUp[listIdx].Empty() {
		node := a.roundUp[listIdx].Pop()
		return a.finalize(node.Shm.Offset.Load(), allocSize), true
	}

	for i := listIdx + 1; i < numRoundUpLists; i++ {
		if !a.roundUp[i].Empty() {
			node := a.roundUp[i].Pop()
			return a.splitAndAllocate(node.Shm.Offset.Load(), i, listIdx), true
		}
	}

	for i := 0; i < numRoundDownLists; i++ {
		if a.roundDown[i].Empty() {
			continue
		}
		node := a.roundDown[i].Pop()
		off := node.Shm.Offset.Load()
		free := a.freePageAt(off)
		if free.Ptr.Size >= allocSize {
			return a.splitLargeAndAllocate(off, free.Ptr.Size, allocSize), true
		}
		a.roundDown[i].Emplace(shmptr.Cast[slist.Node](free))
	}

	return shmptr.FullPtr[byte]{}, false
}

func (a *Allocator) allocateSmall(size uint64) (shmptr.FullPtr[byte], error) {
	total := size + pageHeaderSize
	listIdx := roundUpListIndex(total)
	allocSize := uint64(1) << uint(listIdx+minLog2)

	if p, ok := a.trySmallFit(listIdx, allocSize); ok {
		return p, nil
	}

	a.coalesce(0, listIdx)

	if p, ok := a.trySmallFit(listIdx, allocSize); ok {
		return p, nil
	}

	return a.allocateFromHeap(allocSize)
}

// tryLargeFit attempts to satisfy a round-down allocation from already-free
// pages: first-fit within the target size class, then the next larger
// classes. Returns ok=false if nothing free is big enough.
func (a *Allocator) tryLargeFit(listIdx int, total uint64) (shmptr.FullPtr[byte], bool) {
	for it := a.roundDown[listIdx].Begin(); !it.IsNull(); it = it.Next() {
		off := it.Current().Shm.Offset.Load()
		free := a.freePageAt(off)
		if free.Ptr.Size >= total {
			a.roundDown[listIdx].PopAt(it)
			return a.subsetAndAllocate(off, free.Ptr.Size, total), true
		}
	}

	for i := listIdx + 1; i < numRoundDownLists; i++ {
		if !a.roundDown[i].Empty() {
			node := a.roundDown[i].Pop()
			off := node.Shm.Offset.Load()
			free := a.freePageAt(off)
			return a.subsetAndAllocate(off, free.Ptr.Size, total), true
		}
	}

	return shmptr.FullPtr[byte]{}, false
}

func (a *Allocator) allocateLarge(size uint64) (shmptr.FullPtr[byte], error) {
	total := size + pageHeaderSize
	listIdx := roundDownListIndex(total)

	if p, ok := a.tryLargeFit(listIdx, total); ok {
		return p, nil
	}

	a.coalesce(0, numRoundUpLists+listIdx)

	if p, ok := a.tryLargeFit(listIdx, total); ok {
		return p, nil
	}

	return a.allocateFromHeap(total)
}

func (a *Allocator) splitAndAllocate(pageOffset uint64, srcList, dstList int) shmptr.FullPtr[byte] {
	srcSize := uint64(1) << uint(srcList+minLog2)
	dstSize := uint64(1) << uint(dstList+minLog2)

	cur := pageOffset
	curSize := srcSize
	for curSize > dstSize {
		curSize /= 2
		buddyOffset := cur + curSize
		a.pushFree(buddyOffset, curSize)
	}
	return a.finalize(pageOffset, dstSize)
}

func (a *Allocator) splitLargeAndAllocate(pageOffset, pageSize, allocSize uint64) shmptr.FullPtr[byte] {
	if pageSize == allocSize {
		return a.finalize(pageOffset, allocSize)
	}
	remainderOffset := pageOffset + allocSize
	remainderSize := pageSize - allocSize
	// remainderSize is whatever is left of a round-down page after carving
	// out allocSize; it can land below smallThreshold without being a
	// power of two, so it must go through pushFreeExtent, not pushFree.
	a.pushFreeExtent(remainderOffset, remainderSize)
	return a.finalize(pageOffset, allocSize)
}

func (a *Allocator) subsetAndAllocate(pageOffset, pageSize, allocSize uint64) shmptr.FullPtr[byte] {
	if pageSize == allocSize {
		return a.finalize(pageOffset, allocSize)
	}
	remainderOffset := pageOffset + allocSize
	remainderSize := pageSize - allocSize
	a.pushFreeExtent(remainderOffset, remainderSize)
	return a.finalize(pageOffset, allocSize)
}

// Free returns a previously allocated region to its size class's free list.
func (a *Allocator) Free(p shmptr.FullPtr[byte]) error {
	if p.IsNull() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	pageOffset := p.Shm.Offset.Load() - pageHeaderSize
	size := a.pageHeaderAt(pageOffset).Size
	a.pushFree(pageOffset, size)
	return nil
}

// Used reports bytes carved from the heap so far, excluding the metadata
// region. Pages freed back onto a list still count: the heap cursor never
// moves back.
func (a *Allocator) Used() uint64 {
	return atomic.LoadUint64(a.heapCursorPtr()) - a.heapBegin
}

// Allocate reserves space for count values of type T.
func Allocate[T any](a *Allocator, count int) (shmptr.FullPtr[T], error) {
	var zero T
	size := uint64(unsafe.Sizeof(zero)) * uint64(count)
	raw, err := a.AllocateBytes(size)
	if err != nil {
		return shmptr.FullPtr[T]{}, err
	}
	return shmptr.Cast[T](raw), nil
}

// coalesceNode is the RB-tree payload used to find and merge adjacent free
// pages, keyed by page offset.
type coalesceNode struct {
	rbtree.Node[uint64]
	Size uint64
}

// coalesce pulls every free page out of lists [listMin, listMax], inserts
// them into an offset-keyed red-black tree, merges any whose [offset,
// offset+size) ranges are contiguous, and pushes the survivors back onto
// their (possibly new, larger) free lists.
func (a *Allocator) coalesce(listMin, listMax int) {
	if !a.freedAny {
		// Nothing has been freed since the last pass; the red-black
		// rebuild would find the same (already exhausted) lists.
		return
	}
	if listMax >= numFreeLists {
		listMax = numFreeLists - 1
	}
	tree := rbtree.New[uint64](a)

	for i := listMin; i <= listMax; i++ {
		list := a.listAt(i)
		for !list.Empty() {
			node := list.Pop()
			off := node.Shm.Offset.Load()
			size := a.freePageAt(off).Ptr.Size
			cn := shmptr.FromOffset[coalesceNode](a, shmptr.Offset(off))
			cn.Ptr.Key = off
			cn.Ptr.Size = size
			tree.Emplace(shmptr.Cast[rbtree.Node[uint64]](cn))
		}
	}

	a.mergeContiguous(tree)

	// Drain the survivors (popping the tree's root each time) and push each back onto
	// its size class's free list. A merge can have produced either a
	// non-power-of-two extent below smallThreshold or one above maxSize,
	// so pushFreeExtent — not pushFree — re-splits as needed before filing.
	for !tree.Empty() {
		off := tree.RootOffset()
		node := shmptr.FromOffset[coalesceNode](a, off)
		key := node.Ptr.Key
		size := node.Ptr.Size
		tree.Pop(key)
		a.pushFreeExtent(key, size)
	}

	// pushFree above re-marks freedAny; clear it here since those pushes
	// are re-filing already-accounted-for pages, not new frees.
	a.freedFilter = bloom.NewWithEstimates(bloomExpectedFrees, bloomFalsePositiveRate)
	a.freedAny = false
}

// mergeContiguous repeatedly scans the tree in key order and merges any
// pair of neighbors where left.offset+left.size == right.offset, replacing
// both with a single larger entry. It runs to a fixed point. A fused
// entry may end up larger than maxSize (the 1MiB cap) or, if it is still
// below smallThreshold, not a power of two; coalesce's pushFreeExtent call
// on the survivors re-splits either case before anything reaches a list.
func (a *Allocator) mergeContiguous(tree *rbtree.Tree[uint64]) {
	for {
		offsets := a.sortedOffsets(tree)
		merged := false
		for i := 0; i+1 < len(offsets); i++ {
			left := shmptr.FromOffset[coalesceNode](a, shmptr.Offset(offsets[i]))
			right := shmptr.FromOffset[coalesceNode](a, shmptr.Offset(offsets[i+1]))
			if offsets[i]+left.Ptr.Size != offsets[i+1] {
				continue
			}
			newSize := left.Ptr.Size + right.Ptr.Size
			tree.Pop(offsets[i])
			tree.Pop(offsets[i+1])
			combined := shmptr.FromOffset[coalesceNode](a, shmptr.Offset(offsets[i]))
			combined.Ptr.Size = newSize
			combined.Ptr.Key = offsets[i]
			tree.Emplace(shmptr.Cast[rbtree.Node[uint64]](combined))
			merged = true
			break
		}
		if !merged {
			return
		}
	}
}

func (a *Allocator) sortedOffsets(tree *rbtree.Tree[uint64]) []uint64 {
	var offsets []uint64
	var walk func(off shmptr.OffsetPtr)
	walk = func(off shmptr.OffsetPtr) {
		if off.IsNull() {
			return
		}
		n := shmptr.FromOffset[coalesceNode](a, off)
		walk(n.Ptr.Left)
		offsets = append(offsets, n.Ptr.Key)
		walk(n.Ptr.Right)
	}
	walk(tree.RootOffset())
	return offsets
}
