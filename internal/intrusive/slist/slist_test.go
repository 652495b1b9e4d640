package slist

import (
	"testing"

	"github.com/iowarp/clio-core/internal/shmptr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testArena struct {
	buf []byte
	id  shmptr.AllocatorId
}

func newTestArena(size int) *testArena {
	return &testArena{buf: make([]byte, size), id: shmptr.AllocatorId{SubID: 1}}
}

func (a *testArena) Base() []byte          { return a.buf }
func (a *testArena) ID() shmptr.AllocatorId { return a.id }

func carveNode(t *testing.T, a *testArena, off uint64) shmptr.FullPtr[Node] {
	t.Helper()
	require.LessOrEqual(t, int(off)+16, len(a.buf))
	return shmptr.FromOffset[Node](a, shmptr.Offset(off))
}

func TestEmplaceAndPopIsLIFO(t *testing.T) {
	a := newTestArena(256)
	l := New(a)

	n1 := carveNode(t, a, 0)
	n2 := carveNode(t, a, 16)
	n3 := carveNode(t, a, 32)

	l.Emplace(n1)
	l.Emplace(n2)
	l.Emplace(n3)
	assert.Equal(t, uint64(3), l.Size())

	got := l.Pop()
	assert.Equal(t, n3.Shm.Offset.Load(), got.Shm.Offset.Load())
	got = l.Pop()
	assert.Equal(t, n2.Shm.Offset.Load(), got.Shm.Offset.Load())
	got = l.Pop()
	assert.Equal(t, n1.Shm.Offset.Load(), got.Shm.Offset.Load())

	assert.True(t, l.Empty())
	assert.True(t, l.Pop().IsNull())
}

func TestIteratorAndPopAt(t *testing.T) {
	a := newTestArena(256)
	l := New(a)

	n1 := carveNode(t, a, 0)
	n2 := carveNode(t, a, 16)
	n3 := carveNode(t, a, 32)
	l.Emplace(n1)
	l.Emplace(n2)
	l.Emplace(n3)

	it := l.Begin()
	it = it.Next() // skip n3, land on n2
	removed := l.PopAt(it)
	assert.Equal(t, n2.Shm.Offset.Load(), removed.Shm.Offset.Load())
	assert.Equal(t, uint64(2), l.Size())

	var seen []uint64
	for it := l.Begin(); !it.IsNull(); it = it.Next() {
		seen = append(seen, it.Current().Shm.Offset.Load())
	}
	assert.Equal(t, []uint64{n3.Shm.Offset.Load(), n1.Shm.Offset.Load()}, seen)
}

func TestAttachRebuildsView(t *testing.T) {
	a := newTestArena(256)
	l := New(a)
	n1 := carveNode(t, a, 0)
	l.Emplace(n1)

	attached := Attach(a, l.HeadOffset(), l.Size())
	assert.Equal(t, l.Size(), attached.Size())
	assert.Equal(t, n1.Shm.Offset.Load(), attached.Peek().Shm.Offset.Load())
}
