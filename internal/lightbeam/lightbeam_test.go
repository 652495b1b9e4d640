package lightbeam

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/iowarp/clio-core/internal/allocator/arena"
	"github.com/iowarp/clio-core/internal/backend"
	"github.com/iowarp/clio-core/internal/shmptr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, capacity uint64) *backend.Backend {
	t.Helper()
	b, err := backend.Create(backend.CreateOptions{
		Dir:          t.TempDir(),
		Name:         "lightbeam-region",
		DataCapacity: capacity,
		ID:           shmptr.BackendId{Major: 9, Minor: 0},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Destroy() })
	return b
}

func TestShmTransportRoundTripInArenaBulk(t *testing.T) {
	b := newTestBackend(t, 1<<20)
	var a arena.Allocator
	require.NoError(t, a.Init(b, shmptr.AllocatorId{SubID: 1}, nil))

	payload := []byte("hello shared memory")
	src, err := arena.Allocate[byte](&a, len(payload))
	require.NoError(t, err)
	copy(shmByteSlice(src, len(payload)), payload)

	client := NewShmClient(b)
	server := NewShmServer(b)

	sendMeta := &LbmMeta{Send: []Bulk{client.Expose(src, uint64(len(payload)), BulkXfer)}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- client.Send(ctx, sendMeta) }()

	recvMeta := &LbmMeta{Recv: []Bulk{{Size: uint64(len(payload)), Flags: BulkXfer}}}
	require.NoError(t, server.RecvMetadata(ctx, recvMeta))
	require.NoError(t, server.RecvBulks(ctx, recvMeta, &a))
	require.NoError(t, <-errCh)

	got := shmByteSlice(recvMeta.Recv[0].Data, len(payload))
	assert.Equal(t, payload, got)
	assert.Equal(t, src.Shm.Offset.Load(), recvMeta.Recv[0].Data.Shm.Offset.Load(), "resolved recv pointer should land on the same offset the sender exposed")
}

func TestShmTransportRoundTripPrivateBuffer(t *testing.T) {
	b := newTestBackend(t, 1<<16)

	payload := []byte("private process-local buffer")
	client := NewShmClient(b)
	server := NewShmServer(b)

	privatePtr := shmptr.FullPtr[byte]{Ptr: &payload[0], Shm: shmptr.NullShmPtr()}
	sendMeta := &LbmMeta{Send: []Bulk{client.Expose(privatePtr, uint64(len(payload)), BulkXfer)}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- client.Send(ctx, sendMeta) }()

	recvMeta := &LbmMeta{Recv: []Bulk{{Size: uint64(len(payload)), Flags: BulkXfer}}}
	require.NoError(t, server.RecvMetadata(ctx, recvMeta))
	require.NoError(t, server.RecvBulks(ctx, recvMeta, nil))
	require.NoError(t, <-errCh)

	got := shmByteSlice(recvMeta.Recv[0].Data, len(payload))
	assert.Equal(t, payload, got)
}

func TestLbmMetaJSONRoundTripPreservesShmPtr(t *testing.T) {
	b := newTestBackend(t, 4096)
	var a arena.Allocator
	require.NoError(t, a.Init(b, shmptr.AllocatorId{SubID: 2}, nil))

	p, err := arena.Allocate[byte](&a, 16)
	require.NoError(t, err)

	meta := LbmMeta{Send: []Bulk{{Data: p, Size: 16, Flags: BulkExpose}}}
	raw, err := json.Marshal(&meta)
	require.NoError(t, err)

	var round LbmMeta
	require.NoError(t, json.Unmarshal(raw, &round))

	assert.Equal(t, p.Shm.Offset.Load(), round.Send[0].Data.Shm.Offset.Load())
	assert.Equal(t, p.Shm.Alloc, round.Send[0].Data.Shm.Alloc)
	assert.Equal(t, uint64(16), round.Send[0].Size)
}

func TestExposeOnlyBulkCountsExcludeNonXfer(t *testing.T) {
	meta := LbmMeta{Send: []Bulk{
		{Flags: BulkExpose},
		{Flags: BulkXfer},
		{Flags: BulkXfer | BulkExpose},
	}}
	meta.CountSendBulks()
	assert.Equal(t, uint64(2), meta.SendBulks)
}

// shmByteSlice is a test-only helper mirroring byteView, kept separate so
// production code in wire.go stays unexported.
func shmByteSlice(p shmptr.FullPtr[byte], n int) []byte {
	return byteView(p, uint64(n))
}
