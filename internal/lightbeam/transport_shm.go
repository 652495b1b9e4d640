package lightbeam

import (
	"context"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/iowarp/clio-core/internal/backend"
	"github.com/iowarp/clio-core/internal/shmptr"
)

// The shm transport moves bytes between two processes mapping the same
// backend through a small ring embedded in that backend's shared header,
// directly grounded on shm_transport.h's ShmClient/ShmServer: a fixed
// copy_space buffer, a data-ready flag, and a transfer-size field, with
// the client spinning until the server has drained the previous chunk and
// vice versa. Go has no std::this_thread::yield equivalent as exact as
// runtime.Gosched, which is what the spin loops below use.
const (
	shmRingFlagsOff  = 128 // after backend.Header (64B) and an allocator cursor slot (64B)
	shmRingSizeOff   = 136
	shmRingSpaceOff  = 144
	shmRingSpaceSize = backend.SharedHeaderSize - shmRingSpaceOff
)

// shmDataReady mirrors SHM_DATA_READY: set by the writer once a chunk is
// staged, cleared by the reader once it has copied the chunk out.
const shmDataReady uint32 = 1 << 1

type shmRing struct {
	shared []byte
}

func newShmRing(b *backend.Backend) *shmRing {
	return &shmRing{shared: b.SharedHeader()}
}

func (r *shmRing) flagsPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&r.shared[shmRingFlagsOff]))
}

func (r *shmRing) sizePtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.shared[shmRingSizeOff]))
}

func (r *shmRing) space() []byte {
	return r.shared[shmRingSpaceOff : shmRingSpaceOff+shmRingSpaceSize]
}

// write streams data through the ring one copy_space-sized chunk at a
// time, waiting for the reader to clear shmDataReady between chunks.
func (r *shmRing) write(ctx context.Context, data []byte) error {
	space := r.space()
	offset := 0
	for offset < len(data) {
		for atomic.LoadUint32(r.flagsPtr())&shmDataReady != 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			runtime.Gosched()
		}
		n := copy(space, data[offset:])
		atomic.StoreUint64(r.sizePtr(), uint64(n))
		atomic.StoreUint32(r.flagsPtr(), shmDataReady)
		offset += n
	}
	return nil
}

// read drains the ring into buf, the inverse of write.
func (r *shmRing) read(ctx context.Context, buf []byte) error {
	space := r.space()
	offset := 0
	for offset < len(buf) {
		for atomic.LoadUint32(r.flagsPtr())&shmDataReady == 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			runtime.Gosched()
		}
		n := int(atomic.LoadUint64(r.sizePtr()))
		copy(buf[offset:], space[:n])
		atomic.StoreUint32(r.flagsPtr(), 0)
		offset += n
	}
	return nil
}

// ringWriter/ringReader adapt shmRing to io.Writer/io.Reader so writeMeta,
// writeBulks, readMeta, and readBulks can drive it without knowing about
// the ring at all.
type ringWriter struct {
	ctx context.Context
	r   *shmRing
}

func (w ringWriter) Write(p []byte) (int, error) {
	if err := w.r.write(w.ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

type ringReader struct {
	ctx context.Context
	r   *shmRing
}

func (rd ringReader) Read(p []byte) (int, error) {
	if err := rd.r.read(rd.ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ShmClient sends metadata and bulk data through a shared backend's ring.
type ShmClient struct {
	b    *backend.Backend
	ring *shmRing
}

func NewShmClient(b *backend.Backend) *ShmClient {
	return &ShmClient{b: b, ring: newShmRing(b)}
}

func (c *ShmClient) Expose(ptr shmptr.FullPtr[byte], size uint64, flags uint32) Bulk {
	return Bulk{Data: ptr, Size: size, Flags: flags}
}

func (c *ShmClient) Send(ctx context.Context, meta *LbmMeta) error {
	meta.CountSendBulks()
	w := ringWriter{ctx: ctx, r: c.ring}
	if err := writeMeta(w, meta); err != nil {
		return err
	}
	return writeBulks(w, meta)
}

func (c *ShmClient) Close() error { return nil }

// ShmServer receives metadata and bulk data through the same ring.
type ShmServer struct {
	b    *backend.Backend
	ring *shmRing
}

func NewShmServer(b *backend.Backend) *ShmServer {
	return &ShmServer{b: b, ring: newShmRing(b)}
}

func (s *ShmServer) Expose(ptr shmptr.FullPtr[byte], size uint64, flags uint32) Bulk {
	return Bulk{Data: ptr, Size: size, Flags: flags}
}

func (s *ShmServer) Address() string {
	id := s.b.ID()
	return "shm:" + itoa32(id.Major) + "." + itoa32(id.Minor)
}

func (s *ShmServer) RecvMetadata(ctx context.Context, meta *LbmMeta) error {
	r := ringReader{ctx: ctx, r: s.ring}
	return readMeta(r, meta)
}

func (s *ShmServer) RecvBulks(ctx context.Context, meta *LbmMeta, arena shmptr.Arena) error {
	r := ringReader{ctx: ctx, r: s.ring}
	return readBulks(r, meta, arena)
}

func (s *ShmServer) Close() error { return nil }

func itoa32(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
