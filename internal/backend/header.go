package backend

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/iowarp/clio-core/internal/shmptr"
)

// PrivateHeaderSize and SharedHeaderSize are the fixed 4 KiB regions that
// precede every backend's data arena: a private header set aside for
// per-process scratch use and the shared header. Both lie in the same
// shared file mapping, so every process mapping the region sees both.
const (
	PrivateHeaderSize = 4 * 1024
	SharedHeaderSize  = 4 * 1024
	headerRecordSize  = 64
	DataAlignment     = 4 * 1024
)

// Flag bits live in the shared header's first 8 bytes.
const (
	FlagInitialized uint64 = 1 << 0
	FlagOwned       uint64 = 1 << 1
	FlagGpuOnly     uint64 = 1 << 2
)

// Header is the fixed-size record describing a backend region, mirroring
// MemoryBackendHeader: identity, flags, sizes, and the offset back from the
// data arena to the start of the private header.
//
// It is stored at the start of the shared header. Its flags word is read
// and updated with atomic loads and CAS loops; the other fields are plain
// little-endian reads and writes.
type Header struct {
	base []byte // shared header bytes, offset 0 == start of this record
}

const (
	offFlags         = 0
	offMajor         = 8
	offMinor         = 12
	offSubID         = 16
	offBackendSize   = 24
	offDataCapacity  = 32
	offDataID        = 40
	offPrivHeaderOff = 48
)

func newHeader(shared []byte) *Header {
	return &Header{base: shared[:headerRecordSize]}
}

func (h *Header) flagsPtr() *uint64 {
	return (*uint64)(unsafePointerAt(h.base, offFlags))
}

func (h *Header) Flags() uint64 { return atomic.LoadUint64(h.flagsPtr()) }

func (h *Header) SetBits(bits uint64) {
	for {
		old := atomic.LoadUint64(h.flagsPtr())
		if atomic.CompareAndSwapUint64(h.flagsPtr(), old, old|bits) {
			return
		}
	}
}

func (h *Header) UnsetBits(bits uint64) {
	for {
		old := atomic.LoadUint64(h.flagsPtr())
		if atomic.CompareAndSwapUint64(h.flagsPtr(), old, old&^bits) {
			return
		}
	}
}

func (h *Header) Has(bits uint64) bool { return h.Flags()&bits != 0 }

func (h *Header) ID() shmptr.BackendId {
	return shmptr.BackendId{
		Major: binary.LittleEndian.Uint32(h.base[offMajor:]),
		Minor: binary.LittleEndian.Uint32(h.base[offMinor:]),
	}
}

func (h *Header) setID(id shmptr.BackendId) {
	binary.LittleEndian.PutUint32(h.base[offMajor:], id.Major)
	binary.LittleEndian.PutUint32(h.base[offMinor:], id.Minor)
}

func (h *Header) BackendSize() uint64 {
	return binary.LittleEndian.Uint64(h.base[offBackendSize:])
}

func (h *Header) setBackendSize(v uint64) {
	binary.LittleEndian.PutUint64(h.base[offBackendSize:], v)
}

func (h *Header) DataCapacity() uint64 {
	return binary.LittleEndian.Uint64(h.base[offDataCapacity:])
}

func (h *Header) setDataCapacity(v uint64) {
	binary.LittleEndian.PutUint64(h.base[offDataCapacity:], v)
}

func (h *Header) DataID() int32 {
	return int32(binary.LittleEndian.Uint32(h.base[offDataID:]))
}

func (h *Header) setDataID(v int32) {
	binary.LittleEndian.PutUint32(h.base[offDataID:], uint32(v))
}

func (h *Header) PrivHeaderOff() uint64 {
	return binary.LittleEndian.Uint64(h.base[offPrivHeaderOff:])
}

func (h *Header) setPrivHeaderOff(v uint64) {
	binary.LittleEndian.PutUint64(h.base[offPrivHeaderOff:], v)
}
