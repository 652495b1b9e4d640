// Package backend manages the memory-mapped regions that back every
// allocator in the shared-memory substrate. A region is laid out as
// [private header][shared header][data arena]. The private header is
// scratch space set aside for per-process use, but it lies in the same
// MAP_SHARED file mapping as the rest of the region, so every process
// mapping the file sees the same bytes. The shared header opens with a
// Header record (id, flags, capacity) and is otherwise free for allocator
// metadata (free-list heads, pool locks), and the data arena is where
// allocators place objects.
//
// Grounded on context-transport-primitives/include/hermes_shm/memory/backend/memory_backend.h
// for the record shape, and kernel/threads/sab/hal_native.go for the
// native mmap transport.
package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/iowarp/clio-core/internal/logging"
	"github.com/iowarp/clio-core/internal/shmptr"
)

// CreateOptions configures a new backend region.
type CreateOptions struct {
	// Dir is the directory to place the backing file in. Defaults to
	// DefaultDir() (/dev/shm, falling back to os.TempDir()).
	Dir string
	// Name is the backing file's base name. A random name is generated
	// when empty.
	Name string
	// DataCapacity is the size of the data arena in bytes, rounded up to
	// DataAlignment.
	DataCapacity uint64
	ID           shmptr.BackendId
	GpuOnly      bool
}

// AttachOptions identifies an existing backend region to map.
type AttachOptions struct {
	Dir  string
	Name string
}

// Backend is a mapped shared-memory region plus its parsed header.
type Backend struct {
	mapped *mappedFile
	header *Header
	log    *logging.Logger

	private []byte
	shared  []byte
	data    []byte
}

func regionPath(dir, name string) string {
	if dir == "" {
		dir = DefaultDir()
	}
	return filepath.Join(dir, name)
}

// Create makes a new backend region, truncating and mapping a backing
// file sized PrivateHeaderSize+SharedHeaderSize+DataCapacity (rounded up
// to DataAlignment), and initializes its header as owned by this process.
func Create(opts CreateOptions) (*Backend, error) {
	if opts.DataCapacity == 0 {
		return nil, fmt.Errorf("%w: data capacity must be non-zero", ErrCreationFailed)
	}
	if opts.Name == "" {
		opts.Name = "clio-" + uuid.NewString()
	}
	capacity := roundUp(opts.DataCapacity, DataAlignment)
	total := PrivateHeaderSize + SharedHeaderSize + capacity

	path := regionPath(opts.Dir, opts.Name)
	mapped, err := createMapped(path, int(total))
	if err != nil {
		return nil, err
	}

	b := &Backend{
		mapped:  mapped,
		private: mapped.data[:PrivateHeaderSize],
		shared:  mapped.data[PrivateHeaderSize : PrivateHeaderSize+SharedHeaderSize],
		data:    mapped.data[PrivateHeaderSize+SharedHeaderSize:],
		log:     logging.FromEnv("backend"),
	}
	b.header = newHeader(b.shared)
	b.header.setID(opts.ID)
	b.header.setBackendSize(total)
	b.header.setDataCapacity(capacity)
	b.header.setDataID(-1)
	b.header.setPrivHeaderOff(0)
	b.header.SetBits(FlagInitialized | FlagOwned)
	if opts.GpuOnly {
		b.header.SetBits(FlagGpuOnly)
	}

	b.log.Debug("backend created", logging.F("path", path), logging.F("capacity", capacity))
	return b, nil
}

// Attach maps an existing backend region without re-initializing its
// header, clearing the OWNED flag since this process did not create it.
func Attach(opts AttachOptions) (*Backend, error) {
	path := regionPath(opts.Dir, opts.Name)
	mapped, err := attachMapped(path)
	if err != nil {
		return nil, err
	}
	if len(mapped.data) < PrivateHeaderSize+SharedHeaderSize {
		_ = mapped.close(false)
		return nil, fmt.Errorf("%w: %s too small to hold headers", ErrAttachFailed, path)
	}
	b := &Backend{
		mapped:  mapped,
		private: mapped.data[:PrivateHeaderSize],
		shared:  mapped.data[PrivateHeaderSize : PrivateHeaderSize+SharedHeaderSize],
		data:    mapped.data[PrivateHeaderSize+SharedHeaderSize:],
		log:     logging.FromEnv("backend"),
	}
	b.header = newHeader(b.shared)
	if !b.header.Has(FlagInitialized) {
		_ = mapped.close(false)
		return nil, fmt.Errorf("%w: %s header not initialized", ErrAttachFailed, path)
	}
	b.header.UnsetBits(FlagOwned)
	b.log.Debug("backend attached", logging.F("path", path))
	return b, nil
}

// Destroy unmaps the region and, if this process owns it, removes the
// backing file. Destroy is idempotent: calling it twice is a no-op the
// second time.
func (b *Backend) Destroy() error {
	if b.mapped == nil {
		return nil
	}
	owned := b.header.Has(FlagOwned)
	err := b.mapped.close(owned)
	b.mapped = nil
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *Backend) ID() shmptr.BackendId { return b.header.ID() }

func (b *Backend) IsOwner() bool  { return b.header.Has(FlagOwned) }
func (b *Backend) IsGpuOnly() bool { return b.header.Has(FlagGpuOnly) }

// PrivateHeader returns the private header region. It is mapped shared
// like the rest of the file, so other processes mapping the region see
// the same bytes.
func (b *Backend) PrivateHeader() []byte { return b.private }

// SharedHeader returns the cross-process header region, including the
// Header record at its start.
func (b *Backend) SharedHeader() []byte { return b.shared }

// Base returns the data arena, implementing shmptr.Arena.
func (b *Backend) Base() []byte { return b.data }

func (b *Backend) DataCapacity() uint64 { return b.header.DataCapacity() }

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
