// Package lightbeam implements the bulk-transfer wire protocol: a Client
// exposes shared-memory or private buffers as Bulk descriptors, a Server
// receives metadata and resolves those descriptors back into readable
// bytes, and the transport in between may be shared memory, a TCP/WebSocket
// socket, or WebRTC.
//
// Grounded on
// context-transport-primitives/include/hermes_shm/lightbeam/lightbeam.h and
// shm_transport.h. The original serializes LbmMeta with cereal; this
// package uses encoding/json for the metadata envelope (no codegen-free
// binary serializer appears anywhere in the example corpus, and pulling in
// protobuf would require a .proto compile step this exercise cannot run)
// but keeps the original's explicit per-bulk framing — a 1-byte transfer
// mode followed by either a raw ShmPtr or the inline payload bytes — for
// the data itself, since that framing carries no schema and round-trips
// exactly like the C++ version.
package lightbeam

import (
	"context"

	"github.com/iowarp/clio-core/internal/shmptr"
)

// Bulk flags.
const (
	BulkExpose uint32 = 1 << 0 // metadata sent, no data transfer
	BulkXfer   uint32 = 1 << 1 // marked for data transmission
)

// transferMode tags how a single Bulk's bytes cross the wire.
type transferMode uint8

const (
	modeInline transferMode = 0 // full data copy follows
	modeShmPtr transferMode = 1 // only the ShmPtr is sent; receiver resolves locally
)

// Bulk describes one buffer offered for transfer: either an in-arena
// FullPtr (cheap to describe, resolved by ShmPtr on the receiving side
// when it shares the same backend) or a process-private buffer (always
// copied in full).
type Bulk struct {
	Data  shmptr.FullPtr[byte]
	Size  uint64
	Flags uint32

	// MRID is a transport-specific memory-registration handle, the
	// Go-native analog of the original's RDMA desc_/mr_ pair. Only the
	// WebRTC transport populates it (see transport_webrtc.go); every other
	// transport leaves it zero.
	MRID uint32
}

func (b Bulk) hasFlag(flag uint32) bool { return b.Flags&flag != 0 }

// IsXfer reports whether this bulk is marked for data transmission as
// opposed to metadata-only exposure.
func (b Bulk) IsXfer() bool { return b.hasFlag(BulkXfer) }

// inShm reports whether Data names a location inside a shared backend,
// meaning only the ShmPtr needs to cross the wire.
func (b Bulk) inShm() bool { return !b.Data.Shm.Alloc.IsNull() }

// LbmMeta is the per-exchange metadata envelope: the sender's bulk
// descriptors, and (on the receiver) a parallel slice with receive-side
// pointers already populated.
type LbmMeta struct {
	Send      []Bulk `json:"send"`
	Recv      []Bulk `json:"recv"`
	SendBulks uint64 `json:"send_bulks"`
	RecvBulks uint64 `json:"recv_bulks"`
}

// CountSendBulks sets SendBulks to the number of Send entries marked for
// transfer, mirroring the original's bookkeeping field.
func (m *LbmMeta) CountSendBulks() {
	var n uint64
	for _, b := range m.Send {
		if b.IsXfer() {
			n++
		}
	}
	m.SendBulks = n
}

// Client exposes local buffers as Bulk descriptors and sends metadata plus
// any transfer-marked bulk data to a Server.
type Client interface {
	Expose(ptr shmptr.FullPtr[byte], size uint64, flags uint32) Bulk
	Send(ctx context.Context, meta *LbmMeta) error
	Close() error
}

// Server receives metadata and bulk data from a Client. Arena resolves
// ShmPtr-mode bulks back into a FullPtr on this process; it may be nil if
// the transport never expects ShmPtr-mode bulks (e.g. cross-host sockets).
type Server interface {
	Expose(ptr shmptr.FullPtr[byte], size uint64, flags uint32) Bulk
	RecvMetadata(ctx context.Context, meta *LbmMeta) error
	RecvBulks(ctx context.Context, meta *LbmMeta, arena shmptr.Arena) error
	Address() string
	Close() error
}

// Transport names one of the wire implementations available from the
// factory below.
type Transport int

const (
	TransportShm Transport = iota
	TransportSocket
	TransportWebRTC
)
