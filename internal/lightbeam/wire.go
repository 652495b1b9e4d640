package lightbeam

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"unsafe"

	"github.com/iowarp/clio-core/internal/errs"
	"github.com/iowarp/clio-core/internal/shmptr"
)

// shmPtrWireSize is the encoded size of a ShmPtr: BackendId.Major(4) +
// BackendId.Minor(4) + AllocatorId.SubID(4) + Offset(8).
const shmPtrWireSize = 20

func encodeShmPtr(p shmptr.ShmPtr) [shmPtrWireSize]byte {
	var buf [shmPtrWireSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], p.Alloc.Backend.Major)
	binary.LittleEndian.PutUint32(buf[4:8], p.Alloc.Backend.Minor)
	binary.LittleEndian.PutUint32(buf[8:12], p.Alloc.SubID)
	binary.LittleEndian.PutUint64(buf[12:20], p.Offset.Load())
	return buf
}

func decodeShmPtr(buf [shmPtrWireSize]byte) shmptr.ShmPtr {
	return shmptr.ShmPtr{
		Alloc: shmptr.AllocatorId{
			Backend: shmptr.BackendId{
				Major: binary.LittleEndian.Uint32(buf[0:4]),
				Minor: binary.LittleEndian.Uint32(buf[4:8]),
			},
			SubID: binary.LittleEndian.Uint32(buf[8:12]),
		},
		Offset: shmptr.Offset(binary.LittleEndian.Uint64(buf[12:20])),
	}
}

// byteView returns a []byte aliasing count bytes starting at p, or nil if p
// is null.
func byteView(p shmptr.FullPtr[byte], count uint64) []byte {
	if p.IsNull() {
		return nil
	}
	return unsafe.Slice(p.Ptr, count)
}

// writeMeta sends meta as a 4-byte little-endian length prefix followed by
// its JSON encoding.
func writeMeta(w io.Writer, meta *LbmMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransportFailed, err)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransportFailed, err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransportFailed, err)
	}
	return nil
}

// readMeta is the inverse of writeMeta.
func readMeta(r io.Reader, meta *LbmMeta) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransportFailed, err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransportFailed, err)
	}
	// Recv belongs to the receiver: keep the caller's descriptors rather
	// than the sender's (usually null) recv list from the envelope.
	recv := meta.Recv
	if err := json.Unmarshal(raw, meta); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDeserialization, err)
	}
	meta.Recv = recv
	return nil
}

// writeBulks streams every BulkXfer-marked entry of meta.Send: a 1-byte
// transfer mode followed by either a raw ShmPtr (mode 1, data lives in a
// shared backend) or the buffer's bytes in full (mode 0, private memory).
func writeBulks(w io.Writer, meta *LbmMeta) error {
	for _, b := range meta.Send {
		if !b.IsXfer() {
			continue
		}
		if b.inShm() {
			if _, err := w.Write([]byte{byte(modeShmPtr)}); err != nil {
				return fmt.Errorf("%w: %v", errs.ErrTransportFailed, err)
			}
			wire := encodeShmPtr(b.Data.Shm)
			if _, err := w.Write(wire[:]); err != nil {
				return fmt.Errorf("%w: %v", errs.ErrTransportFailed, err)
			}
			continue
		}
		if _, err := w.Write([]byte{byte(modeInline)}); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrTransportFailed, err)
		}
		if _, err := w.Write(byteView(b.Data, b.Size)); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrTransportFailed, err)
		}
	}
	return nil
}

// readBulks is the inverse of writeBulks: it fills in Data on each
// BulkXfer-marked meta.Recv entry, in the same order meta.Send was walked.
// ShmPtr-mode entries are resolved through arena when non-nil; inline-mode
// entries are copied into the receiver's pre-allocated buffer if one was
// already set via Data, or a freshly allocated private buffer otherwise.
func readBulks(r io.Reader, meta *LbmMeta, arena shmptr.Arena) error {
	for i := range meta.Recv {
		b := &meta.Recv[i]
		if !b.IsXfer() {
			continue
		}
		var modeBuf [1]byte
		if _, err := io.ReadFull(r, modeBuf[:]); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrTransportFailed, err)
		}
		switch transferMode(modeBuf[0]) {
		case modeShmPtr:
			var wire [shmPtrWireSize]byte
			if _, err := io.ReadFull(r, wire[:]); err != nil {
				return fmt.Errorf("%w: %v", errs.ErrTransportFailed, err)
			}
			shm := decodeShmPtr(wire)
			if arena != nil {
				b.Data = shmptr.FromShmPtr[byte](arena, shm)
			} else {
				b.Data = shmptr.FullPtr[byte]{Shm: shm}
			}
		case modeInline:
			dst := byteView(b.Data, b.Size)
			if dst == nil {
				dst = make([]byte, b.Size)
				b.Data = shmptr.FullPtr[byte]{Ptr: &dst[0], Shm: shmptr.NullShmPtr()}
			}
			if _, err := io.ReadFull(r, dst); err != nil {
				return fmt.Errorf("%w: %v", errs.ErrTransportFailed, err)
			}
		default:
			return fmt.Errorf("%w: unknown transfer mode %d", errs.ErrDeserialization, modeBuf[0])
		}
	}
	return nil
}
