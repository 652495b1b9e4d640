package lightbeam

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"github.com/iowarp/clio-core/internal/errs"
	"github.com/iowarp/clio-core/internal/shmptr"
	"github.com/pion/webrtc/v3"
)

// WebRTCClient sends lightbeam transfers over an already-negotiated
// WebRTC DataChannel, grounded on WebRTCConnection in
// kernel/core/mesh/transport/transport.go. SDP/ICE negotiation is out of
// scope here — callers hand this transport a DataChannel that is already
// open, the same assumption transport.go's own connection wrapper makes.
//
// Pion has no RDMA memory-registration API, but a DataChannel's own
// negotiated ID is the closest Go-native analog: Expose assigns each
// BULK_EXPOSE-only bulk the id of a dedicated, negotiated DataChannel
// opened just to name that buffer, and stores it in Bulk.MRID in place of
// the original's desc_/mr_ pointers.
type WebRTCClient struct {
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	nextMRID uint32
}

func NewWebRTCClient(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *WebRTCClient {
	return &WebRTCClient{pc: pc, dc: dc}
}

func (c *WebRTCClient) Expose(ptr shmptr.FullPtr[byte], size uint64, flags uint32) Bulk {
	b := Bulk{Data: ptr, Size: size, Flags: flags}
	if flags&BulkXfer == 0 && c.pc != nil {
		id := atomic.AddUint32(&c.nextMRID, 1)
		negotiated := true
		ordered := true
		label := fmt.Sprintf("lightbeam-mr-%d", id)
		dcID := uint16(id)
		_, _ = c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
			Negotiated: &negotiated,
			ID:         &dcID,
			Ordered:    &ordered,
		})
		b.MRID = id
	}
	return b
}

func (c *WebRTCClient) Send(ctx context.Context, meta *LbmMeta) error {
	meta.CountSendBulks()
	var buf bytes.Buffer
	if err := writeMeta(&buf, meta); err != nil {
		return err
	}
	if err := writeBulks(&buf, meta); err != nil {
		return err
	}
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("%w: data channel not open", errs.ErrTransportFailed)
	}
	if err := c.dc.Send(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransportFailed, err)
	}
	return nil
}

func (c *WebRTCClient) Close() error {
	if c.dc != nil {
		return c.dc.Close()
	}
	return nil
}

// WebRTCServer receives lightbeam transfers from a WebRTC DataChannel.
// Because DataChannel delivers messages through an OnMessage callback
// rather than a blocking Read, WebRTCServer buffers each full message on
// an internal channel for RecvMetadata/RecvBulks to consume.
type WebRTCServer struct {
	dc      *webrtc.DataChannel
	addr    string
	msgs    chan []byte
	pending *bytes.Reader
}

// NewWebRTCServer registers an OnMessage handler on dc and returns a
// Server ready to receive transfers from it.
func NewWebRTCServer(dc *webrtc.DataChannel, addr string) *WebRTCServer {
	s := &WebRTCServer{dc: dc, addr: addr, msgs: make(chan []byte, 16)}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case s.msgs <- msg.Data:
		default:
		}
	})
	return s
}

func (s *WebRTCServer) Expose(ptr shmptr.FullPtr[byte], size uint64, flags uint32) Bulk {
	return Bulk{Data: ptr, Size: size, Flags: flags}
}

func (s *WebRTCServer) Address() string { return s.addr }

func (s *WebRTCServer) RecvMetadata(ctx context.Context, meta *LbmMeta) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case raw := <-s.msgs:
		s.pending = bytes.NewReader(raw)
		return readMeta(s.pending, meta)
	}
}

func (s *WebRTCServer) RecvBulks(ctx context.Context, meta *LbmMeta, arena shmptr.Arena) error {
	if s.pending == nil {
		return fmt.Errorf("%w: RecvBulks called before RecvMetadata", errs.ErrTransportFailed)
	}
	defer func() { s.pending = nil }()
	return readBulks(s.pending, meta, arena)
}

func (s *WebRTCServer) Close() error {
	if s.dc != nil {
		return s.dc.Close()
	}
	return nil
}
