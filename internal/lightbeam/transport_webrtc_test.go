package lightbeam

import (
	"context"
	"testing"
	"time"

	"github.com/iowarp/clio-core/internal/shmptr"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

// newLoopbackDataChannelPair establishes a local offerer/answerer
// PeerConnection pair over loopback ICE candidates (no STUN/TURN needed)
// and returns one open DataChannel from each side of the same channel.
func newLoopbackDataChannelPair(t *testing.T) (offererDC, answererDC *webrtc.DataChannel) {
	t.Helper()

	offerPC, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = offerPC.Close() })

	answerPC, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = answerPC.Close() })

	dc, err := offerPC.CreateDataChannel("lightbeam", nil)
	require.NoError(t, err)

	answerReady := make(chan *webrtc.DataChannel, 1)
	answerPC.OnDataChannel(func(remote *webrtc.DataChannel) {
		answerReady <- remote
	})

	offer, err := offerPC.CreateOffer(nil)
	require.NoError(t, err)
	offerGatherComplete := webrtc.GatheringCompletePromise(offerPC)
	require.NoError(t, offerPC.SetLocalDescription(offer))
	<-offerGatherComplete

	require.NoError(t, answerPC.SetRemoteDescription(*offerPC.LocalDescription()))
	answer, err := answerPC.CreateAnswer(nil)
	require.NoError(t, err)
	answerGatherComplete := webrtc.GatheringCompletePromise(answerPC)
	require.NoError(t, answerPC.SetLocalDescription(answer))
	<-answerGatherComplete

	require.NoError(t, offerPC.SetRemoteDescription(*answerPC.LocalDescription()))

	openCh := make(chan struct{}, 1)
	dc.OnOpen(func() { openCh <- struct{}{} })

	select {
	case <-openCh:
	case <-time.After(10 * time.Second):
		t.Fatal("offerer data channel never opened")
	}

	select {
	case remote := <-answerReady:
		return dc, remote
	case <-time.After(10 * time.Second):
		t.Fatal("answerer never received data channel")
	}
	return nil, nil
}

func TestWebRTCTransportRoundTripPrivateBuffer(t *testing.T) {
	offererDC, answererDC := newLoopbackDataChannelPair(t)

	client := NewWebRTCClient(nil, offererDC)
	server := NewWebRTCServer(answererDC, "webrtc:loopback")

	payload := []byte("hello over a data channel")
	privatePtr := shmptr.FullPtr[byte]{Ptr: &payload[0], Shm: shmptr.NullShmPtr()}
	sendMeta := &LbmMeta{Send: []Bulk{client.Expose(privatePtr, uint64(len(payload)), BulkXfer)}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Send(ctx, sendMeta))

	recvMeta := &LbmMeta{Recv: []Bulk{{Size: uint64(len(payload)), Flags: BulkXfer}}}
	require.NoError(t, server.RecvMetadata(ctx, recvMeta))
	require.NoError(t, server.RecvBulks(ctx, recvMeta, nil))

	got := shmByteSlice(recvMeta.Recv[0].Data, len(payload))
	require.Equal(t, payload, got)
}
