package srtpnode

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/rtc-egress/internal/node"
)

type recordingNode struct {
	node.Base
	sent     []byte
	sentTo   node.Type
	received []byte
	recvFrom node.Type
	err      error
}

func (r *recordingNode) SendData(to node.Type, payload []byte) error {
	r.sentTo = to
	r.sent = payload
	return r.err
}

func (r *recordingNode) OnDataReceived(from node.Type, payload []byte) error {
	r.recvFrom = from
	r.received = payload
	return r.err
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func testKey() []byte  { return make([]byte, 16) }
func testSalt() []byte { return make([]byte, 14) }

func samePartyKeys() (localKey, localSalt, remoteKey, remoteSalt []byte) {
	// The same key/salt pair is used for both directions so that the
	// resulting local and remote contexts can decrypt each other's output,
	// letting a single-party test exercise a full encrypt/decrypt round trip.
	k, s := testKey(), testSalt()
	return k, s, k, s
}

func samplePacket(t *testing.T) []byte {
	t.Helper()
	p := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 1, Timestamp: 1000, SSRC: 5},
		Payload: []byte{1, 2, 3, 4},
	}
	buf, err := p.Marshal()
	require.NoError(t, err)
	return buf
}

func TestSrtpNode_SendData_BeforeKeysIsAnError(t *testing.T) {
	n := New(1, discardLogger())
	lower := &recordingNode{Base: node.NewBase(2, node.TypeDtls)}
	n.SetLowerNode(lower)
	require.NoError(t, n.Start())

	err := n.SendData(node.TypeRtp, samplePacket(t))
	require.Error(t, err)
}

func TestSrtpNode_SendData_BeforeStartIsNoop(t *testing.T) {
	n := New(1, discardLogger())
	err := n.SendData(node.TypeRtp, samplePacket(t))
	require.NoError(t, err)
}

func TestSrtpNode_SendData_NoLowerNodeIsAnError(t *testing.T) {
	n := New(1, discardLogger())
	require.NoError(t, n.SetKeys(samePartyKeys()))
	require.NoError(t, n.Start())

	err := n.SendData(node.TypeRtp, samplePacket(t))
	require.Error(t, err)
}

func TestSrtpNode_SendData_EncryptsAndForwardsToLower(t *testing.T) {
	n := New(1, discardLogger())
	lower := &recordingNode{Base: node.NewBase(2, node.TypeDtls)}
	n.SetLowerNode(lower)
	require.NoError(t, n.SetKeys(samePartyKeys()))
	require.NoError(t, n.Start())

	plain := samplePacket(t)
	require.NoError(t, n.SendData(node.TypeRtp, plain))

	require.Equal(t, node.TypeRtp, lower.sentTo)
	require.NotEqual(t, plain, lower.sent)
}

func TestSrtpNode_SendData_PropagatesLowerError(t *testing.T) {
	n := New(1, discardLogger())
	lower := &recordingNode{Base: node.NewBase(2, node.TypeDtls), err: fmt.Errorf("boom")}
	n.SetLowerNode(lower)
	require.NoError(t, n.SetKeys(samePartyKeys()))
	require.NoError(t, n.Start())

	require.Error(t, n.SendData(node.TypeRtp, samplePacket(t)))
}

func TestSrtpNode_OnDataReceived_BeforeKeysIsAnError(t *testing.T) {
	n := New(1, discardLogger())
	upper := &recordingNode{Base: node.NewBase(2, node.TypeRtp)}
	n.SetUpperNode(upper)
	require.NoError(t, n.Start())

	err := n.OnDataReceived(node.TypeIce, samplePacket(t))
	require.Error(t, err)
}

func TestSrtpNode_OnDataReceived_NoUpperNodeIsAnError(t *testing.T) {
	n := New(1, discardLogger())
	require.NoError(t, n.SetKeys(samePartyKeys()))
	require.NoError(t, n.Start())

	err := n.OnDataReceived(node.TypeIce, samplePacket(t))
	require.Error(t, err)
}

func TestSrtpNode_RoundTrip_EncryptThenDecryptRecoversPlaintext(t *testing.T) {
	n := New(1, discardLogger())
	lower := &recordingNode{Base: node.NewBase(2, node.TypeDtls)}
	upper := &recordingNode{Base: node.NewBase(3, node.TypeRtp)}
	n.SetLowerNode(lower)
	n.SetUpperNode(upper)
	require.NoError(t, n.SetKeys(samePartyKeys()))
	require.NoError(t, n.Start())

	plain := samplePacket(t)
	require.NoError(t, n.SendData(node.TypeRtp, plain))
	require.NoError(t, n.OnDataReceived(node.TypeIce, lower.sent))

	require.Equal(t, node.TypeRtp, upper.recvFrom)
	require.Equal(t, plain, upper.received)
}

func TestIsRTCP_DistinguishesByPayloadType(t *testing.T) {
	rtcpLike := []byte{0x80, 200, 0, 0}
	rtpLike := []byte{0x80, 111, 0, 0}

	require.True(t, isRTCP(rtcpLike))
	require.False(t, isRTCP(rtpLike))
	require.False(t, isRTCP([]byte{0x80}))
}
