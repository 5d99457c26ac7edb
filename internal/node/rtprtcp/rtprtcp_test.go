package rtprtcp

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/rtc-egress/internal/node"
	"github.com/streamforge/rtc-egress/internal/rtpdata"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

type recordingLower struct {
	node.Base
	rtpSends  [][]byte
	rtcpSends [][]byte
	err       error
}

func (l *recordingLower) SendData(to node.Type, payload []byte) error {
	if to == node.TypeRtcp {
		l.rtcpSends = append(l.rtcpSends, payload)
	} else {
		l.rtpSends = append(l.rtpSends, payload)
	}
	return l.err
}

func (l *recordingLower) OnDataReceived(from node.Type, payload []byte) error { return nil }

type recordingObserver struct {
	received []*rtpdata.RtcpCompound
}

func (o *recordingObserver) OnRtcpReceived(compound *rtpdata.RtcpCompound) {
	o.received = append(o.received, compound)
}

func rtpPacket(t *testing.T, ssrc uint32, seq uint16) *rtpdata.RtpPacket {
	t.Helper()
	p := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: seq, Timestamp: 1000, SSRC: ssrc},
		Payload: []byte{1, 2, 3},
	}
	buf, err := p.Marshal()
	require.NoError(t, err)
	pkt, err := rtpdata.NewRtpPacket(buf)
	require.NoError(t, err)
	return pkt
}

func rtcpCompoundBytes(t *testing.T, ssrc uint32) []byte {
	t.Helper()
	sr := &rtcp.SenderReport{SSRC: ssrc, NTPTime: 1, RTPTime: 1, PacketCount: 1, OctetCount: 1}
	buf, err := sr.Marshal()
	require.NoError(t, err)
	return buf
}

func TestRtpRtcp_SendOutgoingData_BeforeStartIsNoop(t *testing.T) {
	n := New(1, nil, nil, rtpdata.SRPolicy{}, discardLogger())
	require.NoError(t, n.SendOutgoingData(rtpPacket(t, 10, 1)))
}

func TestRtpRtcp_SendOutgoingData_NoLowerNodeIsAnError(t *testing.T) {
	n := New(1, nil, nil, rtpdata.SRPolicy{}, discardLogger())
	require.NoError(t, n.Start())

	err := n.SendOutgoingData(rtpPacket(t, 10, 1))
	require.Error(t, err)
}

func TestRtpRtcp_SendOutgoingData_ForwardsRTPDownward(t *testing.T) {
	n := New(1, nil, nil, rtpdata.SRPolicy{}, discardLogger())
	lower := &recordingLower{Base: node.NewBase(2, node.TypeSrtp)}
	n.SetLowerNode(lower)
	require.NoError(t, n.Start())

	pkt := rtpPacket(t, 10, 1)
	require.NoError(t, n.SendOutgoingData(pkt))

	require.Len(t, lower.rtpSends, 1)
	require.Equal(t, pkt.Data(), lower.rtpSends[0])
}

func TestRtpRtcp_SendOutgoingData_FirstPacketAlwaysEmitsSR(t *testing.T) {
	n := New(1, nil, nil, rtpdata.SRPolicy{}, discardLogger())
	lower := &recordingLower{Base: node.NewBase(2, node.TypeSrtp)}
	n.SetLowerNode(lower)
	require.NoError(t, n.Start())

	require.NoError(t, n.SendOutgoingData(rtpPacket(t, 10, 1)))
	require.Len(t, lower.rtcpSends, 1, "first packet for an unseen SSRC should always be SR-due")
}

func TestRtpRtcp_SendOutgoingData_UnknownSSRCGetsGeneratorOnDemand(t *testing.T) {
	n := New(1, nil, nil, rtpdata.SRPolicy{}, discardLogger())
	lower := &recordingLower{Base: node.NewBase(2, node.TypeSrtp)}
	n.SetLowerNode(lower)
	require.NoError(t, n.Start())

	require.NoError(t, n.SendOutgoingData(rtpPacket(t, 77, 1)))
	require.Len(t, lower.rtpSends, 1)
}

func TestRtpRtcp_SendOutgoingData_RTPSendErrorPropagates(t *testing.T) {
	n := New(1, nil, nil, rtpdata.SRPolicy{}, discardLogger())
	lower := &recordingLower{Base: node.NewBase(2, node.TypeSrtp), err: fmt.Errorf("boom")}
	n.SetLowerNode(lower)
	require.NoError(t, n.Start())

	require.Error(t, n.SendOutgoingData(rtpPacket(t, 10, 1)))
}

func TestRtpRtcp_SendData_IsAlwaysNoop(t *testing.T) {
	n := New(1, nil, nil, rtpdata.SRPolicy{}, discardLogger())
	require.NoError(t, n.SendData(node.TypeRtp, []byte("x")))
}

func TestRtpRtcp_OnDataReceived_BeforeStartIsNoop(t *testing.T) {
	observer := &recordingObserver{}
	n := New(1, observer, nil, rtpdata.SRPolicy{}, discardLogger())
	require.NoError(t, n.OnDataReceived(node.TypeRtcp, rtcpCompoundBytes(t, 10)))
	require.Empty(t, observer.received)
}

func TestRtpRtcp_OnDataReceived_DispatchesParsedCompoundToSession(t *testing.T) {
	observer := &recordingObserver{}
	n := New(1, observer, nil, rtpdata.SRPolicy{}, discardLogger())
	require.NoError(t, n.Start())

	require.NoError(t, n.OnDataReceived(node.TypeRtcp, rtcpCompoundBytes(t, 55)))
	require.Len(t, observer.received, 1)
}

func TestRtpRtcp_OnDataReceived_MalformedCompoundIsAnError(t *testing.T) {
	observer := &recordingObserver{}
	n := New(1, observer, nil, rtpdata.SRPolicy{}, discardLogger())
	require.NoError(t, n.Start())

	require.Error(t, n.OnDataReceived(node.TypeRtcp, []byte{0x01, 0x02}))
	require.Empty(t, observer.received)
}

func TestRtpRtcp_OnDataReceived_NoSessionAttachedIsSilentlyDropped(t *testing.T) {
	n := New(1, nil, nil, rtpdata.SRPolicy{}, discardLogger())
	require.NoError(t, n.Start())

	require.NoError(t, n.OnDataReceived(node.TypeRtcp, rtcpCompoundBytes(t, 55)))
}

func TestRtpRtcp_SetSession_ReplacesObserver(t *testing.T) {
	first := &recordingObserver{}
	second := &recordingObserver{}
	n := New(1, first, nil, rtpdata.SRPolicy{}, discardLogger())
	require.NoError(t, n.Start())

	n.SetSession(second)
	require.NoError(t, n.OnDataReceived(node.TypeRtcp, rtcpCompoundBytes(t, 55)))

	require.Empty(t, first.received)
	require.Len(t, second.received, 1)
}

func TestRtpRtcp_Stop_ClearsSessionBeforeAnyLaterDispatch(t *testing.T) {
	observer := &recordingObserver{}
	n := New(1, observer, nil, rtpdata.SRPolicy{}, discardLogger())
	require.NoError(t, n.Start())
	require.NoError(t, n.Stop())

	require.NoError(t, n.OnDataReceived(node.TypeRtcp, rtcpCompoundBytes(t, 55)))
	require.Empty(t, observer.received)
}
