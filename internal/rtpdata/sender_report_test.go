package rtpdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func rtpPacket(t *testing.T, ssrc uint32, seq uint16, ts uint32, payloadLen int) *RtpPacket {
	t.Helper()
	pkt, err := NewRtpPacket(buildRTP(t, ssrc, seq, ts, make([]byte, payloadLen)))
	require.NoError(t, err)
	return pkt
}

func TestRtcpSRGenerator_FirstPacketAlwaysGeneratesSR(t *testing.T) {
	gen := NewRtcpSRGenerator(1, 90000, DefaultSRPolicy())
	require.False(t, gen.IsAvailableRtcpSRPacket())

	gen.AddRTPPacketAndGenerateRtcpSR(rtpPacket(t, 1, 1, 1000, 100))

	require.True(t, gen.IsAvailableRtcpSRPacket())
	compound := gen.PopRtcpSRPacket()
	require.NotNil(t, compound)
	require.False(t, gen.IsAvailableRtcpSRPacket(), "Pop clears the pending report")
}

func TestRtcpSRGenerator_NotDueBeforeIntervalOrThreshold(t *testing.T) {
	policy := SRPolicy{Interval: time.Hour, PacketInterval: 1000, ByteInterval: 1_000_000}
	gen := NewRtcpSRGenerator(1, 90000, policy)

	gen.AddRTPPacketAndGenerateRtcpSR(rtpPacket(t, 1, 1, 1000, 100))
	gen.PopRtcpSRPacket()

	gen.AddRTPPacketAndGenerateRtcpSR(rtpPacket(t, 1, 2, 1100, 100))
	require.False(t, gen.IsAvailableRtcpSRPacket())
}

func TestRtcpSRGenerator_PacketThresholdTriggersSR(t *testing.T) {
	policy := SRPolicy{Interval: time.Hour, PacketInterval: 3, ByteInterval: 0}
	gen := NewRtcpSRGenerator(1, 90000, policy)

	gen.AddRTPPacketAndGenerateRtcpSR(rtpPacket(t, 1, 1, 1000, 10))
	gen.PopRtcpSRPacket()

	gen.AddRTPPacketAndGenerateRtcpSR(rtpPacket(t, 1, 2, 1010, 10))
	require.False(t, gen.IsAvailableRtcpSRPacket())
	gen.AddRTPPacketAndGenerateRtcpSR(rtpPacket(t, 1, 3, 1020, 10))
	require.False(t, gen.IsAvailableRtcpSRPacket())
	gen.AddRTPPacketAndGenerateRtcpSR(rtpPacket(t, 1, 4, 1030, 10))
	require.True(t, gen.IsAvailableRtcpSRPacket())
}

func TestRtcpSRGenerator_ByteThresholdTriggersSR(t *testing.T) {
	policy := SRPolicy{Interval: time.Hour, PacketInterval: 0, ByteInterval: 250}
	gen := NewRtcpSRGenerator(1, 90000, policy)

	gen.AddRTPPacketAndGenerateRtcpSR(rtpPacket(t, 1, 1, 1000, 100))
	gen.PopRtcpSRPacket()

	gen.AddRTPPacketAndGenerateRtcpSR(rtpPacket(t, 1, 2, 1010, 100))
	require.False(t, gen.IsAvailableRtcpSRPacket())
	gen.AddRTPPacketAndGenerateRtcpSR(rtpPacket(t, 1, 3, 1020, 100))
	require.True(t, gen.IsAvailableRtcpSRPacket())
}

func TestRtcpSRGenerator_IntervalTriggersSR(t *testing.T) {
	policy := SRPolicy{Interval: 10 * time.Millisecond, PacketInterval: 0, ByteInterval: 0}
	gen := NewRtcpSRGenerator(1, 90000, policy)

	gen.AddRTPPacketAndGenerateRtcpSR(rtpPacket(t, 1, 1, 1000, 10))
	gen.PopRtcpSRPacket()

	time.Sleep(15 * time.Millisecond)
	gen.AddRTPPacketAndGenerateRtcpSR(rtpPacket(t, 1, 2, 1010, 10))
	require.True(t, gen.IsAvailableRtcpSRPacket())
}

func TestRtcpSRGenerator_CountersAccumulate(t *testing.T) {
	gen := NewRtcpSRGenerator(1, 90000, DefaultSRPolicy())
	gen.AddRTPPacketAndGenerateRtcpSR(rtpPacket(t, 1, 1, 1000, 50))
	gen.AddRTPPacketAndGenerateRtcpSR(rtpPacket(t, 1, 2, 1010, 75))

	require.Equal(t, uint32(2), gen.PacketCount())
	require.Equal(t, uint32(125), gen.OctetCount())
}

func TestRtcpSRGenerator_PopWithNothingPendingReturnsNil(t *testing.T) {
	gen := NewRtcpSRGenerator(1, 90000, DefaultSRPolicy())
	require.Nil(t, gen.PopRtcpSRPacket())
}

func TestRtcpSRGenerator_ExtrapolatesTimestampUsingTimebase(t *testing.T) {
	gen := NewRtcpSRGenerator(1, 1000, DefaultSRPolicy()) // 1000 Hz clock
	gen.AddRTPPacketAndGenerateRtcpSR(rtpPacket(t, 1, 1, 1000, 10))
	compound := gen.PopRtcpSRPacket()
	require.NotNil(t, compound)
	// 500ms at 1000 Hz advances the last RTP timestamp (1000) by 500 ticks.
	require.Equal(t, uint32(1500), gen.extrapolateRTPTimestamp(gen.lastWallClock.Add(500*time.Millisecond)))
}

func TestDefaultSRPolicy(t *testing.T) {
	p := DefaultSRPolicy()
	require.Equal(t, 5*time.Second, p.Interval)
	require.Equal(t, uint32(1000), p.PacketInterval)
	require.Equal(t, uint32(1_000_000), p.ByteInterval)
}
