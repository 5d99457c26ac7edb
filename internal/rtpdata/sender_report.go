package rtpdata

import (
	"time"

	"github.com/pion/rtcp"

	"github.com/streamforge/rtc-egress/internal/clock"
)

// SRPolicy controls when RtcpSRGenerator decides a Sender Report is due.
// RFC 3550's suggested default interval is 5 seconds; the packet/byte
// thresholds are an OvenMediaEngine-style backstop for high-bitrate tracks
// where 5 seconds of silence would otherwise go unreported.
type SRPolicy struct {
	Interval       time.Duration
	PacketInterval uint32
	ByteInterval   uint32
}

// DefaultSRPolicy is the RFC 3550 mid-range interval with generous
// packet/byte backstops.
func DefaultSRPolicy() SRPolicy {
	return SRPolicy{
		Interval:       5 * time.Second,
		PacketInterval: 1000,
		ByteInterval:   1_000_000,
	}
}

// RtcpSRGenerator maintains the running packet/octet counters and
// timestamp extrapolation needed to emit RTCP Sender Reports for a single
// SSRC.
type RtcpSRGenerator struct {
	ssrc   uint32
	policy SRPolicy

	packetCount uint32
	octetCount  uint32

	lastRTPTimestamp uint32
	lastWallClock    time.Time
	timebase         uint64 // RTP clock rate in Hz, e.g. 90000 for video

	lastSRAt        time.Time
	packetsSinceSR  uint32
	octetsSinceSR   uint32
	pending         *rtcp.SenderReport
	haveFirstPacket bool
}

// NewRtcpSRGenerator creates a generator for ssrc, whose RTP timestamps
// run at the given timebase (clock rate in Hz).
func NewRtcpSRGenerator(ssrc uint32, timebase uint64, policy SRPolicy) *RtcpSRGenerator {
	return &RtcpSRGenerator{ssrc: ssrc, policy: policy, timebase: timebase}
}

// AddRTPPacketAndGenerateRtcpSR feeds one outgoing RTP packet into the
// running statistics and, if the interval/threshold policy says a report
// is due, prepares it for PopRtcpSRPacket.
func (g *RtcpSRGenerator) AddRTPPacketAndGenerateRtcpSR(pkt *RtpPacket) {
	now := time.Now()

	g.packetCount++
	g.octetCount += uint32(pkt.PayloadLength())
	g.packetsSinceSR++
	g.octetsSinceSR += uint32(pkt.PayloadLength())

	g.lastRTPTimestamp = pkt.Timestamp()
	g.lastWallClock = now
	g.haveFirstPacket = true

	if !g.due(now) {
		return
	}

	g.pending = &rtcp.SenderReport{
		SSRC:        g.ssrc,
		NTPTime:     clock.NTPTimestamp(now),
		RTPTime:     g.extrapolateRTPTimestamp(now),
		PacketCount: g.packetCount,
		OctetCount:  g.octetCount,
	}
	g.lastSRAt = now
	g.packetsSinceSR = 0
	g.octetsSinceSR = 0
}

// due reports whether the interval or packet/byte threshold policy has
// elapsed since the last emitted SR.
func (g *RtcpSRGenerator) due(now time.Time) bool {
	if !g.haveFirstPacket {
		return false
	}
	if g.lastSRAt.IsZero() {
		return true
	}
	if now.Sub(g.lastSRAt) >= g.policy.Interval {
		return true
	}
	if g.policy.PacketInterval > 0 && g.packetsSinceSR >= g.policy.PacketInterval {
		return true
	}
	if g.policy.ByteInterval > 0 && g.octetsSinceSR >= g.policy.ByteInterval {
		return true
	}
	return false
}

// extrapolateRTPTimestamp projects the most-recently observed RTP
// timestamp forward to `now` using the track's timebase, per spec §4.2.
func (g *RtcpSRGenerator) extrapolateRTPTimestamp(now time.Time) uint32 {
	if g.timebase == 0 {
		return g.lastRTPTimestamp
	}
	elapsed := now.Sub(g.lastWallClock)
	ticks := int64(elapsed.Seconds() * float64(g.timebase))
	return g.lastRTPTimestamp + uint32(ticks)
}

// IsAvailableRtcpSRPacket reports whether a generated SR is waiting to be
// popped.
func (g *RtcpSRGenerator) IsAvailableRtcpSRPacket() bool {
	return g.pending != nil
}

// PopRtcpSRPacket returns and clears the pending SR, wrapped as a
// single-record compound per RFC 3550.
func (g *RtcpSRGenerator) PopRtcpSRPacket() *RtcpCompound {
	if g.pending == nil {
		return nil
	}
	sr := g.pending
	g.pending = nil
	return NewSenderReportCompound(sr)
}

// PacketCount returns the running packet count, for tests and diagnostics.
func (g *RtcpSRGenerator) PacketCount() uint32 { return g.packetCount }

// OctetCount returns the running octet count, for tests and diagnostics.
func (g *RtcpSRGenerator) OctetCount() uint32 { return g.octetCount }
