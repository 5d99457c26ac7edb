// Package rtpdata holds the immutable RTP packet and compound RTCP types
// that flow through the per-session SessionNode pipeline, plus the RTCP
// sender-report bookkeeping described by the RtcpSRGenerator.
package rtpdata

import (
	"fmt"

	"github.com/pion/rtp"
)

// RtpPacket is an immutable, reference-shared RTP packet. It is created
// once by a Stream on packetization and handed to every subscribed
// Session's pipeline; the last Session to drop its reference lets it be
// collected.
type RtpPacket struct {
	pkt *rtp.Packet
	raw []byte
}

// NewRtpPacket parses a wire-format RTP buffer into an RtpPacket. The
// buffer is copied so the caller is free to reuse or discard it.
func NewRtpPacket(buf []byte) (*RtpPacket, error) {
	cp := make([]byte, len(buf))
	copy(cp, buf)

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(cp); err != nil {
		return nil, fmt.Errorf("unmarshal RTP packet: %w", err)
	}
	return &RtpPacket{pkt: pkt, raw: cp}, nil
}

// NewRtpPacketFromHeader builds an RtpPacket from an already-parsed
// pion/rtp packet, used by internal/originpull, whose RTSP client hands
// back already-parsed packets.
func NewRtpPacketFromHeader(pkt *rtp.Packet) (*RtpPacket, error) {
	buf, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal RTP packet: %w", err)
	}
	return &RtpPacket{pkt: pkt, raw: buf}, nil
}

// Ssrc returns the packet's synchronization source identifier.
func (p *RtpPacket) Ssrc() uint32 { return p.pkt.SSRC }

// SequenceNumber returns the RTP sequence number.
func (p *RtpPacket) SequenceNumber() uint16 { return p.pkt.SequenceNumber }

// Timestamp returns the RTP timestamp (codec-rate, not wall-clock).
func (p *RtpPacket) Timestamp() uint32 { return p.pkt.Timestamp }

// PayloadType returns the RTP payload type.
func (p *RtpPacket) PayloadType() uint8 { return p.pkt.PayloadType }

// Marker returns the RTP marker bit.
func (p *RtpPacket) Marker() bool { return p.pkt.Marker }

// CSRC returns the contributing source identifiers.
func (p *RtpPacket) CSRC() []uint32 { return p.pkt.CSRC }

// PayloadLength returns the number of payload bytes, used by the
// RtcpSRGenerator's octet-count bookkeeping.
func (p *RtpPacket) PayloadLength() int { return len(p.pkt.Payload) }

// Data returns the wire-format bytes of the packet. Callers must not
// mutate the returned slice.
func (p *RtpPacket) Data() []byte { return p.raw }
