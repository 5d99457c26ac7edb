package rtpdata

import (
	"errors"
	"fmt"

	"github.com/pion/rtcp"
)

// ErrMalformedCompound is returned when a compound RTCP packet's first
// record is neither a Sender Report nor a Receiver Report, per RFC 3550
// §6.1 and spec §4.2 ("drop with error if the compound is malformed").
var ErrMalformedCompound = errors.New("rtcp: compound packet must begin with SR or RR")

// RtcpCompound is an ordered, parsed sequence of RTCP records. Re-marshaling
// a compound parsed from the wire must reproduce the identical byte string
// for the record types this package understands.
type RtcpCompound struct {
	Records []rtcp.Packet
}

// ParseRtcpCompound parses a wire-format compound RTCP packet. The first
// record must be a SenderReport or ReceiverReport; anything else is
// malformed and rejected without partial results.
func ParseRtcpCompound(buf []byte) (*RtcpCompound, error) {
	packets, err := rtcp.Unmarshal(buf)
	if err != nil {
		return nil, fmt.Errorf("unmarshal RTCP compound: %w", err)
	}
	if len(packets) == 0 {
		return nil, ErrMalformedCompound
	}
	switch packets[0].(type) {
	case *rtcp.SenderReport, *rtcp.ReceiverReport:
	default:
		return nil, ErrMalformedCompound
	}
	return &RtcpCompound{Records: packets}, nil
}

// Marshal re-serializes the compound packet. For a compound that was
// parsed from the wire and left untouched, this must be byte-identical to
// the original buffer.
func (c *RtcpCompound) Marshal() ([]byte, error) {
	return rtcp.Marshal(c.Records)
}

// NewSenderReportCompound builds a single-record SR compound, the minimal
// shape RtpRtcp emits on egress (§4.2: "emit the SR as RTCP downward").
func NewSenderReportCompound(sr *rtcp.SenderReport) *RtcpCompound {
	return &RtcpCompound{Records: []rtcp.Packet{sr}}
}
