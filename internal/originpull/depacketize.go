package originpull

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// H.264 NAL unit type values relevant to RTP depacketization (RFC 6184).
const (
	naluTypeIFrame = 5
	naluTypeSPS    = 7
	naluTypePPS    = 8
	naluTypeSTAPA  = 24
	naluTypeFUA    = 28
)

// videoDepacketizer reassembles length-prefixed (AVCC-style) frames
// (4-byte big-endian length prefix, SPS/PPS prepended to keyframes) from H.264 RTP payloads, for
// handing complete frames to the segment ring. It does not affect the
// raw RTP forwarded to live sessions, which is paced and forwarded
// unmodified.
type videoDepacketizer struct {
	buffer []byte
	sps    []byte
	pps    []byte

	// OnFrame is called once per complete frame with its length-prefixed NAL unit bytes
	// and whether it is a keyframe.
	OnFrame func(frame []byte, keyframe bool)
}

func newVideoDepacketizer() *videoDepacketizer {
	return &videoDepacketizer{buffer: make([]byte, 0, 1024*1024)}
}

func (d *videoDepacketizer) ProcessPacket(packet *rtp.Packet) error {
	if len(packet.Payload) == 0 {
		return nil
	}
	naluType := packet.Payload[0] & 0x1F
	switch naluType {
	case naluTypeFUA:
		return d.processFUA(packet)
	case naluTypeSTAPA:
		return d.processSTAPA(packet)
	default:
		return d.emitNALU(packet.Payload, naluType, packet.Marker)
	}
}

func (d *videoDepacketizer) processFUA(packet *rtp.Packet) error {
	if len(packet.Payload) < 2 {
		return fmt.Errorf("originpull: FU-A packet too short")
	}
	fuIndicator := packet.Payload[0]
	fuHeader := packet.Payload[1]
	payload := packet.Payload[2:]

	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & 0x1F

	if start {
		d.buffer = d.buffer[:0]
		d.buffer = append(d.buffer, (fuIndicator&0xE0)|naluType)
	}
	d.buffer = append(d.buffer, payload...)

	if end {
		return d.emitNALU(d.buffer, naluType, packet.Marker)
	}
	return nil
}

func (d *videoDepacketizer) processSTAPA(packet *rtp.Packet) error {
	payload := packet.Payload[1:]
	nalus := make([]byte, 0, len(payload)*2)

	for len(payload) > 2 {
		size := binary.BigEndian.Uint16(payload[:2])
		payload = payload[2:]
		if len(payload) < int(size) {
			return fmt.Errorf("originpull: STAP-A NALU size exceeds payload")
		}
		nalu := payload[:size]
		payload = payload[size:]
		nalus = appendLengthPrefixed(nalus, nalu)
		d.captureParameterSet(nalu)
	}

	if len(nalus) > 0 && d.OnFrame != nil {
		d.OnFrame(nalus, false)
	}
	return nil
}

func (d *videoDepacketizer) emitNALU(nalu []byte, naluType uint8, marker bool) error {
	d.captureParameterSet(nalu)

	isKeyframe := naluType == naluTypeIFrame
	var frame []byte
	if isKeyframe && len(d.sps) > 0 && len(d.pps) > 0 {
		frame = appendLengthPrefixed(appendLengthPrefixed(appendLengthPrefixed(nil, d.sps), d.pps), nalu)
	} else {
		frame = appendLengthPrefixed(nil, nalu)
	}

	if marker && d.OnFrame != nil {
		d.OnFrame(frame, isKeyframe)
	}
	return nil
}

func (d *videoDepacketizer) captureParameterSet(nalu []byte) {
	if len(nalu) == 0 {
		return
	}
	switch nalu[0] & 0x1F {
	case naluTypeSPS:
		d.sps = append([]byte(nil), nalu...)
	case naluTypePPS:
		d.pps = append([]byte(nil), nalu...)
	}
}

func appendLengthPrefixed(dst, nalu []byte) []byte {
	length := uint32(len(nalu))
	dst = append(dst, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	return append(dst, nalu...)
}

// audioDepacketizer extracts AAC access units from RFC 3640 (AAC-hbr)
// RTP payloads.
type audioDepacketizer struct {
	OnFrame func(frame []byte)
}

func newAudioDepacketizer() *audioDepacketizer {
	return &audioDepacketizer{}
}

func (d *audioDepacketizer) ProcessPacket(packet *rtp.Packet) error {
	payload := packet.Payload
	if len(payload) < 2 {
		return fmt.Errorf("originpull: AAC packet too short")
	}

	auHeadersLength := binary.BigEndian.Uint16(payload[:2])
	auHeadersLengthBytes := (auHeadersLength + 7) / 8
	if len(payload) < int(2+auHeadersLengthBytes) {
		return fmt.Errorf("originpull: AAC packet malformed")
	}

	auHeaders := payload[2 : 2+auHeadersLengthBytes]
	auData := payload[2+auHeadersLengthBytes:]

	offset := 0
	for len(auHeaders) >= 2 {
		auSize := int(binary.BigEndian.Uint16(auHeaders[:2]) >> 3)
		if offset+auSize > len(auData) {
			break
		}
		frame := auData[offset : offset+auSize]
		offset += auSize
		if d.OnFrame != nil && len(frame) > 0 {
			d.OnFrame(frame)
		}
		auHeaders = auHeaders[2:]
	}
	return nil
}
