// Package rtprtcp implements the top-of-chain SessionNode: RTP egress with
// concurrent RTCP sender-report generation, and RTCP ingress parse +
// dispatch to the owning Session.
package rtprtcp

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/streamforge/rtc-egress/internal/node"
	"github.com/streamforge/rtc-egress/internal/rtpdata"
)

// RtcpObserver is the narrow, non-owning contract RtpRtcp uses to deliver
// parsed RTCP records up to the owning Session without creating an import
// cycle between node and session packages.
type RtcpObserver interface {
	OnRtcpReceived(compound *rtpdata.RtcpCompound)
}

// RtpRtcp is the top SessionNode in a Session's chain. It owns one
// RtcpSRGenerator per SSRC it egresses, and holds a non-owning,
// readers-writer-lock-protected back-reference to its Session for RTCP
// ingress dispatch (spec §4.2, §9).
type RtpRtcp struct {
	node.Base

	logger *slog.Logger

	genMu      sync.Mutex
	generators map[uint32]*rtpdata.RtcpSRGenerator
	srPolicy   rtpdata.SRPolicy

	sessionMu sync.RWMutex
	session   RtcpObserver
}

// New constructs an RtpRtcp node. ssrcTimebases maps each SSRC this node
// will egress to its RTP clock rate (e.g. 90000 for video, 48000 for
// Opus audio), used by the SR generator's timestamp extrapolation.
func New(id uint64, session RtcpObserver, ssrcTimebases map[uint32]uint64, policy rtpdata.SRPolicy, logger *slog.Logger) *RtpRtcp {
	generators := make(map[uint32]*rtpdata.RtcpSRGenerator, len(ssrcTimebases))
	for ssrc, timebase := range ssrcTimebases {
		generators[ssrc] = rtpdata.NewRtcpSRGenerator(ssrc, timebase, policy)
	}

	return &RtpRtcp{
		Base:       node.NewBase(id, node.TypeRtp),
		logger:     logger,
		generators: generators,
		srPolicy:   policy,
		session:    session,
	}
}

// SetSession attaches (or replaces) the Session back-reference used for
// RTCP ingress dispatch. The composition root calls this once the Session
// owning this node exists, since the Session itself needs this node
// constructed first to assemble its SessionNode chain.
func (r *RtpRtcp) SetSession(session RtcpObserver) {
	r.sessionMu.Lock()
	r.session = session
	r.sessionMu.Unlock()
}

// Stop acquires the writer lock before clearing the Session back-reference,
// then stops the embedded node state. Per spec §9, this must happen before
// any node further down the chain is stopped, so no in-flight dispatch can
// deliver into a half-torn-down Session.
func (r *RtpRtcp) Stop() error {
	r.sessionMu.Lock()
	r.session = nil
	r.sessionMu.Unlock()
	return r.Base.Stop()
}

// SendOutgoingData egresses one RTP packet: feeds the per-SSRC SR
// generator, emits an SR downward if one is due, then forwards the RTP
// packet. Returns success iff the RTP forward succeeded; a failed SR
// forward is logged but not fatal (spec §4.2).
func (r *RtpRtcp) SendOutgoingData(pkt *rtpdata.RtpPacket) error {
	if !r.Started() {
		return nil
	}

	lower := r.LowerNode()
	if lower == nil {
		return fmt.Errorf("rtprtcp: no lower node attached")
	}

	r.genMu.Lock()
	gen, ok := r.generators[pkt.Ssrc()]
	if !ok {
		gen = rtpdata.NewRtcpSRGenerator(pkt.Ssrc(), 0, r.srPolicy)
		r.generators[pkt.Ssrc()] = gen
	}
	gen.AddRTPPacketAndGenerateRtcpSR(pkt)
	var srCompound *rtpdata.RtcpCompound
	if gen.IsAvailableRtcpSRPacket() {
		srCompound = gen.PopRtcpSRPacket()
	}
	r.genMu.Unlock()

	if srCompound != nil {
		srBytes, err := srCompound.Marshal()
		if err != nil {
			r.logger.Warn("failed to marshal RTCP SR", "ssrc", pkt.Ssrc(), "error", err)
		} else if err := lower.SendData(node.TypeRtcp, srBytes); err != nil {
			r.logger.Warn("failed to send RTCP SR", "ssrc", pkt.Ssrc(), "error", err)
		}
	}

	return lower.SendData(node.TypeRtp, pkt.Data())
}

// SendData satisfies the node.Node interface; RtpRtcp is the top of the
// chain and has no upper node to forward downward sends to.
func (r *RtpRtcp) SendData(to node.Type, payload []byte) error {
	return nil
}

// OnDataReceived parses an inbound compound RTCP packet and dispatches
// the parsed compound to the owning Session under a reader lock held only
// for the dispatch call, never across I/O (spec §4.2).
func (r *RtpRtcp) OnDataReceived(from node.Type, payload []byte) error {
	if !r.Started() {
		return nil
	}

	compound, err := rtpdata.ParseRtcpCompound(payload)
	if err != nil {
		r.logger.Debug("dropping malformed RTCP compound", "error", err)
		return err
	}

	r.sessionMu.RLock()
	defer r.sessionMu.RUnlock()

	if r.session == nil {
		return nil
	}
	r.session.OnRtcpReceived(compound)
	return nil
}
