package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/streamforge/rtc-egress/internal/dtlscert"
	"github.com/streamforge/rtc-egress/internal/iceport"
	"github.com/streamforge/rtc-egress/internal/node"
	"github.com/streamforge/rtc-egress/internal/node/dtlsnode"
	"github.com/streamforge/rtc-egress/internal/node/icenode"
	"github.com/streamforge/rtc-egress/internal/node/rtprtcp"
	"github.com/streamforge/rtc-egress/internal/node/srtpnode"
	"github.com/streamforge/rtc-egress/internal/publisher"
	"github.com/streamforge/rtc-egress/internal/rtpdata"
	"github.com/streamforge/rtc-egress/internal/session"
	"github.com/streamforge/rtc-egress/internal/stream"
)

// sessionBuilder assembles the RtpRtcp<->SRTP<->DTLS<->ICE SessionNode
// chain for each newly negotiated viewer and wires it into a
// session.Session, implementing publisher.SessionFactory (spec §4.3/§4.4).
// One self-signed DTLS certificate is generated at process start and
// reused by every session's DTLS node, since WebRTC authenticates the
// handshake out of band via the SDP fingerprint rather than a CA chain.
type sessionBuilder struct {
	icePort  *iceport.Port
	onFailed func(sessionID uint64)
	cert     tls.Certificate
	srPolicy rtpdata.SRPolicy
	logger   *slog.Logger

	nextNodeID atomic.Uint64
}

func newSessionBuilder(icePort *iceport.Port, srPolicy rtpdata.SRPolicy, onFailed func(sessionID uint64), logger *slog.Logger) (*sessionBuilder, error) {
	cert, err := dtlscert.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("session_factory: generate DTLS certificate: %w", err)
	}
	return &sessionBuilder{
		icePort:  icePort,
		onFailed: onFailed,
		cert:     cert,
		srPolicy: srPolicy,
		logger:   logger,
	}, nil
}

func (b *sessionBuilder) newNodeID() uint64 {
	return b.nextNodeID.Add(1)
}

// SetIcePort finishes wiring the builder once the Publisher has created
// the shared ICE port (Publisher.Start does this internally, after the
// builder itself must already exist to serve as its SessionFactory).
func (b *sessionBuilder) SetIcePort(p *iceport.Port) {
	b.icePort = p
}

// Build implements publisher.SessionFactory. sessionID is the id already
// allocated in Publisher.OnRequestOffer and echoed back on the Answer; the
// Session built here must keep using it, since it is also stamped into
// the offer's SDP origin line and is what later Stop/Candidate messages
// will reference.
func (b *sessionBuilder) Build(sessionID uint64, s *stream.Stream, offer, answer, localUfrag, remoteUfrag, remotePasswd string) (publisher.SessionHandle, error) {
	logger := b.logger.With("session_id", sessionID)

	ssrcTimebases := make(map[uint32]uint64)
	for _, t := range s.Tracks() {
		ssrcTimebases[t.SSRC] = t.Timebase
	}

	srtp := srtpnode.New(b.newNodeID(), logger)
	ice := icenode.New(b.newNodeID(), sessionID, b.icePort, logger)

	dtls := dtlsnode.New(b.newNodeID(), b.cert, func(material dtlsnode.KeyingMaterial) {
		if err := srtp.SetKeys(material.LocalKey, material.LocalSalt, material.RemoteKey, material.RemoteSalt); err != nil {
			logger.Warn("session_factory: install SRTP keys failed", "error", err)
		}
	}, logger)

	rtp := rtprtcp.New(b.newNodeID(), nil, ssrcTimebases, b.srPolicy, logger)

	wireChain(rtp, srtp, dtls, ice)

	sess := session.New(sessionID, s, session.Chain{Top: rtp, Bottom: node.Node(ice)}, b.icePort, b.onFailed, logger)
	rtp.SetSession(sess)

	if err := sess.AttachSDP(offer, answer); err != nil {
		return nil, fmt.Errorf("session_factory: attach sdp: %w", err)
	}

	if err := b.icePort.AddSession(sessionID, localUfrag, remoteUfrag, remotePasswd, sess); err != nil {
		return nil, fmt.Errorf("session_factory: register with ice port: %w", err)
	}

	s.AddSession(sess)

	if err := sess.Start(); err != nil {
		b.icePort.RemoveSession(sessionID)
		s.RemoveSession(sessionID)
		return nil, fmt.Errorf("session_factory: start session: %w", err)
	}

	return sess, nil
}

// wireChain links the four SessionNodes top to bottom: RtpRtcp -> SRTP ->
// DTLS -> ICE, matching spec §4.1's pipeline order.
func wireChain(rtp *rtprtcp.RtpRtcp, srtp *srtpnode.Node, dtls *dtlsnode.Node, ice *icenode.Node) {
	rtp.SetLowerNode(srtp)
	srtp.SetUpperNode(rtp)
	srtp.SetLowerNode(dtls)
	dtls.SetUpperNode(srtp)
	dtls.SetLowerNode(ice)
	ice.SetUpperNode(dtls)
}
