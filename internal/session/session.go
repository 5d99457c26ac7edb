// Package session implements the per-viewer Session described in spec
// §4.3: it owns an ordered SessionNode chain (RtpRtcp ↔ SRTP ↔ DTLS ↔
// ICE), mirrors ICE connectivity into a Negotiated/IceChecking/Connected/
// Streaming/Failed/Closed state machine, and applies expiry.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/streamforge/rtc-egress/internal/iceport"
	"github.com/streamforge/rtc-egress/internal/node"
	"github.com/streamforge/rtc-egress/internal/rtpdata"
)

// State is the typed mirror of the session's fsm.FSM string state, kept
// in sync via the "after_event" callback.
type State int

const (
	StateInit State = iota
	StateNegotiated
	StateIceChecking
	StateConnected
	StateStreaming
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateNegotiated:
		return "negotiated"
	case StateIceChecking:
		return "ice_checking"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StreamRef is the narrow, non-owning back-reference a Session holds to
// its owning Stream, used only to report removal on teardown.
type StreamRef interface {
	RemoveSession(sessionID uint64)
}

// Chain bundles the four SessionNodes a Session owns, top to bottom.
// Session only ever talks to Top (SendOutgoingData / Stop propagate down
// the embedded upper/lower links) and Bottom (to route inbound data and
// to deregister from the ICE port).
type Chain struct {
	Top    RtpRtcpNode
	Bottom node.Node
}

// RtpRtcpNode is the subset of *rtprtcp.RtpRtcp a Session drives directly;
// named narrowly here to avoid importing the rtprtcp package just for its
// concrete type.
type RtpRtcpNode interface {
	node.Node
	SendOutgoingData(pkt *rtpdata.RtpPacket) error
}

// Session is one viewer's egress pipeline plus its connectivity state
// machine.
type Session struct {
	id     uint64
	stream StreamRef
	logger *slog.Logger

	chain Chain

	offerSDP  string
	answerSDP string

	expiryEpoch atomic.Int64

	mu       sync.RWMutex
	fsmImpl  *fsm.FSM
	state    State
	stopOnce sync.Once
	icePort  *iceport.Port
	onFailed func(sessionID uint64)
}

// New constructs a Session in state Init, with its node chain already
// wired (SetUpperNode/SetLowerNode called by the caller before Start).
// onFailed, if non-nil, is invoked when ICE reports Failed/Disconnected/
// Closed so the Publisher can post a teardown message rather than
// re-entering Stream/ICE locks from ICE callback context (spec §9).
func New(id uint64, stream StreamRef, chain Chain, icePort *iceport.Port, onFailed func(sessionID uint64), logger *slog.Logger) *Session {
	s := &Session{
		id:       id,
		stream:   stream,
		chain:    chain,
		icePort:  icePort,
		onFailed: onFailed,
		logger:   logger,
		state:    StateInit,
	}
	s.initFSM()
	return s
}

func (s *Session) initFSM() {
	s.fsmImpl = fsm.NewFSM(
		StateInit.String(),
		fsm.Events{
			{Name: "negotiate", Src: []string{StateInit.String()}, Dst: StateNegotiated.String()},
			{Name: "register_ice", Src: []string{StateNegotiated.String()}, Dst: StateIceChecking.String()},
			{Name: "ice_connected", Src: []string{StateIceChecking.String()}, Dst: StateConnected.String()},
			{Name: "first_rtp", Src: []string{StateConnected.String()}, Dst: StateStreaming.String()},
			{Name: "ice_failed", Src: []string{StateIceChecking.String(), StateConnected.String(), StateStreaming.String()}, Dst: StateFailed.String()},
			{Name: "expired", Src: []string{StateIceChecking.String(), StateConnected.String(), StateStreaming.String()}, Dst: StateFailed.String()},
			{Name: "close", Src: []string{
				StateInit.String(), StateNegotiated.String(), StateIceChecking.String(),
				StateConnected.String(), StateStreaming.String(), StateFailed.String(),
			}, Dst: StateClosed.String()},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.state = parseState(e.Dst)
			},
		},
	)
}

func parseState(str string) State {
	for _, st := range []State{StateInit, StateNegotiated, StateIceChecking, StateConnected, StateStreaming, StateFailed, StateClosed} {
		if st.String() == str {
			return st
		}
	}
	return StateInit
}

// ID returns the session's stable, monotonically-allocated identifier.
func (s *Session) ID() uint64 { return s.id }

// GetState returns the session's current connectivity/lifecycle state.
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// AttachSDP transitions Init -> Negotiated once both offer and answer are
// available.
func (s *Session) AttachSDP(offer, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offerSDP, s.answerSDP = offer, answer
	return s.fsmImpl.Event(context.Background(), "negotiate")
}

// Start transitions Negotiated -> IceChecking and starts the node chain
// bottom-up so each node's lower link is Started before it is asked to
// send through it.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fsmImpl.Event(context.Background(), "register_ice"); err != nil {
		return fmt.Errorf("session: register_ice: %w", err)
	}

	for n := bottomOf(s.chain.Top); n != nil; n = n.UpperNode() {
		if err := n.Start(); err != nil {
			return fmt.Errorf("session: starting node %s: %w", n.NodeType(), err)
		}
	}
	return nil
}

func bottomOf(top node.Node) node.Node {
	n := top
	for n.LowerNode() != nil {
		n = n.LowerNode()
	}
	return n
}

// Stop is idempotent and safe to call from any goroutine. It clears the
// ICE port registration first, then stops the chain top-down, mirroring
// RtpRtcp.Stop's "clear the back-reference before lower teardown"
// ordering at the Session level (spec §9).
func (s *Session) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.icePort != nil {
			s.icePort.RemoveSession(s.id)
		}
		if s.stream != nil {
			s.stream.RemoveSession(s.id)
		}

		s.mu.Lock()
		err = s.fsmImpl.Event(context.Background(), "close")
		s.mu.Unlock()

		for n := node.Node(s.chain.Top); n != nil; {
			next := n.LowerNode()
			_ = n.Stop()
			n = next
		}
	})
	return err
}

// ReceiveFromLower is called when the bottom of the chain (ICE) has
// decrypted data to hand up; it is the entry point spec §4.3 names
// explicitly, implemented by delegating to the chain's bottom node.
func (s *Session) ReceiveFromLower(payload []byte) error {
	s.mu.RLock()
	bottom := s.chain.Bottom
	s.mu.RUnlock()

	if bottom == nil {
		return nil
	}
	return bottom.OnDataReceived(node.TypeIce, payload)
}

// SendMedia is Stream's entry point for handing an immutable RTP packet
// to this Session's pipeline top. The first successful send transitions
// Connected -> Streaming.
func (s *Session) SendMedia(pkt *rtpdata.RtpPacket) error {
	s.mu.Lock()
	if s.state == StateConnected {
		_ = s.fsmImpl.Event(context.Background(), "first_rtp")
	}
	top := s.chain.Top
	s.mu.Unlock()

	if top == nil {
		return fmt.Errorf("session: no chain attached")
	}
	return top.SendOutgoingData(pkt)
}

// SetExpiry records an absolute expiry epoch (seconds); 0 disables
// expiry. Enforcement is the owning Publisher's responsibility on its
// periodic maintenance tick (spec §4.3).
func (s *Session) SetExpiry(epochSeconds int64) {
	s.expiryEpoch.Store(epochSeconds)
}

// ExpiryBreached reports whether the session's expiry has passed as of
// now. Returns false when expiry is disabled (epoch <= 0).
func (s *Session) ExpiryBreached(now time.Time) bool {
	epoch := s.expiryEpoch.Load()
	return epoch > 0 && now.Unix() >= epoch
}

// HandleStateChange implements iceport.Sink: it maps ICE connectivity
// transitions onto the session fsm. A transition into Failed notifies
// onFailed, if set, so the Publisher can post a teardown message instead
// of tearing the session down synchronously from ICE callback context.
func (s *Session) HandleStateChange(state iceport.ConnectionState) {
	s.mu.Lock()

	var event string
	switch state {
	case iceport.StateConnected, iceport.StateCompleted:
		event = "ice_connected"
	case iceport.StateFailed, iceport.StateDisconnected, iceport.StateClosed:
		event = "ice_failed"
	default:
		s.mu.Unlock()
		return
	}
	err := s.fsmImpl.Event(context.Background(), event)
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("session: ICE state event ignored", "event", event, "error", err)
		return
	}
	if event == "ice_failed" && s.onFailed != nil {
		s.onFailed(s.id)
	}
}

// HandleIncoming implements iceport.Sink: datagrams the shared ICE port
// demuxed for this session are handed to the bottom node.
func (s *Session) HandleIncoming(payload []byte) error {
	return s.ReceiveFromLower(payload)
}

// OnRtcpReceived implements rtprtcp.RtcpObserver: parsed inbound RTCP
// records arrive here from the top node. Placeholder for feedback-driven
// congestion/bitrate state (spec's REMB/NACK/PLI handling is out of
// scope per §1's Non-goals on transcoding and bitrate adaptation logic
// beyond OnGetBitrate's summary).
func (s *Session) OnRtcpReceived(compound *rtpdata.RtcpCompound) {
	s.logger.Debug("session: received RTCP compound", "session_id", s.id, "records", len(compound.Records))
}

// OfferSDP and AnswerSDP expose the negotiated descriptions as the
// Session received them.
func (s *Session) OfferSDP() string  { return s.offerSDP }
func (s *Session) AnswerSDP() string { return s.answerSDP }
