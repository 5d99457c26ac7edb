// Package publisher implements the WebRTC egress Publisher described in
// spec §4.4: it owns the signalling surface and the shared ICE port,
// allocates Sessions on OnAddRemoteDescription, and runs a single-
// consumer message thread plus a 1Hz telemetry timer.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/streamforge/rtc-egress/internal/application"
	"github.com/streamforge/rtc-egress/internal/auth"
	"github.com/streamforge/rtc-egress/internal/iceport"
	"github.com/streamforge/rtc-egress/internal/sdputil"
	"github.com/streamforge/rtc-egress/internal/signaling"
	"github.com/streamforge/rtc-egress/internal/stream"
	"github.com/streamforge/rtc-egress/internal/telemetry"
)

// SessionHandle is the narrow view of internal/session.Session the
// publisher needs, kept as an interface so this package does not import
// session directly (session already imports iceport, and the publisher
// wires both together at construction).
type SessionHandle interface {
	ID() uint64
	Stop() error
	SetExpiry(epochSeconds int64)
	ExpiryBreached(now time.Time) bool
	OfferSDP() string
}

// SessionFactory builds a Session for a newly negotiated offer/answer
// pair and registers it with the Stream and ICE port. sessionID is the id
// allocated back in OnRequestOffer and echoed by the remote peer on its
// Answer, so the Session this factory builds must use it as its own ID
// rather than minting a fresh one (spec §4.4: the signalling session id and
// the SDP origin session id are the same value throughout a session's
// life). It is supplied by the composition root (cmd/egress) so publisher
// does not need to import node/session construction details.
type SessionFactory func(sessionID uint64, s *stream.Stream, offer, answer string, localUfrag, remoteUfrag, remotePasswd string) (SessionHandle, error)

// teardownReason tags why a session is being removed, for telemetry and
// logging.
type teardownReason string

const (
	reasonExplicitStop teardownReason = "stop"
	reasonExpiry       teardownReason = "expiry"
	reasonIceFailed    teardownReason = "ice_failed"
)

type teardownMessage struct {
	session SessionHandle
	stream  *stream.Stream
	reason  teardownReason
}

// Publisher is the WebRTC egress factory and session registry for one
// logical publishing endpoint.
type Publisher struct {
	name   string
	logger *slog.Logger

	icePort       *iceport.Port
	validator     *auth.Validator
	telemetry     *telemetry.Log
	factory       SessionFactory
	candidates    []string
	allowedCodecs map[string]struct{}

	appsMu sync.RWMutex
	apps   map[string]*application.Application

	sessionsMu sync.RWMutex
	sessions   map[uint64]sessionEntry

	pendingMu sync.Mutex
	pending   map[uint64]pendingOffer // sessionID -> offer state, from OnRequestOffer until consumed by OnAddRemoteDescription

	lastSessionID atomic.Uint64
	connected     telemetry.ConnectionCounter

	msgCh   chan teardownMessage
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type sessionEntry struct {
	handle SessionHandle
	stream *stream.Stream
}

// pendingOffer is what OnRequestOffer stashes for a session id until its
// answer arrives: the exact offer text handed to the remote peer and the
// local ICE short-term credentials embedded in it, so
// OnAddRemoteDescription registers the same credentials with the ICE
// port rather than inventing fresh ones (spec §4.4/§4.5).
type pendingOffer struct {
	sdp         string
	localUfrag  string
	localPasswd string
}

// New constructs a Publisher. It does not start any goroutines; call
// Start to bring up the ICE port, message thread, and telemetry timer.
// allowedCodecs is the codec-id allow-list OnGetBitrate sums against
// (spec §4.4: "video: VP8/H.264 configured; audio: Opus"); a nil or
// empty slice falls back to DefaultCodecs.
func New(name string, validator *auth.Validator, telemetryLog *telemetry.Log, factory SessionFactory, allowedCodecs []string, logger *slog.Logger) *Publisher {
	if len(allowedCodecs) == 0 {
		allowedCodecs = DefaultCodecs()
	}
	codecSet := make(map[string]struct{}, len(allowedCodecs))
	for _, c := range allowedCodecs {
		codecSet[c] = struct{}{}
	}

	return &Publisher{
		name:          name,
		logger:        logger,
		validator:     validator,
		telemetry:     telemetryLog,
		factory:       factory,
		allowedCodecs: codecSet,
		apps:          make(map[string]*application.Application),
		pending:       make(map[uint64]pendingOffer),
		sessions:      make(map[uint64]sessionEntry),
		msgCh:         make(chan teardownMessage, 256),
		limiter:       rate.NewLimiter(rate.Limit(200), 50),
	}
}

// DefaultCodecs is the codec allow-list used when New is not given one
// explicitly, matching the original's Vp8/Opus-only summary generalized
// per spec §4.4 to also admit H.264 video.
func DefaultCodecs() []string {
	return []string{"VP8", "H264", "OPUS"}
}

// Start brings up the shared ICE port, the message thread, and the 1Hz
// telemetry timer. candidates is the externally-reachable ICE candidate
// list (e.g. a NAT's public address) advertised in every Offer this
// Publisher issues; it may be empty when the bind address is itself
// reachable. On any failure it rolls back everything started so far and
// returns the error, per spec §7's Publisher.Start propagation policy.
func (p *Publisher) Start(iceBindAddr string, candidates []string) error {
	port, err := iceport.Listen(iceBindAddr, p.logger)
	if err != nil {
		return fmt.Errorf("publisher: start ICE port: %w", err)
	}
	p.icePort = port
	p.candidates = candidates
	p.logger.Info("ice port listening", "address", port.Addr().String())

	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.wg.Add(2)
	go p.messageThread()
	go p.telemetryTimer()

	return nil
}

// IcePort returns the shared ICE port, or nil before Start has run. The
// composition root uses this to finish wiring a SessionFactory that
// itself needs the port, since the port only exists once Start has
// created it.
func (p *Publisher) IcePort() *iceport.Port {
	return p.icePort
}

// Stop tears down the telemetry timer, message thread, and ICE port, and
// stops every currently registered session.
func (p *Publisher) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.sessionsMu.Lock()
	entries := make([]sessionEntry, 0, len(p.sessions))
	for _, e := range p.sessions {
		entries = append(entries, e)
	}
	p.sessions = make(map[uint64]sessionEntry)
	p.sessionsMu.Unlock()

	for _, e := range entries {
		_ = e.handle.Stop()
	}

	if p.icePort != nil {
		return p.icePort.Close()
	}
	return nil
}

// AddApplication registers an Application namespace.
func (p *Publisher) AddApplication(app *application.Application) {
	p.appsMu.Lock()
	defer p.appsMu.Unlock()
	p.apps[app.Vhost()+"/"+app.Name()] = app
}

func (p *Publisher) findApplication(vhost, app string) (*application.Application, bool) {
	p.appsMu.RLock()
	defer p.appsMu.RUnlock()
	a, ok := p.apps[vhost+"/"+app]
	return a, ok
}

// OnRequestOffer locates or pulls the named stream, waits up to 3000ms
// for it to become ready, allocates a fresh session id and ICE ufrag/
// password, and returns the offer fields the signalling layer relays to
// the remote peer (spec §4.4).
func (p *Publisher) OnRequestOffer(req signaling.RequestOffer) (*signaling.Offer, error) {
	app, ok := p.findApplication(req.Vhost, req.App)
	if !ok {
		return nil, fmt.Errorf("publisher: no application %s/%s", req.Vhost, req.App)
	}

	s, err := app.GetOrPullStream(req.Stream)
	if err != nil {
		return nil, err
	}

	if err := s.WaitUntilStart(3000 * time.Millisecond); err != nil {
		return nil, fmt.Errorf("publisher: %w", err)
	}

	sessionID := p.lastSessionID.Add(1)

	ufrag, err := p.icePort.GenerateUfrag()
	if err != nil {
		return nil, fmt.Errorf("publisher: generate ufrag: %w", err)
	}
	passwd := p.icePort.GeneratePassword()

	offerSDP, err := sdputil.RewriteOriginSessionID(s.SDP(), sessionID)
	if err != nil {
		return nil, fmt.Errorf("publisher: rewrite offer origin: %w", err)
	}
	offerSDP, err = sdputil.InjectIceCredentials(offerSDP, ufrag, passwd)
	if err != nil {
		return nil, fmt.Errorf("publisher: inject ice credentials: %w", err)
	}

	p.pendingMu.Lock()
	p.pending[sessionID] = pendingOffer{sdp: offerSDP, localUfrag: ufrag, localPasswd: passwd}
	p.pendingMu.Unlock()

	if p.telemetry != nil {
		p.telemetry.Request(req.Vhost, req.App, req.Stream, sessionID)
	}

	return &signaling.Offer{
		Type:       signaling.TypeRequestOffer,
		SessionID:  sessionID,
		SDP:        offerSDP,
		IceUfrag:   ufrag,
		Candidates: p.candidates,
	}, nil
}

// OnAddRemoteDescription validates the signed policy/token, then builds
// a Session via the configured factory and registers it with the Stream
// and ICE port. On any validation failure it returns without side
// effects (spec §4.4).
func (p *Publisher) OnAddRemoteDescription(req signaling.RequestOffer, ans signaling.Answer, now time.Time) (SessionHandle, error) {
	app, ok := p.findApplication(req.Vhost, req.App)
	if !ok {
		return nil, fmt.Errorf("publisher: no application %s/%s", req.Vhost, req.App)
	}
	s, err := app.GetOrPullStream(req.Stream)
	if err != nil {
		return nil, err
	}

	if ans.Policy != nil {
		outcome := p.validator.ValidateToken(auth.Policy{
			StreamName: ans.Policy.StreamName,
			Expire:     ans.Policy.Expire,
			Signature:  ans.Policy.Signature,
		}, req.Stream, now)
		if outcome == auth.Fail {
			return nil, fmt.Errorf("publisher: signed policy rejected")
		}
		if outcome == auth.Error {
			return nil, fmt.Errorf("publisher: malformed signed policy")
		}
	}

	p.pendingMu.Lock()
	pending, ok := p.pending[ans.SessionID]
	delete(p.pending, ans.SessionID)
	p.pendingMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("publisher: no pending offer for session %d", ans.SessionID)
	}

	remoteUfrag, remotePasswd, err := sdputil.ExtractIceCredentials(ans.SDP)
	if err != nil {
		return nil, fmt.Errorf("publisher: %w", err)
	}

	handle, err := p.factory(ans.SessionID, s, pending.sdp, ans.SDP, pending.localUfrag, remoteUfrag, remotePasswd)
	if err != nil {
		return nil, fmt.Errorf("publisher: create session: %w", err)
	}

	if ans.Policy != nil && ans.Policy.Expire > 0 {
		handle.SetExpiry(ans.Policy.Expire)
	}

	p.sessionsMu.Lock()
	p.sessions[handle.ID()] = sessionEntry{handle: handle, stream: s}
	p.sessionsMu.Unlock()

	p.connected.Inc()
	if p.telemetry != nil {
		p.telemetry.Session(telemetry.ActionCreateClientSession, req.Vhost, req.App, req.Stream, handle.ID())
	}

	return handle, nil
}

// OnIceCandidate is accepted but not required to act on: this side is
// server-reflexive/host only (spec §4.4).
func (p *Publisher) OnIceCandidate(candidate signaling.Candidate) error {
	return nil
}

// OnStopCommand posts a teardown message for the named session instead
// of stopping it inline, so the ICE/Stream lock order never inverts
// (spec §4.4, §9).
func (p *Publisher) OnStopCommand(stop signaling.Stop) error {
	p.sessionsMu.RLock()
	entry, ok := p.sessions[stop.SessionID]
	p.sessionsMu.RUnlock()
	if !ok {
		return fmt.Errorf("publisher: no session %d", stop.SessionID)
	}

	return p.postTeardown(teardownMessage{session: entry.handle, stream: entry.stream, reason: reasonExplicitStop})
}

// DisconnectSession posts an ICE-failure teardown for sessionID; called
// from the ICE port's state-change delivery, never inline (spec §9's
// "message passing vs callbacks" note).
func (p *Publisher) DisconnectSession(sessionID uint64) {
	p.sessionsMu.RLock()
	entry, ok := p.sessions[sessionID]
	p.sessionsMu.RUnlock()
	if !ok {
		return
	}
	_ = p.postTeardown(teardownMessage{session: entry.handle, stream: entry.stream, reason: reasonIceFailed})
}

func (p *Publisher) postTeardown(msg teardownMessage) error {
	select {
	case p.msgCh <- msg:
		return nil
	default:
		return fmt.Errorf("publisher: message thread queue full")
	}
}

// messageThread is the single-consumer worker draining teardown
// requests through a rate-limited single-worker command queue.
func (p *Publisher) messageThread() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.msgCh:
			_ = p.limiter.Wait(p.ctx)
			p.handleTeardown(msg)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Publisher) handleTeardown(msg teardownMessage) {
	p.sessionsMu.Lock()
	delete(p.sessions, msg.session.ID())
	p.sessionsMu.Unlock()

	if msg.stream != nil {
		msg.stream.RemoveSession(msg.session.ID())
	}
	if p.icePort != nil {
		p.icePort.RemoveSession(msg.session.ID())
	}

	p.connected.Dec()
	if p.telemetry != nil {
		p.telemetry.Session(telemetry.ActionDeleteClientSession, "", "", "", msg.session.ID())
	}

	_ = msg.session.Stop()
	p.logger.Debug("publisher: session torn down", "session_id", msg.session.ID(), "reason", msg.reason)
}

// telemetryTimer emits CONN_COUNT once per second (spec §4.4, §5) and
// sweeps for expired sessions, since expiry enforcement piggybacks on
// the same periodic maintenance tick (spec §4.3). Alongside the
// publisher-wide total it emits one per-stream live-viewer gauge line,
// the supplemented feature recovered from the original's live/playback
// CONN_COUNT split (SPEC_FULL.md §4).
func (p *Publisher) telemetryTimer() {
	defer p.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if p.telemetry != nil {
				p.telemetry.ConnCount(p.name, p.connected.Load())
				for streamName, count := range p.streamCounts() {
					p.telemetry.StreamConnCount(streamName, count)
				}
			}
			p.sweepExpired(time.Now())
		case <-p.ctx.Done():
			return
		}
	}
}

// streamCounts tallies the number of currently registered sessions per
// stream name, for the per-stream telemetry gauge.
func (p *Publisher) streamCounts() map[string]int64 {
	p.sessionsMu.RLock()
	defer p.sessionsMu.RUnlock()

	counts := make(map[string]int64, len(p.sessions))
	for _, e := range p.sessions {
		if e.stream == nil {
			continue
		}
		counts[e.stream.Name()]++
	}
	return counts
}

func (p *Publisher) sweepExpired(now time.Time) {
	p.sessionsMu.RLock()
	var expired []sessionEntry
	for _, e := range p.sessions {
		if e.handle.ExpiryBreached(now) {
			expired = append(expired, e)
		}
	}
	p.sessionsMu.RUnlock()

	for _, e := range expired {
		_ = p.postTeardown(teardownMessage{session: e.handle, stream: e.stream, reason: reasonExpiry})
	}
}

// OnGetBitrate sums the bitrate of the requested session's stream's
// tracks, restricted to the codecs in allowedCodecs, per spec §4.4's
// OnGetBitrate semantics grounded on the original source's Vp8/Opus-only
// summary (generalized here to also admit H.264, per DefaultCodecs). An
// unknown session id returns a zero bitrate rather than an error, since
// the caller has no recourse beyond logging it.
func (p *Publisher) OnGetBitrate(req signaling.BitrateRequest) signaling.BitrateResponse {
	p.sessionsMu.RLock()
	entry, ok := p.sessions[req.SessionID]
	p.sessionsMu.RUnlock()

	var total uint32
	if ok && entry.stream != nil {
		for _, track := range entry.stream.Tracks() {
			if _, allowed := p.allowedCodecs[track.CodecID]; allowed {
				total += track.Bitrate
			}
		}
	}

	return signaling.BitrateResponse{
		Type:          signaling.TypeBitrateRequest,
		SessionID:     req.SessionID,
		BitsPerSecond: total,
	}
}

// ConnectedSessions returns the current connected-session gauge, for
// diagnostics.
func (p *Publisher) ConnectedSessions() int64 {
	return p.connected.Load()
}
