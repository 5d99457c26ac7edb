// Package stream implements the per-media-source Stream described in
// spec §4 overview and §3's data model: it owns Tracks and the canonical
// SDP, fans immutable RTP packets out to subscribed Sessions, and tracks
// readiness for viewers that attach before the first keyframe arrives.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamforge/rtc-egress/internal/rtpdata"
)

// Track is one egress track's immutable parameters, fixed once the
// stream starts (spec §3).
type Track struct {
	CodecID  string
	Timebase uint64
	Bitrate  uint32
	SSRC     uint32
}

// MediaSession is the narrow contract Stream needs from a Session: a
// place to fan out RTP and a stable identifier for set membership.
type MediaSession interface {
	ID() uint64
	SendMedia(pkt *rtpdata.RtpPacket) error
}

// Stream owns a set of Tracks, the canonical SDP, and the set of
// currently subscribed Sessions. A Session's Stream reference must stay
// valid for the Session's whole lifetime; RemoveSession must be called
// before the Stream itself is released (spec §3 invariant).
type Stream struct {
	logger *slog.Logger

	vhost, app, name string

	tracksMu sync.RWMutex
	tracks   map[string]*Track

	sdpMu sync.RWMutex
	sdp   string

	sessionsMu sync.RWMutex
	sessions   map[uint64]MediaSession

	readyMu  sync.Mutex
	ready    bool
	readyCh  chan struct{}
}

// New constructs an empty, not-yet-ready Stream.
func New(vhost, app, name string, logger *slog.Logger) *Stream {
	return &Stream{
		logger:   logger,
		vhost:    vhost,
		app:      app,
		name:     name,
		tracks:   make(map[string]*Track),
		sessions: make(map[uint64]MediaSession),
		readyCh:  make(chan struct{}),
	}
}

// Name, Vhost, App expose the stream's identity for routing.
func (s *Stream) Name() string  { return s.name }
func (s *Stream) Vhost() string { return s.vhost }
func (s *Stream) App() string   { return s.app }

// AddTrack registers an encoded track under id.
func (s *Stream) AddTrack(id string, t *Track) {
	s.tracksMu.Lock()
	defer s.tracksMu.Unlock()
	s.tracks[id] = t
}

// Track returns the track registered under id, if any.
func (s *Stream) Track(id string) (*Track, bool) {
	s.tracksMu.RLock()
	defer s.tracksMu.RUnlock()
	t, ok := s.tracks[id]
	return t, ok
}

// Tracks returns a snapshot of every registered track, keyed by id, so a
// Session factory can derive per-SSRC RTCP timebases without reaching into
// Stream's internal map.
func (s *Stream) Tracks() map[string]*Track {
	s.tracksMu.RLock()
	defer s.tracksMu.RUnlock()
	out := make(map[string]*Track, len(s.tracks))
	for id, t := range s.tracks {
		out[id] = t
	}
	return out
}

// SetSDP stores the canonical SDP offer for this stream.
func (s *Stream) SetSDP(sdp string) {
	s.sdpMu.Lock()
	defer s.sdpMu.Unlock()
	s.sdp = sdp
}

// SDP returns a copy of the canonical SDP offer.
func (s *Stream) SDP() string {
	s.sdpMu.RLock()
	defer s.sdpMu.RUnlock()
	return s.sdp
}

// MarkReady latches stream-ready (first keyframe and codec parameters
// available) and releases any goroutine blocked in WaitUntilStart. It is
// a one-shot notifier, per spec §9's "blocking-wait-with-timeout for
// stream readiness" design note, replacing busy-waiting.
func (s *Stream) MarkReady() {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if s.ready {
		return
	}
	s.ready = true
	close(s.readyCh)
}

// IsReady reports whether MarkReady has been called.
func (s *Stream) IsReady() bool {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	return s.ready
}

// WaitUntilStart blocks until the stream becomes ready or the timeout
// elapses, returning an error in the latter case. Publisher.OnRequestOffer
// calls this with a 3000ms budget (spec §4.4).
func (s *Stream) WaitUntilStart(timeout time.Duration) error {
	if s.IsReady() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stream: %s/%s/%s not ready after %s", s.vhost, s.app, s.name, timeout)
	}
}

// AddSession registers sess as a subscriber; it will receive every
// subsequent PublishRTP call.
func (s *Stream) AddSession(sess MediaSession) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[sess.ID()] = sess
}

// RemoveSession unregisters a session. Safe to call repeatedly, including
// for a session never added or already removed.
func (s *Stream) RemoveSession(sessionID uint64) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, sessionID)
}

// SessionCount returns the number of currently subscribed sessions, for
// telemetry.
func (s *Stream) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// PublishRTP hands one immutable RTP packet to every subscribed Session's
// pipeline top. A per-session send failure is logged and does not stop
// fan-out to the remaining sessions.
func (s *Stream) PublishRTP(pkt *rtpdata.RtpPacket) {
	s.sessionsMu.RLock()
	targets := make([]MediaSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.sessionsMu.RUnlock()

	for _, sess := range targets {
		if err := sess.SendMedia(pkt); err != nil {
			s.logger.Debug("stream: session send failed", "session_id", sess.ID(), "error", err)
		}
	}
}
