package publisher

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamforge/rtc-egress/internal/application"
	"github.com/streamforge/rtc-egress/internal/auth"
	"github.com/streamforge/rtc-egress/internal/sdputil"
	"github.com/streamforge/rtc-egress/internal/signaling"
	"github.com/streamforge/rtc-egress/internal/stream"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

const baseSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=ice-ufrag:placeholder\r\n" +
	"a=ice-pwd:placeholderpassword1234\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=ice-ufrag:placeholder\r\n" +
	"a=ice-pwd:placeholderpassword1234\r\n"

type fakeHandle struct {
	id          uint64
	stopped     atomic.Bool
	expiry      atomic.Int64
	offer       string
}

func (f *fakeHandle) ID() uint64 { return f.id }
func (f *fakeHandle) Stop() error {
	f.stopped.Store(true)
	return nil
}
func (f *fakeHandle) SetExpiry(epoch int64)               { f.expiry.Store(epoch) }
func (f *fakeHandle) ExpiryBreached(now time.Time) bool    { e := f.expiry.Load(); return e > 0 && now.Unix() >= e }
func (f *fakeHandle) OfferSDP() string                     { return f.offer }

type fakeFactory struct {
	mu      sync.Mutex
	built   []*fakeHandle
	nextErr error
}

func (f *fakeFactory) build(sessionID uint64, s *stream.Stream, offer, answer, localUfrag, remoteUfrag, remotePasswd string) (SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	h := &fakeHandle{id: sessionID, offer: offer}
	f.built = append(f.built, h)
	return h, nil
}

func readyStream(name string) *stream.Stream {
	s := stream.New("live", "app", name, discardLogger())
	s.SetSDP(baseSDP)
	s.MarkReady()
	return s
}

func newTestPublisher(t *testing.T, factory *fakeFactory) (*Publisher, *application.Application) {
	t.Helper()
	validator := auth.NewValidator("")
	pub := New("test-publisher", validator, nil, factory.build, nil, discardLogger())
	require.NoError(t, pub.Start("127.0.0.1:0", nil))
	t.Cleanup(func() { _ = pub.Stop() })

	app := application.New("live", "app", nil, discardLogger())
	pub.AddApplication(app)
	return pub, app
}

func TestPublisher_OnRequestOffer_UnknownApplicationIsAnError(t *testing.T) {
	pub, _ := newTestPublisher(t, &fakeFactory{})
	_, err := pub.OnRequestOffer(signaling.RequestOffer{Vhost: "nope", App: "nope", Stream: "s"})
	require.Error(t, err)
}

func TestPublisher_OnRequestOffer_UnknownStreamIsAnError(t *testing.T) {
	pub, _ := newTestPublisher(t, &fakeFactory{})
	_, err := pub.OnRequestOffer(signaling.RequestOffer{Vhost: "live", App: "app", Stream: "missing"})
	require.Error(t, err)
}

func TestPublisher_OnRequestOffer_ReturnsOfferWithInjectedCredentials(t *testing.T) {
	pub, app := newTestPublisher(t, &fakeFactory{})
	app.AddStream(readyStream("s1"))

	offer, err := pub.OnRequestOffer(signaling.RequestOffer{Vhost: "live", App: "app", Stream: "s1"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), offer.SessionID)
	require.NotEmpty(t, offer.IceUfrag)
	require.NotContains(t, offer.SDP, "placeholder")

	ufrag, _, err := sdputil.ExtractIceCredentials(offer.SDP)
	require.NoError(t, err)
	require.Equal(t, offer.IceUfrag, ufrag)
}

func TestPublisher_OnRequestOffer_SessionIDsAreMonotonic(t *testing.T) {
	pub, app := newTestPublisher(t, &fakeFactory{})
	app.AddStream(readyStream("s1"))

	first, err := pub.OnRequestOffer(signaling.RequestOffer{Vhost: "live", App: "app", Stream: "s1"})
	require.NoError(t, err)
	second, err := pub.OnRequestOffer(signaling.RequestOffer{Vhost: "live", App: "app", Stream: "s1"})
	require.NoError(t, err)

	require.Equal(t, first.SessionID+1, second.SessionID)
}

func answerFor(t *testing.T, sessionID uint64, remoteUfrag, remotePasswd string) signaling.Answer {
	t.Helper()
	sdp, err := sdputil.InjectIceCredentials(baseSDP, remoteUfrag, remotePasswd)
	require.NoError(t, err)
	return signaling.Answer{Type: signaling.TypeAnswer, SessionID: sessionID, SDP: sdp}
}

func TestPublisher_OnAddRemoteDescription_NoPendingOfferIsAnError(t *testing.T) {
	pub, app := newTestPublisher(t, &fakeFactory{})
	app.AddStream(readyStream("s1"))

	req := signaling.RequestOffer{Vhost: "live", App: "app", Stream: "s1"}
	_, err := pub.OnAddRemoteDescription(req, answerFor(t, 999, "remoteufrag", "remotepassword12345678"), time.Now())
	require.Error(t, err)
}

func TestPublisher_OnAddRemoteDescription_BuildsSessionWithExtractedCredentials(t *testing.T) {
	factory := &fakeFactory{}
	pub, app := newTestPublisher(t, factory)
	app.AddStream(readyStream("s1"))

	req := signaling.RequestOffer{Vhost: "live", App: "app", Stream: "s1"}
	offer, err := pub.OnRequestOffer(req)
	require.NoError(t, err)

	ans := answerFor(t, offer.SessionID, "remoteufrag", "remotepassword12345678")
	handle, err := pub.OnAddRemoteDescription(req, ans, time.Now())
	require.NoError(t, err)
	require.Equal(t, offer.SessionID, handle.ID())

	require.Len(t, factory.built, 1)
	require.Equal(t, int64(1), pub.ConnectedSessions())
}

func TestPublisher_OnAddRemoteDescription_RejectsInvalidSignedPolicy(t *testing.T) {
	validator := auth.NewValidator("supersecret")
	factory := &fakeFactory{}
	pub := New("p", validator, nil, factory.build, nil, discardLogger())
	require.NoError(t, pub.Start("127.0.0.1:0", nil))
	t.Cleanup(func() { _ = pub.Stop() })

	app := application.New("live", "app", nil, discardLogger())
	app.AddStream(readyStream("s1"))
	pub.AddApplication(app)

	req := signaling.RequestOffer{Vhost: "live", App: "app", Stream: "s1"}
	offer, err := pub.OnRequestOffer(req)
	require.NoError(t, err)

	ans := answerFor(t, offer.SessionID, "remoteufrag", "remotepassword12345678")
	ans.Policy = &signaling.SignedPolicy{StreamName: "s1", Expire: time.Now().Add(time.Hour).Unix(), Signature: "wrong"}

	_, err = pub.OnAddRemoteDescription(req, ans, time.Now())
	require.Error(t, err)
	require.Empty(t, factory.built)
}

func TestPublisher_OnStopCommand_UnknownSessionIsAnError(t *testing.T) {
	pub, _ := newTestPublisher(t, &fakeFactory{})
	err := pub.OnStopCommand(signaling.Stop{SessionID: 404})
	require.Error(t, err)
}

func TestPublisher_OnStopCommand_TearsDownSessionEventually(t *testing.T) {
	factory := &fakeFactory{}
	pub, app := newTestPublisher(t, factory)
	app.AddStream(readyStream("s1"))

	req := signaling.RequestOffer{Vhost: "live", App: "app", Stream: "s1"}
	offer, err := pub.OnRequestOffer(req)
	require.NoError(t, err)
	ans := answerFor(t, offer.SessionID, "remoteufrag", "remotepassword12345678")
	handle, err := pub.OnAddRemoteDescription(req, ans, time.Now())
	require.NoError(t, err)

	require.NoError(t, pub.OnStopCommand(signaling.Stop{SessionID: handle.ID()}))

	fh := factory.built[0]
	require.Eventually(t, func() bool { return fh.stopped.Load() }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(0), pub.ConnectedSessions())
}

func TestPublisher_DisconnectSession_UnknownSessionIsNoop(t *testing.T) {
	pub, _ := newTestPublisher(t, &fakeFactory{})
	pub.DisconnectSession(404)
}

func TestPublisher_OnIceCandidate_AlwaysSucceeds(t *testing.T) {
	pub, _ := newTestPublisher(t, &fakeFactory{})
	require.NoError(t, pub.OnIceCandidate(signaling.Candidate{SessionID: 1, Candidate: "candidate:1 1 udp 1 1.2.3.4 5 typ host"}))
}

func TestPublisher_OnGetBitrate_SumsOnlyAllowedCodecs(t *testing.T) {
	factory := &fakeFactory{}
	pub, app := newTestPublisher(t, factory)
	s := readyStream("s1")
	s.AddTrack("video", &stream.Track{CodecID: "VP8", Bitrate: 1000})
	s.AddTrack("audio", &stream.Track{CodecID: "OPUS", Bitrate: 500})
	s.AddTrack("data", &stream.Track{CodecID: "H265", Bitrate: 9000})
	app.AddStream(s)

	req := signaling.RequestOffer{Vhost: "live", App: "app", Stream: "s1"}
	offer, err := pub.OnRequestOffer(req)
	require.NoError(t, err)
	ans := answerFor(t, offer.SessionID, "remoteufrag", "remotepassword12345678")
	handle, err := pub.OnAddRemoteDescription(req, ans, time.Now())
	require.NoError(t, err)

	resp := pub.OnGetBitrate(signaling.BitrateRequest{SessionID: handle.ID()})
	require.Equal(t, uint32(1500), resp.BitsPerSecond)
	require.Equal(t, handle.ID(), resp.SessionID)
}

func TestPublisher_OnGetBitrate_UnknownSessionIsZero(t *testing.T) {
	pub, _ := newTestPublisher(t, &fakeFactory{})
	resp := pub.OnGetBitrate(signaling.BitrateRequest{SessionID: 404})
	require.Equal(t, uint32(0), resp.BitsPerSecond)
}

func TestPublisher_OnAddRemoteDescription_SetsExpiryFromSignedPolicy(t *testing.T) {
	factory := &fakeFactory{}
	pub, app := newTestPublisher(t, factory)
	app.AddStream(readyStream("s1"))

	req := signaling.RequestOffer{Vhost: "live", App: "app", Stream: "s1"}
	offer, err := pub.OnRequestOffer(req)
	require.NoError(t, err)

	ans := answerFor(t, offer.SessionID, "remoteufrag", "remotepassword12345678")
	expire := time.Now().Add(2 * time.Second).Unix()
	ans.Policy = &signaling.SignedPolicy{StreamName: "s1", Expire: expire}

	handle, err := pub.OnAddRemoteDescription(req, ans, time.Now())
	require.NoError(t, err)

	fh := factory.built[0]
	require.Equal(t, handle.ID(), fh.id)
	require.Equal(t, expire, fh.expiry.Load())
	require.True(t, fh.ExpiryBreached(time.Unix(expire+1, 0)))
}

func TestPublisher_StreamCounts_GroupsSessionsByStreamName(t *testing.T) {
	factory := &fakeFactory{}
	pub, app := newTestPublisher(t, factory)
	app.AddStream(readyStream("s1"))
	app.AddStream(readyStream("s2"))

	for _, name := range []string{"s1", "s1", "s2"} {
		req := signaling.RequestOffer{Vhost: "live", App: "app", Stream: name}
		offer, err := pub.OnRequestOffer(req)
		require.NoError(t, err)
		ans := answerFor(t, offer.SessionID, fmt.Sprintf("ufrag%d", offer.SessionID), "remotepassword12345678")
		_, err = pub.OnAddRemoteDescription(req, ans, time.Now())
		require.NoError(t, err)
	}

	counts := pub.streamCounts()
	require.Equal(t, int64(2), counts["s1"])
	require.Equal(t, int64(1), counts["s2"])
}

func TestPublisher_OnAddRemoteDescription_FactoryErrorPropagates(t *testing.T) {
	factory := &fakeFactory{nextErr: fmt.Errorf("boom")}
	pub, app := newTestPublisher(t, factory)
	app.AddStream(readyStream("s1"))

	req := signaling.RequestOffer{Vhost: "live", App: "app", Stream: "s1"}
	offer, err := pub.OnRequestOffer(req)
	require.NoError(t, err)

	ans := answerFor(t, offer.SessionID, "remoteufrag", "remotepassword12345678")
	_, err = pub.OnAddRemoteDescription(req, ans, time.Now())
	require.Error(t, err)
}
