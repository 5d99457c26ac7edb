package segmenthttp

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streamforge/rtc-egress/internal/segment"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

type fakeLookup map[string]*segment.Packetizer

func (f fakeLookup) Packetizer(vhost, app, name string) *segment.Packetizer {
	return f[vhost+"/"+app+"/"+name]
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Playlist_NotReadyReturns503(t *testing.T) {
	p := segment.NewPacketizer(3)
	lookup := fakeLookup{"default/app/cam1": p}

	s := New(lookup, discardLogger())
	rec := get(t, s.handler(), "/default/app/cam1/playlist.m3u8")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Playlist_ReadyReturnsPlaylistText(t *testing.T) {
	p := segment.NewPacketizer(1)
	p.AppendVideo(segment.NewSegmentItem(1, 1000, []byte("x")), func(p *segment.Packetizer) string {
		return "#EXTM3U\n"
	})
	lookup := fakeLookup{"default/app/cam1": p}

	s := New(lookup, discardLogger())
	rec := get(t, s.handler(), "/default/app/cam1/playlist.m3u8")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "#EXTM3U\n", rec.Body.String())
	require.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
}

func TestServer_Segment_ReturnsBytes(t *testing.T) {
	p := segment.NewPacketizer(1)
	p.AppendVideo(segment.NewSegmentItem(5, 1000, []byte("framedata")), nil)
	lookup := fakeLookup{"default/app/cam1": p}

	s := New(lookup, discardLogger())
	rec := get(t, s.handler(), "/default/app/cam1/segment/video/5")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "framedata", rec.Body.String())
}

func TestServer_Segment_UnknownSequenceIs404(t *testing.T) {
	p := segment.NewPacketizer(1)
	lookup := fakeLookup{"default/app/cam1": p}

	s := New(lookup, discardLogger())
	rec := get(t, s.handler(), "/default/app/cam1/segment/video/99")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_UnknownStreamIs404(t *testing.T) {
	s := New(fakeLookup{}, discardLogger())
	rec := get(t, s.handler(), "/default/app/missing/playlist.m3u8")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_BadTrackNameIs404(t *testing.T) {
	p := segment.NewPacketizer(1)
	lookup := fakeLookup{"default/app/cam1": p}

	s := New(lookup, discardLogger())
	rec := get(t, s.handler(), "/default/app/cam1/segment/bogus/1")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListenAndServe_ThenShutdown(t *testing.T) {
	s := New(fakeLookup{}, discardLogger())
	require.NoError(t, s.ListenAndServe("127.0.0.1:0"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
