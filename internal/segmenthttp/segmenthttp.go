// Package segmenthttp serves the HTTP-segment egress side of a Stream:
// the current playlist string and individual segments by sequence
// number, read straight off a segment.Packetizer's rings (spec §4.6).
package segmenthttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/streamforge/rtc-egress/internal/segment"
)

// PacketizerLookup resolves the segment.Packetizer backing one
// vhost/app/name stream. originpull.Puller satisfies this narrow
// contract without segmenthttp importing it directly.
type PacketizerLookup interface {
	Packetizer(vhost, app, name string) *segment.Packetizer
}

// Server serves playlists and segments for every stream a
// PacketizerLookup knows about.
type Server struct {
	lookup     PacketizerLookup
	logger     *slog.Logger
	httpServer *http.Server
}

// New constructs a Server. Call ListenAndServe to start it.
func New(lookup PacketizerLookup, logger *slog.Logger) *Server {
	return &Server{lookup: lookup, logger: logger}
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSegmentRequest)
	return s.withLogging(s.withCORS(mux))
}

// ListenAndServe starts the server on addr in a background goroutine,
// returning once it is accepting connections or has failed immediately.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("segmenthttp: server error", "error", err)
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		s.logger.Info("segmenthttp: listening", "address", addr)
		return nil
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleSegmentRequest serves two URL shapes rooted at
// /{vhost}/{app}/{name}/:
//
//	playlist.m3u8             the current playlist string
//	segment/{track}/{seq}     one segment's raw bytes, track "video" or "audio"
func (s *Server) handleSegmentRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 {
		http.NotFound(w, r)
		return
	}
	vhost, app, name, rest := parts[0], parts[1], parts[2], parts[3:]

	packetizer := s.lookup.Packetizer(vhost, app, name)
	if packetizer == nil {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(rest) == 1 && rest[0] == "playlist.m3u8":
		s.servePlaylist(w, packetizer)
	case len(rest) == 3 && rest[0] == "segment":
		s.serveSegment(w, r, packetizer, rest[1], rest[2])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) servePlaylist(w http.ResponseWriter, p *segment.Packetizer) {
	playlist, ready := p.GetPlayList()
	if !ready {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	_, _ = w.Write([]byte(playlist))
}

func (s *Server) serveSegment(w http.ResponseWriter, r *http.Request, p *segment.Packetizer, track, seqParam string) {
	var t *segment.Track
	switch track {
	case "video":
		t = p.Video
	case "audio":
		t = p.Audio
	default:
		http.NotFound(w, r)
		return
	}

	seq, err := strconv.ParseUint(seqParam, 10, 64)
	if err != nil {
		http.Error(w, "invalid segment sequence", http.StatusBadRequest)
		return
	}

	item, ok := t.Item(seq)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(item.Bytes)))
	_, _ = w.Write(item.Bytes)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("segmenthttp: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
