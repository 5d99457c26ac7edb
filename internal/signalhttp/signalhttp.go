// Package signalhttp exposes the Publisher's signalling contract (spec
// §4.4/§6) over plain JSON-over-HTTP. The actual handshake transport is
// an external collaborator (spec §1): this server is one reasonable
// binding, not a specified wire protocol, using a plain
// http.ServeMux + middleware style rather than a framework.
package signalhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/streamforge/rtc-egress/internal/publisher"
	"github.com/streamforge/rtc-egress/internal/signaling"
)

// Server binds Publisher operations to HTTP handlers.
type Server struct {
	pub    Publisher
	logger *slog.Logger

	plain *http.Server
	tls   *http.Server
}

// Publisher is the narrow surface signalhttp drives; kept as an
// interface so this package does not need the concrete *publisher.Publisher
// type for its own tests.
type Publisher interface {
	OnRequestOffer(req signaling.RequestOffer) (*signaling.Offer, error)
	OnAddRemoteDescription(req signaling.RequestOffer, ans signaling.Answer, now time.Time) (publisher.SessionHandle, error)
	OnIceCandidate(candidate signaling.Candidate) error
	OnStopCommand(stop signaling.Stop) error
	OnGetBitrate(req signaling.BitrateRequest) signaling.BitrateResponse
}

// New constructs a signalling Server. It does not bind any sockets until
// ListenAndServe/ListenAndServeTLS is called.
func New(pub Publisher, logger *slog.Logger) *Server {
	return &Server{pub: pub, logger: logger}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/offer", s.handleOffer)
	mux.HandleFunc("/answer", s.handleAnswer)
	mux.HandleFunc("/candidate", s.handleCandidate)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/bitrate", s.handleBitrate)
	return mux
}

func (s *Server) handler() http.Handler {
	return s.withLogging(s.mux())
}

// ListenAndServe starts the plaintext signalling listener on addr. It
// returns once the server has either failed to bind or is accepting
// connections.
func (s *Server) ListenAndServe(addr string) error {
	s.plain = &http.Server{
		Addr:              addr,
		Handler:           s.handler(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.serve(s.plain, "")
}

// ListenAndServeTLS starts the TLS signalling listener on addr using the
// given certificate/key files.
func (s *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	s.tls = &http.Server{
		Addr:              addr,
		Handler:           s.handler(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.serveTLS(s.tls, certFile, keyFile)
}

func (s *Server) serve(srv *http.Server, _ string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		s.logger.Info("signalhttp: plain listener started", "address", srv.Addr)
		return nil
	}
}

func (s *Server) serveTLS(srv *http.Server, certFile, keyFile string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServeTLS(certFile, keyFile); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		s.logger.Info("signalhttp: tls listener started", "address", srv.Addr)
		return nil
	}
}

// Shutdown gracefully stops whichever listeners were started.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.plain != nil {
		if err := s.plain.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.tls != nil {
		if err := s.tls.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req signaling.RequestOffer
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	offer, err := s.pub.OnRequestOffer(req)
	if err != nil {
		s.logger.Warn("signalhttp: OnRequestOffer failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, offer)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Request signaling.RequestOffer `json:"request"`
		Answer  signaling.Answer      `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	handle, err := s.pub.OnAddRemoteDescription(body.Request, body.Answer, time.Now())
	if err != nil {
		s.logger.Warn("signalhttp: OnAddRemoteDescription failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, struct {
		SessionID uint64 `json:"session_id"`
	}{SessionID: handle.ID()})
}

func (s *Server) handleCandidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cand signaling.Candidate
	if err := json.NewDecoder(r.Body).Decode(&cand); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.pub.OnIceCandidate(cand); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var stop signaling.Stop
	if err := json.NewDecoder(r.Body).Decode(&stop); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.pub.OnStopCommand(stop); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBitrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req signaling.BitrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}
	writeJSON(w, s.pub.OnGetBitrate(req))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("signalhttp: request",
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

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
