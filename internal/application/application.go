// Package application implements the per-vhost/app namespace described
// in spec §2: it owns Streams and locates or pulls one on demand for
// Publisher.OnRequestOffer.
package application

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/streamforge/rtc-egress/internal/stream"
)

// OriginPuller is the collaborator that fetches a stream from an
// upstream origin when it is not already local;
// internal/originpull.Puller implements it against an RTSP origin.
type OriginPuller interface {
	PullStream(vhost, app, name string) (*stream.Stream, error)
}

// Application owns the Streams published under one vhost/app pair.
type Application struct {
	logger *slog.Logger
	vhost  string
	name   string
	origin OriginPuller

	mu      sync.RWMutex
	streams map[string]*stream.Stream
}

// New constructs an empty Application. origin may be nil if this
// deployment never pulls from an upstream.
func New(vhost, name string, origin OriginPuller, logger *slog.Logger) *Application {
	return &Application{
		logger:  logger,
		vhost:   vhost,
		name:    name,
		origin:  origin,
		streams: make(map[string]*stream.Stream),
	}
}

// Vhost and Name expose the application's identity.
func (a *Application) Vhost() string { return a.vhost }
func (a *Application) Name() string  { return a.name }

// AddStream registers a locally-produced stream.
func (a *Application) AddStream(s *stream.Stream) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streams[s.Name()] = s
}

// RemoveStream unregisters a stream by name.
func (a *Application) RemoveStream(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.streams, name)
}

// GetOrPullStream returns the named stream if already local; otherwise,
// if an OriginPuller is configured, it requests a pull and registers the
// result. This is the first step of Publisher.OnRequestOffer (spec
// §4.4).
func (a *Application) GetOrPullStream(name string) (*stream.Stream, error) {
	a.mu.RLock()
	s, ok := a.streams[name]
	a.mu.RUnlock()
	if ok {
		return s, nil
	}

	if a.origin == nil {
		return nil, fmt.Errorf("application: stream %s/%s/%s not found", a.vhost, a.name, name)
	}

	pulled, err := a.origin.PullStream(a.vhost, a.name, name)
	if err != nil {
		return nil, fmt.Errorf("application: pull stream %s/%s/%s: %w", a.vhost, a.name, name, err)
	}

	a.mu.Lock()
	a.streams[name] = pulled
	a.mu.Unlock()
	return pulled, nil
}

// Streams returns a snapshot of currently registered streams, for
// diagnostics and teardown sweeps.
func (a *Application) Streams() []*stream.Stream {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*stream.Stream, 0, len(a.streams))
	for _, s := range a.streams {
		out = append(out, s)
	}
	return out
}
