// Package iceport implements the shared ICE transport described in spec
// §4.5: one UDP socket shared by every Session on a Publisher, STUN
// connectivity checks, and demultiplexing of inbound datagrams to the
// owning Session by ICE username fragment (STUN) or 5-tuple (everything
// else).
package iceport

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/randutil"
	"github.com/pion/stun/v3"
)

// ConnectionState mirrors the ICE connectivity states a registered Session
// cares about.
type ConnectionState int

const (
	StateChecking ConnectionState = iota
	StateConnected
	StateCompleted
	StateFailed
	StateDisconnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink is the contract a registered Session (via its bottom icenode.Node)
// provides to the port: a place to deliver demuxed datagrams and ICE
// state transitions. Delivery happens on the port's own worker; sinks
// must not block.
type Sink interface {
	ID() uint64
	HandleIncoming(payload []byte) error
	HandleStateChange(state ConnectionState)
}

type registration struct {
	sink         Sink
	localUfrag   string
	remoteUfrag  string
	remotePasswd string
	remoteAddr   *net.UDPAddr
	state        ConnectionState
}

type stateEvent struct {
	sink  Sink
	state ConnectionState
}

// Port owns the shared socket and the routing tables that let many
// Sessions share one local UDP endpoint, the way a single WebRTC media
// port serves all viewers of a publisher.
type Port struct {
	logger *slog.Logger
	conn   *net.UDPConn

	mu        sync.RWMutex
	byUfrag   map[string]*registration
	byAddr    map[string]*registration
	byID      map[uint64]*registration

	stateCh chan stateEvent
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// Listen opens the shared UDP socket on addr (e.g. ":10000") and starts
// the read loop and the state-delivery worker.
func Listen(addr string, logger *slog.Logger) (*Port, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("iceport: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("iceport: listen %s: %w", addr, err)
	}

	p := &Port{
		logger:  logger,
		conn:    conn,
		byUfrag: make(map[string]*registration),
		byAddr:  make(map[string]*registration),
		byID:    make(map[uint64]*registration),
		stateCh: make(chan stateEvent, 256),
		closeCh: make(chan struct{}),
	}

	p.wg.Add(2)
	go p.readLoop()
	go p.stateWorker()

	return p, nil
}

// Addr returns the socket's bound local address, useful for logging the
// actual port chosen when the configured bind address uses the ":0"
// ephemeral-port convention.
func (p *Port) Addr() *net.UDPAddr {
	return p.conn.LocalAddr().(*net.UDPAddr)
}

// Close shuts down the socket and both background workers. Safe to call
// once; a second call returns the net package's own "already closed"
// error, which callers may ignore.
func (p *Port) Close() error {
	select {
	case <-p.closeCh:
	default:
		close(p.closeCh)
	}
	err := p.conn.Close()
	p.wg.Wait()
	return err
}

// GenerateUfrag produces a short random ICE username fragment, unique
// enough in practice for routing purposes; RFC 8445 recommends at least
// 24 bits of randomness.
func (p *Port) GenerateUfrag() (string, error) {
	return randutil.GenerateCryptoRandomString(8, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
}

// GeneratePassword produces the ICE short-term credential paired with a
// ufrag. A uuid gives a longer, collision-proof token without needing a
// second crypto/rand call path alongside GenerateUfrag.
func (p *Port) GeneratePassword() string {
	return uuid.NewString()
}

// AddSession registers sink under the given local/remote ufrag pair. The
// remote ufrag/password are used to validate inbound STUN binding
// requests; the 5-tuple binding is learned from the first valid request
// and used to route all subsequent non-STUN datagrams.
func (p *Port) AddSession(sessionID uint64, localUfrag, remoteUfrag, remotePasswd string, sink Sink) error {
	reg := &registration{
		sink:         sink,
		localUfrag:   localUfrag,
		remoteUfrag:  remoteUfrag,
		remotePasswd: remotePasswd,
		state:        StateChecking,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := localUfrag + ":" + remoteUfrag
	if _, exists := p.byUfrag[key]; exists {
		return fmt.Errorf("iceport: ufrag pair %s already registered", key)
	}
	p.byUfrag[key] = reg
	p.byID[sessionID] = reg
	return nil
}

// RemoveSession unregisters sessionID from every routing table. Safe to
// call repeatedly, including for a session that was never registered or
// already removed (spec §8 scenario 6).
func (p *Port) RemoveSession(sessionID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	reg, ok := p.byID[sessionID]
	if !ok {
		return
	}
	delete(p.byID, sessionID)
	delete(p.byUfrag, reg.localUfrag+":"+reg.remoteUfrag)
	if reg.remoteAddr != nil {
		delete(p.byAddr, reg.remoteAddr.String())
	}
}

// SendTo writes payload to the negotiated remote candidate for
// sessionID. It implements icenode.Sender without importing the node
// package, keeping iceport free of a dependency on the node chain.
func (p *Port) SendTo(sessionID uint64, payload []byte) error {
	p.mu.RLock()
	reg, ok := p.byID[sessionID]
	p.mu.RUnlock()

	if !ok || reg.remoteAddr == nil {
		return fmt.Errorf("iceport: session %d has no established remote candidate", sessionID)
	}
	_, err := p.conn.WriteToUDP(payload, reg.remoteAddr)
	return err
}

// readLoop is the port's single socket-owning goroutine: it classifies
// each datagram as STUN or opaque (DTLS/SRTP) and routes it to the
// matching registration, per spec §4.5.
func (p *Port) readLoop() {
	defer p.wg.Done()

	buf := make([]byte, 1600)
	for {
		n, remote, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-p.closeCh:
				return
			default:
				p.logger.Warn("iceport: read error", "error", err)
				continue
			}
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		if stun.IsMessage(datagram) {
			p.handleSTUN(datagram, remote)
			continue
		}
		p.handleData(datagram, remote)
	}
}

func (p *Port) handleSTUN(datagram []byte, remote *net.UDPAddr) {
	msg := &stun.Message{Raw: datagram}
	if err := msg.Decode(); err != nil {
		p.logger.Debug("iceport: malformed STUN message", "error", err)
		return
	}

	var username stun.Username
	if err := username.GetFrom(msg); err != nil {
		p.logger.Debug("iceport: STUN message missing USERNAME", "error", err)
		return
	}

	p.mu.Lock()
	reg, ok := p.byUfrag[string(username)]
	verified := ok && stun.NewShortTermIntegrity(reg.remotePasswd).Check(msg) == nil
	if verified {
		reg.remoteAddr = remote
		p.byAddr[remote.String()] = reg
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("iceport: STUN binding for unknown ufrag pair", "ufrag", string(username))
		return
	}
	if !verified {
		p.logger.Debug("iceport: STUN message failed integrity check", "ufrag", string(username))
		return
	}

	if msg.Type == stun.BindingRequest {
		p.respondBinding(msg, remote, reg)
		p.transition(reg, StateConnected)
	}
}

func (p *Port) respondBinding(req *stun.Message, remote *net.UDPAddr, reg *registration) {
	resp, err := stun.Build(req, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: remote.IP, Port: remote.Port},
		stun.NewShortTermIntegrity(reg.remotePasswd),
		stun.Fingerprint,
	)
	if err != nil {
		p.logger.Warn("iceport: failed to build STUN response", "error", err)
		return
	}
	if _, err := p.conn.WriteToUDP(resp.Raw, remote); err != nil {
		p.logger.Warn("iceport: failed to write STUN response", "error", err)
	}
}

func (p *Port) handleData(datagram []byte, remote *net.UDPAddr) {
	p.mu.RLock()
	reg, ok := p.byAddr[remote.String()]
	p.mu.RUnlock()

	if !ok {
		return
	}
	if err := reg.sink.HandleIncoming(datagram); err != nil {
		p.logger.Debug("iceport: sink rejected datagram", "error", err)
	}
}

// transition records a state change and queues delivery to the sink's
// OnStateChanged equivalent on the state worker, never inline on the read
// loop (spec §4.5: "observers must not block").
func (p *Port) transition(reg *registration, state ConnectionState) {
	p.mu.Lock()
	if reg.state == state {
		p.mu.Unlock()
		return
	}
	reg.state = state
	sink := reg.sink
	p.mu.Unlock()

	select {
	case p.stateCh <- stateEvent{sink: sink, state: state}:
	default:
		p.logger.Warn("iceport: state event queue full, dropping", "state", state)
	}
}

func (p *Port) stateWorker() {
	defer p.wg.Done()
	for {
		select {
		case ev := <-p.stateCh:
			ev.sink.HandleStateChange(ev.state)
		case <-p.closeCh:
			return
		}
	}
}
