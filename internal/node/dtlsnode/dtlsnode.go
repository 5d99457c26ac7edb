// Package dtlsnode implements the DTLS layer of a Session's SessionNode
// chain: server-side DTLS handshake over the push-based ICE transport
// below it, and SRTP keying material export for the SRTP node above it.
package dtlsnode

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v3"

	"github.com/streamforge/rtc-egress/internal/node"
)

// srtpKeyingLabel is the RFC 5764 §4.2 exporter label for SRTP key
// derivation.
const srtpKeyingLabel = "EXTRACTOR-dtls_srtp"

// KeyingMaterial holds the client/server write keys and salts derived
// from the completed DTLS handshake, in the order pion/srtp's CreateContext
// expects them (local write key/salt for egress, remote for ingress).
type KeyingMaterial struct {
	LocalKey, LocalSalt   []byte
	RemoteKey, RemoteSalt []byte
	Profile               dtls.SRTPProtectionProfile
}

// Node is the DTLS SessionNode. It owns the server-side *dtls.Conn,
// the push-conn adapter that lets the handshake run over the
// asynchronous ICE data path, and notifies observers once SRTP keys are
// available.
type Node struct {
	node.Base

	logger *slog.Logger
	cert   tls.Certificate

	conn    *dtls.Conn
	pc      *pushConn
	onKeys  func(KeyingMaterial)
	started chan struct{}

	mu           sync.Mutex
	handshakeErr error
}

// New constructs a DTLS node. onKeys is invoked exactly once, from the
// handshake goroutine, when SRTP keying material becomes available.
func New(id uint64, cert tls.Certificate, onKeys func(KeyingMaterial), logger *slog.Logger) *Node {
	return &Node{
		Base:    node.NewBase(id, node.TypeDtls),
		logger:  logger,
		cert:    cert,
		onKeys:  onKeys,
		started: make(chan struct{}),
	}
}

// Start wires the push-conn to the lower node (ICE) and launches the
// server handshake in the background; the handshake completes
// asynchronously once the remote ClientHello arrives via OnDataReceived.
func (n *Node) Start() error {
	if err := n.Base.Start(); err != nil {
		return err
	}

	lower := n.LowerNode()
	if lower == nil {
		return fmt.Errorf("dtlsnode: no lower node attached")
	}

	n.pc = newPushConn(func(b []byte) error {
		return lower.SendData(node.TypeDtls, b)
	}, noopAddr{}, noopAddr{})

	cfg := &dtls.Config{
		Certificates:       []tls.Certificate{n.cert},
		InsecureSkipVerify: true,
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{
			dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		},
	}

	go n.runHandshake(cfg)
	close(n.started)
	return nil
}

func (n *Node) runHandshake(cfg *dtls.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := dtls.ServerWithContext(ctx, n.pc, cfg)
	if err != nil {
		n.mu.Lock()
		n.handshakeErr = err
		n.mu.Unlock()
		n.logger.Warn("DTLS handshake failed", "error", err)
		return
	}
	n.conn = conn

	material, err := n.exportSRTPKeys(conn)
	if err != nil {
		n.logger.Warn("failed to export SRTP keying material", "error", err)
		return
	}
	if n.onKeys != nil {
		n.onKeys(material)
	}
}

func (n *Node) exportSRTPKeys(conn *dtls.Conn) (KeyingMaterial, error) {
	const (
		keyLen  = 16 // AES-128
		saltLen = 14
	)
	material, err := conn.ExportKeyingMaterial(srtpKeyingLabel, nil, 2*(keyLen+saltLen))
	if err != nil {
		return KeyingMaterial{}, fmt.Errorf("export keying material: %w", err)
	}

	offset := 0
	clientKey := material[offset : offset+keyLen]
	offset += keyLen
	serverKey := material[offset : offset+keyLen]
	offset += keyLen
	clientSalt := material[offset : offset+saltLen]
	offset += saltLen
	serverSalt := material[offset : offset+saltLen]

	state := conn.ConnectionState()
	if state.IsClient {
		return KeyingMaterial{
			LocalKey: clientKey, LocalSalt: clientSalt,
			RemoteKey: serverKey, RemoteSalt: serverSalt,
			Profile: dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		}, nil
	}
	return KeyingMaterial{
		LocalKey: serverKey, LocalSalt: serverSalt,
		RemoteKey: clientKey, RemoteSalt: clientSalt,
		Profile: dtls.SRTP_AES128_CM_HMAC_SHA1_80,
	}, nil
}

// Stop closes the DTLS connection and the push-conn adapter.
func (n *Node) Stop() error {
	if n.pc != nil {
		_ = n.pc.Close()
	}
	if n.conn != nil {
		_ = n.conn.Close()
	}
	return n.Base.Stop()
}

// SendData accepts data from the upper node. SRTP/SRTCP (tagged TypeRtp or
// TypeRtcp) runs alongside DTLS on the same 5-tuple per RFC 5764, so it is
// passed through unchanged to the lower ICE node. Any other payload is
// written as application data through the DTLS record layer once the
// handshake has completed, and dropped before then.
func (n *Node) SendData(to node.Type, payload []byte) error {
	if !n.Started() {
		return nil
	}
	if to == node.TypeRtp || to == node.TypeRtcp {
		lower := n.LowerNode()
		if lower == nil {
			return fmt.Errorf("dtlsnode: no lower node to pass SRTP to")
		}
		return lower.SendData(to, payload)
	}
	if n.conn == nil {
		return nil
	}
	_, err := n.conn.Write(payload)
	return err
}

// OnDataReceived is invoked by the ICE node below with every datagram
// arriving on this session's candidate pair, since ICE itself does not
// demux by content. Per RFC 5764 §5.1.2, bytes 20-63 are DTLS content
// types (handshake/alert/change-cipher-spec); everything else at this
// layer is SRTP/SRTCP and is handed up to the SRTP node untouched, since
// steady-state media bypasses the DTLS record layer entirely.
func (n *Node) OnDataReceived(from node.Type, payload []byte) error {
	if !n.Started() {
		return nil
	}

	if !isDTLSRecord(payload) {
		if upper := n.UpperNode(); upper != nil {
			return upper.OnDataReceived(node.TypeDtls, payload)
		}
		return nil
	}

	select {
	case <-n.started:
	default:
		return nil
	}
	n.pc.deliver(payload)
	return nil
}

// isDTLSRecord reports whether the first byte of payload falls in the
// DTLS content-type range (RFC 5764 §5.1.2: 20-63); SRTP/SRTCP payloads
// start at 128 or above.
func isDTLSRecord(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	b := payload[0]
	return b >= 20 && b <= 63
}

// HandshakeError returns any error the background handshake encountered,
// for diagnostics.
func (n *Node) HandshakeError() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handshakeErr
}

type noopAddr struct{}

func (noopAddr) Network() string { return "udp" }
func (noopAddr) String() string  { return "session-pipe" }

var _ net.Addr = noopAddr{}
