// Package srtpnode implements the SRTP layer of a Session's SessionNode
// chain: encrypts outgoing RTP/RTCP with the keys exported from the DTLS
// handshake, and decrypts inbound SRTP/SRTCP before handing plaintext up
// to RtpRtcp.
package srtpnode

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/srtp/v3"

	"github.com/streamforge/rtc-egress/internal/node"
)

// Node is the SRTP SessionNode. It starts in a keyless state and cannot
// encrypt/decrypt until SetKeys is called with the material the DTLS node
// below it exports once its handshake completes.
type Node struct {
	node.Base

	logger *slog.Logger

	mu        sync.Mutex
	localCtx  *srtp.Context // encrypts outgoing RTP/RTCP
	remoteCtx *srtp.Context // decrypts inbound RTP/RTCP
	ready     bool
}

// New constructs an SRTP node with no keying material; it will drop all
// traffic until SetKeys is called.
func New(id uint64, logger *slog.Logger) *Node {
	return &Node{
		Base:   node.NewBase(id, node.TypeSrtp),
		logger: logger,
	}
}

// SetKeys installs the two SRTP master key/salt pairs derived from the DTLS
// handshake's exported keying material: one context encrypts with this
// side's own key, a separate context decrypts with the peer's key, since
// the two directions never share key material (RFC 5764 §4.2). It is safe
// to call once the DTLS node's onKeys callback fires, typically shortly
// after Start.
func (n *Node) SetKeys(localKey, localSalt, remoteKey, remoteSalt []byte) error {
	profile := srtp.ProtectionProfileAes128CmHmacSha1_80

	localCtx, err := srtp.CreateContext(localKey, localSalt, profile)
	if err != nil {
		return fmt.Errorf("srtpnode: create local context: %w", err)
	}
	remoteCtx, err := srtp.CreateContext(remoteKey, remoteSalt, profile)
	if err != nil {
		return fmt.Errorf("srtpnode: create remote context: %w", err)
	}

	n.mu.Lock()
	n.localCtx = localCtx
	n.remoteCtx = remoteCtx
	n.ready = true
	n.mu.Unlock()
	return nil
}

// SendData encrypts an RTP or RTCP payload and forwards it to the lower
// node (DTLS, which demultiplexes SRTP/SRTCP onto the same 5-tuple per
// RFC 5764 and simply passes it through to ICE).
func (n *Node) SendData(to node.Type, payload []byte) error {
	if !n.Started() {
		return nil
	}

	lower := n.LowerNode()
	if lower == nil {
		return fmt.Errorf("srtpnode: no lower node attached")
	}

	n.mu.Lock()
	ctx := n.localCtx
	ready := n.ready
	n.mu.Unlock()

	if !ready {
		return fmt.Errorf("srtpnode: keys not yet available")
	}

	var (
		encrypted []byte
		err       error
	)
	switch to {
	case node.TypeRtcp:
		encrypted, err = ctx.EncryptRTCP(nil, payload, nil)
	default:
		encrypted, err = ctx.EncryptRTP(nil, payload, nil)
	}
	if err != nil {
		return fmt.Errorf("srtpnode: encrypt: %w", err)
	}

	return lower.SendData(to, encrypted)
}

// OnDataReceived decrypts an inbound SRTP/SRTCP datagram from the lower
// node and, on success, hands the plaintext to the upper node (RtpRtcp).
// RTCP vs RTP is distinguished by payload type per RFC 5761 since DTLS
// does not tag direction.
func (n *Node) OnDataReceived(from node.Type, payload []byte) error {
	if !n.Started() {
		return nil
	}

	n.mu.Lock()
	ctx := n.remoteCtx
	ready := n.ready
	n.mu.Unlock()

	if !ready {
		return fmt.Errorf("srtpnode: keys not yet available")
	}

	upper := n.UpperNode()
	if upper == nil {
		return fmt.Errorf("srtpnode: no upper node attached")
	}

	if isRTCP(payload) {
		plain, err := ctx.DecryptRTCP(nil, payload, nil)
		if err != nil {
			n.logger.Debug("dropping undecryptable SRTCP packet", "error", err)
			return err
		}
		return upper.OnDataReceived(node.TypeRtcp, plain)
	}

	plain, err := ctx.DecryptRTP(nil, payload, nil)
	if err != nil {
		n.logger.Debug("dropping undecryptable SRTP packet", "error", err)
		return err
	}
	return upper.OnDataReceived(node.TypeRtp, plain)
}

// isRTCP applies the RFC 5761 payload-type heuristic: RTCP packet types
// fall in [192,223]; the second byte of an RTP/RTCP header carries either
// the marker+payload-type (RTP) or the packet type (RTCP).
func isRTCP(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	pt := buf[1]
	return pt >= 192 && pt <= 223
}
