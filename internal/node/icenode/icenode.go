// Package icenode implements the bottom SessionNode in a Session's chain:
// it has no lower node of its own and instead hands outgoing datagrams to
// the shared ICE port's per-session sender, and is fed incoming datagrams
// by the port's demuxer.
package icenode

import (
	"fmt"
	"log/slog"

	"github.com/streamforge/rtc-egress/internal/node"
)

// Sender is the narrow contract icenode needs from the shared ICE port:
// send one datagram on this session's negotiated candidate pair.
type Sender interface {
	SendTo(sessionID uint64, payload []byte) error
}

// Node is the ICE SessionNode. It is always the bottom of the chain: its
// lower node is nil by contract, and sends go directly to the shared
// port's Sender instead of another SessionNode.
type Node struct {
	node.Base

	logger    *slog.Logger
	sessionID uint64
	sender    Sender
}

// New constructs an ICE node bound to sessionID, the key the shared port
// uses to route both outgoing sends and the demuxed incoming datagrams
// delivered via OnDataReceived.
func New(id, sessionID uint64, sender Sender, logger *slog.Logger) *Node {
	return &Node{
		Base:      node.NewBase(id, node.TypeIce),
		logger:    logger,
		sessionID: sessionID,
		sender:    sender,
	}
}

// SendData writes payload out over the negotiated candidate pair. The `to`
// tag is only meaningful to nodes above this one; ICE is a bare transport
// and does not distinguish RTP/RTCP/DTLS at this layer, all are SRTP- or
// DTLS-demultiplexed bytes already.
func (n *Node) SendData(to node.Type, payload []byte) error {
	if !n.Started() {
		return nil
	}
	if n.sender == nil {
		return fmt.Errorf("icenode: no sender bound")
	}
	return n.sender.SendTo(n.sessionID, payload)
}

// OnDataReceived is called by the shared ICE port's demuxer when a
// datagram for this session arrives. It forwards to whichever node is
// wired above it (DTLS, since ICE is the bottom of the chain and has no
// type-based demux of its own).
func (n *Node) OnDataReceived(from node.Type, payload []byte) error {
	if !n.Started() {
		return nil
	}
	upper := n.UpperNode()
	if upper == nil {
		return nil
	}
	return upper.OnDataReceived(node.TypeIce, payload)
}
