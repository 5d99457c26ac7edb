// Package signaling defines the JSON-over-WebSocket message contract
// between a remote peer and the Publisher (spec §6). The handshake
// transport itself is external; only the semantic fields are specified
// here.
package signaling

// MessageType tags the kind of a signalling message.
type MessageType string

const (
	TypeRequestOffer   MessageType = "request_offer"
	TypeAnswer         MessageType = "answer"
	TypeCandidate      MessageType = "candidate"
	TypeStop           MessageType = "stop"
	TypeBitrateRequest MessageType = "bitrate_request"
)

// RequestOffer asks the Publisher to locate or pull a Stream and return a
// fresh SDP offer plus the current ICE candidate list.
type RequestOffer struct {
	Type   MessageType `json:"type"`
	Vhost  string      `json:"vhost"`
	App    string      `json:"app"`
	Stream string      `json:"stream"`
	Policy *SignedPolicy `json:"policy,omitempty"`
}

// SignedPolicy carries the fields auth.Policy is built from.
type SignedPolicy struct {
	StreamName string `json:"stream_name"`
	Expire     int64  `json:"expire"`
	Signature  string `json:"signature"`
}

// Offer is the Publisher's response to RequestOffer.
type Offer struct {
	Type       MessageType `json:"type"`
	SessionID  uint64      `json:"session_id"`
	SDP        string      `json:"sdp"`
	IceUfrag   string      `json:"ice_ufrag"`
	Candidates []string    `json:"candidates"`
}

// Answer carries the remote peer's SDP answer. SessionID here refers to
// the id assigned in the preceding Offer.
type Answer struct {
	Type      MessageType   `json:"type"`
	SessionID uint64        `json:"session_id"`
	SDP       string        `json:"sdp"`
	Policy    *SignedPolicy `json:"policy,omitempty"`
}

// Candidate carries one additional ICE candidate discovered after the
// initial offer/answer exchange.
type Candidate struct {
	Type      MessageType `json:"type"`
	SessionID uint64      `json:"session_id"`
	Candidate string      `json:"candidate"`
}

// Stop asks the Publisher to tear down a session.
type Stop struct {
	Type      MessageType `json:"type"`
	SessionID uint64      `json:"session_id"`
	Reason    string      `json:"reason,omitempty"`
}

// BitrateRequest asks the Publisher for the current aggregate bitrate of
// a session's video/audio tracks.
type BitrateRequest struct {
	Type      MessageType `json:"type"`
	SessionID uint64      `json:"session_id"`
}

// BitrateResponse reports the summed bitrate, per spec §4.4's
// OnGetBitrate (video+audio tracks only).
type BitrateResponse struct {
	Type      MessageType `json:"type"`
	SessionID uint64      `json:"session_id"`
	BitsPerSecond uint32  `json:"bits_per_second"`
}
