// Package sdputil holds the small SDP transforms the egress signalling
// path needs on top of pion/sdp/v3's parse/marshal: rewriting the origin
// line's session-id and injecting the per-session ICE ufrag/password into
// every media section.
package sdputil

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// RewriteOriginSessionID parses sdpText, overwrites the origin line's
// session-id field with sessionID, and re-serializes. Per spec §4.4, each
// offer handed to a new viewer carries its own session-id in the o= line
// so two offers for the same stream are never byte-identical.
func RewriteOriginSessionID(sdpText string, sessionID uint64) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(sdpText)); err != nil {
		return "", fmt.Errorf("sdputil: parse sdp: %w", err)
	}

	desc.Origin.SessionID = sessionID

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("sdputil: marshal sdp: %w", err)
	}
	return string(out), nil
}

// InjectIceCredentials sets the ice-ufrag/ice-pwd attribute on every media
// description (and the session-level attribute list, if present), so an
// offer built from a stream's canonical SDP carries this session's own
// ICE short-term credentials.
func InjectIceCredentials(sdpText, ufrag, password string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(sdpText)); err != nil {
		return "", fmt.Errorf("sdputil: parse sdp: %w", err)
	}

	desc.Attributes = setAttr(desc.Attributes, "ice-ufrag", ufrag)
	desc.Attributes = setAttr(desc.Attributes, "ice-pwd", password)

	for i := range desc.MediaDescriptions {
		m := desc.MediaDescriptions[i]
		m.Attributes = setAttr(m.Attributes, "ice-ufrag", ufrag)
		m.Attributes = setAttr(m.Attributes, "ice-pwd", password)
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("sdputil: marshal sdp: %w", err)
	}
	return string(out), nil
}

// ExtractIceCredentials reads the ice-ufrag/ice-pwd attributes out of
// sdpText, checking the session level first and falling back to the
// first media description that carries them. Publisher.OnAddRemoteDescription
// uses this to learn the remote peer's own ICE short-term credentials
// from its answer, since the server must not invent them (spec §4.5:
// inbound STUN requests are verified against the credentials the peer
// itself chose).
func ExtractIceCredentials(sdpText string) (ufrag, pwd string, err error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(sdpText)); err != nil {
		return "", "", fmt.Errorf("sdputil: parse sdp: %w", err)
	}

	ufrag, pwd = findAttr(desc.Attributes, "ice-ufrag"), findAttr(desc.Attributes, "ice-pwd")
	for i := 0; (ufrag == "" || pwd == "") && i < len(desc.MediaDescriptions); i++ {
		m := desc.MediaDescriptions[i]
		if ufrag == "" {
			ufrag = findAttr(m.Attributes, "ice-ufrag")
		}
		if pwd == "" {
			pwd = findAttr(m.Attributes, "ice-pwd")
		}
	}

	if ufrag == "" || pwd == "" {
		return "", "", fmt.Errorf("sdputil: sdp has no ice-ufrag/ice-pwd attributes")
	}
	return ufrag, pwd, nil
}

func findAttr(attrs []sdp.Attribute, key string) string {
	for _, a := range attrs {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

func setAttr(attrs []sdp.Attribute, key, value string) []sdp.Attribute {
	for i := range attrs {
		if attrs[i].Key == key {
			attrs[i].Value = value
			return attrs
		}
	}
	return append(attrs, sdp.Attribute{Key: key, Value: value})
}
