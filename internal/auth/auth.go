// Package auth implements the SignedPolicy / SignedToken validation
// described in spec §7: a pass/fail/error/off outcome that the publisher
// consults on OnAddRemoteDescription, never fatal to
// the stream.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

// Outcome is the typed result of a signed-policy/token check. "Off" means
// the check is disabled by configuration and the caller falls through to
// the next check, per spec §7.
type Outcome int

const (
	Pass Outcome = iota
	Fail
	Error
	Off
)

func (o Outcome) String() string {
	switch o {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	case Error:
		return "error"
	case Off:
		return "off"
	default:
		return "unknown"
	}
}

// Policy is the parsed form of a signed policy token: an expiry and an
// HMAC signature over the policy's canonical fields.
type Policy struct {
	StreamName string
	Expire     int64 // unix epoch seconds; <=0 means no expiry
	Signature  string
}

// Validator checks signed policies against a shared secret. A nil/empty
// secret means the check is configured Off.
type Validator struct {
	secret []byte
}

// NewValidator constructs a Validator. An empty secret disables checking
// (every call returns Off).
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// Sign computes the canonical signature for a policy, used both to issue
// tokens and to verify ones presented by a client.
func (v *Validator) Sign(streamName string, expire int64) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s:%d", streamName, expire)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidatePolicy checks signature validity and expiry. Returns Off if no
// secret is configured, Pass if the signature matches and the policy has
// not expired as of now, Fail if the policy names a different stream,
// the signature does not match, or the policy has expired, Error on a
// malformed policy.
func (v *Validator) ValidatePolicy(p Policy, streamName string, now time.Time) Outcome {
	if len(v.secret) == 0 {
		return Off
	}
	if p.StreamName == "" || p.Signature == "" {
		return Error
	}
	if p.StreamName != streamName {
		return Fail
	}

	expected := v.Sign(p.StreamName, p.Expire)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(p.Signature)) != 1 {
		return Fail
	}
	if p.Expire > 0 && now.Unix() >= p.Expire {
		return Fail
	}
	return Pass
}

// ValidateToken is a thin alias used at OnAddRemoteDescription time where
// the spec distinguishes SignaturePolicyFail from SignatureTokenFail as
// separate error kinds (§7) even though both resolve through the same
// signed-policy mechanics here.
func (v *Validator) ValidateToken(p Policy, streamName string, now time.Time) Outcome {
	return v.ValidatePolicy(p, streamName, now)
}
