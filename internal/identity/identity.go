// Package identity derives stable player keys from client fingerprints.
//
// The fingerprint is an opaque string the browser computes; the server never
// stores it raw. Sessions, rate limiting, and leaderboard entries are all
// keyed by the derived key so a database dump does not hand out replayable
// fingerprints.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"unicode"
)

var (
	// ErrMissingFingerprint is returned for an absent or empty fingerprint.
	ErrMissingFingerprint = errors.New("identity: missing fingerprint")
	// ErrMalformedFingerprint is returned when the fingerprint is too long
	// or contains control characters.
	ErrMalformedFingerprint = errors.New("identity: malformed fingerprint")
)

// MaxFingerprintLen bounds what we are willing to hash per request.
const MaxFingerprintLen = 512

// keyLen is the hex length of a derived player key.
const keyLen = 32

// Deriver turns fingerprints into player keys. With a secret set the
// derivation is an HMAC, so keys cannot be computed offline from leaked
// fingerprints; with an empty secret it degrades to a plain hash, which is
// acceptable for local development only.
type Deriver struct {
	secret []byte
}

// NewDeriver returns a Deriver using the given session secret.
func NewDeriver(secret string) *Deriver {
	return &Deriver{secret: []byte(secret)}
}

// PlayerKey validates the fingerprint and returns the derived key.
func (d *Deriver) PlayerKey(fingerprint string) (string, error) {
	if fingerprint == "" {
		return "", ErrMissingFingerprint
	}
	if len(fingerprint) > MaxFingerprintLen {
		return "", ErrMalformedFingerprint
	}
	for _, r := range fingerprint {
		if unicode.IsControl(r) {
			return "", ErrMalformedFingerprint
		}
	}

	var sum []byte
	if len(d.secret) > 0 {
		mac := hmac.New(sha256.New, d.secret)
		mac.Write([]byte(fingerprint))
		sum = mac.Sum(nil)
	} else {
		h := sha256.Sum256([]byte(fingerprint))
		sum = h[:]
	}
	return hex.EncodeToString(sum)[:keyLen], nil
}
