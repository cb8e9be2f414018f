// Package fingerprint computes the content digest used for optimistic
// locking. Two fingerprints are equal iff the bytes they were computed from
// were identical.
package fingerprint

import (
	"crypto/sha512"
	"encoding/hex"

	"lessond/pkg/apperr"
)

// Size is the length of a fingerprint in hex characters.
const Size = sha512.Size * 2

type Fingerprint string

// Of returns the fingerprint of b. Empty input is valid.
func Of(b []byte) Fingerprint {
	sum := sha512.Sum512(b)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Parse validates a client-supplied fingerprint.
func Parse(s string) (Fingerprint, error) {
	if len(s) != Size {
		return "", apperr.New(apperr.InvalidFingerprint, "fingerprint must be %d hex characters", Size)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return "", apperr.New(apperr.InvalidFingerprint, "fingerprint must be lowercase hex")
		}
	}
	return Fingerprint(s), nil
}

func (f Fingerprint) String() string { return string(f) }

func (f Fingerprint) Equal(other Fingerprint) bool { return f == other }
