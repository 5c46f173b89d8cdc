// Package idempotency stores the response of a request against a client
// supplied key so that a retried request is answered from the record instead
// of being executed again.
package idempotency

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const maxKeyLength = 50

var (
	// ErrInvalidKey is returned before any persistence for a malformed key
	ErrInvalidKey = errors.New("invalid idempotency key")
	// ErrInProgress means another request holding the same key has not finished yet
	ErrInProgress = errors.New("a request with this idempotency key is still in progress")
	// ErrFingerprintMismatch means the key was already used for a different request body
	ErrFingerprintMismatch = errors.New("idempotency key was already used with a different request")
)

// Key is a validated idempotency key. Keys are scoped per owner.
type Key string

// ParseKey trims s and checks it is non-empty, at most 50 characters and made
// only of ASCII letters, digits and . _ : -
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: must not be empty", ErrInvalidKey)
	}
	if len(s) > maxKeyLength {
		return "", fmt.Errorf("%w: must be at most %d characters", ErrInvalidKey, maxKeyLength)
	}
	for _, c := range s {
		if !validKeyRune(c) {
			return "", fmt.Errorf("%w: character %q is not allowed", ErrInvalidKey, c)
		}
	}
	return Key(s), nil
}

func validKeyRune(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == ':', c == '-':
		return true
	}
	return false
}

func (k Key) String() string { return string(k) }

// Fingerprint hashes the fields of a request into a stable hex digest. Each
// part is length prefixed so ("ab","c") and ("a","bc") differ.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
