// Package recipients manages newsletter subscribers and resolves the set of
// confirmed addresses an issue is delivered to.
package recipients

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"
)

const (
	maxEmailLength = 254
	maxNameLength  = 256
)

var (
	ErrInvalidEmail = errors.New("invalid email address")
	ErrInvalidName  = errors.New("invalid subscriber name")
)

// ParseEmail accepts a single bare address such as "ursula@example.com".
// Display names, groups and comments are rejected.
func ParseEmail(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEmail)
	}
	if len(s) > maxEmailLength {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidEmail, maxEmailLength)
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidEmail, s, err)
	}
	if addr.Name != "" || addr.Address != s {
		return "", fmt.Errorf("%w: %q is not a bare address", ErrInvalidEmail, s)
	}
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, s)
	}
	return s, nil
}

const forbiddenNameChars = `/()"<>\{}`

// ParseName accepts a display name that is not blank, at most 256 characters
// and free of characters that commonly show up in injection attempts.
func ParseName(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if utf8.RuneCountInString(s) > maxNameLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidName, maxNameLength)
	}
	if strings.ContainsAny(s, forbiddenNameChars) {
		return "", fmt.Errorf("%w: %q contains a forbidden character", ErrInvalidName, s)
	}
	return s, nil
}
