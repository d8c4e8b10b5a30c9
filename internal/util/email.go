package util

import (
	"net/mail"
	"strings"
)

// NormalizeEmail trims and lower-cases an address; ok is false when the input
// is not a bare RFC 5322 address.
func NormalizeEmail(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", false
	}
	return s, true
}
