// Package email defines the envelope address model shared by the milter and
// the standalone validator.
package email

import (
	"errors"
	"fmt"
	"strings"
)

// ErrParse is returned when a raw string is not a usable local@domain address.
var ErrParse = errors.New("malformed email address")

// Address is an envelope address split into its local part and domain.
// The domain is stored lowercased; the local part is kept verbatim.
type Address struct {
	local  string
	domain string
}

// New builds an Address from already separated parts.
func New(local, domain string) (Address, error) {
	if domain == "" {
		return Address{}, fmt.Errorf("%w: empty domain", ErrParse)
	}
	return Address{local: local, domain: strings.ToLower(domain)}, nil
}

// Parse splits raw at its last '@'. It fails when there is no '@' or the
// domain is empty.
func Parse(raw string) (Address, error) {
	at := strings.LastIndexByte(raw, '@')
	if at < 0 {
		return Address{}, fmt.Errorf("%w: %q has no domain", ErrParse, raw)
	}
	return New(raw[:at], raw[at+1:])
}

// Canonicalize strips surrounding whitespace and one pair of angle brackets,
// the way addresses appear in MAIL FROM / RCPT TO arguments.
func Canonicalize(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	return strings.TrimSpace(s)
}

// ParseCanonical is Parse(Canonicalize(raw)).
func ParseCanonical(raw string) (Address, error) {
	return Parse(Canonicalize(raw))
}

// Local returns the local part.
func (a Address) Local() string { return a.local }

// Domain returns the lowercased domain.
func (a Address) Domain() string { return a.domain }

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool { return a.domain == "" }

// String returns local@domain.
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.local + "@" + a.domain
}
