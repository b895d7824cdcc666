// Package batv composes and decomposes BATV tagged envelope addresses.
//
// Two layouts are understood. Without a sub-address delimiter a tagged
// address is "prvs=TAG=local@domain". With a delimiter such as '+', it is
// "local+prvs=TAG@domain", which survives MTAs that only route on the part
// before the delimiter.
package batv

import (
	"strings"
	"time"

	"github.com/shineum/batv-milter/internal/email"
	"github.com/shineum/batv-milter/internal/prvs"
)

// TagType names the tagging scheme in a BATV local part.
type TagType string

// TypePRVS is the signed, time-bounded scheme implemented by package prvs.
const TypePRVS TagType = "prvs"

// Supported reports whether tags of this type can be signed and validated.
func (t TagType) Supported() bool {
	return t == TypePRVS
}

// Address is a decoded BATV address.
type Address struct {
	Type     TagType
	Tag      string
	Original email.Address
}

// Parse recognizes a tagged address. When delim is non-zero the sub-address
// layout is tried before the standard one, since an original local part may
// itself contain '='. Unknown tag types are decoded structurally; PRVS tags
// must also decode.
func Parse(addr email.Address, delim byte) (Address, bool) {
	if delim != 0 {
		if b, ok := parseSubAddress(addr, delim); ok {
			return b, true
		}
	}
	return parseStandard(addr)
}

// ParseString canonicalizes and parses raw first.
func ParseString(raw string, delim byte) (Address, bool) {
	addr, err := email.ParseCanonical(raw)
	if err != nil {
		return Address{}, false
	}
	return Parse(addr, delim)
}

func parseStandard(addr email.Address) (Address, bool) {
	local := addr.Local()
	first := strings.IndexByte(local, '=')
	if first <= 0 {
		return Address{}, false
	}
	rest := local[first+1:]
	second := strings.IndexByte(rest, '=')
	if second < 0 {
		return Address{}, false
	}
	return build(local[:first], rest[:second], rest[second+1:], addr.Domain())
}

func parseSubAddress(addr email.Address, delim byte) (Address, bool) {
	local := addr.Local()
	cut := strings.LastIndexByte(local, delim)
	if cut < 0 {
		return Address{}, false
	}
	typ, tag, ok := strings.Cut(local[cut+1:], "=")
	if !ok || strings.IndexByte(tag, '=') >= 0 {
		return Address{}, false
	}
	return build(typ, tag, local[:cut], addr.Domain())
}

func build(typ, tag, origLocal, domain string) (Address, bool) {
	if !isToken(typ) || tag == "" {
		return Address{}, false
	}
	t := TagType(strings.ToLower(typ))
	if t == TypePRVS {
		if _, err := prvs.Decode(tag); err != nil {
			return Address{}, false
		}
	}
	orig, err := email.New(origLocal, domain)
	if err != nil {
		return Address{}, false
	}
	return Address{Type: t, Tag: tag, Original: orig}, true
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}

// Compose is the inverse of Parse for the same delimiter.
func Compose(b Address, delim byte) email.Address {
	var local string
	if delim == 0 {
		local = string(b.Type) + "=" + b.Tag + "=" + b.Original.Local()
	} else {
		local = b.Original.Local() + string(delim) + string(b.Type) + "=" + b.Tag
	}
	addr, _ := email.New(local, b.Original.Domain())
	return addr
}

// IsTagged reports whether addr already carries a BATV tag of any type.
func IsTagged(addr email.Address, delim byte) bool {
	_, ok := Parse(addr, delim)
	return ok
}

// Sign returns original rewritten to a freshly tagged PRVS address.
func Sign(original email.Address, key []byte, delim byte, now time.Time) email.Address {
	tag := prvs.Generate(original, key, now)
	return Compose(Address{Type: TypePRVS, Tag: tag.String(), Original: original}, delim)
}

// Verify validates b's tag. Unsupported tag types never verify.
func Verify(b Address, lifetime int, key []byte, now time.Time) bool {
	if !b.Type.Supported() {
		return false
	}
	return prvs.ValidateString(b.Tag, b.Original, lifetime, key, now)
}
