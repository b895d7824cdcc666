// Package keys resolves the HMAC secret used to sign and verify a sender's
// BATV addresses.
package keys

import (
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/shineum/batv-milter/internal/email"
)

// Key is an opaque HMAC secret.
type Key []byte

// Map associates full addresses and domains with keys, plus an optional
// default. A Map is never modified after construction, so it is safe for
// concurrent use without locking.
type Map struct {
	entries map[string]Key
	def     Key
}

// New builds a Map. Entry names are either local@domain or a bare domain.
// def may be nil.
func New(entries map[string]Key, def Key) *Map {
	m := &Map{entries: make(map[string]Key, len(entries))}
	for name, key := range entries {
		m.entries[normalize(name)] = key
	}
	if len(def) > 0 {
		m.def = def
	}
	return m
}

// normalize lowercases the domain of an entry name. Local parts stay verbatim.
func normalize(name string) string {
	name = strings.TrimSpace(name)
	if at := strings.LastIndexByte(name, '@'); at >= 0 {
		return name[:at] + "@" + strings.ToLower(name[at+1:])
	}
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// Len returns the number of explicit entries.
func (m *Map) Len() int { return len(m.entries) }

// HasDefault reports whether a default key is configured.
func (m *Map) HasDefault() bool { return m.def != nil }

// Resolve returns the key for addr: an exact address entry, then the domain,
// then each parent domain down to the registrable domain, then the default.
// ok is false when addr does not participate in BATV.
func (m *Map) Resolve(addr email.Address) (Key, bool) {
	if m == nil || addr.IsZero() {
		return nil, false
	}
	if key, ok := m.entries[addr.String()]; ok {
		return key, true
	}
	for _, domain := range candidateDomains(addr.Domain()) {
		if key, ok := m.entries[domain]; ok {
			return key, true
		}
	}
	if m.def != nil {
		return m.def, true
	}
	return nil, false
}

// ResolveString parses raw and resolves it.
func (m *Map) ResolveString(raw string) (Key, bool) {
	addr, err := email.ParseCanonical(raw)
	if err != nil {
		return nil, false
	}
	return m.Resolve(addr)
}

// candidateDomains lists domain and its parents, longest first, stopping at
// the registrable domain. A domain with no registrable part (a bare public
// suffix or a single label) yields only itself.
func candidateDomains(domain string) []string {
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return nil
	}
	out := []string{domain}
	stop, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return out
	}
	for d := domain; d != stop; {
		dot := strings.IndexByte(d, '.')
		if dot < 0 {
			break
		}
		d = d[dot+1:]
		out = append(out, d)
	}
	return out
}
