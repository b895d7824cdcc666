// Package hosts classifies SMTP clients as internal (eligible for signing)
// or external.
package hosts

import (
	"fmt"
	"net/netip"
	"strings"
)

// Set is a static list of IPv6 prefixes. IPv4 prefixes are stored in their
// IPv4-mapped IPv6 form so every comparison happens in one address space.
type Set struct {
	prefixes []netip.Prefix
}

// Parse builds a Set from CIDR strings. A bare address is treated as a
// single-host prefix.
func Parse(cidrs []string) (*Set, error) {
	s := &Set{prefixes: make([]netip.Prefix, 0, len(cidrs))}
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := parsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid internal host %q: %w", raw, err)
		}
		s.prefixes = append(s.prefixes, p)
	}
	return s, nil
}

func parsePrefix(raw string) (netip.Prefix, error) {
	var p netip.Prefix
	if strings.Contains(raw, "/") {
		var err error
		p, err = netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, err
		}
	} else {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return netip.Prefix{}, err
		}
		p = netip.PrefixFrom(addr, addr.BitLen())
	}
	addr := p.Addr().WithZone("")
	bits := p.Bits()
	if addr.Is4() {
		addr = netip.AddrFrom16(addr.As16())
		bits += 96
	}
	return netip.PrefixFrom(addr, bits).Masked(), nil
}

// Len returns the number of prefixes.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.prefixes)
}

// Contains reports whether addr falls in any prefix.
func (s *Set) Contains(addr netip.Addr) bool {
	if s == nil || !addr.IsValid() {
		return false
	}
	addr = addr.WithZone("")
	if addr.Is4() {
		addr = netip.AddrFrom16(addr.As16())
	}
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsInternal classifies a connecting client. A connection with no network
// peer, such as a local sendmail invocation, is internal.
func (s *Set) IsInternal(peer netip.Addr, present bool) bool {
	if !present {
		return true
	}
	return s.Contains(peer)
}
