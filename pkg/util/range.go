package util

import (
	"fmt"
	"net/netip"
	"strings"
)

// MaxTargets caps how many addresses a single target expression may expand to.
const MaxTargets = 65536

// ExpandTargets expands a target expression into individual IPv4 addresses.
// Supports formats like:
//   - "10.0.0.0/29"           -> usable hosts 10.0.0.1 .. 10.0.0.6
//   - "10.0.0.5 - 10.0.0.9"   -> inclusive range
//   - "10.0.0.5"              -> single address
//   - "10.0.0.0/30,10.0.1.7"  -> comma-separated mix of the above
//
// The result is deduplicated and preserves first-seen order.
func ExpandTargets(spec string) ([]string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: empty target expression", ErrInvalidConfig)
	}

	var result []string
	seen := make(map[string]bool)
	add := func(addrs []netip.Addr) error {
		for _, a := range addrs {
			s := a.String()
			if seen[s] {
				continue
			}
			if len(result) >= MaxTargets {
				return fmt.Errorf("%w: target expression exceeds %d addresses", ErrInvalidConfig, MaxTargets)
			}
			seen[s] = true
			result = append(result, s)
		}
		return nil
	}

	for _, part := range SplitCommaSeparated(spec) {
		var (
			addrs []netip.Addr
			err   error
		)
		switch {
		case strings.Contains(part, "/"):
			addrs, err = expandCIDR(part)
		case strings.Contains(part, "-"):
			addrs, err = expandSpan(part)
		default:
			var a netip.Addr
			a, err = parseIPv4(part)
			addrs = []netip.Addr{a}
		}
		if err != nil {
			return nil, err
		}
		if err := add(addrs); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// expandCIDR returns the usable host addresses of an IPv4 prefix. The network
// and broadcast addresses are excluded except for /31 and /32.
func expandCIDR(cidr string) ([]netip.Addr, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil || !prefix.Addr().Is4() {
		return nil, fmt.Errorf("%w: invalid IPv4 CIDR %q", ErrInvalidConfig, cidr)
	}
	prefix = prefix.Masked()
	bits := prefix.Bits()
	if 32-bits > 16 {
		return nil, fmt.Errorf("%w: prefix %s is larger than /16", ErrInvalidConfig, prefix)
	}

	var addrs []netip.Addr
	for a := prefix.Addr(); prefix.Contains(a); a = a.Next() {
		addrs = append(addrs, a)
		if !a.Next().IsValid() {
			break
		}
	}
	if bits < 31 && len(addrs) > 2 {
		addrs = addrs[1 : len(addrs)-1]
	}
	return addrs, nil
}

// expandSpan expands "start - end" into every address in between, inclusive.
func expandSpan(span string) ([]netip.Addr, error) {
	parts := strings.SplitN(span, "-", 2)
	start, err := parseIPv4(parts[0])
	if err != nil {
		return nil, err
	}
	end, err := parseIPv4(parts[1])
	if err != nil {
		return nil, err
	}
	if start.Compare(end) > 0 {
		return nil, fmt.Errorf("%w: range start %s is after end %s", ErrInvalidConfig, start, end)
	}

	var addrs []netip.Addr
	for a := start; a.Compare(end) <= 0; a = a.Next() {
		if len(addrs) >= MaxTargets {
			return nil, fmt.Errorf("%w: range %s exceeds %d addresses", ErrInvalidConfig, span, MaxTargets)
		}
		addrs = append(addrs, a)
		if !a.Next().IsValid() {
			break
		}
	}
	return addrs, nil
}

func parseIPv4(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil || !a.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: invalid IPv4 address %q", ErrInvalidConfig, strings.TrimSpace(s))
	}
	return a, nil
}
