package reach

import "net/netip"

// lessAddr orders IP addresses numerically and anything else lexically.
func lessAddr(a, b string) bool {
	pa, errA := netip.ParseAddr(a)
	pb, errB := netip.ParseAddr(b)
	if errA == nil && errB == nil {
		return pa.Less(pb)
	}
	return a < b
}
