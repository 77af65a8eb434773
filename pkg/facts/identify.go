package facts

import (
	"context"
	"strings"
	"time"

	"github.com/newtron-network/newtlife/pkg/session"
)

// Vendor is an identified device platform.
type Vendor string

const (
	VendorJuniper  Vendor = "juniper"
	VendorPaloAlto Vendor = "paloalto"
	VendorAruba    Vendor = "aruba"
	VendorUnknown  Vendor = "unknown"
)

// vendorRule identifies a vendor by markers in a command's output.
type vendorRule struct {
	vendor  Vendor
	command string
	markers []string
}

// Rules are tried in order. The same command is only run once.
var vendorRules = []vendorRule{
	{VendorJuniper, "show version", []string{"JUNOS", "Junos"}},
	{VendorPaloAlto, "show system info", []string{"sw-version", "paloaltonetworks"}},
	{VendorAruba, "show version", []string{"Aruba", "HP ProCurve"}},
}

// Identify runs vendor probe commands, each bounded by timeout, and returns
// the first vendor whose markers appear. Command errors and timeouts are
// tolerated: devices of other vendors commonly reject or ignore a probe.
func Identify(ctx context.Context, s session.Session, timeout time.Duration) Vendor {
	outputs := make(map[string]string)
	for _, r := range vendorRules {
		out, seen := outputs[r.command]
		if !seen {
			out, _ = s.Run(ctx, r.command, timeout)
			outputs[r.command] = out
		}
		for _, m := range r.markers {
			if strings.Contains(out, m) {
				return r.vendor
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return VendorUnknown
}
