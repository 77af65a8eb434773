// Package discovery finds devices in an address range: it scans for open
// SSH ports, logs in with the credential tiers, and identifies the vendor
// of every device that answers.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/newtlife/pkg/cli"
	"github.com/newtron-network/newtlife/pkg/credential"
	"github.com/newtron-network/newtlife/pkg/facts"
	"github.com/newtron-network/newtlife/pkg/inventory"
	"github.com/newtron-network/newtlife/pkg/reach"
	"github.com/newtron-network/newtlife/pkg/util"
)

// DefaultConcurrency bounds simultaneous logins.
const DefaultConcurrency = 10

// Identified is the result of logging into one address.
type Identified struct {
	Address         string
	Vendor          facts.Vendor
	CredentialLabel string
	// Facts is filled for Juniper devices when a collector is configured.
	Facts facts.Facts
	Err   error
}

// AuthFailed reports whether every credential tier was rejected.
func (i Identified) AuthFailed() bool {
	return errors.Is(i.Err, util.ErrAllCredentialsFailed)
}

// Report is the outcome of a discovery run.
type Report struct {
	Targets  int
	Scan     *reach.ScanResult
	Devices  []Identified
	ByVendor map[facts.Vendor][]string
	// FailedAuth lists addresses that rejected every credential tier.
	FailedAuth []string
	// Errors holds addresses whose login failed for another reason.
	Errors  map[string]error
	Elapsed time.Duration
}

// SSHUnavailable is the number of targets without a reachable SSH service.
func (r *Report) SSHUnavailable() int {
	if r.Scan == nil {
		return 0
	}
	return r.Scan.Unreachable
}

// Discoverer runs discovery.
type Discoverer struct {
	Scanner     *reach.Scanner
	Resolver    *credential.Resolver
	Credentials []credential.Set
	// Facts, when set, collects hostname, model and version of Juniper
	// devices for the exported inventory.
	Facts       facts.Collector
	Port        int
	Concurrency int

	// CommandTimeout bounds each identification command.
	CommandTimeout time.Duration

	// OnIdentified is called as each login finishes, possibly from
	// several goroutines at once.
	OnIdentified func(Identified)
}

// Discover expands spec (CIDR, start-end span, or a comma-separated mix),
// scans it, and identifies every device with SSH open.
func (d *Discoverer) Discover(ctx context.Context, spec string) (*Report, error) {
	targets, err := util.ExpandTargets(spec)
	if err != nil {
		return nil, err
	}
	if len(d.Credentials) == 0 {
		return nil, fmt.Errorf("discovery: %w: no credential tiers", util.ErrInvalidConfig)
	}
	start := time.Now()

	util.Infof("scanning %d addresses", len(targets))
	scan := d.Scanner.Scan(ctx, targets)
	rep := &Report{
		Targets:  len(targets),
		Scan:     scan,
		ByVendor: make(map[facts.Vendor][]string),
		Errors:   make(map[string]error),
	}
	if err := ctx.Err(); err != nil {
		rep.Elapsed = time.Since(start)
		return rep, err
	}

	limit := d.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	results := make([]Identified, len(scan.Reachable))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, addr := range scan.Reachable {
		g.Go(func() error {
			results[i] = d.identify(gctx, addr)
			if d.OnIdentified != nil {
				d.OnIdentified(results[i])
			}
			return nil
		})
	}
	g.Wait()

	for _, id := range results {
		rep.Devices = append(rep.Devices, id)
		switch {
		case id.Err == nil:
			rep.ByVendor[id.Vendor] = append(rep.ByVendor[id.Vendor], id.Address)
		case id.AuthFailed():
			rep.FailedAuth = append(rep.FailedAuth, id.Address)
		default:
			rep.Errors[id.Address] = id.Err
		}
	}
	rep.Elapsed = time.Since(start)
	return rep, ctx.Err()
}

func (d *Discoverer) identify(ctx context.Context, ip string) Identified {
	port := d.Port
	if port == 0 {
		port = inventory.DefaultPort
	}
	id := Identified{Address: ip, Vendor: facts.VendorUnknown}
	log := util.WithDevice(ip)

	s, label, err := d.Resolver.Authenticate(ctx, net.JoinHostPort(ip, strconv.Itoa(port)), d.Credentials)
	if err != nil {
		log.Debugf("login failed: %v", err)
		id.Err = err
		return id
	}
	defer s.Close()
	id.CredentialLabel = label
	id.Vendor = facts.Identify(ctx, s, d.CommandTimeout)
	log.Infof("identified as %s", id.Vendor)

	if id.Vendor == facts.VendorJuniper && d.Facts != nil {
		f, err := d.Facts.Facts(ctx, s)
		if err != nil {
			log.Debugf("collecting facts: %v", err)
		}
		id.Facts = f
	}
	return id
}

// Inventory builds an inventory file holding the identified Juniper
// devices under site and role. tiers are written as given; they should
// reference environment variables rather than carry secrets.
func (r *Report) Inventory(tiers []credential.EnvSource, site, role string) *inventory.File {
	var hosts []inventory.Host
	for _, id := range r.Devices {
		if id.Err != nil || id.Vendor != facts.VendorJuniper {
			continue
		}
		name := id.Facts.Hostname
		if name == "" {
			name = "sw-" + strings.ReplaceAll(id.Address, ".", "-")
		}
		hosts = append(hosts, inventory.Host{Name: name, Host: id.Address, Model: id.Facts.Model})
	}
	return &inventory.File{
		Credentials: tiers,
		Sites:       map[string]map[string][]inventory.Host{site: {role: hosts}},
	}
}

var vendorOrder = []struct {
	vendor facts.Vendor
	title  string
}{
	{facts.VendorJuniper, "Juniper"},
	{facts.VendorPaloAlto, "Palo Alto"},
	{facts.VendorAruba, "Aruba"},
	{facts.VendorUnknown, "Unidentified"},
}

// Render prints the identification summary.
func (r *Report) Render(w io.Writer) {
	reachable := 0
	if r.Scan != nil {
		reachable = len(r.Scan.Reachable)
	}
	fmt.Fprintf(w, "\nScanned %d addresses in %s\n", r.Targets, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  SSH open:          %d\n", reachable)
	fmt.Fprintf(w, "  SSH not available: %d\n\n", r.SSHUnavailable())

	tbl := cli.NewTableTo(w, "ADDRESS", "VENDOR", "HOSTNAME", "MODEL", "VERSION", "AUTH USED")
	for _, id := range r.Devices {
		if id.Err != nil {
			continue
		}
		tbl.Row(id.Address, string(id.Vendor), id.Facts.Hostname, id.Facts.Model, id.Facts.Version, id.CredentialLabel)
	}
	tbl.Flush()

	fmt.Fprintln(w, "\nIdentification Summary:")
	for _, v := range vendorOrder {
		addrs := r.ByVendor[v.vendor]
		fmt.Fprintf(w, "  %-14s %d %s\n", v.title+":", len(addrs), strings.Join(addrs, ", "))
	}
	fmt.Fprintf(w, "  %-14s %d %s\n", "Failed auth:", len(r.FailedAuth), strings.Join(r.FailedAuth, ", "))
	for _, id := range r.Devices {
		if id.Err != nil && !id.AuthFailed() {
			fmt.Fprintf(w, "  %s %s: %v\n", cli.Yellow("!"), id.Address, id.Err)
		}
	}
}
