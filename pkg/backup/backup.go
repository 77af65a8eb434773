// Package backup saves the running configuration of inventory devices.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/newtlife/pkg/cli"
	"github.com/newtron-network/newtlife/pkg/credential"
	"github.com/newtron-network/newtlife/pkg/inventory"
	"github.com/newtron-network/newtlife/pkg/util"
)

// ConfigCommand prints the configuration as set commands.
const ConfigCommand = "show configuration | display set | no-more"

// TimestampFormat names the per-run backup directory.
const TimestampFormat = "2006-01-02_15-04"

// DefaultDir is the backup root when none is configured.
const DefaultDir = "backups"

// DefaultConcurrency bounds simultaneous device sessions.
const DefaultConcurrency = 5

// DefaultCommandTimeout bounds reading one configuration. Large chassis
// configurations take well over a minute to print.
const DefaultCommandTimeout = 3 * time.Minute

// Result is the backup of one device.
type Result struct {
	Site            string
	Role            string
	Name            string
	Address         string
	CredentialLabel string
	// Fallback is set when a tier other than the device's first was used.
	Fallback bool
	Path     string
	Bytes    int
	Duration time.Duration
	Err      error
}

// Succeeded reports whether the configuration was saved.
func (r Result) Succeeded() bool {
	return r.Err == nil
}

// Summary collects the results of one backup run.
type Summary struct {
	Started   time.Time
	Results   []Result
	Succeeded int
	Failed    int
	Fallbacks int
}

// Job backs up devices.
type Job struct {
	Resolver    *credential.Resolver
	Dir         string
	Concurrency int
	// CommandTimeout bounds the configuration read (default
	// DefaultCommandTimeout).
	CommandTimeout time.Duration
	// OnResult is called as each device finishes.
	OnResult func(Result)

	now func() time.Time
}

// Run backs up every device. One device's failure never affects another;
// failures are reported in the summary.
func (j *Job) Run(ctx context.Context, devices []inventory.Device) *Summary {
	now := time.Now
	if j.now != nil {
		now = j.now
	}
	dir := j.Dir
	if dir == "" {
		dir = DefaultDir
	}
	limit := j.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	sum := &Summary{Started: now()}
	stamp := sum.Started.Format(TimestampFormat)
	results := make([]Result, len(devices))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, dev := range devices {
		g.Go(func() error {
			res := j.backupDevice(gctx, dev, dir, stamp)
			results[i] = res
			if j.OnResult != nil {
				mu.Lock()
				j.OnResult(res)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	sum.Results = results
	for _, r := range results {
		switch {
		case r.Succeeded():
			sum.Succeeded++
			if r.Fallback {
				sum.Fallbacks++
			}
		default:
			sum.Failed++
		}
	}
	return sum
}

func (j *Job) backupDevice(ctx context.Context, dev inventory.Device, dir, stamp string) Result {
	start := time.Now()
	res := Result{Site: dev.Site, Role: dev.Role, Name: dev.Name, Address: dev.Address}
	log := util.WithDevice(dev.Name)
	defer func() { res.Duration = time.Since(start) }()

	s, label, err := j.Resolver.Authenticate(ctx, dev.Address, dev.Credentials)
	if err != nil {
		log.Warnf("backup failed: %v", err)
		res.Err = err
		return res
	}
	defer s.Close()
	res.CredentialLabel = label
	res.Fallback = len(dev.Credentials) > 0 && dev.Credentials[0].Label != label

	timeout := j.CommandTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	out, err := s.Run(ctx, ConfigCommand, timeout)
	if err != nil {
		res.Err = fmt.Errorf("reading configuration: %w", err)
		log.Warnf("backup failed: %v", res.Err)
		return res
	}
	if strings.TrimSpace(out) == "" {
		res.Err = fmt.Errorf("reading configuration: empty output")
		return res
	}

	path, err := Write(dir, dev.Site, dev.Role, dev.Name, stamp, out)
	if err != nil {
		res.Err = err
		return res
	}
	res.Path = path
	res.Bytes = len(out)
	log.Infof("configuration saved to %s (%s)", path, label)
	return res
}

// Path returns where a device backup is stored:
// <dir>/<site>/<role>/<name>/<stamp>/<name>_config.txt.
func Path(dir, site, role, name, stamp string) string {
	name = util.SanitizeName(name)
	return filepath.Join(dir, util.SanitizeName(site), util.SanitizeName(role), name, stamp, name+"_config.txt")
}

// Write stores config at Path and returns it.
func Write(dir, site, role, name, stamp, config string) (string, error) {
	p := Path(dir, site, role, name, stamp)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}
	if err := os.WriteFile(p, []byte(config), 0o600); err != nil {
		return "", fmt.Errorf("writing backup: %w", err)
	}
	return p, nil
}

// Render prints the summary table and totals.
func (s *Summary) Render(w io.Writer) {
	rows := append([]Result(nil), s.Results...)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Site != rows[j].Site {
			return rows[i].Site < rows[j].Site
		}
		return rows[i].Name < rows[j].Name
	})

	fmt.Fprintf(w, "\nBackup Summary (%s)\n\n", s.Started.Format(time.DateTime))
	tbl := cli.NewTableTo(w, "SITE", "DEVICE", "ADDRESS", "STATUS", "AUTH USED")
	for _, r := range rows {
		status, label := "SUCCESS", r.CredentialLabel
		if !r.Succeeded() {
			status, label = "FAILED", "None"
		}
		tbl.Row(r.Site, r.Name, r.Address, cli.Status(status), label)
	}
	tbl.Flush()

	fmt.Fprintf(w, "\nBackups completed: %d\n", s.Succeeded)
	fmt.Fprintf(w, "Failures: %d\n", s.Failed)
	fmt.Fprintf(w, "Fallback logins used: %d\n", s.Fallbacks)
	for _, r := range rows {
		if r.Err != nil {
			fmt.Fprintf(w, "  %s: %v\n", r.Name, r.Err)
		}
	}
}
