package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtlife/pkg/cli"
	"github.com/newtron-network/newtlife/pkg/credential"
	"github.com/newtron-network/newtlife/pkg/discovery"
	"github.com/newtron-network/newtlife/pkg/facts"
	"github.com/newtron-network/newtlife/pkg/inventory"
	"github.com/newtron-network/newtlife/pkg/reach"
	"github.com/newtron-network/newtlife/pkg/session"
)

// defaultScanTier is used when scan runs without an inventory.
var defaultScanTier = credential.EnvSource{
	Label:       "PRIMARY",
	UsernameEnv: "NEWTLIFE_USERNAME",
	PasswordEnv: "NEWTLIFE_PASSWORD",
}

func newScanCmd() *cobra.Command {
	var (
		concurrency int
		outPath     string
		site        string
		role        string
		schedule    string
	)

	cmd := &cobra.Command{
		Use:   "scan <targets>",
		Short: "Find and identify devices in an address range",
		Long: `Probe every address for SSH, log in to those that answer, and identify
the vendor. Targets are a CIDR, a start-end span, or a comma-separated mix:

  newtlife scan 10.1.0.0/24
  newtlife scan 10.1.0.10-10.1.0.40,10.2.0.1

Credential tiers come from the inventory when one is set, otherwise from
NEWTLIFE_USERNAME and NEWTLIFE_PASSWORD (plus --ask-pass).

With --out, identified Juniper devices are written as a new inventory.
With --schedule, the scan repeats on a cron schedule until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, sets, err := scanCredentials()
			if err != nil {
				return err
			}
			if concurrency <= 0 {
				concurrency = userSettings.GetScanConcurrency()
			}
			return runScheduled(cmd.Context(), schedule, "scan", func(ctx context.Context) error {
				return runScan(ctx, args[0], sources, sets, concurrency, outPath, site, role)
			})
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel probes (default from settings, 256)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write identified Juniper devices to this inventory file")
	cmd.Flags().StringVar(&site, "site", "DISCOVERED", "Site name for --out")
	cmd.Flags().StringVar(&role, "role", "switch", "Role name for --out")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Repeat on this cron schedule (e.g. \"0 2 * * *\")")
	return cmd
}

// scanCredentials returns the tier definitions to export and the resolved
// sets to log in with.
func scanCredentials() ([]credential.EnvSource, []credential.Set, error) {
	if inventoryPath != "" {
		inv, err := loadInventory()
		if err != nil {
			return nil, nil, err
		}
		return inv.File.Credentials, inv.Tiers, nil
	}
	var sets []credential.Set
	if set, err := defaultScanTier.Resolve(); err == nil {
		sets = append(sets, set)
	} else if !askPass {
		return nil, nil, err
	}
	if askPass {
		set, err := promptCredentials()
		if err != nil {
			return nil, nil, err
		}
		sets = append(sets, set)
	}
	return []credential.EnvSource{defaultScanTier}, sets, nil
}

func runScan(ctx context.Context, targets string, sources []credential.EnvSource, sets []credential.Set,
	concurrency int, outPath, site, role string) error {
	env := openRunEnv(ctx, "scan", nil)

	d := &discovery.Discoverer{
		Scanner: &reach.Scanner{
			Prober:         reach.TCPProber{Port: session.DefaultPort},
			MaxConcurrency: concurrency,
		},
		Resolver:       newResolver(session.Options{}),
		Credentials:    sets,
		Facts:          facts.CLICollector{Timeout: commandTimeout},
		CommandTimeout: commandTimeout,
		OnIdentified: func(id discovery.Identified) {
			switch {
			case id.Err == nil:
				fmt.Printf("  %s %s: %s [%s]\n", cli.Green("+"), id.Address, id.Vendor, id.CredentialLabel)
				env.metrics.RecordLogin(id.CredentialLabel, len(sets) > 0 && id.CredentialLabel != sets[0].Label)
			case id.AuthFailed():
				fmt.Printf("  %s %s: all credentials failed\n", cli.Red("x"), id.Address)
			}
		},
	}

	rep, err := d.Discover(ctx, targets)
	if rep != nil {
		env.metrics.RecordScan(len(rep.Scan.Reachable), rep.Scan.Unreachable, len(rep.Scan.Failed))
		rep.Render(os.Stdout)
		for _, id := range rep.Devices {
			outcome := "COMPLETED"
			if id.Err != nil {
				outcome = "ABORTED"
			}
			env.metrics.RecordOutcome("scan", outcome, 0)
		}
	}
	if err == nil && outPath != "" {
		if err = inventory.Save(outPath, rep.Inventory(sources, site, role)); err == nil {
			fmt.Printf("\nInventory written to %s\n", outPath)
		}
	}
	env.finish(ctx, runStatus(ctx, err))
	return err
}
