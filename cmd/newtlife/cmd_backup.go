package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtlife/pkg/audit"
	"github.com/newtron-network/newtlife/pkg/backup"
	"github.com/newtron-network/newtlife/pkg/cli"
	"github.com/newtron-network/newtlife/pkg/history"
	"github.com/newtron-network/newtlife/pkg/inventory"
	"github.com/newtron-network/newtlife/pkg/session"
	"github.com/newtron-network/newtlife/pkg/util"
)

func newBackupCmd() *cobra.Command {
	var (
		site        string
		dir         string
		concurrency int
		schedule    string
	)

	cmd := &cobra.Command{
		Use:   "backup [device...]",
		Short: "Back up device configurations",
		Long: `Log in to every device (credential tiers in order) and save its
configuration in set format under:

  <dir>/<site>/<role>/<device>/<YYYY-MM-DD_HH-MM>/<device>_config.txt

One device's failure never stops the others. The summary shows which
credential tier each device accepted; fallback logins are counted.

Examples:
  newtlife backup
  newtlife backup --site DC1 --dir /srv/backups
  newtlife backup --schedule "0 2 * * *"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := loadInventory()
			if err != nil {
				return err
			}
			devices, err := inv.Select(site, args)
			if err != nil {
				return fmt.Errorf("%w: %v", errInfraError, err)
			}
			if dir == "" {
				dir = inv.File.Backup.Dir
			}
			if concurrency <= 0 {
				concurrency = inv.File.Backup.Concurrency
			}
			return runScheduled(cmd.Context(), schedule, "backup", func(ctx context.Context) error {
				return runBackup(ctx, devices, dir, concurrency)
			})
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "Only devices of this site")
	cmd.Flags().StringVar(&dir, "dir", "", "Backup directory (default from inventory, then ./backups)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Devices backed up in parallel (default 5)")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Repeat on this cron schedule (e.g. \"0 2 * * *\")")
	return cmd
}

func runBackup(ctx context.Context, devices []inventory.Device, dir string, concurrency int) error {
	env := openRunEnv(ctx, "backup", deviceRefs(devices))

	job := &backup.Job{
		Resolver:       newResolver(session.Options{}),
		Dir:            dir,
		Concurrency:    concurrency,
		CommandTimeout: commandTimeout,
		OnResult: func(r backup.Result) {
			recordBackup(ctx, env, r)
		},
	}
	fmt.Printf("Backing up %d devices\n", len(devices))
	sum := job.Run(ctx, devices)
	sum.Render(os.Stdout)

	var err error
	if sum.Failed > 0 {
		err = fmt.Errorf("%w: %d of %d backups failed", errRunFailure, sum.Failed, len(sum.Results))
	}
	env.finish(ctx, runStatus(ctx, err))
	return err
}

// recordBackup sends one device's result to every run sink. Called with the
// job's result lock held.
func recordBackup(ctx context.Context, env *runEnv, r backup.Result) {
	outcome := history.OutcomeCompleted
	mark := cli.Green("+")
	if !r.Succeeded() {
		outcome = history.OutcomeAborted
		mark = cli.Red("x")
	}
	fmt.Printf("  %s %s (%s)\n", mark, r.Name, r.Address)

	reason := ""
	if r.Err != nil {
		reason = r.Err.Error()
	}
	env.metrics.RecordOutcome(env.workflow, outcome, r.Duration)
	if r.CredentialLabel != "" {
		env.metrics.RecordLogin(r.CredentialLabel, r.Fallback)
	}
	if env.tracker != nil {
		env.tracker.SetDevice(ctx, r.Name, outcome, r.CredentialLabel, reason, r.Duration)
	}
	if env.history != nil {
		e := &history.Entry{
			RunID:      env.runID,
			Workflow:   env.workflow,
			Device:     r.Name,
			Address:    r.Address,
			Site:       r.Site,
			Outcome:    outcome,
			Reason:     reason,
			Credential: r.CredentialLabel,
			Started:    time.Now().Add(-r.Duration),
			Duration:   r.Duration,
		}
		if err := env.history.Insert(ctx, e); err != nil {
			util.Warnf("Could not record history: %v", err)
		}
	}
	if env.auditor != nil {
		e := audit.NewEvent(env.auditor.User, env.workflow, r.Name, audit.EventTypeBackup).
			WithRun(env.runID).
			WithCredential(r.CredentialLabel).
			WithDuration(r.Duration)
		e.Address = r.Address
		e.LogPath = r.Path
		if r.Succeeded() {
			e.WithSuccess()
		} else {
			e.WithError(r.Err)
		}
		env.auditor.Log(e)
	}
}
