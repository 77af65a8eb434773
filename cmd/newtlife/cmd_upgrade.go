package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtlife/pkg/classify"
	"github.com/newtron-network/newtlife/pkg/cli"
	"github.com/newtron-network/newtlife/pkg/facts"
	"github.com/newtron-network/newtlife/pkg/phaselog"
	"github.com/newtron-network/newtlife/pkg/pipeline"
	"github.com/newtron-network/newtlife/pkg/reach"
	"github.com/newtron-network/newtlife/pkg/session"
	"github.com/newtron-network/newtlife/pkg/upgrade"
	"github.com/newtron-network/newtlife/pkg/util"
)

func newUpgradeCmd() *cobra.Command {
	var (
		site          string
		skipCleanup   bool
		skipTransfer  bool
		yes           bool
		image         string
		targetVersion string
		patternsFile  string
		rebootTimeout time.Duration
		junitPath     string
	)

	cmd := &cobra.Command{
		Use:   "upgrade [device...]",
		Short: "Upgrade device software",
		Long: `Upgrade device software one device at a time.

Phases:
  discovery  log in (credential tiers in order) and read model and version
  cleanup    free storage (skippable, failure does not stop the run)
  stage      copy the image for the model unless already on the device (skippable)
  install    install the staged image (asks first)
  confirm    ask before rebooting
  reboot     reboot and wait for the device to go down and come back
  verify     log in again and compare the running version with the target

Devices default to every device in the inventory, or in --site.

Examples:
  newtlife upgrade --site DC1
  newtlife upgrade leaf1 leaf2 --skip-cleanup
  newtlife upgrade leaf1 --skip-transfer --image jinstall-host-qfx-5e-x86-64-21.4R3-S5.4-secure-signed.tgz --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			inv, err := loadInventory()
			if err != nil {
				return err
			}
			cfg := inv.File.Upgrade
			if image != "" {
				cfg.Image = image
			}
			if targetVersion != "" {
				cfg.TargetVersion = targetVersion
			}
			if err := cfg.Validate(skipTransfer); err != nil {
				return err
			}
			devices, err := inv.Select(site, args)
			if err != nil {
				return fmt.Errorf("%w: %v", errInfraError, err)
			}

			patterns := classify.DefaultTable()
			if patternsFile != "" {
				if patterns, err = classify.LoadTable(patternsFile); err != nil {
					return err
				}
			}

			env := openRunEnv(ctx, "upgrade", deviceRefs(devices))
			transfer := cli.NewTransferProgress(os.Stdout, 10)
			wf := &upgrade.Workflow{
				Config:   cfg,
				Resolver: newResolver(session.Options{Observer: deviceObserver()}),
				Facts:    facts.CLICollector{Timeout: commandTimeout},
				Patterns: patterns,
				OpenFS:   upgrade.SFTPOpener,
				Prober:   reach.SSHBannerProber{Timeout: 5 * time.Second},
				Wait:     reach.WaitOptions{Timeout: rebootTimeout},
				OnTransfer: func(device string, done, total int64) {
					transfer.Update(device, done, total)
					if done == total {
						env.metrics.AddTransferred(total)
					}
				},
				OnTransition: func(device string, tr reach.Transition) {
					fmt.Printf("  %s: %s -> %s\n", device, tr.From, tr.To)
				},
			}

			var confirmer pipeline.Confirmer = pipeline.NewTerminalConfirmer()
			if yes {
				confirmer = pipeline.AutoConfirm
			}
			skip := map[string]bool{
				upgrade.PhaseCleanup: skipCleanup,
				upgrade.PhaseStage:   skipTransfer,
			}

			reports, runErr := wf.Upgrade(ctx, env.controller(confirmer), devices, skip)

			summary := &phaselog.Summary{
				Title:   "Upgrade to " + cfg.TargetVersion,
				RunID:   env.runID,
				Started: env.started,
				Reports: reports,
			}
			for _, r := range reports {
				summary.Rows = append(summary.Rows, phaselog.RowFromReport(r))
			}
			summary.Render(os.Stdout)
			if err := summary.WriteMarkdown(filepath.Join(env.dir, "summary.md")); err != nil {
				util.Warnf("Could not write summary: %v", err)
			}
			if junitPath != "" {
				if err := phaselog.WriteJUnit(junitPath, reports); err != nil {
					util.Warnf("Could not write JUnit report: %v", err)
				}
			}
			fmt.Printf("Logs: %s\n", env.dir)

			if runErr == nil {
				runErr = reportsErr(reports)
			}
			env.finish(ctx, runStatus(ctx, runErr))
			return runErr
		},
	}

	cmd.Flags().StringVar(&site, "site", "", "Only devices of this site")
	cmd.Flags().BoolVar(&skipCleanup, "skip-cleanup", false, "Skip storage cleanup")
	cmd.Flags().BoolVar(&skipTransfer, "skip-transfer", false, "Skip image transfer (image already on the device)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm install and reboot without asking")
	cmd.Flags().StringVar(&image, "image", "", "Image file (overrides inventory upgrade.image)")
	cmd.Flags().StringVar(&targetVersion, "target-version", "", "Target version (overrides inventory upgrade.target_version)")
	cmd.Flags().StringVar(&patternsFile, "patterns", "", "YAML file of extra output patterns")
	cmd.Flags().DurationVar(&rebootTimeout, "reboot-timeout", 30*time.Minute, "How long to wait for a reboot")
	cmd.Flags().StringVar(&junitPath, "junit", "", "Also write a JUnit XML report here")
	return cmd
}

// deviceObserver returns where live device output is mirrored: stdout with
// -v, nowhere otherwise.
func deviceObserver() io.Writer {
	if verbose {
		return os.Stdout
	}
	return nil
}
