// Newtlife - network device lifecycle automation
//
// Runs multi-phase workflows against fleets of network devices over SSH:
//
//	newtlife upgrade [device...]      # staged software upgrade with confirmation gates
//	newtlife scan <targets>           # find and identify devices in an address range
//	newtlife backup                   # back up every device's configuration
//	newtlife wait <address>           # wait for a device to go down and come back
//	newtlife status                   # show live and recent runs
//	newtlife history                  # show past per-device outcomes
//
// Exit codes:
//
//	0  every device completed (skipped phases included)
//	1  a run aborted, a confirmation was declined, or an outcome was ambiguous
//	2  infrastructure failure: bad inventory, unreachable device, all credentials rejected
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtlife/pkg/cli"
	"github.com/newtron-network/newtlife/pkg/settings"
	"github.com/newtron-network/newtlife/pkg/util"
	"github.com/newtron-network/newtlife/pkg/version"
)

var (
	// Global option flags
	inventoryPath  string
	logDir         string
	verbose        bool
	logJSON        bool
	useSyslog      bool
	noColor        bool
	askPass        bool
	metricsFile    string
	knownHostsFile string
	commandTimeout time.Duration

	// Global state
	userSettings *settings.Settings
)

// Sentinel errors for exit code mapping. RunE handlers return these instead
// of calling os.Exit directly, so deferred cleanup runs.
var (
	errRunFailure = errors.New("run failure")
	errInfraError = errors.New("infrastructure error")
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, cli.Red("error:"), err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errInfraError),
		errors.Is(err, util.ErrInvalidConfig),
		errors.Is(err, util.ErrValidationFailed),
		errors.Is(err, util.ErrConnect),
		errors.Is(err, util.ErrAllCredentialsFailed):
		return 2
	default:
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:               "newtlife",
	Short:             "Network device lifecycle automation",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Newtlife runs multi-phase workflows against network devices over SSH.

Every phase is logged to its own file, every action is audited, and nothing
irreversible happens without confirmation unless --yes is given.

  newtlife -i inventory.yaml upgrade --site DC1 leaf1 leaf2`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Set log level: quiet by default, verbose on -v
		if verbose {
			util.SetLogLevel("debug")
		} else {
			util.SetLogLevel("warn")
		}
		if logJSON {
			util.SetJSONFormat()
		}
		if useSyslog {
			if err := util.EnableSyslog("newtlife"); err != nil {
				util.Warnf("Could not attach syslog: %v", err)
			}
		}
		if noColor {
			cli.SetColor(false)
		}

		var err error
		userSettings, err = settings.Load()
		if err != nil {
			util.Warnf("Could not load settings: %v", err)
			userSettings = &settings.Settings{}
		}

		// Apply defaults from settings
		if inventoryPath == "" {
			inventoryPath = userSettings.Inventory
		}
		if logDir == "" {
			logDir = userSettings.GetLogDir()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&inventoryPath, "inventory", "i", "", "Inventory file (default from settings)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Phase log directory (default ~/.newtlife/logs)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log in JSON format")
	rootCmd.PersistentFlags().BoolVar(&useSyslog, "syslog", false, "Also log to syslog (LOCAL0)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&askPass, "ask-pass", false, "Prompt for an extra credential tier tried last")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile when done")
	rootCmd.PersistentFlags().StringVar(&knownHostsFile, "known-hosts", "", "Verify device host keys against this known_hosts file")
	rootCmd.PersistentFlags().DurationVar(&commandTimeout, "command-timeout", 0, "Deadline for each non-interactive device command (default 30s, 3m for backups)")

	rootCmd.AddCommand(
		newUpgradeCmd(),
		newScanCmd(),
		newBackupCmd(),
		newWaitCmd(),
		newStatusCmd(),
		newHistoryCmd(),
		newAuditCmd(),
		settingsCmd,
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version.Info())
			},
		},
	)
}
