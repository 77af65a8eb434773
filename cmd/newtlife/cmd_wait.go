package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtlife/pkg/cli"
	"github.com/newtron-network/newtlife/pkg/pipeline"
	"github.com/newtron-network/newtlife/pkg/reach"
)

func newWaitCmd() *cobra.Command {
	var (
		interval time.Duration
		timeout  time.Duration
		tcpOnly  bool
	)

	cmd := &cobra.Command{
		Use:   "wait <address>",
		Short: "Wait for a device to reboot",
		Long: `Poll a device until it has gone down and come back up, as after a
reboot started by hand. The device counts as up once its SSH daemon
answers (or, with --tcp, once port 22 accepts connections).

Exits 0 when the device is back, 2 when the timeout expires first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var prober reach.Prober = reach.SSHBannerProber{}
			if tcpOnly {
				prober = reach.TCPProber{}
			}
			fmt.Printf("Waiting for %s to reboot (timeout %s)\n", args[0], timeout)
			res, err := reach.WaitForReboot(cmd.Context(), prober, args[0], reach.WaitOptions{
				Interval: interval,
				Timeout:  timeout,
				OnTransition: func(tr reach.Transition) {
					fmt.Printf("  %s  %s -> %s\n", tr.At.Format(time.TimeOnly), tr.From, tr.To)
				},
			})
			if res != nil {
				fmt.Printf("%d probes, %d failed, %s\n", res.Probes, res.Failures, pipeline.FormatDuration(res.Elapsed))
			}
			if err != nil {
				return fmt.Errorf("%w: %v", errInfraError, err)
			}
			fmt.Printf("%s is %s\n", args[0], cli.Green("back up"))
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "Time between probes")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Give up after this long")
	cmd.Flags().BoolVar(&tcpOnly, "tcp", false, "Count the device up on TCP connect, without waiting for the SSH banner")
	return cmd
}
