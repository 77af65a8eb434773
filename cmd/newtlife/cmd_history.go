package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtlife/pkg/cli"
	"github.com/newtron-network/newtlife/pkg/history"
	"github.com/newtron-network/newtlife/pkg/phaselog"
	"github.com/newtron-network/newtlife/pkg/pipeline"
)

func newHistoryCmd() *cobra.Command {
	var (
		device     string
		workflow   string
		limit      int
		prune      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past per-device outcomes",
		Long: `Show per-device outcomes of past runs, newest first.

  newtlife history                      # last 50 device runs
  newtlife history --device leaf1       # one device
  newtlife history --workflow backup    # one workflow
  newtlife history --prune 1000         # keep only the newest 1000 entries`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := history.Open(userSettings.GetHistoryDB())
			if err != nil {
				return err
			}
			defer store.Close()

			if prune > 0 {
				n, err := store.Prune(ctx, prune)
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d entries\n", n)
				return nil
			}

			entries, err := store.ListRecent(ctx, history.Filter{Device: device, Workflow: workflow, Limit: limit})
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(entries)
			}
			if len(entries) == 0 {
				fmt.Println("no history")
				return nil
			}

			t := cli.NewTable("STARTED", "WORKFLOW", "DEVICE", "OUTCOME", "AT", "AUTH USED", "VERSION", "DURATION")
			for _, e := range entries {
				t.Row(e.Started.Format(phaselog.DateTimeFormat), e.Workflow, e.Device, cli.Status(e.Outcome),
					e.AbortedAt, e.Credential, e.Version, pipeline.FormatDuration(e.Duration))
			}
			t.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&device, "device", "", "Only this device")
	cmd.Flags().StringVar(&workflow, "workflow", "", "Only this workflow (upgrade, backup)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of entries")
	cmd.Flags().IntVar(&prune, "prune", 0, "Keep only the newest N entries and exit")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "JSON output")
	return cmd
}
