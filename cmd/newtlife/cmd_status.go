package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtlife/pkg/cli"
	"github.com/newtron-network/newtlife/pkg/phaselog"
	"github.com/newtron-network/newtlife/pkg/runstate"
)

func newStatusCmd() *cobra.Command {
	var (
		runID      string
		jsonOutput bool
		detail     bool
		monitor    bool
		limit      int
		fromRedis  bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show live and recent runs",
		Long: `Show the state of running and recent workflow runs, newest first.

  newtlife status                 # recent runs
  newtlife status --run <id>      # one run, per device
  newtlife status --detail        # per-phase results of every device
  newtlife status --monitor       # auto-refresh every 2s (implies --detail)
  newtlife status --redis         # read state mirrored to Redis by another host
  newtlife status --json          # machine-readable output`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if monitor {
				detail = true
			}

			store, closeStore, err := statusStore(ctx, fromRedis)
			if err != nil {
				return err
			}
			defer closeStore()

			show := func() error {
				runs, err := selectRuns(ctx, store, runID, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return json.NewEncoder(os.Stdout).Encode(runs)
				}
				if len(runs) == 0 {
					fmt.Println("no runs recorded")
					return nil
				}
				for i, s := range runs {
					if i > 0 {
						fmt.Println()
					}
					printRunStatus(s, detail || runID != "")
				}
				return nil
			}

			if !monitor {
				return show()
			}
			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()
			for {
				fmt.Print("\033[H\033[2J")
				if err := show(); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Show only this run")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "JSON output")
	cmd.Flags().BoolVarP(&detail, "detail", "d", false, "Show per-phase results")
	cmd.Flags().BoolVarP(&monitor, "monitor", "m", false, "Auto-refresh every 2s (implies --detail)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "Number of recent runs")
	cmd.Flags().BoolVar(&fromRedis, "redis", false, "Read run state from the Redis address in settings")
	return cmd
}

func statusStore(ctx context.Context, fromRedis bool) (runstate.Store, func(), error) {
	if fromRedis {
		if userSettings.RedisAddr == "" {
			return nil, nil, fmt.Errorf("no redis_addr set: run 'newtlife settings set redis_addr <host:port>'")
		}
		rs := runstate.NewRedisStore(userSettings.RedisAddr, 0)
		if err := rs.Connect(ctx); err != nil {
			rs.Close()
			return nil, nil, fmt.Errorf("%w: redis %s: %v", errInfraError, userSettings.RedisAddr, err)
		}
		return rs, func() { rs.Close() }, nil
	}
	dir, err := runstate.DefaultDir()
	if err != nil {
		return nil, nil, err
	}
	return &runstate.FileStore{Dir: dir}, func() {}, nil
}

func selectRuns(ctx context.Context, store runstate.Store, id string, limit int) ([]*runstate.RunState, error) {
	if id != "" {
		s, err := store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, fmt.Errorf("no run %s", id)
		}
		return []*runstate.RunState{s}, nil
	}
	runs, err := runstate.Recent(ctx, store)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func printRunStatus(s *runstate.RunState, detail bool) {
	fmt.Printf("newtlife %s: %s\n", s.Workflow, s.ID)

	statusStr := string(s.Status)
	switch {
	case s.Stale():
		statusStr = cli.Yellow("interrupted") + fmt.Sprintf(" (pid %d exited)", s.PID)
	case s.Status == runstate.StatusRunning:
		statusStr = fmt.Sprintf("%s (pid %d)", cli.Yellow(statusStr), s.PID)
	case s.Status == runstate.StatusComplete:
		statusStr = cli.Green(statusStr)
	default:
		statusStr = cli.Red(statusStr)
	}
	fmt.Printf("  status:    %s\n", statusStr)
	if !s.Started.IsZero() {
		ago := time.Since(s.Started).Round(time.Second)
		fmt.Printf("  started:   %s (%s ago)\n", s.Started.Format(phaselog.DateTimeFormat), ago)
	}
	if !s.Finished.IsZero() {
		took := s.Finished.Sub(s.Started).Round(time.Second)
		fmt.Printf("  finished:  %s (took %s)\n", s.Finished.Format(phaselog.DateTimeFormat), took)
	}
	if len(s.Devices) == 0 {
		return
	}

	fmt.Println()
	t := cli.NewTable("#", "DEVICE", "ADDRESS", "STATUS", "AUTH USED", "DURATION").WithPrefix("  ")
	done := 0
	for i, d := range s.Devices {
		progress := d.Duration
		if d.Status == "running" && d.CurrentPhase != "" {
			progress = fmt.Sprintf("phase %d/%d: %s", d.PhaseIndex+1, d.TotalPhases, d.CurrentPhase)
		}
		if d.Status != "" && d.Status != "running" {
			done++
		}
		t.Row(fmt.Sprintf("%d", i+1), d.Name, d.Address, cli.Status(d.Status), d.Credential, progress)
	}
	t.Flush()

	if detail {
		for _, d := range s.Devices {
			if len(d.Phases) == 0 {
				continue
			}
			fmt.Printf("\n  %s\n", d.Name)
			if d.Reason != "" {
				fmt.Printf("    %s\n", cli.Dim(d.Reason))
			}
			pt := cli.NewTable("PHASE", "STATUS", "DURATION", "MESSAGE").WithPrefix("    ")
			for _, p := range d.Phases {
				msg := p.Message
				if len(msg) > 60 {
					msg = msg[:57] + "..."
				}
				pt.Row(p.Name, cli.Status(p.Status), p.Duration, msg)
			}
			pt.Flush()
		}
	}
	fmt.Printf("\n  progress: %d/%d devices done\n", done, len(s.Devices))
}
