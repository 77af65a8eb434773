package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtlife/pkg/audit"
	"github.com/newtron-network/newtlife/pkg/cli"
	"github.com/newtron-network/newtlife/pkg/phaselog"
	"github.com/newtron-network/newtlife/pkg/pipeline"
	"github.com/newtron-network/newtlife/pkg/settings"
)

func auditLogPath() string {
	return filepath.Join(settings.HomeDir(), "audit.log")
}

func openAuditLog() (*audit.FileLogger, error) {
	return audit.NewFileLogger(auditLogPath(), audit.RotationConfig{
		MaxSize:    10 * 1024 * 1024, // 10MB
		MaxBackups: 10,
	})
}

func newAuditCmd() *cobra.Command {
	var (
		filter     audit.Filter
		eventType  string
		last       time.Duration
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail",
		Long: `Show audited device actions, newest first. Every phase, every
finished device run and every backup is recorded with the operator,
the credential tier used and the outcome.

  newtlife audit --device leaf1
  newtlife audit --run 3f2c9a1e --type phase
  newtlife audit --last 24h --failures`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch audit.EventType(eventType) {
			case "", audit.EventTypePhase, audit.EventTypeRun, audit.EventTypeBackup:
				filter.Type = audit.EventType(eventType)
			default:
				return fmt.Errorf("%w: unknown event type %q", errInfraError, eventType)
			}
			if last > 0 {
				filter.StartTime = time.Now().Add(-last)
			}

			logger, err := openAuditLog()
			if err != nil {
				return err
			}
			defer logger.Close()

			events, err := logger.Query(filter)
			if err != nil {
				return fmt.Errorf("querying audit log: %w", err)
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(events)
			}
			if len(events) == 0 {
				fmt.Println("No audit events found")
				return nil
			}

			t := cli.NewTable("TIMESTAMP", "USER", "WORKFLOW", "DEVICE", "EVENT", "STATUS", "AUTH USED", "DURATION")
			for _, e := range events {
				what := string(e.Type)
				if e.Phase != "" {
					what += ":" + e.Phase
				}
				status := e.Status
				if status == "" {
					status = "OK"
					if !e.Success {
						status = "FAILED"
					}
				}
				t.Row(e.Timestamp.Format(phaselog.DateTimeFormat), e.User, e.Workflow, e.Device, what,
					cli.Status(status), e.Credential, pipeline.FormatDuration(e.Duration))
			}
			t.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Device, "device", "", "Only this device")
	cmd.Flags().StringVar(&filter.Workflow, "workflow", "", "Only this workflow (upgrade, backup)")
	cmd.Flags().StringVar(&filter.RunID, "run", "", "Only this run id")
	cmd.Flags().StringVar(&eventType, "type", "", "Only this event type (phase, run, backup)")
	cmd.Flags().DurationVar(&last, "last", 0, "Only events from the last duration (e.g. 24h)")
	cmd.Flags().BoolVar(&filter.FailureOnly, "failures", false, "Only failed actions")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 100, "Maximum events to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "JSON output")
	return cmd
}
