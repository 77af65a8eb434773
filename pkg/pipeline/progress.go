package pipeline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/newtron-network/newtlife/pkg/cli"
)

// ProgressReporter receives lifecycle callbacks during a run.
type ProgressReporter interface {
	RunStart(dev Device, phases []Phase)
	PhaseStart(dev Device, phase string, index, total int)
	PhaseEnd(dev Device, result PhaseResult, index, total int)
	RunEnd(report *Report)
}

// consoleProgress is an append-only terminal progress reporter.
// It never uses ANSI cursor rewriting, so output is safe for pipes, CI,
// and scrollback buffers.
type consoleProgress struct {
	W       io.Writer
	Verbose bool

	dotWidth int
}

// NewConsoleProgress creates a consoleProgress writing to w (stdout when nil).
func NewConsoleProgress(w io.Writer, verbose bool) ProgressReporter {
	if w == nil {
		w = os.Stdout
	}
	return &consoleProgress{W: w, Verbose: verbose}
}

func (p *consoleProgress) RunStart(dev Device, phases []Phase) {
	maxName := 0
	names := make([]string, len(phases))
	for i, ph := range phases {
		names[i] = ph.Name
		if len(ph.Name) > maxName {
			maxName = len(ph.Name)
		}
	}
	p.dotWidth = maxName + 6

	fmt.Fprintf(p.W, "\n%s (%s): %d phases: %s\n\n",
		cli.Bold(dev.DisplayName()), dev.Address, len(phases), strings.Join(names, ", "))
}

func (p *consoleProgress) PhaseStart(dev Device, phase string, index, total int) {
	if p.Verbose {
		fmt.Fprintf(p.W, "  [%d/%d]  %s ...\n", index+1, total, phase)
	}
}

func (p *consoleProgress) PhaseEnd(dev Device, result PhaseResult, index, total int) {
	tag := fmt.Sprintf("[%d/%d]", index+1, total)
	padded := cli.DotLeader(result.Name, p.dotWidth)

	switch result.Status {
	case StatusSkip:
		fmt.Fprintf(p.W, "  %-7s %s %s\n", tag, padded, cli.Yellow("SKIP"))
	case StatusPass:
		fmt.Fprintf(p.W, "  %-7s %s %s  (%s)\n", tag, padded, cli.Green("PASS"), FormatDuration(result.Duration))
	default:
		fmt.Fprintf(p.W, "  %-7s %s %s  (%s)\n", tag, padded, cli.Status(string(result.Status)), FormatDuration(result.Duration))
		if result.Message != "" {
			fmt.Fprintf(p.W, "          %s\n", cli.Dim(result.Message))
		}
		if result.Excerpt != "" {
			for _, line := range strings.Split(result.Excerpt, "\n") {
				fmt.Fprintf(p.W, "          | %s\n", line)
			}
		}
		if result.LogPath != "" {
			fmt.Fprintf(p.W, "          log: %s\n", result.LogPath)
		}
	}
}

func (p *consoleProgress) RunEnd(r *Report) {
	fmt.Fprintf(p.W, "\n---\n%s: ", r.Device.DisplayName())
	switch {
	case r.Completed():
		fmt.Fprintf(p.W, "%s", cli.Green("completed"))
	case r.Declined():
		fmt.Fprintf(p.W, "%s at %s", cli.Yellow("stopped"), r.AbortedAt)
	default:
		fmt.Fprintf(p.W, "%s at %s: %s", cli.Red("aborted"), r.AbortedAt, r.Reason)
	}
	if r.Device.CredentialLabel != "" {
		fmt.Fprintf(p.W, "  [credentials: %s]", r.Device.CredentialLabel)
	}
	fmt.Fprintf(p.W, "  (%s)\n\n", FormatDuration(r.Duration))
}

// FormatDuration formats a duration in a human-readable compact form.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if s == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

// MultiProgress fans callbacks out to every non-nil reporter in order.
func MultiProgress(reporters ...ProgressReporter) ProgressReporter {
	var m multiProgress
	for _, r := range reporters {
		if r != nil {
			m = append(m, r)
		}
	}
	return m
}

type multiProgress []ProgressReporter

func (m multiProgress) RunStart(dev Device, phases []Phase) {
	for _, r := range m {
		r.RunStart(dev, phases)
	}
}

func (m multiProgress) PhaseStart(dev Device, phase string, index, total int) {
	for _, r := range m {
		r.PhaseStart(dev, phase, index, total)
	}
}

func (m multiProgress) PhaseEnd(dev Device, result PhaseResult, index, total int) {
	for _, r := range m {
		r.PhaseEnd(dev, result, index, total)
	}
}

func (m multiProgress) RunEnd(report *Report) {
	for _, r := range m {
		r.RunEnd(report)
	}
}
