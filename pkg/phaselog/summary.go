package phaselog

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/newtron-network/newtlife/pkg/pipeline"
)

// DateTimeFormat is the timestamp layout used in reports.
const DateTimeFormat = "2006-01-02 15:04:05"

// Row is one device's line in a summary.
type Row struct {
	Device      string
	Address     string
	Outcome     string
	Duration    time.Duration
	Credentials string
	Note        string
}

// Summary is a human-readable report of one collection or pipeline run.
type Summary struct {
	Title   string
	RunID   string
	Started time.Time
	Rows    []Row

	// Reports, when set, adds a per-phase section for pipeline runs.
	Reports []*pipeline.Report
}

// RowFromReport condenses a pipeline report into a summary row.
func RowFromReport(r *pipeline.Report) Row {
	row := Row{
		Device:      r.Device.DisplayName(),
		Address:     r.Device.Address,
		Duration:    r.Duration,
		Credentials: r.Device.CredentialLabel,
	}
	switch {
	case r.Completed():
		row.Outcome = "COMPLETED"
	case r.Declined():
		row.Outcome = "STOPPED"
		row.Note = "not confirmed at " + r.AbortedAt
	default:
		row.Outcome = "ABORTED"
		row.Note = r.AbortedAt + ": " + r.Reason
	}
	return row
}

// WriteMarkdown writes the summary as markdown to path.
func (s *Summary) WriteMarkdown(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s.Render(f)
	return nil
}

// Render writes the markdown summary to w.
func (s *Summary) Render(w io.Writer) {
	started := s.Started
	if started.IsZero() {
		started = time.Now()
	}
	fmt.Fprintf(w, "# %s: %s\n\n", s.Title, started.Format(DateTimeFormat))
	if s.RunID != "" {
		fmt.Fprintf(w, "Run: `%s`\n\n", s.RunID)
	}

	counts := make(map[string]int)
	for _, r := range s.Rows {
		counts[r.Outcome]++
	}
	var parts []string
	for _, k := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%d %s", counts[k], strings.ToLower(k)))
	}
	fmt.Fprintf(w, "%d devices: %s\n\n", len(s.Rows), strings.Join(parts, ", "))

	fmt.Fprintln(w, "| Device | Address | Result | Duration | Credentials | Note |")
	fmt.Fprintln(w, "|--------|---------|--------|----------|-------------|------|")
	for _, r := range s.Rows {
		fmt.Fprintf(w, "| %s | %s | %s | %s | %s | %s |\n",
			r.Device, r.Address, r.Outcome, r.Duration.Round(time.Second), r.Credentials, escapeCell(r.Note))
	}

	for _, rep := range s.Reports {
		fmt.Fprintf(w, "\n## %s\n\n", rep.Device.DisplayName())
		fmt.Fprintln(w, "| # | Phase | Result | Duration | Log |")
		fmt.Fprintln(w, "|---|-------|--------|----------|-----|")
		for _, p := range rep.Phases {
			fmt.Fprintf(w, "| %d | %s | %s | %s | %s |\n",
				p.Ordinal+1, p.Name, p.Status, p.Duration.Round(time.Second), p.LogPath)
		}
		if !rep.Completed() && rep.Reason != "" {
			fmt.Fprintf(w, "\nStopped at %s: %s\n", rep.AbortedAt, rep.Reason)
		}
		for _, p := range rep.Phases {
			if p.Excerpt != "" {
				fmt.Fprintf(w, "\n%s output:\n\n```\n%s\n```\n", p.Name, p.Excerpt)
			}
		}
	}
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WriteJUnit writes pipeline reports as JUnit XML for CI integration: one
// suite per device, one case per phase.
func WriteJUnit(path string, reports []*pipeline.Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	suites := junitTestSuites{}
	for _, r := range reports {
		suite := junitTestSuite{Name: r.Device.DisplayName(), Time: r.Duration.Seconds()}
		for _, p := range r.Phases {
			suite.Tests++
			tc := junitTestCase{Name: p.Name, ClassName: r.Device.DisplayName(), Time: p.Duration.Seconds()}
			switch p.Status {
			case pipeline.StatusSkip:
				suite.Skipped++
				tc.Skipped = &junitSkipped{Message: p.Message}
			case pipeline.StatusPass:
			default:
				suite.Failures++
				tc.Failure = &junitFailure{Message: p.Message, Type: string(p.Status), Output: p.Excerpt}
			}
			suite.Cases = append(suite.Cases, tc)
		}
		suites.Suites = append(suites.Suites, suite)
	}

	data, err := xml.MarshalIndent(suites, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append([]byte(xml.Header), data...), 0o644)
}

type junitTestSuites struct {
	XMLName xml.Name         `xml:"testsuites"`
	Suites  []junitTestSuite `xml:"testsuite"`
}

type junitTestSuite struct {
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Skipped  int             `xml:"skipped,attr"`
	Time     float64         `xml:"time,attr"`
	Cases    []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Output  string `xml:",chardata"`
}

type junitSkipped struct {
	Message string `xml:"message,attr,omitempty"`
}
