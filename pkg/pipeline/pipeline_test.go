package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/newtron-network/newtlife/pkg/util"
)

type memLogs struct {
	mu      sync.Mutex
	entries map[string]string
}

func (m *memLogs) WritePhaseLog(device, phase string, at time.Time, output string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]string)
	}
	path := fmt.Sprintf("%s-%s.log", device, phase)
	m.entries[path] = output
	return path, nil
}

type recorder struct {
	phases []string
	runs   int
}

func (r *recorder) RecordPhase(ctx context.Context, runID string, dev Device, res PhaseResult) {
	r.phases = append(r.phases, res.Name+":"+string(res.Status))
}

func (r *recorder) RecordRun(ctx context.Context, report *Report) { r.runs++ }

func passing(name string, order *[]string) Phase {
	return Phase{Name: name, Run: func(ctx context.Context, dev Device, prior Outputs) Outcome {
		*order = append(*order, name)
		return Pass("ok", name+" output\n")
	}}
}

func failing(name string, order *[]string) Phase {
	return Phase{Name: name, Run: func(ctx context.Context, dev Device, prior Outputs) Outcome {
		*order = append(*order, name)
		return Fail(errors.New(name+" broke"), "trace\n")
	}}
}

func TestRunInOrder(t *testing.T) {
	var order []string
	logs := &memLogs{}
	rec := &recorder{}
	c := &Controller{Logs: logs, Recorders: []Recorder{rec}}

	phases := []Phase{passing("a", &order), passing("b", &order), passing("c", &order)}
	report, err := c.Run(context.Background(), Device{Name: "leaf1"}, phases, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Completed() {
		t.Fatalf("State = %s, reason %s", report.State, report.Reason)
	}
	if report.Err() != nil {
		t.Errorf("Err() = %v for completed run", report.Err())
	}
	if strings.Join(order, ",") != "a,b,c" {
		t.Errorf("order = %v", order)
	}
	if report.LogCount() != 3 || len(logs.entries) != 3 {
		t.Errorf("logs = %d", report.LogCount())
	}
	if len(rec.phases) != 3 || rec.runs != 1 {
		t.Errorf("recorder saw %v runs=%d", rec.phases, rec.runs)
	}
}

func TestFailureAbortsRemaining(t *testing.T) {
	var order []string
	c := &Controller{Logs: &memLogs{}}
	phases := []Phase{passing("a", &order), failing("b", &order), passing("c", &order)}

	report, err := c.Run(context.Background(), Device{Name: "leaf1"}, phases, nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.State != StateAborted || report.AbortedAt != "b" {
		t.Fatalf("State = %s AbortedAt = %s", report.State, report.AbortedAt)
	}
	if strings.Join(order, ",") != "a,b" {
		t.Errorf("phases after failure ran: %v", order)
	}
	if !strings.Contains(report.Reason, "b broke") {
		t.Errorf("Reason = %q", report.Reason)
	}
	if report.Phase("b").LogPath == "" {
		t.Error("failed phase should still be logged")
	}

	var pe *PhaseError
	if !errors.As(report.Err(), &pe) || pe.Phase != "b" || pe.Status != StatusFail {
		t.Errorf("Err() = %v", report.Err())
	}
}

func TestSkipUsesFallback(t *testing.T) {
	var order []string
	var seenModel string
	logs := &memLogs{}
	c := &Controller{Logs: logs}

	discovery := Phase{
		Name:      "discovery",
		Skippable: true,
		Run: func(ctx context.Context, dev Device, prior Outputs) Outcome {
			order = append(order, "discovery")
			return Pass("", "")
		},
		OnSkip: func(dev Device, prior Outputs) (Device, Artifacts) {
			dev.Model = "EX4300-48P"
			return dev, Artifacts{"source": "inventory"}
		},
	}
	select_ := Phase{Name: "select", Run: func(ctx context.Context, dev Device, prior Outputs) Outcome {
		seenModel = dev.Model
		if prior.Get("discovery", "source") != "inventory" {
			return Fail(errors.New("fallback artifacts missing"), "")
		}
		return Pass("", "")
	}}

	report, err := c.Run(context.Background(), Device{Name: "sw1"}, []Phase{discovery, select_}, map[string]bool{"discovery": true})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Completed() {
		t.Fatalf("State = %s: %s", report.State, report.Reason)
	}
	if len(order) != 0 {
		t.Errorf("skipped phase executed")
	}
	if seenModel != "EX4300-48P" {
		t.Errorf("model after skip = %q", seenModel)
	}
	if p := report.Phase("discovery"); p.Status != StatusSkip || p.LogPath != "" {
		t.Errorf("skipped phase = %+v", p)
	}
	if report.LogCount() != 1 {
		t.Errorf("LogCount = %d, want 1", report.LogCount())
	}
}

func TestContinueOnFailure(t *testing.T) {
	var order []string
	cleanup := failing("cleanup", &order)
	cleanup.Skippable = true
	cleanup.ContinueOnFailure = true

	// ContinueOnFailure without Skippable is ignored.
	strict := failing("strict", &order)
	strict.ContinueOnFailure = true

	c := &Controller{}
	report, _ := c.Run(context.Background(), Device{}, []Phase{cleanup, passing("next", &order), strict, passing("never", &order)}, nil)
	if strings.Join(order, ",") != "cleanup,next,strict" {
		t.Errorf("order = %v", order)
	}
	if report.State != StateAborted || report.AbortedAt != "strict" {
		t.Errorf("State = %s AbortedAt = %s", report.State, report.AbortedAt)
	}
}

func TestConfirmationGate(t *testing.T) {
	var prompts []Prompt
	decline := ConfirmFunc(func(ctx context.Context, p Prompt) (bool, error) {
		prompts = append(prompts, p)
		return false, nil
	})

	var order []string
	install := passing("install", &order)
	install.Confirm = func(dev Device, prior Outputs) string { return "install junos.tgz on " + dev.Name }

	c := &Controller{Confirmer: decline, Logs: &memLogs{}}
	report, err := c.Run(context.Background(), Device{Name: "leaf1"}, []Phase{passing("stage", &order), install, passing("reboot", &order)}, nil)
	if err != nil {
		t.Fatalf("declined confirmation must not be an error: %v", err)
	}
	if report.State != StateAborted || !report.Declined() {
		t.Fatalf("State = %s Declined = %v", report.State, report.Declined())
	}
	if strings.Join(order, ",") != "stage" {
		t.Errorf("order = %v", order)
	}
	if len(prompts) != 1 || prompts[0].Action != "install junos.tgz on leaf1" {
		t.Errorf("prompts = %+v", prompts)
	}
	if p := report.Phase("install"); !errors.Is(p.Err, util.ErrNotConfirmed) || p.LogPath != "" {
		t.Errorf("declined phase = %+v", p)
	}
}

func TestGatePhaseWritesLog(t *testing.T) {
	logs := &memLogs{}
	c := &Controller{Confirmer: AutoConfirm, Logs: logs}
	gate := GatePhase("confirm", func(dev Device, prior Outputs) string { return "reboot " + dev.Name })

	report, err := c.Run(context.Background(), Device{Name: "leaf1"}, []Phase{gate}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Completed() {
		t.Fatalf("State = %s", report.State)
	}
	if got := logs.entries["leaf1-confirm.log"]; !strings.Contains(got, "confirmed: reboot leaf1") {
		t.Errorf("gate log = %q", got)
	}
}

func TestNoConfirmerDeclines(t *testing.T) {
	c := &Controller{}
	gate := GatePhase("confirm", func(Device, Outputs) string { return "reboot" })
	report, _ := c.Run(context.Background(), Device{}, []Phase{gate}, nil)
	if !report.Declined() {
		t.Error("a gate with no confirmer must decline")
	}
}

func TestUnconfirmedAborts(t *testing.T) {
	install := Phase{Name: "install", Run: func(ctx context.Context, dev Device, prior Outputs) Outcome {
		return Outcome{Status: StatusUnconfirmed, Message: "no marker before timeout"}
	}}
	report, _ := (&Controller{}).Run(context.Background(), Device{}, []Phase{install}, nil)
	if report.State != StateAborted {
		t.Fatalf("ambiguous outcome must not complete the run")
	}
	if !strings.Contains(report.Reason, "manual verification required") {
		t.Errorf("Reason = %q", report.Reason)
	}
}

func TestEnrichmentKeepsInventory(t *testing.T) {
	discovery := Phase{Name: "discovery", Run: func(ctx context.Context, dev Device, prior Outputs) Outcome {
		next := Device{Address: "10.9.9.9", Name: "other", Model: "QFX5120-48Y", Hostname: "leaf1-re0", Version: "21.4R3"}
		return Outcome{Status: StatusPass, Device: &next}
	}}
	report, _ := (&Controller{}).Run(context.Background(), Device{Name: "leaf1", Address: "10.0.0.1"}, []Phase{discovery}, nil)
	d := report.Device
	if d.Address != "10.0.0.1" || d.Name != "leaf1" {
		t.Errorf("inventory attributes changed: %+v", d)
	}
	if d.Model != "QFX5120-48Y" || d.Hostname != "leaf1-re0" || d.Version != "21.4R3" {
		t.Errorf("discovered attributes not applied: %+v", d)
	}
}

func TestPanicIsFailure(t *testing.T) {
	boom := Phase{Name: "boom", Run: func(ctx context.Context, dev Device, prior Outputs) Outcome {
		panic("nil map")
	}}
	report, _ := (&Controller{}).Run(context.Background(), Device{}, []Phase{boom}, nil)
	if report.State != StateAborted || report.Phase("boom").Status != StatusFail {
		t.Errorf("State = %s", report.State)
	}
}

func TestCanceledBetweenPhases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := Phase{Name: "first", Run: func(context.Context, Device, Outputs) Outcome {
		cancel()
		return Pass("", "")
	}}
	var order []string
	report, _ := (&Controller{}).Run(ctx, Device{}, []Phase{first, passing("second", &order)}, nil)
	if report.State != StateAborted || report.AbortedAt != "second" || len(order) != 0 {
		t.Errorf("State = %s AbortedAt = %s order = %v", report.State, report.AbortedAt, order)
	}
}

func TestValidate(t *testing.T) {
	var order []string
	cleanup := passing("cleanup", &order)
	cleanup.Skippable = true
	phases := []Phase{passing("install", &order), cleanup}

	tests := []struct {
		name    string
		phases  []Phase
		skip    map[string]bool
		wantErr string
	}{
		{"ok", phases, map[string]bool{"cleanup": true}, ""},
		{"false entries ignored", phases, map[string]bool{"install": false}, ""},
		{"not skippable", phases, map[string]bool{"install": true}, "cannot be skipped"},
		{"unknown", phases, map[string]bool{"format": true}, "unknown phase"},
		{"duplicate", []Phase{passing("a", &order), passing("a", &order)}, nil, "duplicate"},
		{"empty", []Phase{{Name: "x"}}, nil, "nothing to run"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.phases, tt.skip)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestTerminalConfirmer(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"sure\n", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		tc := &TerminalConfirmer{In: strings.NewReader(tt.input), Out: &out}
		got, err := tc.Confirm(context.Background(), Prompt{Device: "leaf1", Phase: "install", Action: "install junos.tgz"})
		if err != nil {
			t.Fatalf("%q: %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("%q: got %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "install junos.tgz") {
			t.Errorf("prompt did not show the action: %q", out.String())
		}
	}
}

func TestConsoleProgress(t *testing.T) {
	var out bytes.Buffer
	var order []string
	cleanup := passing("cleanup", &order)
	cleanup.Skippable = true

	c := &Controller{Progress: NewConsoleProgress(&out, false)}
	c.Run(context.Background(), Device{Name: "leaf1", Address: "10.0.0.1"}, []Phase{cleanup, failing("install", &order)}, map[string]bool{"cleanup": true})

	got := out.String()
	for _, want := range []string{"(10.0.0.1): 2 phases", "SKIP", "FAIL", "install broke", "aborted", "at install"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestFailureCarriesExcerpt(t *testing.T) {
	var out bytes.Buffer
	var order []string
	install := Phase{Name: "install", Run: func(ctx context.Context, dev Device, prior Outputs) Outcome {
		return Fail(errors.New("install failed"), "Verifying package...\nERROR: not enough space in /var/tmp\n")
	}}

	c := &Controller{Logs: &memLogs{}, Progress: NewConsoleProgress(&out, false)}
	report, err := c.Run(context.Background(), Device{Name: "leaf1"}, []Phase{passing("discovery", &order), install}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := report.Phase("discovery").Excerpt; got != "" {
		t.Errorf("passing phase Excerpt = %q", got)
	}
	if got := report.Phase("install").Excerpt; !strings.Contains(got, "Verifying package") {
		t.Errorf("install Excerpt = %q", got)
	}
	if !strings.Contains(out.String(), "| ERROR: not enough space in /var/tmp") {
		t.Errorf("console missing device output:\n%s", out.String())
	}
	if err := report.Err(); err == nil || !strings.Contains(err.Error(), "not enough space") {
		t.Errorf("Err() = %v", err)
	}
}

func TestExcerpt(t *testing.T) {
	tests := []struct {
		name   string
		output string
		n      int
		want   string
	}{
		{"empty", "", 3, ""},
		{"keeps tail", "a\nb\nc\nd\n", 2, "c\nd"},
		{"drops blank lines", "a\n\n   \nb\n", 5, "a\nb"},
		{"strips carriage returns", "a\r\nb  \r\n", 5, "a\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Excerpt(tt.output, tt.n); got != tt.want {
				t.Errorf("Excerpt() = %q, want %q", got, tt.want)
			}
		})
	}
}

type countingProgress struct{ starts, phases, ends int }

func (c *countingProgress) RunStart(Device, []Phase) { c.starts++ }
func (c *countingProgress) PhaseStart(Device, string, int, int) {}
func (c *countingProgress) PhaseEnd(Device, PhaseResult, int, int) { c.phases++ }
func (c *countingProgress) RunEnd(*Report) { c.ends++ }

func TestMultiProgress(t *testing.T) {
	a, b := &countingProgress{}, &countingProgress{}
	var order []string
	c := &Controller{Progress: MultiProgress(a, nil, b)}
	if _, err := c.Run(context.Background(), Device{Name: "leaf1"}, []Phase{passing("a", &order), passing("b", &order)}, nil); err != nil {
		t.Fatal(err)
	}
	for _, p := range []*countingProgress{a, b} {
		if p.starts != 1 || p.phases != 2 || p.ends != 1 {
			t.Errorf("progress = %+v", *p)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "<1s"},
		{42 * time.Second, "42s"},
		{3 * time.Minute, "3m"},
		{185 * time.Second, "3m05s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
