package classify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/newtron-network/newtlife/pkg/session"
)

func TestClassifyAny(t *testing.T) {
	set := PatternSet{Mode: ModeAny, Success: []string{"done", "complete"}}

	tests := []struct {
		name   string
		buffer string
		want   Kind
		phrase string
	}{
		{"empty", "", Pending, ""},
		{"unrelated", "Installing package ...", Pending, ""},
		{"second phrase", "...operation complete...", Succeeded, "complete"},
		{"case insensitive", "ALL DONE", Succeeded, "done"},
		{"scan order wins", "complete and done", Succeeded, "done"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Classify(tt.buffer, set)
			if v.Kind != tt.want {
				t.Fatalf("Kind = %s, want %s", v.Kind, tt.want)
			}
			if v.Phrase != tt.phrase {
				t.Errorf("Phrase = %q, want %q", v.Phrase, tt.phrase)
			}
		})
	}
}

func TestClassifyAnyNeverEarly(t *testing.T) {
	set := PatternSet{Mode: ModeAny, Success: []string{"Install completed"}}
	output := "Checking compatibility\nExtracting\nValidating\nInstall completed\n"

	// Feed the output one line at a time; the verdict must flip exactly
	// when the marker line arrives.
	var buf strings.Builder
	for i, line := range strings.SplitAfter(output, "\n") {
		buf.WriteString(line)
		v := Classify(buf.String(), set)
		wantDone := strings.Contains(buf.String(), "Install completed")
		if (v.Kind == Succeeded) != wantDone {
			t.Fatalf("after line %d: Kind = %s, wantDone %v", i, v.Kind, wantDone)
		}
	}
}

func TestClassifyAllAcrossChunks(t *testing.T) {
	set := PatternSet{Mode: ModeAll, Success: []string{"Validation succeeded", "Install completed", "commit complete"}}
	chunks := []string{
		"Adding package...\n",
		"commit complete\n",
		"Validation succeeded\n",
		"... Install completed\n",
	}

	var buf strings.Builder
	for i, c := range chunks {
		buf.WriteString(c)
		v := Classify(buf.String(), set)
		if i < len(chunks)-1 && v.Kind != Pending {
			t.Fatalf("after chunk %d: Kind = %s, want pending", i, v.Kind)
		}
		if i == len(chunks)-1 && v.Kind != Succeeded {
			t.Fatalf("after last chunk: Kind = %s, want succeeded", v.Kind)
		}
	}
}

func TestClassifyFailureFirst(t *testing.T) {
	set := PatternSet{
		Mode:    ModeAny,
		Success: []string{"Install completed"},
		Failure: []string{"Validation failed"},
	}
	v := Classify("validation FAILED for package\nInstall completed", set)
	if v.Kind != Failed {
		t.Fatalf("Kind = %s, want failed", v.Kind)
	}
	if v.Phrase != "Validation failed" || !strings.Contains(v.Reason, "Validation failed") {
		t.Errorf("Phrase = %q Reason = %q", v.Phrase, v.Reason)
	}
}

func TestFinalize(t *testing.T) {
	pending := Verdict{Kind: Pending}
	if got := Finalize(pending, true); got.Kind != Ambiguous {
		t.Errorf("pending after timeout = %s, want ambiguous", got.Kind)
	}
	if got := Finalize(pending, true); !strings.Contains(got.Reason, "manual verification") {
		t.Errorf("Reason = %q", got.Reason)
	}
	if got := Finalize(pending, false); got.Kind != Pending {
		t.Errorf("pending without timeout = %s", got.Kind)
	}
	ok := Verdict{Kind: Succeeded, Phrase: "done"}
	if got := Finalize(ok, true); got != ok {
		t.Errorf("Finalize changed a success: %+v", got)
	}
}

func TestEvaluateDistinguishesAmbiguous(t *testing.T) {
	set := PatternSet{Mode: ModeAny, Success: []string{"done"}, Failure: []string{"error:"}}

	tests := []struct {
		name string
		res  session.Result
		want Kind
	}{
		{"success", session.Result{Output: "done", Matched: true}, Succeeded},
		{"failure", session.Result{Output: "error: disk full", Matched: true}, Failed},
		{"timeout", session.Result{Output: "working...", TimedOut: true}, Ambiguous},
		{"stream closed", session.Result{Output: "working...", Closed: true}, Ambiguous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.res, set).Kind; got != tt.want {
				t.Errorf("Evaluate = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestUntil(t *testing.T) {
	m := Until(PatternSet{Mode: ModeAny, Success: []string{"done"}, Failure: []string{"error:"}})
	if m("working") {
		t.Error("pending output should not complete")
	}
	if !m("done") || !m("error: bad") {
		t.Error("success and failure should both complete")
	}
}

func TestTableLookup(t *testing.T) {
	table := DefaultTable()

	tests := []struct {
		model       string
		wantPhrase  string
		wantTimeout time.Duration
	}{
		{"EX4300-48P", "Validation succeeded", 15 * time.Minute},
		{"ex4400-48t", "commit complete", 15 * time.Minute},
		{"QFX5120-48YM-8C", "Host OS upgrade staged", 10 * time.Minute},
		{"QFX5120-48Y", "activated at next reboot", 10 * time.Minute},
		{"MX204", "Install completed", 10 * time.Minute},
		{"", "Install completed", 10 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			set, ok := table.Lookup(OpInstall, tt.model)
			if !ok {
				t.Fatal("no pattern set")
			}
			found := false
			for _, s := range set.Success {
				if s == tt.wantPhrase {
					found = true
				}
			}
			if !found {
				t.Errorf("success phrases %v missing %q", set.Success, tt.wantPhrase)
			}
			if set.Timeout != tt.wantTimeout {
				t.Errorf("Timeout = %s, want %s", set.Timeout, tt.wantTimeout)
			}
		})
	}

	if _, ok := table.Lookup("format-disk", "EX4300"); ok {
		t.Error("unknown operation should not resolve")
	}
	if err := table.Validate(); err != nil {
		t.Errorf("built-in table invalid: %v", err)
	}
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	data := `
rules:
  - operation: install
    match: [EX4300]
    patterns:
      mode: all
      success: ["Validation succeeded", "Install completed"]
      timeout: 20m
defaults:
  cleanup:
    mode: any
    success: ["purged"]
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	table, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}

	set, _ := table.Lookup(OpInstall, "EX4300-48P")
	if set.Mode != ModeAll || set.Timeout != 20*time.Minute {
		t.Errorf("file rule should win: %+v", set)
	}
	set, _ = table.Lookup(OpInstall, "EX4400-48T")
	if set.Mode != ModeAny {
		t.Errorf("built-in EX rule should still apply to EX4400: %+v", set)
	}
	set, _ = table.Lookup(OpCleanup, "")
	if len(set.Success) != 1 || set.Success[0] != "purged" {
		t.Errorf("cleanup default not overridden: %+v", set)
	}
}

func TestLoadTableInheritsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	data := "rules:\n  - operation: install\n    match: [EX2300]\n    patterns:\n      success: [\"Upgrade staged\"]\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	table, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	if got, want := len(table.Rules), len(DefaultTable().Rules)+1; got != want {
		t.Errorf("len(Rules) = %d, want %d", got, want)
	}
	set, _ := table.Lookup(OpInstall, "EX2300-24T")
	if set.Mode != ModeAny {
		t.Errorf("Mode = %q, want %q", set.Mode, ModeAny)
	}
	if set.Timeout != 10*time.Minute {
		t.Errorf("Timeout = %s, want the install default", set.Timeout)
	}
}

func TestLoadTableInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	data := "rules:\n  - operation: install\n    patterns:\n      mode: sometimes\n      success: [x]\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTable(path); err == nil {
		t.Error("expected error for invalid mode")
	}
}
