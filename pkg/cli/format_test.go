package cli

import (
	"strings"
	"testing"
)

func TestDotLeader(t *testing.T) {
	tests := []struct {
		name  string
		width int
		want  string
	}{
		{"install", 12, "install ...."},
		{"x", 3, "x ."},
		{"reboot", 7, "reboot"},
		{"verify", 4, "verify"},
		{"", 3, " .."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DotLeader(tt.name, tt.width)
			if got != tt.want {
				t.Errorf("DotLeader(%q, %d) = %q, want %q", tt.name, tt.width, got, tt.want)
			}
			if tt.width > len(tt.name)+1 && len(got) != tt.width {
				t.Errorf("len = %d, want %d", len(got), tt.width)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	defer SetColor(SetColor(true))

	tests := []struct {
		status string
		code   string
	}{
		{"PASS", "\033[32m"},
		{"completed", "\033[32m"},
		{"SUCCESS", "\033[32m"},
		{"UNCONFIRMED", "\033[33m"},
		{"DECLINED", "\033[33m"},
		{"running", "\033[33m"},
		{"FAIL", "\033[31m"},
		{"ABORTED", "\033[31m"},
		{"", "\033[2m"},
	}
	for _, tt := range tests {
		got := Status(tt.status)
		if !strings.HasPrefix(got, tt.code) || !strings.HasSuffix(got, "\033[0m") {
			t.Errorf("Status(%q) = %q, want color %q", tt.status, got, tt.code)
		}
	}
	if got := Status("completed"); !strings.Contains(got, "completed") {
		t.Errorf("Status should keep the original text, got %q", got)
	}
}

func TestColorDisabled(t *testing.T) {
	defer SetColor(SetColor(false))
	for _, fn := range []func(string) string{Green, Yellow, Red, Bold, Dim, Status} {
		if got := fn("FAIL"); got != "FAIL" {
			t.Errorf("got %q with colors off", got)
		}
	}
	if got := Status(""); got != "pending" {
		t.Errorf("Status(\"\") = %q with colors off", got)
	}
}
