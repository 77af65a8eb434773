package classify

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Operations with built-in pattern sets.
const (
	OpInstall      = "install"
	OpCleanup      = "cleanup"
	OpRebootPrompt = "reboot-prompt"
	OpReboot       = "reboot"
)

// Rule binds a pattern set to an operation on the models whose identifier
// contains every Match substring (case-insensitive).
type Rule struct {
	Operation string     `yaml:"operation"`
	Match     []string   `yaml:"match"`
	Patterns  PatternSet `yaml:"patterns"`
}

func (r Rule) matches(operation, model string) bool {
	if r.Operation != operation {
		return false
	}
	lower := strings.ToLower(model)
	for _, m := range r.Match {
		if !strings.Contains(lower, strings.ToLower(m)) {
			return false
		}
	}
	return true
}

// Table maps (operation, model) to a pattern set. Rules are consulted in
// order and the first match wins; Defaults apply when no rule matches.
type Table struct {
	Rules    []Rule                `yaml:"rules"`
	Defaults map[string]PatternSet `yaml:"defaults"`
}

// Lookup returns the pattern set for operation on model.
func (t *Table) Lookup(operation, model string) (PatternSet, bool) {
	if model != "" {
		for _, r := range t.Rules {
			if r.matches(operation, model) {
				return r.Patterns, true
			}
		}
	}
	set, ok := t.Defaults[operation]
	return set, ok
}

// Overlay returns a table whose rules are other's rules followed by t's, and
// whose defaults are t's overridden by other's.
func (t *Table) Overlay(other *Table) *Table {
	merged := &Table{Defaults: make(map[string]PatternSet)}
	merged.Rules = append(merged.Rules, other.Rules...)
	merged.Rules = append(merged.Rules, t.Rules...)
	for k, v := range t.Defaults {
		merged.Defaults[k] = v
	}
	for k, v := range other.Defaults {
		merged.Defaults[k] = v
	}
	return merged
}

// Validate checks that every pattern set is usable.
func (t *Table) Validate() error {
	check := func(where string, p PatternSet) error {
		if p.Mode != ModeAny && p.Mode != ModeAll {
			return fmt.Errorf("%s: mode must be %q or %q, got %q", where, ModeAny, ModeAll, p.Mode)
		}
		if len(p.Success) == 0 {
			return fmt.Errorf("%s: no success phrases", where)
		}
		return nil
	}
	for i, r := range t.Rules {
		if r.Operation == "" {
			return fmt.Errorf("rule %d: operation is required", i)
		}
		if err := check(fmt.Sprintf("rule %d (%s %v)", i, r.Operation, r.Match), r.Patterns); err != nil {
			return err
		}
	}
	for op, p := range t.Defaults {
		if err := check("default "+op, p); err != nil {
			return err
		}
	}
	return nil
}

// inherit fills what a hand-written table usually leaves out: an empty mode
// means any, and a zero timeout takes base's default for the operation.
func (t *Table) inherit(base *Table) {
	fill := func(op string, p PatternSet) PatternSet {
		if p.Mode == "" {
			p.Mode = ModeAny
		}
		if p.Timeout == 0 {
			p.Timeout = base.Defaults[op].Timeout
		}
		return p
	}
	for i, r := range t.Rules {
		t.Rules[i].Patterns = fill(r.Operation, r.Patterns)
	}
	for op, p := range t.Defaults {
		t.Defaults[op] = fill(op, p)
	}
}

// LoadTable reads a YAML table from path and overlays it on the built-in
// table. The result is complete; callers must not overlay it again.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pattern table: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing pattern table %s: %w", path, err)
	}
	base := DefaultTable()
	t.inherit(base)
	merged := base.Overlay(&t)
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("pattern table %s: %w", path, err)
	}
	return merged, nil
}

var installFailures = []string{
	"error:",
	"validation failed",
	"not enough space",
	"no such file or directory",
	"aborting installation",
}

// DefaultTable returns the built-in markers for Junos platforms.
func DefaultTable() *Table {
	return &Table{
		Rules: []Rule{
			{
				Operation: OpInstall,
				Match:     []string{"EX"},
				Patterns: PatternSet{
					Mode: ModeAny,
					Success: []string{
						"Install completed",
						"Validation succeeded",
						"commit complete",
						"pending' set will be activated at next reboot",
					},
					Failure: installFailures,
					Timeout: 15 * time.Minute,
				},
			},
			{
				Operation: OpInstall,
				Match:     []string{"QFX5120", "YM"},
				Patterns: PatternSet{
					Mode: ModeAny,
					Success: []string{
						"Install completed",
						"Host OS upgrade staged",
						"Reboot the system to complete installation",
					},
					Failure: installFailures,
					Timeout: 10 * time.Minute,
				},
			},
			{
				Operation: OpInstall,
				Match:     []string{"QFX5120"},
				Patterns: PatternSet{
					Mode:    ModeAny,
					Success: []string{"Install completed", "activated at next reboot"},
					Failure: installFailures,
					Timeout: 10 * time.Minute,
				},
			},
		},
		Defaults: map[string]PatternSet{
			OpInstall: {
				Mode:    ModeAny,
				Success: []string{"Install completed"},
				Failure: installFailures,
				Timeout: 10 * time.Minute,
			},
			OpCleanup: {
				Mode:    ModeAny,
				Success: []string{"List of files to delete", "No files to delete", "Cleanup complete"},
				Failure: []string{"command not found", "syntax error", "error:"},
				Timeout: 2 * time.Minute,
			},
			OpRebootPrompt: {
				Mode:    ModeAny,
				Success: []string{"[yes,no]"},
				Failure: []string{"syntax error", "error:"},
				Timeout: 30 * time.Second,
			},
			OpReboot: {
				Mode:    ModeAny,
				Success: []string{"Shutdown NOW", "system going down", "Rebooting"},
				Failure: []string{"error:", "reboot aborted"},
				Timeout: 60 * time.Second,
			},
		},
	}
}
