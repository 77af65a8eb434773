// Package facts collects identity facts and structured operational data
// from devices.
package facts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/newtron-network/newtlife/pkg/session"
)

// Facts identifies a device.
type Facts struct {
	Hostname string `json:"hostname" yaml:"hostname"`
	Model    string `json:"model" yaml:"model"`
	Version  string `json:"version" yaml:"version"`
}

// Record is one row of structured query output.
type Record map[string]any

// Query selects structured data: Command is run with JSON output and Expr is
// a jq expression applied to the result.
type Query struct {
	Command string
	Expr    string
}

// Collector gathers facts and structured data over a session.
type Collector interface {
	Facts(ctx context.Context, s session.Session) (Facts, error)
	Query(ctx context.Context, s session.Session, q Query) ([]Record, error)
}

// CLICollector implements Collector with Junos CLI commands.
type CLICollector struct {
	// Timeout bounds each command (zero means session.DefaultCommandTimeout).
	Timeout time.Duration
}

// ShowVersionCommand is the command Facts runs.
const ShowVersionCommand = "show version | no-more"

var (
	junosRelease = regexp.MustCompile(`(?i)JUNOS .*?(?:Software Release|Software Suite|Base OS boot) \[([^\]]+)\]`)
)

// Facts implements Collector.
func (c CLICollector) Facts(ctx context.Context, s session.Session) (Facts, error) {
	out, err := s.Run(ctx, ShowVersionCommand, c.Timeout)
	if err != nil {
		return Facts{}, fmt.Errorf("show version: %w", err)
	}
	f := ParseShowVersion(out)
	if f.Model == "" && f.Version == "" {
		return f, fmt.Errorf("show version: no model or version in output")
	}
	return f, nil
}

// ParseShowVersion extracts facts from Junos "show version" output.
func ParseShowVersion(out string) Facts {
	var f Facts
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "hostname":
			if f.Hostname == "" {
				f.Hostname = value
			}
		case "model":
			if f.Model == "" {
				f.Model = strings.ToUpper(value)
			}
		case "junos":
			if f.Version == "" {
				f.Version = value
			}
		}
	}
	if f.Version == "" {
		if m := junosRelease.FindStringSubmatch(out); m != nil {
			f.Version = m[1]
		}
	}
	return f
}

// Query implements Collector.
func (c CLICollector) Query(ctx context.Context, s session.Session, q Query) ([]Record, error) {
	parsed, err := gojq.Parse(q.Expr)
	if err != nil {
		return nil, fmt.Errorf("parsing query %q: %w", q.Expr, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("compiling query %q: %w", q.Expr, err)
	}

	out, err := s.Run(ctx, q.Command+" | display json | no-more", c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", q.Command, err)
	}
	var doc any
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		return nil, fmt.Errorf("%s: decoding json output: %w", q.Command, err)
	}
	return run(ctx, code, doc)
}

func run(ctx context.Context, code *gojq.Code, doc any) ([]Record, error) {
	var records []Record
	iter := code.RunWithContext(ctx, doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			var halt *gojq.HaltError
			if errors.As(err, &halt) && halt.Value() == nil {
				break
			}
			return nil, err
		}
		switch t := v.(type) {
		case map[string]any:
			records = append(records, Record(t))
		case nil:
		default:
			records = append(records, Record{"value": t})
		}
	}
	return records, nil
}
