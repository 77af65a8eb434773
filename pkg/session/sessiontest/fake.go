// Package sessiontest provides a scripted in-memory session.Session for
// tests of code that drives devices.
package sessiontest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/newtron-network/newtlife/pkg/session"
	"github.com/newtron-network/newtlife/pkg/util"
)

// Fake replays scripted output. Execute feeds the scripted chunks for a
// command one at a time, evaluating the matcher after each, and reports a
// timeout when the chunks run out without a match.
type Fake struct {
	// Exec maps a command to the chunks Execute returns.
	Exec map[string][]string
	// Runs maps a command to the output Run returns.
	Runs map[string]string
	// RunErrors maps a command to an error Run returns.
	RunErrors map[string]error
	// Hang lists commands that never finish: Run waits out its timeout.
	Hang map[string]bool
	// Drop lists commands after whose scripted output the device closes
	// the stream.
	Drop map[string]bool

	mu       sync.Mutex
	commands []string
	closes   int
}

// Execute implements session.Session.
func (f *Fake) Execute(ctx context.Context, command string, until session.Matcher, timeout time.Duration) (session.Result, error) {
	if err := f.record(command); err != nil {
		return session.Result{}, err
	}
	var buf strings.Builder
	for _, chunk := range f.Exec[command] {
		if err := ctx.Err(); err != nil {
			return session.Result{Output: buf.String()}, err
		}
		buf.WriteString(chunk)
		if until != nil && until(buf.String()) {
			return session.Result{Output: buf.String(), Matched: true}, nil
		}
	}
	if f.Drop[command] {
		return session.Result{Output: buf.String(), Closed: true}, nil
	}
	return session.Result{Output: buf.String(), TimedOut: true, Duration: timeout}, nil
}

// Run implements session.Session.
func (f *Fake) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if err := f.record(command); err != nil {
		return "", err
	}
	if f.Hang[command] {
		if timeout <= 0 {
			timeout = session.DefaultCommandTimeout
		}
		select {
		case <-time.After(timeout):
			return "", fmt.Errorf("%q: %w", command, util.ErrCommandTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := f.RunErrors[command]; err != nil {
		return f.Runs[command], err
	}
	out, ok := f.Runs[command]
	if !ok {
		return "syntax error", fmt.Errorf("%q: unknown command", command)
	}
	return out, nil
}

// Close implements session.Session.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// Commands returns every command received by Execute and Run, in order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// Closes returns how many times Close was called.
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *Fake) record(command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 {
		return util.ErrSessionClosed
	}
	f.commands = append(f.commands, command)
	return nil
}
