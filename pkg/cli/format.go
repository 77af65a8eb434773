// Package cli provides shared formatting helpers for the newtlife CLI.
package cli

import (
	"os"
	"strings"
)

// colorEnabled follows NO_COLOR (no-color.org) until SetColor overrides it.
var colorEnabled = os.Getenv("NO_COLOR") == ""

// SetColor turns ANSI colors on or off (--no-color). It returns the previous
// setting.
func SetColor(enabled bool) bool {
	prev := colorEnabled
	colorEnabled = enabled
	return prev
}

const (
	codeBold   = "1"
	codeDim    = "2"
	codeRed    = "31"
	codeGreen  = "32"
	codeYellow = "33"
)

func paint(code, s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func Green(s string) string  { return paint(codeGreen, s) }
func Yellow(s string) string { return paint(codeYellow, s) }
func Red(s string) string    { return paint(codeRed, s) }
func Bold(s string) string   { return paint(codeBold, s) }
func Dim(s string) string    { return paint(codeDim, s) }

// statusColors groups the outcome words printed by phases, runs, backups and
// the state file. Anything not listed is treated as a failure.
var statusColors = map[string]string{
	"PASS":        codeGreen,
	"OK":          codeGreen,
	"COMPLETED":   codeGreen,
	"SUCCESS":     codeGreen,
	"SKIP":        codeYellow,
	"DECLINED":    codeYellow,
	"UNCONFIRMED": codeYellow,
	"STOPPED":     codeYellow,
	"RUNNING":     codeYellow,
}

// Status colors an outcome word by what it means for the operator: green
// when done, yellow when someone should look, red otherwise. An empty status
// prints as a dim "pending".
func Status(s string) string {
	if s == "" {
		return Dim("pending")
	}
	code, ok := statusColors[strings.ToUpper(s)]
	if !ok {
		code = codeRed
	}
	return paint(code, s)
}

// DotLeader pads name with a space and dots out to width, so that phase
// results line up: "install ........ PASS". Names that do not leave room
// for at least one dot are returned as is.
func DotLeader(name string, width int) string {
	dots := width - len(name) - 1
	if dots < 1 {
		return name
	}
	return name + " " + strings.Repeat(".", dots)
}
