package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/newtron-network/newtlife/pkg/cli"
)

// Prompt describes an action awaiting confirmation.
type Prompt struct {
	Device string
	Phase  string
	Action string
}

// Confirmer decides whether a destructive action may proceed. Returning
// false stops the run without it being an error.
type Confirmer interface {
	Confirm(ctx context.Context, p Prompt) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, p Prompt) (bool, error)

// Confirm implements Confirmer.
func (f ConfirmFunc) Confirm(ctx context.Context, p Prompt) (bool, error) {
	return f(ctx, p)
}

// AutoConfirm approves every prompt (--yes).
var AutoConfirm = ConfirmFunc(func(context.Context, Prompt) (bool, error) { return true, nil })

// errNotInteractive is returned when a prompt cannot be shown.
var errNotInteractive = errors.New("stdin is not a terminal; pass --yes to run unattended")

// TerminalConfirmer asks on the terminal. Anything but "y" or "yes"
// declines, as does a non-interactive stdin.
type TerminalConfirmer struct {
	In  io.Reader
	Out io.Writer

	reader *bufio.Reader
}

// NewTerminalConfirmer reads from stdin and writes to stdout.
func NewTerminalConfirmer() *TerminalConfirmer {
	return &TerminalConfirmer{In: os.Stdin, Out: os.Stdout}
}

// Confirm implements Confirmer.
func (t *TerminalConfirmer) Confirm(ctx context.Context, p Prompt) (bool, error) {
	if f, ok := t.In.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return false, errNotInteractive
	}
	if t.reader == nil {
		t.reader = bufio.NewReader(t.In)
	}

	fmt.Fprintf(t.Out, "\n%s %s: %s\n", cli.Yellow("[?]"), p.Device, p.Action)
	fmt.Fprintf(t.Out, "    Proceed with %s? (y/n): ", p.Phase)

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := t.reader.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil && a.line == "" {
			return false, fmt.Errorf("reading confirmation: %w", a.err)
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
