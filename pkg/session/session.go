// Package session provides the remote command session used by every
// lifecycle phase: an interactive shell that streams device output into a
// per-command buffer until a matcher is satisfied or a deadline passes.
package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/newtron-network/newtlife/pkg/util"
)

const (
	// DefaultPollInterval is how often Execute checks for newly read output.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultCommandTimeout applies when Execute is called with a zero timeout.
	DefaultCommandTimeout = 30 * time.Second
)

// Matcher reports whether the accumulated output of a command is complete.
// It is evaluated against the full buffer after every read.
type Matcher func(buffer string) bool

// Result is the outcome of one Execute call.
type Result struct {
	Output   string
	Matched  bool
	TimedOut bool
	// Closed is set when the device closed the stream before the matcher
	// completed.
	Closed   bool
	Duration time.Duration
}

// Session is an authenticated connection to one device. A Session is owned
// by a single goroutine and is not safe for concurrent use.
type Session interface {
	// Execute writes command and accumulates output until until returns
	// true or timeout elapses. A timeout is not an error.
	Execute(ctx context.Context, command string, until Matcher, timeout time.Duration) (Result, error)

	// Run executes command on a fresh non-interactive channel and returns
	// its combined output. A command still running after timeout (zero
	// means DefaultCommandTimeout) fails with util.ErrCommandTimeout.
	Run(ctx context.Context, command string, timeout time.Duration) (string, error)

	// Close disconnects. It is safe to call more than once; only the first
	// call has effect.
	Close() error
}

// Shell is the streaming half of a Session. It reads from the device on a
// background goroutine; Execute polls what has arrived at a fixed interval.
type Shell struct {
	w        io.Writer
	chunks   chan []byte
	observer io.Writer
	poll     time.Duration

	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	closer    func() error
}

// NewShell starts reading from r. Commands are written to w. closer is
// invoked exactly once, by the first call to Close.
func NewShell(r io.Reader, w io.Writer, closer func() error, observer io.Writer, poll time.Duration) *Shell {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	s := &Shell{
		w:        w,
		chunks:   make(chan []byte, 64),
		observer: observer,
		poll:     poll,
		done:     make(chan struct{}),
		closer:   closer,
	}
	go s.pump(r)
	return s
}

func (s *Shell) pump(r io.Reader) {
	defer close(s.chunks)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case s.chunks <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				util.Debugf("session read ended: %v", err)
			}
			return
		}
	}
}

// Execute implements Session.
func (s *Shell) Execute(ctx context.Context, command string, until Matcher, timeout time.Duration) (Result, error) {
	if s.closed.Load() {
		return Result{}, util.ErrSessionClosed
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	// Output left over from a previous command or the login banner must not
	// satisfy this command's matcher.
	s.readAvailable(io.Discard)

	start := time.Now()
	if _, err := io.WriteString(s.w, command+"\n"); err != nil {
		return Result{}, fmt.Errorf("writing command: %w", err)
	}

	var buf strings.Builder
	result := Result{}
	finish := func() Result {
		result.Output = buf.String()
		result.Duration = time.Since(start)
		return result
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.poll)
	defer tick.Stop()

	for {
		before := buf.Len()
		eof := s.readAvailable(&buf)
		if buf.Len() > before && until != nil && until(buf.String()) {
			result.Matched = true
			return finish(), nil
		}
		if eof {
			result.Closed = true
			return finish(), nil
		}

		select {
		case <-ctx.Done():
			return finish(), ctx.Err()
		case <-deadline.C:
			s.readAvailable(&buf)
			if until != nil && until(buf.String()) {
				result.Matched = true
			} else {
				result.TimedOut = true
			}
			return finish(), nil
		case <-tick.C:
		}
	}
}

// readAvailable drains every chunk that has already arrived into w without
// blocking. It reports whether the stream has ended.
func (s *Shell) readAvailable(w io.Writer) bool {
	for {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				return true
			}
			w.Write(chunk)
			s.mirror(chunk)
		default:
			return false
		}
	}
}

// mirror copies output to the observer. Observer errors and panics are
// logged and otherwise ignored.
func (s *Shell) mirror(p []byte) {
	if s.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			util.Debugf("session observer panicked: %v", r)
		}
	}()
	if _, err := s.observer.Write(p); err != nil {
		util.Debugf("session observer write failed: %v", err)
	}
}

// Close implements Session.
func (s *Shell) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}

// Run is not available on a bare shell.
func (s *Shell) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	return "", fmt.Errorf("run %q: no exec channel on a bare shell", command)
}
