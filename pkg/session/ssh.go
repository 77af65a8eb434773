package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/newtron-network/newtlife/pkg/util"
)

// DefaultPort is the device management port.
const DefaultPort = "22"

// Options controls how a session is opened.
type Options struct {
	// ConnectTimeout bounds the TCP dial and the SSH handshake (default 10s).
	ConnectTimeout time.Duration

	// KnownHostsFile enables host key verification. When empty, host keys
	// are not checked.
	KnownHostsFile string

	// Observer receives a live copy of every byte read from the shell.
	Observer io.Writer

	// PollInterval is passed through to the shell (default 500ms).
	PollInterval time.Duration
}

// SSHSession is a Session backed by an SSH shell channel.
type SSHSession struct {
	*Shell
	client  *ssh.Client
	address string
}

// Dial connects to address (host or host:port) and opens an interactive
// shell. Transport and handshake failures return *ConnectError; a rejected
// login returns *AuthError.
func Dial(ctx context.Context, address, user, password string, opts Options) (*SSHSession, error) {
	address = withDefaultPort(address)
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if opts.KnownHostsFile != "" {
		cb, err := knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts %s: %w", opts.KnownHostsFile, err)
		}
		hostKeyCallback = cb
	}

	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &ConnectError{Address: address, Err: err}
	}
	conn.SetDeadline(time.Now().Add(timeout))

	c, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		if isAuthFailure(err) {
			return nil, &AuthError{Address: address, User: user, Err: err}
		}
		return nil, &ConnectError{Address: address, Err: err}
	}
	client := ssh.NewClient(c, chans, reqs)

	// The deadline also bounds the pty and shell requests.
	s, err := openShell(client, opts)
	if err != nil {
		client.Close()
		return nil, &ConnectError{Address: address, Err: err}
	}
	conn.SetDeadline(time.Time{})
	util.WithDevice(address).Debugf("ssh session opened as %s", user)
	return &SSHSession{Shell: s, client: client, address: address}, nil
}

func openShell(client *ssh.Client, opts Options) (*Shell, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 38400,
		ssh.TTY_OP_OSPEED: 38400,
	}
	if err := sess.RequestPty("vt100", 0, 511, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("requesting pty: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("starting shell: %w", err)
	}

	closer := func() error {
		sess.Close()
		return client.Close()
	}
	return NewShell(stdout, stdin, closer, opts.Observer, opts.PollInterval), nil
}

// Run implements Session using a separate exec channel on the same
// connection. The channel is closed when timeout elapses.
func (s *SSHSession) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if s.closed.Load() {
		return "", util.ErrSessionClosed
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening exec channel on %s: %w", s.address, err)
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(command)
		ch <- result{out, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			var exitErr *ssh.ExitError
			if errors.As(r.err, &exitErr) {
				return string(r.out), fmt.Errorf("%q exited with status %d", command, exitErr.ExitStatus())
			}
			return string(r.out), fmt.Errorf("running %q on %s: %w", command, s.address, r.err)
		}
		return string(r.out), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%q on %s: no exit after %s: %w", command, s.address, timeout, util.ErrCommandTimeout)
		}
		return "", ctx.Err()
	}
}

// SSHClient exposes the underlying connection for file transfer.
func (s *SSHSession) SSHClient() *ssh.Client {
	return s.client
}

// Address returns the host:port this session is connected to.
func (s *SSHSession) Address() string {
	return s.address
}

func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}

func withDefaultPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, DefaultPort)
}
