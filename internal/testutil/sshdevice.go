// Package testutil provides test helpers: an emulated SSH device for unit
// tests and Redis helpers for integration tests.
package testutil

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// DeviceConfig scripts an emulated network device.
type DeviceConfig struct {
	// Users maps accepted usernames to passwords.
	Users map[string]string

	// Hostname is used in the CLI prompt (default "switch").
	Hostname string

	// Responses maps a command line to the chunks written back, in order.
	// Unknown commands get a syntax error line.
	Responses map[string][]string

	// ChunkDelay is slept between response chunks so a reader sees them in
	// separate reads.
	ChunkDelay time.Duration
}

// SSHDevice is an in-process SSH server that behaves like a device CLI:
// interactive shells get a prompt and scripted responses, exec channels
// return the scripted response and exit.
type SSHDevice struct {
	Addr string

	cfg      DeviceConfig
	listener net.Listener

	mu           sync.Mutex
	commands     []string
	authAttempts []string
}

// StartSSHDevice starts an emulated device on a loopback port. It is shut
// down by t.Cleanup.
func StartSSHDevice(t testing.TB, cfg DeviceConfig) *SSHDevice {
	t.Helper()
	if cfg.Hostname == "" {
		cfg.Hostname = "switch"
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	d := &SSHDevice{Addr: ln.Addr().String(), cfg: cfg, listener: ln}

	server := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			d.mu.Lock()
			d.authAttempts = append(d.authAttempts, meta.User())
			d.mu.Unlock()
			if want, ok := cfg.Users[meta.User()]; ok && want == string(pass) {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", meta.User())
		},
	}
	server.AddHostKey(signer)

	go d.acceptLoop(server)
	t.Cleanup(func() { ln.Close() })
	return d
}

// Commands returns every command line received, from shells and exec
// channels alike.
func (d *SSHDevice) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// AuthAttempts returns the usernames of every password attempt.
func (d *SSHDevice) AuthAttempts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.authAttempts...)
}

func (d *SSHDevice) acceptLoop(server *ssh.ServerConfig) {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		go d.serveConn(conn, server)
	}
}

func (d *SSHDevice) serveConn(conn net.Conn, server *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, server)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go d.serveSession(ch, chReqs)
	}
}

func (d *SSHDevice) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "pty-req", "env", "window-change":
			req.Reply(true, nil)
		case "shell":
			req.Reply(true, nil)
			go d.shell(ch)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			d.exec(ch, payload.Command)
			return
		default:
			req.Reply(false, nil)
		}
	}
}

func (d *SSHDevice) prompt() string {
	return fmt.Sprintf("\r\nadmin@%s> ", d.cfg.Hostname)
}

func (d *SSHDevice) shell(ch ssh.Channel) {
	defer ch.Close()
	io.WriteString(ch, "--- JUNOS emulated\r\n"+d.prompt())

	r := bufio.NewReader(ch)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		if cmd == "" {
			io.WriteString(ch, d.prompt())
			continue
		}
		d.record(cmd)
		if cmd == "exit" || cmd == "quit" {
			return
		}
		d.respond(ch, cmd)
		io.WriteString(ch, d.prompt())
	}
}

func (d *SSHDevice) exec(ch ssh.Channel, cmd string) {
	d.record(cmd)
	d.respond(ch, cmd)
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
	ch.Close()
}

func (d *SSHDevice) respond(w io.Writer, cmd string) {
	chunks, ok := d.cfg.Responses[cmd]
	if !ok {
		io.WriteString(w, "\r\nsyntax error, expecting <command>.\r\n")
		return
	}
	for i, chunk := range chunks {
		if i > 0 && d.cfg.ChunkDelay > 0 {
			time.Sleep(d.cfg.ChunkDelay)
		}
		io.WriteString(w, chunk)
	}
}

func (d *SSHDevice) record(cmd string) {
	d.mu.Lock()
	d.commands = append(d.commands, cmd)
	d.mu.Unlock()
}
