// Package reach probes device service ports: a single-target wait that
// follows a device through a reboot, and a bounded parallel fleet scan.
package reach

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/newtron-network/newtlife/pkg/util"
)

// State is the observed reachability of a service port.
type State int

const (
	Unknown State = iota
	Down
	Up
)

func (s State) String() string {
	switch s {
	case Down:
		return "down"
	case Up:
		return "up"
	default:
		return "unknown"
	}
}

// Prober checks one address. An error means the probe itself failed and
// says nothing about the device; the caller retries on the next tick.
type Prober interface {
	Probe(ctx context.Context, address string) (State, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, address string) (State, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, address string) (State, error) {
	return f(ctx, address)
}

// TCPProber reports Up when a TCP connection to Port succeeds.
type TCPProber struct {
	Port    string
	Timeout time.Duration
}

// Probe implements Prober.
func (p TCPProber) Probe(ctx context.Context, address string) (State, error) {
	conn, err := dial(ctx, address, p.Port, p.Timeout)
	if err != nil {
		return classifyDialError(ctx, err)
	}
	conn.Close()
	return Up, nil
}

// SSHBannerProber reports Up only once the SSH daemon answers with its
// version banner. A device that accepts TCP during boot but has no sshd
// running yet is Down.
type SSHBannerProber struct {
	Port    string
	Timeout time.Duration
}

// Probe implements Prober.
func (p SSHBannerProber) Probe(ctx context.Context, address string) (State, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := dial(ctx, address, p.Port, timeout)
	if err != nil {
		return classifyDialError(ctx, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return Down, nil
	}
	if strings.HasPrefix(line, "SSH-") {
		return Up, nil
	}
	return Down, nil
}

func dial(ctx context.Context, address, port string, timeout time.Duration) (net.Conn, error) {
	if port == "" {
		port = "22"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, port)
	}
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", address)
}

// classifyDialError maps a dial failure to Down. Cancellation of the
// caller's context is a probe failure, not evidence the device is down.
func classifyDialError(ctx context.Context, err error) (State, error) {
	if ctx.Err() != nil {
		return Unknown, ctx.Err()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.Temporary() {
		return Unknown, err
	}
	return Down, nil
}

// probeOnce runs one probe bounded by timeout. A prober that ignores its
// context is abandoned when the timeout expires.
func probeOnce(ctx context.Context, p Prober, address string, timeout time.Duration) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		state State
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{Unknown, fmt.Errorf("probe panicked: %v", r)}
			}
		}()
		s, err := p.Probe(ctx, address)
		ch <- result{s, err}
	}()

	select {
	case r := <-ch:
		return r.state, r.err
	case <-ctx.Done():
		return Unknown, fmt.Errorf("probe %s: %w", address, ctx.Err())
	}
}

// Transition is a change in observed state.
type Transition struct {
	Address string
	From    State
	To      State
	At      time.Time
}

// WaitOptions controls WaitForReboot.
type WaitOptions struct {
	Interval     time.Duration // default 10s
	Timeout      time.Duration // default 15m
	ProbeTimeout time.Duration // default 5s

	// OnTransition is called for every state change after the first
	// observation.
	OnTransition func(Transition)
}

// WaitResult summarizes a reboot wait.
type WaitResult struct {
	Final       State
	Transitions []Transition
	Probes      int
	Failures    int
	Elapsed     time.Duration
}

// WaitForReboot polls address until the device has gone down and come back
// up. An Up observation that follows a spell of failed probes also counts:
// the down phase was missed. A device that stays Up, stays Down, or is never
// observed before the timeout is a failure wrapping util.ErrReachabilityTimeout.
func WaitForReboot(ctx context.Context, p Prober, address string, opts WaitOptions) (*WaitResult, error) {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Minute
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}

	log := util.WithDevice(address)
	start := time.Now()
	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	res := &WaitResult{Final: Unknown}
	current := Unknown
	sawDown, sawFailure := false, false

	for {
		state, err := probeOnce(ctx, p, address, opts.ProbeTimeout)
		res.Probes++
		switch {
		case err != nil:
			res.Failures++
			sawFailure = true
			log.Debugf("probe failed, retrying next tick: %v", err)
		case current == Unknown:
			log.Infof("initial state %s", state)
			current = state
		case state != current:
			tr := Transition{Address: address, From: current, To: state, At: time.Now()}
			res.Transitions = append(res.Transitions, tr)
			if opts.OnTransition != nil {
				opts.OnTransition(tr)
			}
			log.Infof("state %s -> %s", current, state)
			current = state
		}
		if current == Down {
			sawDown = true
		}
		res.Final = current

		if err == nil && current == Up && (sawDown || sawFailure) {
			res.Elapsed = time.Since(start)
			return res, nil
		}

		select {
		case <-ctx.Done():
			res.Elapsed = time.Since(start)
			return res, ctx.Err()
		case <-deadline.C:
			res.Elapsed = time.Since(start)
			return res, fmt.Errorf("%s still %s after %s: %w", address, current, opts.Timeout, util.ErrReachabilityTimeout)
		case <-time.After(opts.Interval):
		}
	}
}
