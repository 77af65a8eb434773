// Package credential holds credential sets and the resolver that tries them
// in order against a device.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/newtron-network/newtlife/pkg/session"
	"github.com/newtron-network/newtlife/pkg/util"
)

// Set is one principal/secret pair with a label naming its tier
// (for example PRIMARY or BACKUP).
type Set struct {
	Label     string
	Principal string
	Secret    string
}

// String never includes the secret.
func (s Set) String() string {
	return fmt.Sprintf("%s(%s)", s.Label, s.Principal)
}

// Dialer opens a session with one credential set.
type Dialer interface {
	Dial(ctx context.Context, address string, cred Set) (session.Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, address string, cred Set) (session.Session, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, address string, cred Set) (session.Session, error) {
	return f(ctx, address, cred)
}

// SSHDialer opens SSH sessions.
type SSHDialer struct {
	Options session.Options
}

// Dial implements Dialer.
func (d SSHDialer) Dial(ctx context.Context, address string, cred Set) (session.Session, error) {
	return session.Dial(ctx, address, cred.Principal, cred.Secret, d.Options)
}

// Attempt records the outcome of one credential try.
type Attempt struct {
	Label string
	Err   error
}

// AllFailedError is returned when every candidate was rejected.
type AllFailedError struct {
	Address  string
	Attempts []Attempt
}

func (e *AllFailedError) Error() string {
	labels := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		labels[i] = a.Label
	}
	return fmt.Sprintf("%s: all credentials failed (tried %s)", e.Address, strings.Join(labels, ", "))
}

func (e *AllFailedError) Unwrap() error {
	return util.ErrAllCredentialsFailed
}

// Resolver tries candidate credential sets strictly in order.
type Resolver struct {
	Dialer Dialer

	// OnAttempt, when set, is called after every try.
	OnAttempt func(address string, a Attempt)
}

// NewResolver creates a resolver over dialer.
func NewResolver(dialer Dialer) *Resolver {
	return &Resolver{Dialer: dialer}
}

// Authenticate returns the first session that authenticates and the label of
// the set that worked. An authentication failure moves on to the next
// candidate. A connection failure is returned immediately since other
// credentials cannot help.
func (r *Resolver) Authenticate(ctx context.Context, address string, candidates []Set) (session.Session, string, error) {
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("%s: %w: no credential candidates", address, util.ErrInvalidConfig)
	}

	var attempts []Attempt
	for _, cred := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		s, err := r.Dialer.Dial(ctx, address, cred)
		attempt := Attempt{Label: cred.Label, Err: err}
		if r.OnAttempt != nil {
			r.OnAttempt(address, attempt)
		}
		if err == nil {
			if len(attempts) > 0 {
				util.WithDevice(address).Infof("authenticated with fallback credentials %s", cred)
			}
			return s, cred.Label, nil
		}

		if !errors.Is(err, util.ErrAuth) {
			return nil, "", err
		}
		util.WithDevice(address).Debugf("credentials %s rejected: %v", cred, err)
		attempts = append(attempts, attempt)
	}
	return nil, "", &AllFailedError{Address: address, Attempts: attempts}
}

// EnvSource describes a credential tier whose values come from the
// environment. Literal values take precedence over the variable names.
type EnvSource struct {
	Label       string `yaml:"label" json:"label"`
	Username    string `yaml:"username,omitempty" json:"username,omitempty"`
	UsernameEnv string `yaml:"username_env,omitempty" json:"username_env,omitempty"`
	Password    string `yaml:"password,omitempty" json:"-"`
	PasswordEnv string `yaml:"password_env,omitempty" json:"password_env,omitempty"`
}

// Resolve reads the environment and returns the concrete set.
func (e EnvSource) Resolve() (Set, error) {
	s := Set{Label: e.Label, Principal: e.Username, Secret: e.Password}
	if s.Principal == "" && e.UsernameEnv != "" {
		s.Principal = os.Getenv(e.UsernameEnv)
	}
	if s.Secret == "" && e.PasswordEnv != "" {
		s.Secret = os.Getenv(e.PasswordEnv)
	}

	vb := &util.ValidationBuilder{}
	vb.Add(s.Label != "", "credential tier has no label")
	if s.Principal == "" {
		vb.AddErrorf("credential tier %q: username is empty (username or %s)", e.Label, orUnset(e.UsernameEnv))
	}
	if s.Secret == "" {
		vb.AddErrorf("credential tier %q: password is empty (password or %s)", e.Label, orUnset(e.PasswordEnv))
	}
	if err := vb.Build(); err != nil {
		return Set{}, err
	}
	return s, nil
}

func orUnset(env string) string {
	if env == "" {
		return "no environment variable"
	}
	return "$" + env
}
