package session

import (
	"fmt"

	"github.com/newtron-network/newtlife/pkg/util"
)

// ConnectError is a failure to reach the device or to complete the SSH
// protocol handshake. Trying other credentials cannot fix it.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{util.ErrConnect, e.Err}
}

// AuthError is a rejection of the supplied principal or secret.
type AuthError struct {
	Address string
	User    string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate %s@%s: %v", e.User, e.Address, e.Err)
}

func (e *AuthError) Unwrap() []error {
	return []error{util.ErrAuth, e.Err}
}
