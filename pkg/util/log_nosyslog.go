//go:build windows || plan9

package util

import "errors"

// EnableSyslog is unavailable on this platform.
func EnableSyslog(tag string) error {
	return errors.New("syslog is not supported on this platform")
}
