//go:build !windows && !plan9

package util

import (
	"log/syslog"

	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// EnableSyslog mirrors log entries to the local syslog daemon under the
// LOCAL0 facility, tagged with tag.
func EnableSyslog(tag string) error {
	hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_INFO|syslog.LOG_LOCAL0, tag)
	if err != nil {
		return err
	}
	Logger.AddHook(hook)
	return nil
}
