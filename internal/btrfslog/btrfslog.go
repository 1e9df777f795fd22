// Package btrfslog provides the process-wide structured logger every
// other package logs through, matching lima and docker/compose's use of
// logrus for debug-level command tracing and warn-level non-fatal
// failures instead of fmt.Println/stdlib log.
package btrfslog

import (
	"os"

	"github.com/sirupsen/logrus"
)

func init() {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		FullTimestamp:    false,
	})
	SetVerbosity(0)
}

// SetVerbosity maps the CLI's repeatable --verbose count onto logrus
// levels: 0 is warnings and errors only, 1 is informational, 2+ is
// debug-level command tracing.
func SetVerbosity(n int) {
	switch {
	case n <= 0:
		logrus.SetLevel(logrus.WarnLevel)
	case n == 1:
		logrus.SetLevel(logrus.InfoLevel)
	default:
		logrus.SetLevel(logrus.DebugLevel)
	}
}
