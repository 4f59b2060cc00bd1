// Package test holds helpers shared by the package tests.
package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that stays quiet unless TEST_LOGS is set. 1 logs
// at info, 2 at debug and 3 at trace.
func NewLogger() *logrus.Logger {
	l := logrus.New()
	configure(l, os.Getenv("TEST_LOGS"))
	return l
}

// NewCapturingLogger returns a logger at debug level along with a hook
// recording every entry, so a test can assert on what was logged.
func NewCapturingLogger() (*logrus.Logger, *logtest.Hook) {
	l := NewLogger()
	if l.Out == io.Discard {
		l.SetLevel(logrus.DebugLevel)
	}
	return l, logtest.NewLocal(l)
}

func configure(l *logrus.Logger, v string) {
	switch v {
	case "":
		l.SetOutput(io.Discard)
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
}
