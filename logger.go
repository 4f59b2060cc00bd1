package nicring

import (
	"fmt"
	"strings"
	"time"

	"github.com/nicring/nicring/config"
	"github.com/sirupsen/logrus"
)

var logFormats = []string{"text", "json"}

// configLogger applies the logging section to l. It is run again on every
// config reload, a level change is logged at the old level.
func configLogger(l *logrus.Logger, c *config.C) error {
	level, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}

	f, err := newFormatter(
		strings.ToLower(c.GetString("logging.format", "text")),
		c.GetString("logging.timestamp_format", ""),
		c.GetBool("logging.disable_timestamp", false),
	)
	if err != nil {
		return err
	}

	if old := l.GetLevel(); old != level {
		l.WithField("from", old).WithField("to", level).Info("Log level changed")
	}

	l.SetLevel(level)
	l.SetFormatter(f)
	l.SetReportCaller(c.GetBool("logging.report_caller", false))
	return nil
}

func newFormatter(format, timestampFormat string, disableTimestamp bool) (logrus.Formatter, error) {
	fullTimestamp := timestampFormat != ""
	if !fullTimestamp {
		timestampFormat = time.RFC3339
	}

	switch format {
	case "text":
		return &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: disableTimestamp,
		}, nil
	case "json":
		return &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: disableTimestamp,
		}, nil
	}
	return nil, fmt.Errorf("unknown log format `%s`. possible formats: %s", format, logFormats)
}
