package logging

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var validLogFormats = map[string]bool{
	"text":    true,
	"colored": true,
	"json":    true,
}

// Config defines logging configuration for the pipeline.
type Config struct {
	// Log level, e.g. INFO, ERROR etc
	Level string
	// Logging format, one of text, colored or json
	Format string
	// Whether the number of messages logged at each level is exported as a prometheus counter
	PrometheusHook bool
}

func (c Config) validate() error {
	if _, err := parseLogLevel(c.Level); err != nil {
		return err
	}
	if !validLogFormats[c.Format] {
		return errors.Errorf("unknown log format: %s.  Valid formats are text, colored and json", c.Format)
	}
	return nil
}

func parseLogLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "panic":
		return logrus.PanicLevel, nil
	case "fatal":
		return logrus.FatalLevel, nil
	default:
		return logrus.InfoLevel, errors.Errorf("unknown level: %s", level)
	}
}
