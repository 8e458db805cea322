package logging

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// ConfigureLogging sets up the global logrus logger with sensible defaults, before any configuration is loaded.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true, TimestampFormat: RFC3339Milli})
	log.SetOutput(os.Stdout)
}

// Configure applies the given logging configuration to the global logrus logger.
func Configure(config Config) error {
	if err := config.validate(); err != nil {
		return err
	}
	level, _ := parseLogLevel(config.Level)
	log.SetLevel(level)

	switch config.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: RFC3339Milli})
	case "colored":
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true, TimestampFormat: RFC3339Milli})
	default:
		log.SetFormatter(&log.TextFormatter{DisableColors: true, FullTimestamp: true, TimestampFormat: RFC3339Milli})
	}

	if config.PrometheusHook {
		hook, err := promrus.NewPrometheusHook()
		if err != nil {
			return errors.WithMessage(err, "error registering prometheus logging hook")
		}
		log.AddHook(hook)
	}
	return nil
}
