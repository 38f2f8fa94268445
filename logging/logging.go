// Package logging builds the engine's structured logger, following the
// teacher's common/logger.go (LoggerConfig -> *logrus.Logger) pattern.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config controls logger construction.
type Config struct {
	Level     string // debug|info|warn|error
	Format    string // "json" or "text"
	Component string
}

// DefaultConfig returns sensible defaults: info level, text format.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text", Component: "xjog"}
}

// New builds a *logrus.Entry scoped to Config.Component.
func New(cfg Config) *logrus.Entry {
	logger := logrus.New()

	switch cfg.Level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	entry := logrus.NewEntry(logger)
	if cfg.Component != "" {
		entry = entry.WithField("component", cfg.Component)
	}
	return entry
}

// WithChart scopes a logger entry to one chart reference, the
// correlation-id idiom the teacher's otel/common packages use for tying
// log lines to one logical operation.
func WithChart(l *logrus.Entry, machineID, chartID string) *logrus.Entry {
	return l.WithFields(logrus.Fields{"machineId": machineID, "chartId": chartID})
}
