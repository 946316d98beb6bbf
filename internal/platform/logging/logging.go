// Package logging configures the process-wide structured logger and the
// per-run field helpers used across the control plane.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls how New builds the base logger.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
	Output io.Writer
}

func (c Config) withDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.Output == nil {
		c.Output = os.Stderr
	}
	return c
}

// New builds a *logrus.Logger for the given config. Unknown levels fall
// back to info rather than erroring, since a bad env var shouldn't take
// the process down before it can log the problem.
func New(cfg Config) *logrus.Logger {
	cfg = cfg.withDefaults()
	logger := logrus.New()
	logger.SetOutput(cfg.Output)

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// ForRun returns an entry scoped to one run, the base used by everything
// the engine and dispatcher log for that run's lifetime.
func ForRun(logger *logrus.Logger, runID, projectID string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"run_id":     runID,
		"project_id": projectID,
	})
}

// ForNode extends a run-scoped entry with the node currently executing.
func ForNode(entry *logrus.Entry, nodeID, nodeType string) *logrus.Entry {
	return entry.WithFields(logrus.Fields{
		"node_id":   nodeID,
		"node_type": nodeType,
	})
}
