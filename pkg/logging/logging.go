// Package logging provides the structured logger shared by the compiler,
// orchestrator, and CLI. It wraps logrus with a stream splitter so that
// error-level records go to stderr and everything else goes to stdout,
// which keeps container log aggregation sane for the orchestrator's long
// running sweep loop.
package logging

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// Config configures a new Logger.
type Config struct {
	Level     string // "debug", "info", "warn", "error"
	Format    string // "json" or "text"
	Service   string
	AddCaller bool
}

// DefaultConfig returns sensible defaults for a foreground CLI process.
func DefaultConfig(service string) Config {
	return Config{
		Level:   "info",
		Format:  "text",
		Service: service,
	}
}

// streamSplitter routes error-level logrus output to stderr and everything
// else to stdout, so orchestrator failures surface on the error stream
// without splitting every info-level sweep tick across two files.
type streamSplitter struct{}

func (streamSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte("level=fatal")) ||
		bytes.Contains(p, []byte(`"level":"error"`)) || bytes.Contains(p, []byte(`"level":"fatal"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// New builds a logrus.Logger with cfg's level, format and caller setting.
// It does not apply cfg.Service; the "service" field is added per entry by
// ForRun.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logger.SetReportCaller(cfg.AddCaller)
	logger.SetOutput(streamSplitter{})

	return logger
}

// ForRun returns an entry scoped to a single pipeline run, the way sweep
// handlers tag every log line they emit for a given execution.
func ForRun(logger *logrus.Logger, runID, service string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"service": service,
		"run_id":  runID,
	})
}

// ForExecution further scopes a run-level entry to one execution node.
func ForExecution(entry *logrus.Entry, executionID string) *logrus.Entry {
	return entry.WithField("execution_id", executionID)
}
