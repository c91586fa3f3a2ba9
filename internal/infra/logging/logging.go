// Package logging configures the daemon's zerolog loggers.
// The daemon logger is constructed once and passed explicitly to services —
// no package-level singleton.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug | info | warn | error (default info)
	JSONOutput bool
	Output     io.Writer // defaults to os.Stderr
}

// New builds the daemon logger.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a component field.
func WithComponent(log zerolog.Logger, component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// JobLogPath returns the JSONL log location for a job under a library root:
// <root>/.slidemanager/logs/jobs/<job_id>.log.jsonl.
func JobLogPath(libraryRoot, jobID string) string {
	return filepath.Join(libraryRoot, ".slidemanager", "logs", "jobs", jobID+".log.jsonl")
}

// NewJobLogger opens (creating directories as needed) the per-job JSONL log
// file and returns a logger that writes structured lines both to it and to
// the daemon logger. The returned closer must be closed when the job ends.
func NewJobLogger(daemon zerolog.Logger, libraryRoot, jobID string) (zerolog.Logger, io.Closer, error) {
	path := JobLogPath(libraryRoot, jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return daemon, nil, fmt.Errorf("logging: create job log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return daemon, nil, fmt.Errorf("logging: open job log: %w", err)
	}

	multi := zerolog.MultiLevelWriter(f, daemon)
	log := zerolog.New(multi).With().Timestamp().Str("job_id", jobID).Logger()
	return log, f, nil
}
