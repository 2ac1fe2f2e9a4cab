package monitoring

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbpoold/dbpoold/pkg/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the process logger. When debug is set the level is forced
// to debug regardless of cfg.Level. The returned closer releases the log file,
// if any.
func NewLogger(cfg config.LoggingConfig, debug bool) (zerolog.Logger, io.Closer, error) {
	levelName := cfg.Level
	if levelName == "" {
		levelName = "info"
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("invalid log level: %w", err)
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.Output != "" && cfg.Output != "stderr" {
		if cfg.Output == "stdout" {
			output = os.Stdout
		} else {
			if err := os.MkdirAll(filepath.Dir(cfg.Output), 0755); err != nil {
				return zerolog.Logger{}, nil, fmt.Errorf("failed to create log directory: %w", err)
			}
			file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return zerolog.Logger{}, nil, fmt.Errorf("failed to open log file: %w", err)
			}
			output = file
			closer = file
		}
	}

	return newLogger(output, cfg.Format).Level(level), closer, nil
}

func newLogger(output io.Writer, format string) zerolog.Logger {
	switch format {
	case "console":
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	case "text":
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339, NoColor: true}
	}
	return zerolog.New(output).With().Timestamp().Str("service", ServiceName).Logger()
}
