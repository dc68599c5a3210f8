// Package logging configures the process-wide structured logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
)

// Config selects the log destination and verbosity.
type Config struct {
	// Logfile is a rotating log file; empty sends logs to stderr
	Logfile string

	// MaxSize is the size in megabytes before the file is rotated
	MaxSize int

	// MaxAge is the number of days rotated files are kept
	MaxAge int

	// Level is one of debug, info, warn, error
	Level string
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// New builds a logger for the configuration. The returned closer releases
// the log file, if any.
func New(c Config, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	if c.Logfile == "" {
		return slog.New(slog.NewTextHandler(stderr, opts)), nopCloser{}, nil
	}

	l := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize, // megabytes
		MaxAge:   c.MaxAge,  // days
	}
	return slog.New(slog.NewJSONHandler(l, opts)), l, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup installs the configured logger as the slog default.
func Setup(c Config) (io.Closer, error) {
	logger, closer, err := New(c, os.Stderr)
	if err != nil {
		return nil, err
	}
	if c.Logfile != "" {
		fmt.Printf("Sending log messages to: %s\n", c.Logfile)
	}
	slog.SetDefault(logger)
	return closer, nil
}
