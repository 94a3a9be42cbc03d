// Package logging sets up structured logging for the agent process.
// Grounded on ipiton-alert-history-service's pkg/logger (slog handler
// construction plus a lumberjack.v2 rotating file sink wired in as the
// handler's io.Writer) — adapted from that service's HTTP-request-scoped
// logger to a single process-wide logger suitable for a cycle-based
// agent with no request context to thread through.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how verbosely the agent logs.
type Config struct {
	Level      string // debug|info|warning|error
	Output     string // "stdout" or "file"
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig returns modest rotation defaults so a long-running
// daemon never fills the disk with log history.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Output:     "stdout",
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
}

// ParseLevel maps the agent's recognized log_level strings onto slog's
// levels. "warning" is accepted as an alias for slog's "warn".
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warning", "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unrecognized log_level %q", s)
	}
}

// New builds a process-wide *slog.Logger per cfg. Output "file" rotates
// through lumberjack; anything else logs to stdout.
func New(cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var w io.Writer = os.Stdout
	if cfg.Output == "file" {
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("logging: log_output=file requires log_file to be set")
		}
		w = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    nonZero(cfg.MaxSizeMB, 100),
			MaxBackups: nonZero(cfg.MaxBackups, 5),
			MaxAge:     nonZero(cfg.MaxAgeDays, 30),
			Compress:   true,
		}
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler), nil
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
