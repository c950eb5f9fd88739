// Package logging wraps zerolog the way the teacher service's
// be-lib-common/logger package did: a single Config struct consumed once at
// startup, producing structured, leveled loggers that every component
// receives as a constructor parameter rather than reaching for a global.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config mirrors the shape passed into logger.New in cmd/server/main.go of
// the reference service: level plus a handful of fields stamped onto every
// log line so logs are filterable per service/environment/version.
type Config struct {
	Level       string
	Environment string
	ServiceName string
	Version     string
	// Writer overrides the output sink; defaults to os.Stderr. Tests pass a
	// bytes.Buffer here to assert on emitted lines.
	Writer io.Writer
}

// New builds a zerolog.Logger from Config. Unknown or empty levels default
// to info; "development" environments get console-pretty output, anything
// else gets compact JSON suited to log aggregation.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var w io.Writer = cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(cfg.Environment, "development") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Logger()

	return logger
}

// Noop returns a logger that discards all output, used in tests that don't
// care about log content.
func Noop() zerolog.Logger {
	return zerolog.New(io.Discard)
}
