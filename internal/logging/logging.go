// Package logging configures the process-wide zerolog logger.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the base logger from an env-style level string ("debug",
// "info", "warn", "error"). Unknown or empty values default to info.
// When pretty is true, output is a human-readable console writer;
// otherwise it's newline-delimited JSON suitable for log aggregation.
func Setup(level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).Level(lvl).With().Timestamp().Logger()
	}
	return logger
}

// Component returns a child logger tagged with a component name, the
// convention used across every internal/ package for its package-level
// logger.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// ShortPK truncates a hex pubkey/id to 8 characters for log fields,
// mirroring the teacher's shortPK display convention.
func ShortPK(pk string) string {
	if len(pk) > 8 {
		return pk[:8]
	}
	return pk
}
