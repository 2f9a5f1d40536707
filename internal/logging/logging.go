// Package logging configures the service-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates a structured logger. An unknown level falls back to info.
func New(level string, pretty bool) zerolog.Logger {
	return NewWithOutput(level, pretty, os.Stdout)
}

func NewWithOutput(level string, pretty bool, output io.Writer) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}

	if pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		Level(parsed).
		With().
		Timestamp().
		Str("service", "custodian").
		Logger()
}
