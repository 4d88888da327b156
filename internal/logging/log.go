/*
Package logging provides the server's global structured logger.

PURPOSE:
  One zerolog.Logger configured at startup from Config, plus a
  WithComponent helper that tags a child logger with a component name.
  Per-operation fields (operationId, conflictId, requestId, ...) are
  attached by the callers themselves.

SEE ALSO:
  - api/server.go: per-request logger middleware built on this package
  - cmd/server/main.go: Init(cfg) at startup
*/
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, set by Init.
var Logger zerolog.Logger

// Level names a logging verbosity, matching SYNCD_LOG_LEVEL.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with a component name,
// e.g. "processor", "resolver", "http".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
