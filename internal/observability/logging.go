package observability

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var globalLevel atomic.Value

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	globalLevel.Store(parseLogLevel(os.Getenv("LOG_LEVEL")))
}

// SetLevel changes the level of loggers created afterwards.
func SetLevel(raw string) {
	globalLevel.Store(parseLogLevel(raw))
}

// NewLogger returns a JSON logger on stdout tagged with component.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, component)
}

func NewLoggerTo(w io.Writer, component string) zerolog.Logger {
	return zerolog.New(w).
		Level(globalLevel.Load().(zerolog.Level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
