package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the process logger, set by Init. Components never read it
	// directly; they receive a child logger through their constructors.
	Logger = zerolog.Nop()
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// ParseLevel converts a level name into a zerolog level, defaulting to info
func ParseLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds a logger from cfg without touching the process logger
func New(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var logger zerolog.Logger
	if cfg.JSONOutput {
		logger = zerolog.New(output)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		})
	}

	return logger.Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
}

// Init initializes the process logger
func Init(cfg Config) {
	Logger = New(cfg)
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// Component derives a component logger from an injected parent
func Component(parent zerolog.Logger, component string) zerolog.Logger {
	return parent.With().Str("component", component).Logger()
}

// WithRun adds the run name to a logger
func WithRun(parent zerolog.Logger, runName string) zerolog.Logger {
	return parent.With().Str("run", runName).Logger()
}

// Writer adapts a logger into an io.Writer for libraries that only accept
// one (raft transports and snapshot stores).
func Writer(parent zerolog.Logger, component string) io.Writer {
	return Component(parent, component)
}
