package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
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

// New builds the root logger. Components receive child loggers via
// WithComponent at construction time; nothing in this package is mutable
// after New returns.
func New(cfg Config) zerolog.Logger {
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

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		return zerolog.New(output).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).Level(level).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything. Used by tests and as the
// default when a component is constructed without an explicit logger.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// WithComponent creates a child logger with a component field
func WithComponent(parent zerolog.Logger, component string) zerolog.Logger {
	return parent.With().Str("component", component).Logger()
}

// WithIndex creates a child logger with an index field
func WithIndex(parent zerolog.Logger, index string) zerolog.Logger {
	return parent.With().Str("index", index).Logger()
}

// WithDocumentID creates a child logger with a document_id field
func WithDocumentID(parent zerolog.Logger, documentID string) zerolog.Logger {
	return parent.With().Str("document_id", documentID).Logger()
}

// WithContentID creates a child logger with a content_id field
func WithContentID(parent zerolog.Logger, contentID string) zerolog.Logger {
	return parent.With().Str("content_id", contentID).Logger()
}
