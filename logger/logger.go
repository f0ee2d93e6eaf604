// Package logger provides the structured logging interface used across the
// server, backed by zerolog. Entries carry a service name and timestamp and
// can be written to the console, a writer of the caller's choosing, or a
// daily rotated file.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Logger writes leveled, structured entries. Derived loggers created with
// With carry their fields into every entry.
type Logger interface {
	// Debug logs a message at debug level.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Debug(msg string, fields ...Field)

	// Info logs a message at info level.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Warn(msg string, fields ...Field)

	// Error logs a message at error level.
	//
	// Parameters:
	//   - msg: The log message
	//   - fields: Optional key-value pairs to include in the log entry
	Error(msg string, fields ...Field)

	// With returns a Logger that adds fields to every entry. The receiver is
	// left unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - The derived Logger
	With(fields ...Field) Logger

	// Close releases resources owned by the logger, such as an open log
	// file. Derived loggers never own resources. Safe to call more than once.
	//
	// Returns:
	//   - An error if releasing resources fails
	Close() error
}

type zerologLogger struct {
	logger zerolog.Logger
	closer io.Closer
}

// New returns a Logger writing JSON entries to w.
//
// Parameters:
//   - w: Destination for log entries
//   - service: Service name added to every entry
//   - level: Minimum level to log
//
// Returns:
//   - A Logger writing to w
func New(w io.Writer, service string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: zerolog.New(w).With().Str("service", service).Timestamp().Logger().Level(level),
	}
}

// NewConsole returns a Logger writing human-readable entries to stderr.
//
// Parameters:
//   - service: Service name added to every entry
//   - level: Minimum level to log
//
// Returns:
//   - A Logger writing to a zerolog ConsoleWriter on stderr
func NewConsole(service string, level zerolog.Level) Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return New(out, service, level)
}

// NewFile returns a Logger writing to stdout and to a daily rotated file in
// dir named {service}_{date}.log. The directory is created when missing.
//
// Parameters:
//   - service: Service name, used in entries and file names
//   - dir: Directory for log files
//   - level: Minimum level to log
//
// Returns:
//   - The Logger, or an error if the directory or first file cannot be opened
func NewFile(service string, dir string, level zerolog.Level) (Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	fw, err := NewDailyFileWriter(service, dir)
	if err != nil {
		return nil, err
	}

	l := New(io.MultiWriter(os.Stdout, fw), service, level).(*zerologLogger)
	l.closer = fw
	return l, nil
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// ParseLevel converts a textual level ("debug", "info", "warn", "error")
// into a zerolog level. An empty string means info.
//
// Parameters:
//   - s: The level name, case-insensitive
//
// Returns:
//   - The zerolog level, or an error for unknown names
func ParseLevel(s string) (zerolog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zerolog.InfoLevel, nil
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q: %w", s, err)
	}

	return lvl, nil
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{logger: z.logger.With().Fields(toMap(fields)).Logger()}
}

func (z *zerologLogger) Close() error {
	if z.closer == nil {
		return nil
	}

	c := z.closer
	z.closer = nil
	return c.Close()
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}
