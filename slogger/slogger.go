// Package slogger provides structured logging for agentbridge.
//
// The Logger interface is a thin abstraction over slog-style key-value
// logging so components can be tested with a devnull logger and wired to
// different handlers without code changes.
package slogger

import (
	"strings"
)

// DefaultLogger is used by components that were not given a logger.
var DefaultLogger Logger = NewDevNullLogger()

// DefaultLogLevel is used when no level is configured.
const DefaultLogLevel = LevelInfo

// Logger is the logging interface used throughout agentbridge.
type Logger interface {
	// Debug logs a message at debug level with optional key-value pairs
	Debug(msg string, keysAndValues ...any)

	// Info logs a message at info level with optional key-value pairs
	Info(msg string, keysAndValues ...any)

	// Warn logs a message at warn level with optional key-value pairs
	Warn(msg string, keysAndValues ...any)

	// Error logs a message at error level with optional key-value pairs
	Error(msg string, keysAndValues ...any)

	// With returns a Logger that includes the given key-value pairs in
	// every output operation.
	With(keysAndValues ...any) Logger
}

// LevelFromString converts a string to a LogLevel. Unknown values map to
// the default level.
func LevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return DefaultLogLevel
	}
}
