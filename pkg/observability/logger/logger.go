package logger

import (
	"context"
)

// Logger defines the structured logging contract used by every scheduler component.
// All log methods accept a message string followed by key-value pairs.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs
	Debug(msg string, args ...any)

	// Info logs an info-level message with optional key-value pairs
	Info(msg string, args ...any)

	// Warn logs a warning-level message with optional key-value pairs
	Warn(msg string, args ...any)

	// Error logs an error-level message with optional key-value pairs
	Error(msg string, args ...any)

	// With creates a child logger with additional key-value pairs that will be
	// included in all subsequent log entries
	With(args ...any) Logger

	// WithContext creates a child logger carrying the cycle ID stored in ctx
	WithContext(ctx context.Context) Logger
}

type contextKey string

const cycleIDKey contextKey = "cycle_id"

// ContextWithCycleID stores the scheduling cycle identifier in ctx.
func ContextWithCycleID(ctx context.Context, cycleID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, cycleIDKey, cycleID)
}

// CycleIDFromContext returns the cycle identifier stored in ctx, if any.
func CycleIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if cycleID, ok := ctx.Value(cycleIDKey).(string); ok {
		return cycleID
	}
	return ""
}

// NopLogger discards every entry.
type NopLogger struct{}

// NewNop returns a logger that discards every entry.
func NewNop() Logger { return NopLogger{} }

func (NopLogger) Debug(string, ...any)                  {}
func (NopLogger) Info(string, ...any)                   {}
func (NopLogger) Warn(string, ...any)                   {}
func (NopLogger) Error(string, ...any)                  {}
func (n NopLogger) With(...any) Logger                  { return n }
func (n NopLogger) WithContext(context.Context) Logger { return n }
