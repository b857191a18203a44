// Package applog provides the structured logger shared across components.
package applog

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/studyrooms/backend/internal/contextkey"
)

// Logger wraps slog with context-scoped request and correlation fields. No
// principal field is logged, neither the raw nor the hashed address.
type Logger struct {
	slog *slog.Logger
}

// New creates a structured JSON logger at the given level ("debug", "info",
// "warn", "error").
func New(logLevel string) *Logger {
	level := new(slog.Level)
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		*level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	})

	return &Logger{slog: slog.New(handler)}
}

// WithContext returns a logger enriched with the request id and a
// correlation id (per HTTP request, or per gateway connection) pulled from
// the context, when present. The
// hashed principal id never appears in a log line, even indirectly: the
// correlation id lets log lines for the same connection be grouped without
// reversing back to an address.
func (l *Logger) WithContext(ctx context.Context) *slog.Logger {
	handler := l.slog.Handler()

	if reqID, ok := ctx.Value(contextkey.ContextKeyRequestID).(uuid.UUID); ok {
		handler = handler.WithGroup("request").WithAttrs([]slog.Attr{
			slog.String("id", reqID.String()),
		})
	}

	if corrID, ok := ctx.Value(contextkey.ContextKeyCorrelationID).(uuid.UUID); ok {
		handler = handler.WithGroup("connection").WithAttrs([]slog.Attr{
			slog.String("correlation_id", corrID.String()),
		})
	}

	return slog.New(handler)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Info(fmt.Sprintf(msg, args...))
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Warn(fmt.Sprintf(msg, args...))
}

func (l *Logger) Error(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Error(fmt.Sprintf(msg, args...))
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Debug(fmt.Sprintf(msg, args...))
}

// Fatal logs at error level and terminates the process. Reserved for
// unrecoverable startup failures.
func (l *Logger) Fatal(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Error(fmt.Sprintf(msg, args...))
	os.Exit(1)
}
