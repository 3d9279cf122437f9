package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns the process logger. level overrides the environment default
// when it names a valid slog level.
func New(appEnv, level string) *slog.Logger {
	return NewWithWriter(os.Stdout, appEnv, level)
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(w io.Writer, appEnv, level string) *slog.Logger {
	def := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		def = slog.LevelDebug
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level, def)})
	return slog.New(h).With("service", "surveyd")
}

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(s string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// Component tags l with the subsystem name.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", name)
}

// ForCall adds the call correlation attributes. Empty values are omitted.
func ForCall(l *slog.Logger, callID, contactID, campaignID string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	attrs := make([]any, 0, 6)
	if callID != "" {
		attrs = append(attrs, "call_id", callID)
	}
	if contactID != "" {
		attrs = append(attrs, "contact_id", contactID)
	}
	if campaignID != "" {
		attrs = append(attrs, "campaign_id", campaignID)
	}
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}
