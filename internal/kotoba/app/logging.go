package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bdobrica/kotoba/common/redact"
	"github.com/bdobrica/kotoba/common/trace"
)

// SetupLogging configures the global slog logger according to the provided
// level and format strings (e.g. level="info", format="json"). secrets are
// redacted from every line.
func SetupLogging(level, format string, secrets ...string) {
	slog.SetDefault(newLogger(os.Stdout, level, format, secrets...))
}

func newLogger(w io.Writer, level, format string, secrets ...string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(redact.NewHandler(handler, secrets...))
}

// logger returns the default logger with the trace_id carried by ctx.
func logger(ctx context.Context) *slog.Logger {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return slog.Default()
	}
	return slog.With("trace_id", traceID)
}
