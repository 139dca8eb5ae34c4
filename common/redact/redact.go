// Package redact strips sensitive values from log output.
//
// The Matrix access token, and any attribute whose key looks like a secret,
// must never appear in a log line. Redaction is best-effort: it works on
// string representations and relies on callers to register the right
// values. It is NOT a substitute for keeping secrets out of log call-sites
// in the first place.
package redact

import (
	"context"
	"log/slog"
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].  Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
//
// Example:
//
//	safe := redact.String(logLine, matrixToken)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Handler is a slog.Handler that redacts records before passing them on.
type Handler struct {
	next   slog.Handler
	values []string
}

// NewHandler wraps next. Every string attribute and message has values
// replaced, and string attributes with a secret-looking key are replaced
// entirely.
func NewHandler(next slog.Handler, values ...string) *Handler {
	return &Handler{next: next, values: values}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, String(r.Message, h.values...), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.attr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = h.attr(a)
	}
	return &Handler{next: h.next.WithAttrs(clean), values: h.values}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), values: h.values}
}

func (h *Handler) attr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		group := v.Group()
		clean := make([]any, len(group))
		for i, g := range group {
			clean[i] = h.attr(g)
		}
		return slog.Group(a.Key, clean...)
	case slog.KindString:
		if isSensitiveKey(a.Key) && v.String() != "" {
			return slog.String(a.Key, placeholder)
		}
		return slog.String(a.Key, String(v.String(), h.values...))
	case slog.KindAny:
		// Errors are rendered so their text can be scrubbed.
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, String(err.Error(), h.values...))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

// isSensitiveKey returns true when the key name suggests it holds a secret.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
