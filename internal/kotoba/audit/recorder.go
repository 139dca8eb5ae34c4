package audit

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/bdobrica/kotoba/common/trace"
	"github.com/bdobrica/kotoba/internal/kotoba/commands"
	"github.com/bdobrica/kotoba/internal/kotoba/dispatch"
	"github.com/bdobrica/kotoba/internal/kotoba/event"
	"github.com/bdobrica/kotoba/internal/kotoba/store"
)

// Writer is the subset of store.Store the Recorder needs.
type Writer interface {
	WriteAudit(ctx context.Context, e *store.AuditEntry) error
}

// Recorder writes every dispatch result to the audit log and notifies the
// audit room of command failures. It implements dispatch.ResultRecorder.
type Recorder struct {
	writer      Writer
	notifier    Notifier
	contextMode event.ContextMode
	// Unhandled messages are noise in most deployments.
	skipUnhandled bool
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithContextMode sets how conversations are keyed in the log.
func WithContextMode(m event.ContextMode) RecorderOption {
	return func(r *Recorder) { r.contextMode = m }
}

// SkipUnhandled drops messages that nothing handled.
func SkipUnhandled() RecorderOption {
	return func(r *Recorder) { r.skipUnhandled = true }
}

// NewRecorder returns a Recorder. A nil notifier disables notifications.
func NewRecorder(w Writer, n Notifier, opts ...RecorderOption) *Recorder {
	if n == nil {
		n = Noop{}
	}
	r := &Recorder{writer: w, notifier: n, contextMode: event.ContextDefault}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ dispatch.ResultRecorder = (*Recorder)(nil)

// RecordResult implements dispatch.ResultRecorder.
func (r *Recorder) RecordResult(ctx context.Context, ev *event.Event, res dispatch.HandleResult) {
	if r.skipUnhandled && !res.Handled && res.Err == nil && ev.Kind == event.KindMessage {
		return
	}

	entry := &store.AuditEntry{
		TraceID:      trace.FromContext(ctx),
		Conversation: event.ContextID(ev, r.contextMode, false),
		UserID:       ev.UserID,
		Event:        ev.Name(),
		Via:          string(res.Via),
		Handled:      res.Handled,
	}
	if res.Command != nil {
		entry.Command = sql.NullString{String: res.Command.String(), Valid: true}
	}
	if failed(res.Err) {
		entry.ErrorMessage = sql.NullString{String: res.Err.Error(), Valid: true}
	}
	if err := r.writer.WriteAudit(ctx, entry); err != nil {
		slog.Warn("audit: failed to write log entry", "trace_id", entry.TraceID, "err", err)
	}

	if failed(res.Err) && res.Command != nil {
		r.notifier.Notify(ctx, Event{
			Kind:    KindCommandFailed,
			Actor:   ev.UserID,
			Target:  res.Command.String(),
			Message: res.Err.Error(),
		})
	}
}

// failed reports whether err should be logged as a failure. A session that
// needed interaction it was not allowed is not one.
func failed(err error) bool {
	return err != nil && !errors.Is(err, commands.ErrInteractionDisabled)
}
