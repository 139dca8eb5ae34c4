// Package audit records what the bot did: every dispatched event goes to the
// SQLite audit log, and major operator-facing events are posted to a Matrix
// audit room when MATRIX_AUDIT_ROOM is set.
//
// Notifications carry the trace ID of the event that caused them so the
// full log entry can be found with AuditByTrace.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/kotoba/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindPluginLoaded   Kind = "plugin.loaded"
	KindPluginUnloaded Kind = "plugin.unloaded"
	KindPluginEnabled  Kind = "plugin.enabled"
	KindPluginDisabled Kind = "plugin.disabled"
	KindCommandToggled Kind = "command.toggled"
	KindCommandFailed  Kind = "command.failed"
	KindSessionKilled  Kind = "session.killed"
	KindConfigChanged  Kind = "config.changed"
	KindError          Kind = "error"
)

// Event carries the data that the notifier formats and sends.
type Event struct {
	Kind Kind
	// Actor is the user that triggered the event.
	Actor string
	// Target is the primary resource affected (plugin path, command name,
	// conversation key).
	Target  string
	Message string
	// TraceID defaults to the trace ID carried by the context.
	TraceID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier posts audit notifications.
type Notifier interface {
	// Notify must not block the caller for long; send failures are
	// logged, not returned.
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client needed by MatrixNotifier.
type Sender interface {
	SendNotice(ctx context.Context, roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix audit room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats evt and posts it to the audit room.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}
	msg := Format(ctx, evt)
	if err := n.sender.SendNotice(ctx, n.roomID, msg); err != nil {
		slog.Warn("audit notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
		return
	}
	slog.Debug("audit notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
}

// Format renders evt as a short multi-line notice.
func Format(ctx context.Context, evt Event) string {
	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}

	icon := kindIcon(evt.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s %s → %s", icon, evt.Target, evt.Message)
	}
	if tid != "" {
		msg = fmt.Sprintf("%s\n  trace: %s", msg, tid)
	}
	if evt.Actor != "" {
		msg = fmt.Sprintf("%s\n  actor: %s", msg, evt.Actor)
	}
	return msg
}

// Noop is used when audit room notifications are disabled.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}

func kindIcon(k Kind) string {
	switch k {
	case KindPluginLoaded:
		return "🟢"
	case KindPluginUnloaded:
		return "⏹️"
	case KindPluginEnabled:
		return "▶️"
	case KindPluginDisabled:
		return "🚫"
	case KindCommandToggled:
		return "🔀"
	case KindCommandFailed:
		return "⚠️"
	case KindSessionKilled:
		return "🗑️"
	case KindConfigChanged:
		return "🔧"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}
