package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditEntry is one dispatched event.
type AuditEntry struct {
	ID           int64
	Timestamp    time.Time
	TraceID      string
	Conversation string
	UserID       string
	// Event is the dotted event name, e.g. "message.private.friend".
	Event        string
	Via          string
	Command      sql.NullString
	Handled      bool
	ErrorMessage sql.NullString
}

// WriteAudit appends e. A zero Timestamp is set to now.
func (s *Store) WriteAudit(ctx context.Context, e *AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, trace_id, conversation, user_id, event, via, command, handled, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp, e.TraceID, e.Conversation, e.UserID, e.Event, e.Via, e.Command, e.Handled, e.ErrorMessage)
	if err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

const auditColumns = `id, ts, trace_id, conversation, user_id, event, via, command, handled, error_message`

// RecentAudit returns up to limit entries, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	return scanAudit(rows)
}

// AuditByTrace returns every entry of one trace, oldest first.
func (s *Store) AuditByTrace(ctx context.Context, traceID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE trace_id = ? ORDER BY ts ASC, id ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query audit log by trace: %w", err)
	}
	return scanAudit(rows)
}

func scanAudit(rows *sql.Rows) ([]*AuditEntry, error) {
	defer rows.Close()
	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.TraceID, &e.Conversation, &e.UserID,
			&e.Event, &e.Via, &e.Command, &e.Handled, &e.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return entries, nil
}
