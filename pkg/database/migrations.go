package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditEntry is one row of the demo's notify_audit_log table.
type AuditEntry struct {
	Channel    string
	Payload    string
	Direction  string
	OccurredAt time.Time
}

// RecordNotification appends one row to the audit log. The demo binary
// calls this from both its outbound Notify wrapper and its inbound message
// handler, so operators can correlate what was published with what each
// listener actually received.
func RecordNotification(ctx context.Context, db *sql.DB, channel, payload, direction string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO notify_audit_log (channel, payload, direction) VALUES ($1, $2, $3)`,
		channel, payload, direction)
	if err != nil {
		return fmt.Errorf("database: record notification: %w", err)
	}
	return nil
}

// RecentNotifications returns the most recent limit audit rows, newest
// first. The demo's HTTP endpoints do not expose it.
func RecentNotifications(ctx context.Context, db *sql.DB, limit int) ([]AuditEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT channel, payload, direction, occurred_at
		 FROM notify_audit_log ORDER BY occurred_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("database: recent notifications: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Channel, &e.Payload, &e.Direction, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("database: scan audit row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
