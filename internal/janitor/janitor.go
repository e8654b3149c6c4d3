// Package janitor runs a cron-scheduled sweep over the lock table, logging
// (never deleting) rows whose owning backend has vanished. It is purely
// observational — a visibility companion to each lock's own silent
// acquireInterval re-acquire timer, not a substitute for it.
package janitor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/robfig/cron/v3"
)

// Janitor periodically reports long-held locks whose owner process no
// longer shows up in pg_stat_activity.
type Janitor struct {
	db     *sql.DB
	schema string
	logger *slog.Logger
	cron   *cron.Cron
}

// New builds a Janitor that queries schema's lock table on db.
func New(db *sql.DB, schema string, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{db: db, schema: schema, logger: logger}
}

// Start schedules the sweep per spec and begins running it in the
// background. Call Stop to cancel.
func (j *Janitor) Start(spec string) error {
	j.cron = cron.New()
	_, err := j.cron.AddFunc(spec, j.sweep)
	if err != nil {
		return fmt.Errorf("janitor: invalid schedule %q: %w", spec, err)
	}
	j.cron.Start()
	return nil
}

// Stop cancels the schedule and waits for any in-flight sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

// sweep lists every lock row whose application_name has no live backend in
// pg_stat_activity and logs it. It never deletes a row — stealing a lock is
// the job of the deadlock_check function called from the lock upsert, not
// the janitor's.
func (j *Janitor) sweep() {
	ctx := context.Background()

	query := fmt.Sprintf(`
		SELECT l.channel, l.app
		FROM %s.lock l
		WHERE NOT EXISTS (
			SELECT 1 FROM pg_stat_activity a
			WHERE a.application_name = l.app
		)`, pgx.Identifier{j.schema}.Sanitize())

	rows, err := j.db.QueryContext(ctx, query)
	if err != nil {
		j.logger.Error("janitor: sweep query failed", "error", err)
		return
	}
	defer rows.Close()

	var stale int
	for rows.Next() {
		var channel, app string
		if err := rows.Scan(&channel, &app); err != nil {
			j.logger.Error("janitor: scan failed", "error", err)
			continue
		}
		stale++
		j.logger.Warn("janitor: lock held by dead owner",
			"channel", channel, "app", app)
	}
	if err := rows.Err(); err != nil {
		j.logger.Error("janitor: row iteration failed", "error", err)
		return
	}

	j.logger.Debug("janitor: sweep complete", "stale_locks", stale)
}
