package janitor

import (
	"bytes"
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newJanitorTestDB(t *testing.T) (*sql.DB, string) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(pgContainer)
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	const schema = "pgip_lock"
	_, err = db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+schema)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+schema+`.lock (
		channel text PRIMARY KEY,
		app text NOT NULL
	)`)
	require.NoError(t, err)

	return db, schema
}

func TestJanitor_SweepLogsOnlyDeadOwners(t *testing.T) {
	db, schema := newJanitorTestDB(t)
	ctx := context.Background()

	var liveApp string
	require.NoError(t, db.QueryRowContext(ctx, "SELECT current_setting('application_name')").Scan(&liveApp))

	_, err := db.ExecContext(ctx,
		"INSERT INTO "+schema+".lock (channel, app) VALUES ($1, $2), ($3, $4)",
		"orders", liveApp, "shipments", "ghost-app-1234")
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	j := New(db, schema, logger)
	j.sweep()

	out := buf.String()
	assert.Contains(t, out, "shipments")
	assert.Contains(t, out, "ghost-app-1234")
	assert.NotContains(t, out, "channel=orders")
}

func TestJanitor_StartAndStop(t *testing.T) {
	db, schema := newJanitorTestDB(t)

	j := New(db, schema, slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil)))
	require.NoError(t, j.Start("@every 50ms"))
	time.Sleep(120 * time.Millisecond)
	j.Stop()
}

func TestJanitor_Start_InvalidSchedule(t *testing.T) {
	db, schema := newJanitorTestDB(t)
	j := New(db, schema, nil)
	err := j.Start("not a cron schedule")
	assert.Error(t, err)
}
