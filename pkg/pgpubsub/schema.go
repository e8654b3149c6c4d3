package pgpubsub

import (
	"context"
	"errors"
	"fmt"
)

// bootstrapSchema idempotently creates the lock table, the notify-on-delete
// trigger, and the deadlock-check routine inside schemaName. Existence is
// probed via information_schema first; when present the bootstrap is
// skipped entirely. Run again in sequence, every statement below is
// harmless (CREATE ... IF NOT EXISTS, CREATE OR REPLACE, DROP TRIGGER IF
// EXISTS followed by CREATE CONSTRAINT TRIGGER). When two processes race to
// bootstrap a fresh database, a statement can still fail (for example the
// trigger creation); the first error is returned, and ChannelLock.init logs
// it and continues.
func bootstrapSchema(ctx context.Context, conn Conn, schemaName string) error {
	exists, err := schemaExists(ctx, conn, schemaName)
	if err != nil {
		return fmt.Errorf("pgpubsub: probe schema existence: %w", err)
	}
	if exists {
		return nil
	}

	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoteIdentifier(schemaName)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.lock (
				channel text PRIMARY KEY,
				app     text NOT NULL
			)`, quoteIdentifier(schemaName)),
		fmt.Sprintf(`
			CREATE OR REPLACE FUNCTION %s.notify_lock() RETURNS trigger AS $$
			BEGIN
				PERFORM PG_NOTIFY(OLD.channel, '1');
				RETURN OLD;
			END;
			$$ LANGUAGE plpgsql`, quoteIdentifier(schemaName)),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS notify_release_lock_trigger ON %s.lock`, quoteIdentifier(schemaName)),
		fmt.Sprintf(`
			CREATE CONSTRAINT TRIGGER notify_release_lock_trigger
			AFTER DELETE ON %s.lock
			DEFERRABLE INITIALLY DEFERRED
			FOR EACH ROW EXECUTE FUNCTION %s.notify_lock()`,
			quoteIdentifier(schemaName), quoteIdentifier(schemaName)),
		fmt.Sprintf(`
			CREATE OR REPLACE FUNCTION %s.deadlock_check(old_app text, new_app text) RETURNS text AS $$
			DECLARE
				live_count integer;
			BEGIN
				SELECT count(*) INTO live_count
				FROM pg_stat_activity
				WHERE application_name = old_app AND pid != pg_backend_pid();

				IF live_count > 0 THEN
					RAISE EXCEPTION USING ERRCODE = 'P0001', DETAIL = 'LOCKED';
				END IF;

				RETURN new_app;
			END;
			$$ LANGUAGE plpgsql`, quoteIdentifier(schemaName)),
	}

	for _, stmt := range stmts {
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgpubsub: bootstrap schema %s: %w", schemaName, err)
		}
	}
	return nil
}

// schemaExists probes information_schema.schemata for schemaName.
func schemaExists(ctx context.Context, conn Conn, schemaName string) (bool, error) {
	var found string
	err := conn.QueryRow(ctx,
		`SELECT schema_name FROM information_schema.schemata WHERE schema_name = $1`,
		[]any{schemaName}, &found)
	if err != nil {
		if errors.Is(err, ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
