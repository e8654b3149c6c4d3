package pgpubsub

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Notification is a single inbound asynchronous message from the database,
// mirroring the (channel, payload, originating-backend-pid) triple the
// specification's transport collaborator is expected to deliver.
type Notification struct {
	Channel string
	Payload string
	PID     uint32
}

// Conn is the transport collaborator a PubSub instance drives: a single
// dedicated, long-lived connection offering command execution and an
// asynchronous notification stream. It is the seam across which a real
// *pgx.Conn or a test double can be substituted — the specification treats
// this boundary as an external collaborator, out of the core's scope.
type Conn interface {
	// Exec runs a SQL command with no expected result rows (LISTEN,
	// UNLISTEN, NOTIFY, DDL, lock INSERT/DELETE).
	Exec(ctx context.Context, sql string, args ...any) error

	// QueryRow runs a SQL query expected to return at most one row and
	// scans it into dest.
	QueryRow(ctx context.Context, sql string, args []any, dest ...any) error

	// WaitForNotification blocks until a notification arrives or ctx is
	// done, whichever comes first.
	WaitForNotification(ctx context.Context) (*Notification, error)

	// PID returns this connection's server-side backend process id, used
	// for self-message filtering. (The deadlock-check liveness probe
	// searches by application_name, not by pid.)
	PID() uint32

	// ApplicationName returns the identity this connection assigned itself
	// on connect.
	ApplicationName() string

	// Close releases the underlying connection. Idempotent.
	Close(ctx context.Context) error
}

// Dialer constructs a fresh Conn, assigning it a unique ApplicationName.
// The connection supervisor calls it on every (re)connect attempt.
type Dialer func(ctx context.Context) (Conn, error)

// NewPgxDialer returns a Dialer that connects to connString via pgx,
// generating a fresh application_name identity per connection so the
// deadlock-check routine can distinguish live owners from dead ones.
func NewPgxDialer(connString string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		appName := uuid.NewString()
		cfg, err := pgx.ParseConfig(connString)
		if err != nil {
			return nil, fmt.Errorf("pgpubsub: parse connection string: %w", err)
		}
		if cfg.RuntimeParams == nil {
			cfg.RuntimeParams = map[string]string{}
		}
		cfg.RuntimeParams["application_name"] = appName

		conn, err := pgx.ConnectConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("pgpubsub: connect: %w", err)
		}
		return &pgxConn{conn: conn, appName: appName, pid: conn.PgConn().PID()}, nil
	}
}

// pgxConn adapts *pgx.Conn to Conn.
type pgxConn struct {
	conn    *pgx.Conn
	appName string
	pid     uint32
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := c.conn.Exec(ctx, sql, args...)
	return err
}

func (c *pgxConn) QueryRow(ctx context.Context, sql string, args []any, dest ...any) error {
	err := c.conn.QueryRow(ctx, sql, args...).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

func (c *pgxConn) WaitForNotification(ctx context.Context) (*Notification, error) {
	n, err := c.conn.WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return &Notification{Channel: n.Channel, Payload: n.Payload, PID: n.PID}, nil
}

func (c *pgxConn) PID() uint32 { return c.pid }

func (c *pgxConn) ApplicationName() string { return c.appName }

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// quoteIdentifier escapes a channel name for use in LISTEN/UNLISTEN/NOTIFY,
// matching the specification's requirement that identifiers and literals be
// escaped with the database's own quoting functions rather than hand-rolled
// string concatenation.
func quoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// quoteLiteral escapes a string for use as a SQL string literal (NOTIFY's
// payload argument). Postgres literal quoting doubles embedded single
// quotes; backslashes need no special handling outside standard_conforming_strings=off.
func quoteLiteral(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	out = append(out, '\'')
	return string(out)
}
