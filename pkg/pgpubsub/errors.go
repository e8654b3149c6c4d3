package pgpubsub

import (
	"errors"
	"fmt"
)

// ErrLocked names the condition the deadlock_check() routine reports
// (SQLSTATE P0001, DETAIL "LOCKED") when a channel lock is already held by a
// live connection. ChannelLock.acquire recognises that database error with
// isLockedError and swallows it — acquisition simply fails — so no function
// in this package returns ErrLocked.
var ErrLocked = errors.New("pgpubsub: channel lock held by a live connection")

// ErrClosed is returned by operations attempted after Close/Destroy.
var ErrClosed = errors.New("pgpubsub: pub/sub instance is closed")

// ErrNotConnected is returned when an operation requires a live connection
// that has not yet been established.
var ErrNotConnected = errors.New("pgpubsub: not connected")

// ErrNoRows is returned by Conn.QueryRow when the query matched no row.
// pgxConn translates pgx.ErrNoRows to this sentinel so callers never need
// to import pgx to recognize it.
var ErrNoRows = errors.New("pgpubsub: no rows in result set")

// ProtocolError reports programmer misuse of the API — e.g. installing a
// second release handler on a lock that already has one. It is always a
// bug in the caller, never a transient condition. Err is nil for pure
// misuse errors; it is set when the misuse was detected while unwinding
// some other failure, so callers can still recover the original cause.
type ProtocolError struct {
	Op  string
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("pgpubsub: protocol error in %s: %s", e.Op, e.Msg)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError builds a ProtocolError for operation op.
func NewProtocolError(op, msg string) *ProtocolError {
	return &ProtocolError{Op: op, Msg: msg}
}
