package pgpubsub

import (
	"os"
	"strconv"
	"time"
)

// lockTag is the fixed token separating the internal lock-release namespace
// from user channel names: a user channel "X" mangles to "__<lockTag>__:X".
const lockTag = "pgpubsub_lock"

const (
	defaultRetryDelay      = 100 * time.Millisecond
	defaultRetryLimit      = 0 // 0 means unlimited, mirrored from the JS source's Infinity default
	defaultAcquireInterval = 30 * time.Second
	defaultSchemaName      = "pgip_lock"
	defaultShutdownTimeout = 1 * time.Second
)

// Options configures a PubSub instance. DefaultOptions returns a fully
// populated value with environment overrides applied; New also accepts a
// partially populated Options and fills its zero-valued fields via
// withDefaults.
type Options struct {
	// ConnString is passed through to the transport unmodified. Ignored if
	// Conn is set.
	ConnString string

	// Conn, if non-nil, is used instead of dialing ConnString — for reusing
	// an externally constructed connection or for injecting a test double.
	Conn Conn

	// RetryDelay is the wait between reconnection attempts.
	RetryDelay time.Duration

	// RetryLimit bounds reconnection attempts before the supervisor emits a
	// terminal error and closes. Zero means unlimited.
	RetryLimit int

	// AcquireInterval is the period of the channel lock's silent-loss cover
	// re-acquire timer.
	AcquireInterval time.Duration

	// SingleListener enables the inter-process lock so that, per channel,
	// at most one connection is the live listener. Defaults to true; pass
	// a pointer to false to opt into multi-listener mode. A nil value is
	// treated as unset and resolved to the default by withDefaults.
	SingleListener *bool

	// Filtered drops notifications that this connection itself produced,
	// identified by matching server-side backend pid.
	Filtered bool

	// ExecutionLock switches to the "listener everywhere, execute once"
	// variant: the demux never drops a message for lock-contention reasons,
	// it only exposes lock state for the application to consult.
	ExecutionLock bool

	// SchemaName names the schema holding the lock table and functions.
	// Defaults to the SCHEMA_NAME env var, or "pgip_lock".
	SchemaName string

	// ShutdownTimeout bounds the shutdown coordinator's grace window.
	// Defaults to the SHUTDOWN_TIMEOUT env var (milliseconds), or 1s.
	ShutdownTimeout time.Duration

	// Logger receives warnings from the codec and the lock. A nil Logger
	// discards everything.
	Logger Logger
}

// DefaultOptions returns an Options populated with library defaults and any
// SCHEMA_NAME / SHUTDOWN_TIMEOUT environment overrides, with SingleListener
// on. Callers typically copy this and override ConnString/Conn.
func DefaultOptions() Options {
	t := true
	return Options{
		RetryDelay:      defaultRetryDelay,
		RetryLimit:      defaultRetryLimit,
		AcquireInterval: defaultAcquireInterval,
		SingleListener:  &t,
		SchemaName:      schemaNameFromEnv(),
		ShutdownTimeout: shutdownTimeoutFromEnv(),
		Logger:          noopLogger{},
	}
}

// singleListener reports the effective SingleListener setting, defaulting
// to true when unset.
func (o Options) singleListener() bool {
	return o.SingleListener == nil || *o.SingleListener
}

func schemaNameFromEnv() string {
	if v := os.Getenv("SCHEMA_NAME"); v != "" {
		return v
	}
	return defaultSchemaName
}

func shutdownTimeoutFromEnv() time.Duration {
	v := os.Getenv("SHUTDOWN_TIMEOUT")
	if v == "" {
		return defaultShutdownTimeout
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return defaultShutdownTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

// withDefaults fills any zero-valued field of opts with its library default,
// leaving explicit caller values untouched. Used by New so a caller can pass
// a partially-populated Options without calling DefaultOptions first.
func withDefaults(opts Options) Options {
	d := DefaultOptions()
	if opts.RetryDelay == 0 {
		opts.RetryDelay = d.RetryDelay
	}
	if opts.AcquireInterval == 0 {
		opts.AcquireInterval = d.AcquireInterval
	}
	if opts.SchemaName == "" {
		opts.SchemaName = d.SchemaName
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = d.ShutdownTimeout
	}
	if opts.Logger == nil {
		opts.Logger = d.Logger
	}
	if opts.SingleListener == nil {
		opts.SingleListener = d.SingleListener
	}
	return opts
}
